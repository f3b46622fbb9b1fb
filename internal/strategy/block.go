package strategy

import "strings"

// Category 块所属的协议类别, 决定校验规则与执行语义。
type Category string

const (
	CategoryEntry      Category = "ENTRY"
	CategoryExit       Category = "EXIT"
	CategoryOrders     Category = "ORDERS"
	CategoryIndicators Category = "INDICATORS"
	CategoryLogic      Category = "LOGIC"
	CategoryRisk       Category = "RISK"
)

// Kind 块类型。
type Kind string

const (
	KindMarketBuy    Kind = "MARKET_BUY"
	KindBuyOnDip     Kind = "BUY_ON_DIP"
	KindLimitBuy     Kind = "LIMIT_BUY"
	KindMarketSell   Kind = "MARKET_SELL"
	KindTakeProfit   Kind = "TAKE_PROFIT"
	KindStopLoss     Kind = "STOP_LOSS"
	KindTrailingStop Kind = "TRAILING_STOP"
	KindLimitSell    Kind = "LIMIT_SELL"
	KindCooldown     Kind = "COOLDOWN"
	KindRSISignal    Kind = "RSI_SIGNAL"
	KindMACDCross    Kind = "MACD_CROSS"
	KindMACross      Kind = "MA_CROSS"
	KindPositionSize Kind = "POSITION_SIZE"
	KindMaxDrawdown  Kind = "MAX_DRAWDOWN"
)

var kindCategories = map[Kind]Category{
	KindMarketBuy:    CategoryEntry,
	KindBuyOnDip:     CategoryEntry,
	KindLimitBuy:     CategoryEntry,
	KindMarketSell:   CategoryExit,
	KindTakeProfit:   CategoryExit,
	KindStopLoss:     CategoryExit,
	KindTrailingStop: CategoryExit,
	KindLimitSell:    CategoryOrders,
	KindCooldown:     CategoryLogic,
	KindRSISignal:    CategoryIndicators,
	KindMACDCross:    CategoryIndicators,
	KindMACross:      CategoryIndicators,
	KindPositionSize: CategoryRisk,
	KindMaxDrawdown:  CategoryRisk,
}

// Category 返回该类型的默认类别, 未知类型返回空串。
func (k Kind) Category() Category {
	return kindCategories[k]
}

// Known 报告是否是内建块类型。
func (k Kind) Known() bool {
	_, ok := kindCategories[k]
	return ok
}

// Kinds 返回全部内建类型, 顺序固定。
func Kinds() []Kind {
	return []Kind{
		KindMarketBuy, KindBuyOnDip, KindLimitBuy,
		KindMarketSell, KindTakeProfit, KindStopLoss, KindTrailingStop,
		KindLimitSell, KindCooldown,
		KindRSISignal, KindMACDCross, KindMACross,
		KindPositionSize, KindMaxDrawdown,
	}
}

// Block 策略中的一个积木块。一条策略是有序的 Block 序列,
// 顺序即执行优先级, 不构成依赖图。核心只读不改。
type Block struct {
	ID       string         `json:"id"`
	Kind     Kind           `json:"type"`
	Category Category       `json:"category,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// Normalize 填充缺省类别并规整类型大小写, 返回修正后的副本。
func (b Block) Normalize() Block {
	b.Kind = Kind(strings.ToUpper(strings.TrimSpace(string(b.Kind))))
	if b.Category == "" {
		b.Category = b.Kind.Category()
	}
	if b.Params == nil {
		b.Params = map[string]any{}
	}
	return b
}

// Ticker 取 params.ticker, 没有则返回空串。
func (b Block) Ticker() string {
	if b.Params == nil {
		return ""
	}
	if v, ok := b.Params["ticker"].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
