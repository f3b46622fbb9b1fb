package market

// Position 单标的持仓。在持仓列表中的 Quantity 恒大于 0,
// 清零即从列表移除, 不保留零仓位记录。
// PeakPrice 记录持仓期间标记过的最高价, 供追踪止损使用。
type Position struct {
	Symbol              string  `json:"symbol"`
	Quantity            float64 `json:"quantity"`
	AvgPrice            float64 `json:"avg_price"`
	CurrentPrice        float64 `json:"current_price"`
	PeakPrice           float64 `json:"peak_price"`
	UnrealizedPL        float64 `json:"unrealized_pl"`
	UnrealizedPLPercent float64 `json:"unrealized_pl_percent"`
}

func (p Position) MarketValue() float64 {
	return p.CurrentPrice * p.Quantity
}

// MarkToMarket 按最新价刷新市值、浮盈与峰值, 返回更新后的副本。
func (p Position) MarkToMarket(price float64) Position {
	p.CurrentPrice = price
	if price > p.PeakPrice {
		p.PeakPrice = price
	}
	p.UnrealizedPL = (price - p.AvgPrice) * p.Quantity
	if p.AvgPrice > 0 {
		p.UnrealizedPLPercent = (price - p.AvgPrice) / p.AvgPrice * 100
	}
	return p
}
