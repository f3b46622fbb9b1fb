package backtest

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"blocksim/internal/engine"
	"blocksim/internal/market"
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

// ledgerPosition 内部持仓记录, 数量与价格全部用 decimal 持有,
// 只有对外快照才降级成 float64。
type ledgerPosition struct {
	symbol string
	qty    decimal.Decimal
	avg    decimal.Decimal
	cur    decimal.Decimal
	peak   decimal.Decimal
}

// ledger 单次回测的资金账本: cash、持仓与成交记录的唯一持有者,
// 全程 decimal 运算, 保证 equity == cash + Σ(price×qty) 精确成立。
// 不做并发保护, 一次 run 一本账, 不跨 run 共享。
type ledger struct {
	cash      decimal.Decimal
	positions []*ledgerPosition
	trades    []market.Trade
	tradeSeq  int
}

func newLedger(initialCapital float64) *ledger {
	return &ledger{cash: decFromFloat(initialCapital)}
}

// 成交号在单次 run 内单调递增, 保证两次相同输入的 run
// 产出逐字节相同的 trades。
func (l *ledger) nextTradeID() string {
	l.tradeSeq++
	return fmt.Sprintf("trade-%06d", l.tradeSeq)
}

// markToMarket 把全部持仓标记到最新收盘价, 并推进持仓峰值。
func (l *ledger) markToMarket(close float64) {
	price := decFromFloat(close)
	for _, p := range l.positions {
		p.cur = price
		if price.GreaterThan(p.peak) {
			p.peak = price
		}
	}
}

func (l *ledger) equity() decimal.Decimal {
	total := l.cash
	for _, p := range l.positions {
		total = total.Add(p.cur.Mul(p.qty))
	}
	return total
}

func (l *ledger) equityFloat() float64 {
	return decToFloat(l.equity())
}

// snapshot 构造给块处理器看的只读组合视图。
func (l *ledger) snapshot() engine.Snapshot {
	out := engine.Snapshot{Cash: decToFloat(l.cash)}
	if len(l.positions) == 0 {
		return out
	}
	out.Positions = make([]market.Position, 0, len(l.positions))
	for _, p := range l.positions {
		pos := market.Position{
			Symbol:       p.symbol,
			Quantity:     decToFloat(p.qty),
			AvgPrice:     decToFloat(p.avg),
			CurrentPrice: decToFloat(p.cur),
			PeakPrice:    decToFloat(p.peak),
			UnrealizedPL: decToFloat(p.cur.Sub(p.avg).Mul(p.qty)),
		}
		if p.avg.IsPositive() {
			pos.UnrealizedPLPercent = decToFloat(p.cur.Sub(p.avg).Div(p.avg).Mul(decimal.NewFromInt(100)))
		}
		out.Positions = append(out.Positions, pos)
	}
	return out
}

func (l *ledger) findPosition(symbol string) *ledgerPosition {
	for _, p := range l.positions {
		if p.symbol == symbol {
			return p
		}
	}
	return nil
}

// buy 按给定价格买入。资金不足是预期情况, 返回 false 与原因,
// 不动账本。已有同标的持仓时并入并重算加权均价。
func (l *ledger) buy(symbol string, qty, price float64, ts int64, blockType string) (bool, string) {
	if qty <= 0 || price <= 0 {
		return false, fmt.Sprintf("买入参数非法: qty=%.4f price=%.4f", qty, price)
	}
	q := decFromFloat(qty)
	px := decFromFloat(price)
	cost := px.Mul(q)
	if cost.GreaterThan(l.cash) {
		return false, fmt.Sprintf("资金不足: 需要 %s, 仅剩 %s", cost.StringFixed(2), l.cash.StringFixed(2))
	}
	l.cash = l.cash.Sub(cost)
	if pos := l.findPosition(symbol); pos != nil {
		total := pos.qty.Add(q)
		pos.avg = pos.avg.Mul(pos.qty).Add(cost).Div(total)
		pos.qty = total
		pos.cur = px
		if px.GreaterThan(pos.peak) {
			pos.peak = px
		}
	} else {
		l.positions = append(l.positions, &ledgerPosition{
			symbol: symbol, qty: q, avg: px, cur: px, peak: px,
		})
	}
	l.trades = append(l.trades, market.Trade{
		ID: l.nextTradeID(), Symbol: symbol, Side: "BUY",
		Quantity: qty, Price: price, Time: ts, BlockType: blockType,
	})
	return true, ""
}

// sell 按给定价格卖出, 数量收敛到持仓上限。卖空不支持,
// 无持仓返回 false。数量清零的持仓从列表移除, 不保留零记录。
// 平仓成交携带已实现盈亏。
func (l *ledger) sell(symbol string, qty, price float64, ts int64, blockType string) (market.Trade, bool, string) {
	pos := l.findPosition(symbol)
	if pos == nil {
		return market.Trade{}, false, fmt.Sprintf("无 %s 持仓, 卖出忽略", symbol)
	}
	if qty <= 0 || price <= 0 {
		return market.Trade{}, false, fmt.Sprintf("卖出参数非法: qty=%.4f price=%.4f", qty, price)
	}
	q := decFromFloat(qty)
	if q.GreaterThan(pos.qty) {
		q = pos.qty
	}
	px := decFromFloat(price)
	proceeds := px.Mul(q)
	pnl := px.Sub(pos.avg).Mul(q)
	l.cash = l.cash.Add(proceeds)
	pos.qty = pos.qty.Sub(q)
	if !pos.qty.IsPositive() {
		l.removePosition(symbol)
	}
	pnlF := decToFloat(pnl)
	trade := market.Trade{
		ID: l.nextTradeID(), Symbol: symbol, Side: "SELL",
		Quantity: decToFloat(q), Price: price, Time: ts, BlockType: blockType,
		PnL: &pnlF,
	}
	l.trades = append(l.trades, trade)
	return trade, true, ""
}

func (l *ledger) removePosition(symbol string) {
	for i, p := range l.positions {
		if p.symbol == symbol {
			l.positions = append(l.positions[:i], l.positions[i+1:]...)
			return
		}
	}
}
