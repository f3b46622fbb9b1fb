package live

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"blocksim/internal/engine"
	"blocksim/internal/market"
)

// PortfolioHolder 承接实时信号的组合一侧。实现方负责真正落地买卖,
// 纸面账本、券商网关都算; reason 来自触发信号的块, 实现应把它
// 写进自己的成交留痕。资金不足这类拒单通过 error 上抛,
// 轮询循环只记日志, 不中断。
type PortfolioHolder interface {
	Buy(ctx context.Context, symbol string, qty, price float64, reason string) error
	Sell(ctx context.Context, symbol string, qty, price float64, reason string) error
	// Snapshot 先把持仓标记到 markPrice 再给快照,
	// 保证出场块看到的浮盈和峰值价是最新收盘口径。
	Snapshot(ctx context.Context, markPrice float64) (engine.Snapshot, error)
}

// Fill 纸面账本的一笔成交留痕, 比回测成交多一条触发原因。
type Fill struct {
	market.Trade
	Reason string `json:"reason"`
}

type paperPosition struct {
	symbol string
	qty    decimal.Decimal
	avg    decimal.Decimal
	cur    decimal.Decimal
	peak   decimal.Decimal
}

// PaperHolder 内存纸面账本, 演示与联调用的默认 PortfolioHolder。
// 资金运算走 decimal, 口径与回测账本一致; 带锁,
// 轮询循环和外部查询可以同时访问。进程退出即清零, 不落盘。
type PaperHolder struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	positions []*paperPosition
	fills     []Fill
	fillSeq   int
}

func NewPaperHolder(initialCapital float64) *PaperHolder {
	if initialCapital < 0 || math.IsNaN(initialCapital) || math.IsInf(initialCapital, 0) {
		initialCapital = 0
	}
	return &PaperHolder{cash: decimal.NewFromFloat(initialCapital)}
}

func (h *PaperHolder) nextFillID() string {
	h.fillSeq++
	return fmt.Sprintf("paper-%06d", h.fillSeq)
}

func (h *PaperHolder) find(symbol string) *paperPosition {
	for _, p := range h.positions {
		if p.symbol == symbol {
			return p
		}
	}
	return nil
}

// Buy 按给定价买入。资金不足或参数非法返回 error, 不动账本。
// 已有同标的持仓时并入并重算加权均价。
func (h *PaperHolder) Buy(_ context.Context, symbol string, qty, price float64, reason string) error {
	if qty <= 0 || price <= 0 {
		return fmt.Errorf("买入参数非法: qty=%.4f price=%.4f", qty, price)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	q := decimal.NewFromFloat(qty)
	px := decimal.NewFromFloat(price)
	cost := px.Mul(q)
	if cost.GreaterThan(h.cash) {
		return fmt.Errorf("资金不足: 需要 %s, 仅剩 %s", cost.StringFixed(2), h.cash.StringFixed(2))
	}
	h.cash = h.cash.Sub(cost)
	if pos := h.find(symbol); pos != nil {
		total := pos.qty.Add(q)
		pos.avg = pos.avg.Mul(pos.qty).Add(cost).Div(total)
		pos.qty = total
		pos.cur = px
		if px.GreaterThan(pos.peak) {
			pos.peak = px
		}
	} else {
		h.positions = append(h.positions, &paperPosition{
			symbol: symbol, qty: q, avg: px, cur: px, peak: px,
		})
	}
	h.fills = append(h.fills, Fill{
		Trade: market.Trade{
			ID: h.nextFillID(), Symbol: symbol, Side: "BUY",
			Quantity: qty, Price: price, Time: time.Now().UnixMilli(),
		},
		Reason: reason,
	})
	return nil
}

// Sell 按给定价卖出, 数量收敛到持仓上限, 不支持卖空。
// 清零的持仓从列表移除, 平仓留痕带已实现盈亏。
func (h *PaperHolder) Sell(_ context.Context, symbol string, qty, price float64, reason string) error {
	if qty <= 0 || price <= 0 {
		return fmt.Errorf("卖出参数非法: qty=%.4f price=%.4f", qty, price)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	pos := h.find(symbol)
	if pos == nil {
		return fmt.Errorf("无 %s 持仓, 卖出忽略", symbol)
	}
	q := decimal.NewFromFloat(qty)
	if q.GreaterThan(pos.qty) {
		q = pos.qty
	}
	px := decimal.NewFromFloat(price)
	pnl, _ := px.Sub(pos.avg).Mul(q).Float64()
	h.cash = h.cash.Add(px.Mul(q))
	pos.qty = pos.qty.Sub(q)
	if !pos.qty.IsPositive() {
		h.remove(symbol)
	}
	soldQty, _ := q.Float64()
	h.fills = append(h.fills, Fill{
		Trade: market.Trade{
			ID: h.nextFillID(), Symbol: symbol, Side: "SELL",
			Quantity: soldQty, Price: price, Time: time.Now().UnixMilli(),
			PnL: &pnl,
		},
		Reason: reason,
	})
	return nil
}

func (h *PaperHolder) remove(symbol string) {
	for i, p := range h.positions {
		if p.symbol == symbol {
			h.positions = append(h.positions[:i], h.positions[i+1:]...)
			return
		}
	}
}

// Snapshot 把全部持仓标记到 markPrice 后给出组合快照。
// 单标的场景下全账本就一个持仓, 统一标记不会串价。
func (h *PaperHolder) Snapshot(_ context.Context, markPrice float64) (engine.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if markPrice > 0 {
		px := decimal.NewFromFloat(markPrice)
		for _, p := range h.positions {
			p.cur = px
			if px.GreaterThan(p.peak) {
				p.peak = px
			}
		}
	}
	cash, _ := h.cash.Float64()
	out := engine.Snapshot{Cash: cash}
	for _, p := range h.positions {
		qty, _ := p.qty.Float64()
		avg, _ := p.avg.Float64()
		cur, _ := p.cur.Float64()
		peak, _ := p.peak.Float64()
		upl, _ := p.cur.Sub(p.avg).Mul(p.qty).Float64()
		pos := market.Position{
			Symbol:       p.symbol,
			Quantity:     qty,
			AvgPrice:     avg,
			CurrentPrice: cur,
			PeakPrice:    peak,
			UnrealizedPL: upl,
		}
		if p.avg.IsPositive() {
			pos.UnrealizedPLPercent, _ = p.cur.Sub(p.avg).Div(p.avg).Mul(decimal.NewFromInt(100)).Float64()
		}
		out.Positions = append(out.Positions, pos)
	}
	return out, nil
}

// Fills 返回成交留痕的副本, 按发生顺序。
func (h *PaperHolder) Fills() []Fill {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Fill, len(h.fills))
	copy(out, h.fills)
	return out
}
