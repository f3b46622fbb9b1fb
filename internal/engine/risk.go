package engine

import (
	"blocksim/internal/strategy"
)

// POSITION_SIZE 当前设计下只做提示: 算出最大允许仓位金额写进 reason,
// 不改变后续块的下单数量。这是已知的能力边界, 不要悄悄 "修好" 它。
func (e *Engine) positionSize(b strategy.Block, ctx *Context) *Action {
	var p strategy.PositionSizeParams
	if err := strategy.DecodeParams(b, &p); err != nil {
		return skipAction(b, "参数解码失败: %v", err)
	}
	if p.Percentage <= 0 || p.Percentage > 100 {
		return skipAction(b, "POSITION_SIZE percentage 非法: %.2f", p.Percentage)
	}
	equity := ctx.Portfolio.Equity()
	maxAlloc := equity * p.Percentage / 100
	return skipAction(b, "仓位上限提示: %.1f%% × 净值 %.2f = %.2f, 不影响后续下单",
		p.Percentage, equity, maxAlloc)
}

// MAX_DRAWDOWN 拿整条净值曲线的峰值比较当前净值,
// 回撤越限即清掉第一个持仓。引擎层在看到这个 SELL 后
// 会熔断本根剩余块的评估。
func (e *Engine) maxDrawdown(b strategy.Block, ctx *Context) *Action {
	var p strategy.MaxDrawdownParams
	if err := strategy.DecodeParams(b, &p); err != nil {
		return skipAction(b, "参数解码失败: %v", err)
	}
	if p.Percentage <= 0 || p.Percentage > 100 {
		return skipAction(b, "MAX_DRAWDOWN percentage 非法: %.2f", p.Percentage)
	}
	peak := ctx.PeakEquity
	if peak <= 0 {
		return skipAction(b, "净值峰值未建立, 回撤不评估")
	}
	equity := ctx.Portfolio.Equity()
	dd := (peak - equity) / peak * 100
	if dd <= p.Percentage {
		return skipAction(b, "回撤 %.2f%% 在 %.2f%% 限内", dd, p.Percentage)
	}
	pos, ok := ctx.Portfolio.FirstPosition()
	if !ok {
		return skipAction(b, "回撤 %.2f%% 超限但无持仓, 无法熔断平仓", dd)
	}
	return sellAction(b, pos.Symbol, pos.Quantity, ctx.Bar.Close,
		"MAX_DRAWDOWN 熔断: 回撤 %.2f%% 超过 %.2f%%, 清仓", dd, p.Percentage)
}
