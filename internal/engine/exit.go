package engine

import (
	"blocksim/internal/order"
	"blocksim/internal/strategy"
)

// 出场块只操作组合快照里的第一个持仓 (单标的简化)。
// 无持仓是预期情况, 降级为 SKIP。

func (e *Engine) marketSell(b strategy.Block, ctx *Context) *Action {
	pos, ok := ctx.Portfolio.FirstPosition()
	if !ok {
		return skipAction(b, "无持仓可卖")
	}
	var p strategy.MarketSellParams
	if err := strategy.DecodeParams(b, &p); err != nil {
		return skipAction(b, "参数解码失败: %v", err)
	}
	qty := pos.Quantity
	if p.Quantity > 0 && p.Quantity < qty {
		qty = p.Quantity
	}
	return sellAction(b, pos.Symbol, qty, ctx.Bar.Close,
		"市价卖出 %.4f × %.2f", qty, ctx.Bar.Close)
}

func (e *Engine) takeProfit(b strategy.Block, ctx *Context) *Action {
	pos, ok := ctx.Portfolio.FirstPosition()
	if !ok {
		return skipAction(b, "无持仓, 止盈不评估")
	}
	var p strategy.TakeProfitParams
	if err := strategy.DecodeParams(b, &p); err != nil {
		return skipAction(b, "参数解码失败: %v", err)
	}
	if p.Percentage <= 0 {
		return skipAction(b, "TAKE_PROFIT 缺少 percentage")
	}
	if pos.AvgPrice <= 0 {
		return skipAction(b, "持仓均价非法: %.4f", pos.AvgPrice)
	}
	gain := (ctx.Bar.Close - pos.AvgPrice) / pos.AvgPrice * 100
	if gain < p.Percentage {
		return skipAction(b, "浮盈 %.2f%% 未达到止盈线 %.2f%%", gain, p.Percentage)
	}
	return sellAction(b, pos.Symbol, pos.Quantity, ctx.Bar.Close,
		"止盈触发: %.2f%% gain ≥ %.2f%%", gain, p.Percentage)
}

func (e *Engine) stopLoss(b strategy.Block, ctx *Context) *Action {
	pos, ok := ctx.Portfolio.FirstPosition()
	if !ok {
		return skipAction(b, "无持仓, 止损不评估")
	}
	var p strategy.StopLossParams
	if err := strategy.DecodeParams(b, &p); err != nil {
		return skipAction(b, "参数解码失败: %v", err)
	}
	if p.Percentage <= 0 {
		return skipAction(b, "STOP_LOSS 缺少 percentage")
	}
	if pos.AvgPrice <= 0 {
		return skipAction(b, "持仓均价非法: %.4f", pos.AvgPrice)
	}
	loss := (pos.AvgPrice - ctx.Bar.Close) / pos.AvgPrice * 100
	if loss < p.Percentage {
		return skipAction(b, "浮亏 %.2f%% 未触及止损线 %.2f%%", loss, p.Percentage)
	}
	return sellAction(b, pos.Symbol, pos.Quantity, ctx.Bar.Close,
		"止损触发: %.2f%% loss ≥ %.2f%% 阈值", loss, p.Percentage)
}

// TRAILING_STOP: 浮盈先达到 trigger_percentage 启动追踪,
// 之后收盘价自持仓峰值回撤 trail_percentage 即清仓。
func (e *Engine) trailingStop(b strategy.Block, ctx *Context) *Action {
	pos, ok := ctx.Portfolio.FirstPosition()
	if !ok {
		return skipAction(b, "无持仓, 追踪止损不评估")
	}
	var p strategy.TrailingStopParams
	if err := strategy.DecodeParams(b, &p); err != nil {
		return skipAction(b, "参数解码失败: %v", err)
	}
	if p.TriggerPercentage <= 0 || p.TrailPercentage <= 0 {
		return skipAction(b, "TRAILING_STOP 缺少 trigger_percentage/trail_percentage")
	}
	peak := pos.PeakPrice
	if peak <= 0 || pos.AvgPrice <= 0 {
		return skipAction(b, "缺少持仓峰值, 追踪未启动")
	}
	peakGain := (peak - pos.AvgPrice) / pos.AvgPrice * 100
	if peakGain < p.TriggerPercentage {
		return skipAction(b, "峰值浮盈 %.2f%% 未达启动线 %.2f%%", peakGain, p.TriggerPercentage)
	}
	drop := (peak - ctx.Bar.Close) / peak * 100
	if drop < p.TrailPercentage {
		return skipAction(b, "距峰值回撤 %.2f%% 在 %.2f%% 容忍内", drop, p.TrailPercentage)
	}
	return sellAction(b, pos.Symbol, pos.Quantity, ctx.Bar.Close,
		"追踪止损: 峰值 %.4f 回撤 %.2f%% ≥ %.2f%%", peak, drop, p.TrailPercentage)
}

// LIMIT_SELL: 当根 high 已触及限价直接按限价卖出, 否则挂限价卖单。
func (e *Engine) limitSell(b strategy.Block, ctx *Context) *Action {
	pos, ok := ctx.Portfolio.FirstPosition()
	if !ok {
		return skipAction(b, "无持仓, 限价卖出不评估")
	}
	var p strategy.LimitSellParams
	if err := strategy.DecodeParams(b, &p); err != nil {
		return skipAction(b, "参数解码失败: %v", err)
	}
	if p.Price <= 0 {
		return skipAction(b, "LIMIT_SELL 缺少 price")
	}
	qty := pos.Quantity
	if p.Quantity > 0 && p.Quantity < qty {
		qty = p.Quantity
	}
	if ctx.Bar.High >= p.Price {
		return sellAction(b, pos.Symbol, qty, p.Price,
			"限价卖出立即成交: high %.4f ≥ 限价 %.4f", ctx.Bar.High, p.Price)
	}
	return placeOrderAction(b, pos.Symbol, order.TypeLimit, order.SideSell, qty, p.Price,
		"挂限价卖单 @ %.4f, 当根 high %.4f 未触及", p.Price, ctx.Bar.High)
}
