package engine

import (
	"math"
	"strings"

	"blocksim/internal/indicator"
	"blocksim/internal/strategy"
)

// 指标信号块。全部从 ctx.Series["prices"] 取收盘价历史,
// 历史长度不足是预期情况, 直接 SKIP。
// 看涨信号买入给定数量, 看跌信号平掉第一个持仓。

func (e *Engine) rsiSignal(b strategy.Block, ctx *Context) *Action {
	var p strategy.RSISignalParams
	if err := strategy.DecodeParams(b, &p); err != nil {
		return skipAction(b, "参数解码失败: %v", err)
	}
	p = p.WithDefaults()
	if strings.TrimSpace(p.Ticker) == "" || p.Quantity <= 0 {
		return skipAction(b, "RSI_SIGNAL 缺少 ticker 或 quantity")
	}
	if p.Threshold <= 0 {
		return skipAction(b, "RSI_SIGNAL 未配置 threshold")
	}
	prices := ctx.Prices()
	need := p.Period + 1
	if len(prices) < need {
		return skipAction(b, "历史不足: RSI(%d) 需要 %d 根, 仅 %d", p.Period, need, len(prices))
	}
	series := e.cachedRSI(ctx, prices, p.Period)
	last := series[len(series)-1]
	if math.IsNaN(last) {
		return skipAction(b, "RSI 尚未形成")
	}
	oversold := p.Threshold
	overbought := 100 - p.Threshold
	switch {
	case last <= oversold:
		cost := p.Quantity * ctx.Bar.Close
		if cost > ctx.Portfolio.Cash {
			return skipAction(b, "RSI %.2f 超卖, 但资金不足 (需要 %.2f)", last, cost)
		}
		return buyAction(b, p.Ticker, p.Quantity, ctx.Bar.Close,
			"RSI %.2f ≤ 超卖线 %.2f, 买入", last, oversold)
	case last >= overbought:
		pos, ok := ctx.Portfolio.FirstPosition()
		if !ok {
			return skipAction(b, "RSI %.2f 超买, 但无持仓可卖", last)
		}
		return sellAction(b, pos.Symbol, pos.Quantity, ctx.Bar.Close,
			"RSI %.2f ≥ 超买线 %.2f, 卖出", last, overbought)
	default:
		return skipAction(b, "RSI %.2f 在 (%.2f, %.2f) 区间, 无信号", last, oversold, overbought)
	}
}

func (e *Engine) macdCross(b strategy.Block, ctx *Context) *Action {
	var p strategy.MACDCrossParams
	if err := strategy.DecodeParams(b, &p); err != nil {
		return skipAction(b, "参数解码失败: %v", err)
	}
	p = p.WithDefaults()
	if strings.TrimSpace(p.Ticker) == "" || p.Quantity <= 0 {
		return skipAction(b, "MACD_CROSS 缺少 ticker 或 quantity")
	}
	if p.Fast >= p.Slow {
		return skipAction(b, "MACD 参数非法: fast %d ≥ slow %d", p.Fast, p.Slow)
	}
	prices := ctx.Prices()
	need := p.Slow + p.Signal
	if len(prices) < need {
		return skipAction(b, "历史不足: MACD(%d,%d,%d) 需要 %d 根, 仅 %d",
			p.Fast, p.Slow, p.Signal, need, len(prices))
	}
	macd, sig := e.cachedMACD(ctx, prices, p.Fast, p.Slow, p.Signal)
	i := len(prices) - 1
	switch {
	case indicator.CrossAbove(macd, sig, i):
		cost := p.Quantity * ctx.Bar.Close
		if cost > ctx.Portfolio.Cash {
			return skipAction(b, "MACD 金叉, 但资金不足 (需要 %.2f)", cost)
		}
		return buyAction(b, p.Ticker, p.Quantity, ctx.Bar.Close,
			"MACD 金叉: %.4f 上穿 %.4f, 买入", macd[i], sig[i])
	case indicator.CrossBelow(macd, sig, i):
		pos, ok := ctx.Portfolio.FirstPosition()
		if !ok {
			return skipAction(b, "MACD 死叉, 但无持仓可卖")
		}
		return sellAction(b, pos.Symbol, pos.Quantity, ctx.Bar.Close,
			"MACD 死叉: %.4f 下穿 %.4f, 卖出", macd[i], sig[i])
	default:
		return skipAction(b, "MACD 无交叉信号")
	}
}

func (e *Engine) maCross(b strategy.Block, ctx *Context) *Action {
	var p strategy.MACrossParams
	if err := strategy.DecodeParams(b, &p); err != nil {
		return skipAction(b, "参数解码失败: %v", err)
	}
	p = p.WithDefaults()
	if strings.TrimSpace(p.Ticker) == "" || p.Quantity <= 0 {
		return skipAction(b, "MA_CROSS 缺少 ticker 或 quantity")
	}
	if p.FastPeriod >= p.SlowPeriod {
		return skipAction(b, "均线参数非法: fast_period %d ≥ slow_period %d", p.FastPeriod, p.SlowPeriod)
	}
	prices := ctx.Prices()
	need := 2 * p.SlowPeriod
	if len(prices) < need {
		return skipAction(b, "历史不足: MA(%d,%d) 需要 %d 根, 仅 %d",
			p.FastPeriod, p.SlowPeriod, need, len(prices))
	}
	fast := e.cachedSMA(ctx, prices, p.FastPeriod)
	slow := e.cachedSMA(ctx, prices, p.SlowPeriod)
	i := len(prices) - 1
	switch {
	case indicator.CrossAbove(fast, slow, i):
		cost := p.Quantity * ctx.Bar.Close
		if cost > ctx.Portfolio.Cash {
			return skipAction(b, "均线金叉, 但资金不足 (需要 %.2f)", cost)
		}
		return buyAction(b, p.Ticker, p.Quantity, ctx.Bar.Close,
			"均线金叉: MA%d %.4f 上穿 MA%d %.4f, 买入",
			p.FastPeriod, fast[i], p.SlowPeriod, slow[i])
	case indicator.CrossBelow(fast, slow, i):
		pos, ok := ctx.Portfolio.FirstPosition()
		if !ok {
			return skipAction(b, "均线死叉, 但无持仓可卖")
		}
		return sellAction(b, pos.Symbol, pos.Quantity, ctx.Bar.Close,
			"均线死叉: MA%d %.4f 下穿 MA%d %.4f, 卖出",
			p.FastPeriod, fast[i], p.SlowPeriod, slow[i])
	default:
		return skipAction(b, "均线无交叉信号")
	}
}

// 有缓存走缓存, 没有就直接计算。

func (e *Engine) cachedSMA(ctx *Context, prices []float64, period int) []float64 {
	if ctx.Cache != nil {
		return ctx.Cache.SMA(prices, period)
	}
	return indicator.SMA(prices, period)
}

func (e *Engine) cachedRSI(ctx *Context, prices []float64, period int) []float64 {
	if ctx.Cache != nil {
		return ctx.Cache.RSI(prices, period)
	}
	return indicator.RSI(prices, period)
}

func (e *Engine) cachedMACD(ctx *Context, prices []float64, fast, slow, signal int) (macd, sig []float64) {
	if ctx.Cache != nil {
		m, s, _ := ctx.Cache.MACD(prices, fast, slow, signal)
		return m, s
	}
	m, s, _ := indicator.MACD(prices, fast, slow, signal)
	return m, s
}
