package backtest

import (
	"math"

	"blocksim/internal/market"
)

// 年化系数: 日频收益按 252 个交易日折算。
const annualizeFactor = 252

// PerformanceMetrics 全部由完结的 trades 与 equityCurve 推导,
// 是纯函数输出, 不携带过程状态。
type PerformanceMetrics struct {
	TotalReturn        float64 `json:"total_return"`
	TotalReturnPercent float64 `json:"total_return_percent"`
	MaxDrawdown        float64 `json:"max_drawdown"`
	MaxDrawdownPercent float64 `json:"max_drawdown_percent"`
	SharpeRatio        float64 `json:"sharpe_ratio"`
	WinRate            float64 `json:"win_rate"`
	ProfitFactor       float64 `json:"profit_factor"`
	TotalTrades        int     `json:"total_trades"`
	ClosedTrades       int     `json:"closed_trades"`
	Wins               int     `json:"wins"`
	Losses             int     `json:"losses"`
	FinalEquity        float64 `json:"final_equity"`
}

func computeMetrics(initialCapital float64, trades []market.Trade, curve []market.EquityPoint, dailyReturns []float64) PerformanceMetrics {
	m := PerformanceMetrics{TotalTrades: len(trades)}
	if len(curve) == 0 {
		return m
	}
	final := curve[len(curve)-1].Equity
	m.FinalEquity = final
	m.TotalReturn = final - initialCapital
	if initialCapital > 0 {
		m.TotalReturnPercent = m.TotalReturn / initialCapital * 100
	}

	// 单次前向扫描: 维护运行峰值, 记录最深的峰谷差
	peak := curve[0].Equity
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		dd := peak - p.Equity
		if dd > m.MaxDrawdown {
			m.MaxDrawdown = dd
			if peak > 0 {
				m.MaxDrawdownPercent = dd / peak * 100
			}
		}
	}

	m.SharpeRatio = sharpe(dailyReturns)

	// 胜率与盈亏比只看携带 pnl 的平仓 (SELL) 成交
	var grossWin, grossLoss float64
	for _, t := range trades {
		if t.Side != "SELL" || t.PnL == nil {
			continue
		}
		m.ClosedTrades++
		switch {
		case *t.PnL > 0:
			m.Wins++
			grossWin += *t.PnL
		case *t.PnL < 0:
			m.Losses++
			grossLoss += -*t.PnL
		}
	}
	if m.ClosedTrades > 0 {
		m.WinRate = float64(m.Wins) / float64(m.ClosedTrades) * 100
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	}
	return m
}

// sharpe 年化夏普: mean/std × √252, 零波动时约定为 0。
func sharpe(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var varSum float64
	for _, r := range returns {
		d := r - mean
		varSum += d * d
	}
	std := math.Sqrt(varSum / float64(len(returns)))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(annualizeFactor)
}
