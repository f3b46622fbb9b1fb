package engine

import (
	"blocksim/internal/indicator"
	"blocksim/internal/market"
)

type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeLive     Mode = "live"
)

// Snapshot 给块处理器看的组合快照。
type Snapshot struct {
	Cash      float64           `json:"cash"`
	Positions []market.Position `json:"positions"`
}

// Equity = cash + 全部持仓市值。
func (s Snapshot) Equity() float64 {
	total := s.Cash
	for _, p := range s.Positions {
		total += p.MarketValue()
	}
	return total
}

// FirstPosition 返回首个持仓。单标的简化下出场块只操作它。
func (s Snapshot) FirstPosition() (market.Position, bool) {
	if len(s.Positions) == 0 {
		return market.Position{}, false
	}
	return s.Positions[0], true
}

// Context 单根 K 线的执行环境。编排器每根重建一份,
// 块处理器只读, 不得改写其中任何字段。
type Context struct {
	Bar       market.Candle
	PrevBar   *market.Candle
	Portfolio Snapshot
	// 命名数值序列, "prices" 是到当前 bar 为止(含)的收盘价历史
	Series map[string][]float64
	Mode   Mode
	// 整条净值曲线迄今的峰值
	PeakEquity float64
	// 距上次平仓成交经过的 K 线数, 从未平仓过为 -1
	BarsSinceExit int
	// 指标缓存, 可为 nil(处理器退回直接计算)
	Cache *indicator.Cache
}

// Prices 取收盘价历史序列。
func (c *Context) Prices() []float64 {
	if c.Series == nil {
		return nil
	}
	return c.Series["prices"]
}
