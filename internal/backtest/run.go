package backtest

import (
	"errors"
	"fmt"
	"time"

	"blocksim/internal/market"
	"blocksim/internal/strategy"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// 环境级硬失败, 调用方按值分支。
var (
	ErrNoData          = errors.New("区间内没有历史数据")
	ErrInvalidCapital  = errors.New("初始资金必须大于 0")
	ErrInvalidRange    = errors.New("日期区间非法")
	ErrInvalidStrategy = errors.New("策略校验未通过")
)

const dateLayout = "2006-01-02"

// BacktestConfig 一次回测的完整输入。
// StartDate/EndDate 按日闭区间, 格式 2006-01-02。
type BacktestConfig struct {
	Symbol         string           `json:"symbol"`
	StartDate      string           `json:"start_date"`
	EndDate        string           `json:"end_date"`
	Timeframe      string           `json:"timeframe"`
	InitialCapital float64          `json:"initial_capital"`
	Blocks         []strategy.Block `json:"blocks"`
}

// Range 解析日期区间, 右端推到当日最后一毫秒。
func (c BacktestConfig) Range() (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(dateLayout, c.StartDate, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start_date %q", ErrInvalidRange, c.StartDate)
	}
	end, err := time.ParseInLocation(dateLayout, c.EndDate, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end_date %q", ErrInvalidRange, c.EndDate)
	}
	end = end.Add(24*time.Hour - time.Millisecond)
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s 在 %s 之后", ErrInvalidRange, c.StartDate, c.EndDate)
	}
	return start, end, nil
}

// BacktestResult 回测输出, 对相同输入逐字节可复现。
type BacktestResult struct {
	Trades       []market.Trade       `json:"trades"`
	Metrics      PerformanceMetrics   `json:"metrics"`
	EquityCurve  []market.EquityPoint `json:"equity_curve"`
	DailyReturns []float64            `json:"daily_returns"`
}

// Run 一次异步回测任务的登记记录。只存在于进程内,
// 结果落地交给外部 Archiver, 本服务不做持久化。
type Run struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Timeframe   string          `json:"timeframe"`
	Status      string          `json:"status"`
	Progress    float64         `json:"progress"`
	Message     string          `json:"message"`
	Config      BacktestConfig  `json:"config"`
	Result      *BacktestResult `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Terminal 报告任务是否已结束。
func (r Run) Terminal() bool {
	return r.Status == RunStatusDone || r.Status == RunStatusFailed
}
