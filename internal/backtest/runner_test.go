package backtest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blocksim/internal/market"
	"blocksim/internal/strategy"
)

const dayMs = int64(24 * time.Hour / time.Millisecond)

var barEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

func dailyBar(i int, open, high, low, close float64) market.Candle {
	return market.Candle{
		OpenTime:  barEpoch + int64(i)*dayMs,
		CloseTime: barEpoch + int64(i+1)*dayMs - 1,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    1000,
	}
}

// closeBars 围着收盘价造省事的日线: open=close, 上下各让 1。
func closeBars(closes ...float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = dailyBar(i, c, c+1, c-1, c)
	}
	return out
}

func flatBars(n int, price float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = dailyBar(i, price, price, price, price)
	}
	return out
}

func blk(kind strategy.Kind, params map[string]any) strategy.Block {
	return strategy.Block{ID: "b-" + string(kind), Kind: kind, Params: params}
}

func testConfig(capital float64, blocks ...strategy.Block) BacktestConfig {
	return BacktestConfig{
		Symbol:         "AAPL",
		StartDate:      "2024-01-01",
		EndDate:        "2024-12-31",
		Timeframe:      "1d",
		InitialCapital: capital,
		Blocks:         blocks,
	}
}

func mustRun(t *testing.T, cfg BacktestConfig, bars []market.Candle) *BacktestResult {
	t.Helper()
	r, err := NewRunner(cfg, bars)
	require.NoError(t, err)
	res, err := r.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestNewRunner_Rejections(t *testing.T) {
	bars := closeBars(100, 101)
	buy := blk(strategy.KindMarketBuy, map[string]any{"ticker": "AAPL", "quantity": 1})

	_, err := NewRunner(testConfig(0, buy), bars)
	assert.ErrorIs(t, err, ErrInvalidCapital)

	_, err = NewRunner(testConfig(-5, buy), bars)
	assert.ErrorIs(t, err, ErrInvalidCapital)

	_, err = NewRunner(testConfig(100000, buy), nil)
	assert.ErrorIs(t, err, ErrNoData)

	bad := closeBars(100, 101)
	bad[1].High = 90 // high 低于 close
	_, err = NewRunner(testConfig(100000, buy), bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "历史数据非法")
}

// 市价买入的基础账务: 每根收盘买 10 股, 现金按 数量×收盘 精确扣减,
// 刚成交的持仓按成交价计值, 当根净值不跳动。
func TestRunner_MarketBuyBookkeeping(t *testing.T) {
	cfg := testConfig(100000, blk(strategy.KindMarketBuy, map[string]any{"ticker": "AAPL", "quantity": 10}))
	res := mustRun(t, cfg, closeBars(150, 155))

	require.Len(t, res.Trades, 2)
	first := res.Trades[0]
	assert.Equal(t, "BUY", first.Side)
	assert.Equal(t, 10.0, first.Quantity)
	assert.Equal(t, 150.0, first.Price)
	assert.Equal(t, barEpoch, first.Time)
	assert.Equal(t, "trade-000001", first.ID)

	require.Len(t, res.EquityCurve, 2)
	assert.Equal(t, 100000.0, res.EquityCurve[0].Equity)
	// 第二根: 先把 10 股标记到 155 (净值 100050), 再买 10 股不改净值
	assert.Equal(t, 100050.0, res.EquityCurve[1].Equity)

	require.Len(t, res.DailyReturns, 1)
	assert.InDelta(t, 0.05, res.DailyReturns[0], 1e-9)
	assert.Equal(t, 50.0, res.Metrics.TotalReturn)
	assert.Equal(t, 100050.0, res.Metrics.FinalEquity)
}

// 平坦行情 + 永不触发的策略: 全程零成交, 净值一条直线,
// 收益率与夏普都是 0, 而不是 NaN。
func TestRunner_FlatMarketNoTrades(t *testing.T) {
	cfg := testConfig(100000, blk(strategy.KindStopLoss, map[string]any{"percentage": 10}))
	res := mustRun(t, cfg, flatBars(252, 100))

	assert.Empty(t, res.Trades)
	require.Len(t, res.EquityCurve, 252)
	for _, p := range res.EquityCurve {
		assert.Equal(t, 100000.0, p.Equity)
	}
	require.Len(t, res.DailyReturns, 251)

	m := res.Metrics
	assert.Zero(t, m.TotalReturnPercent)
	assert.Zero(t, m.MaxDrawdown)
	assert.Zero(t, m.SharpeRatio)
	assert.Zero(t, m.TotalTrades)
	assert.False(t, math.IsNaN(m.SharpeRatio))
	assert.Equal(t, 100000.0, m.FinalEquity)
}

// 止损平仓 + 冷却闸门的整条链路:
// 跌破 10% 止损当根即卖出, 随后 3 根冷却期内入场块全部压制。
func TestRunner_StopLossThenCooldown(t *testing.T) {
	cfg := testConfig(100000,
		blk(strategy.KindStopLoss, map[string]any{"percentage": 10}),
		blk(strategy.KindCooldown, map[string]any{"bars": 3}),
		blk(strategy.KindMarketBuy, map[string]any{"ticker": "AAPL", "quantity": 10}),
	)
	bars := closeBars(100, 89, 89, 89, 89)
	res := mustRun(t, cfg, bars)

	// 第 1 根买入; 第 2 根止损卖出后同根再入场 (冷却从下一根才生效);
	// 第 3、4 根冷却压制; 第 5 根冷却期满再买。
	require.Len(t, res.Trades, 4)
	assert.Equal(t, "BUY", res.Trades[0].Side)
	assert.Equal(t, 100.0, res.Trades[0].Price)

	stop := res.Trades[1]
	assert.Equal(t, "SELL", stop.Side)
	assert.Equal(t, "STOP_LOSS", stop.BlockType)
	assert.Equal(t, bars[1].OpenTime, stop.Time)
	require.NotNil(t, stop.PnL)
	assert.Equal(t, -110.0, *stop.PnL)

	assert.Equal(t, bars[1].OpenTime, res.Trades[2].Time, "同根冷却尚未生效, 允许再入场")
	assert.Equal(t, bars[4].OpenTime, res.Trades[3].Time, "冷却期满后的首次买入")
	for _, tr := range res.Trades {
		assert.NotEqual(t, bars[2].OpenTime, tr.Time, "冷却第 1 根不应有成交")
		assert.NotEqual(t, bars[3].OpenTime, tr.Time, "冷却第 2 根不应有成交")
	}

	wantEquity := []float64{100000, 99890, 99890, 99890, 99890}
	require.Len(t, res.EquityCurve, len(wantEquity))
	for i, want := range wantEquity {
		assert.Equal(t, want, res.EquityCurve[i].Equity, "第 %d 根净值", i+1)
	}

	m := res.Metrics
	assert.Equal(t, 1, m.ClosedTrades)
	assert.Equal(t, 1, m.Losses)
	assert.Zero(t, m.WinRate)
	assert.Zero(t, m.ProfitFactor)
	assert.Equal(t, 110.0, m.MaxDrawdown)
	assert.InDelta(t, 0.11, m.MaxDrawdownPercent, 1e-9)
}

// 止盈一轮后净值恰好多出已实现盈亏, 资金守恒逐根成立。
func TestRunner_TakeProfitConservation(t *testing.T) {
	cfg := testConfig(100000,
		blk(strategy.KindTakeProfit, map[string]any{"percentage": 5}),
		blk(strategy.KindMarketBuy, map[string]any{"ticker": "AAPL", "quantity": 10}),
	)
	res := mustRun(t, cfg, closeBars(100, 106, 106))

	require.Len(t, res.Trades, 4)
	tp := res.Trades[1]
	assert.Equal(t, "TAKE_PROFIT", tp.BlockType)
	require.NotNil(t, tp.PnL)
	assert.Equal(t, 60.0, *tp.PnL)

	wantEquity := []float64{100000, 100060, 100060}
	for i, want := range wantEquity {
		assert.Equal(t, want, res.EquityCurve[i].Equity)
	}
	assert.Equal(t, 60.0, res.Metrics.TotalReturn)
	assert.Equal(t, 100.0, res.Metrics.WinRate)
}

// 限价单两段式生命周期: 第 1 根未触及挂单, 第 2 根盘中触及,
// 先按限价结算挂单, 再轮到当根策略评估自己的即时成交。
func TestRunner_PendingLimitOrderFillsAtLimit(t *testing.T) {
	cfg := testConfig(100000, blk(strategy.KindLimitBuy, map[string]any{
		"ticker": "AAPL", "quantity": 5, "price": 140,
	}))
	bars := []market.Candle{
		dailyBar(0, 145, 146, 144, 145), // low 144 > 140: 挂单
		dailyBar(1, 144, 145, 139, 141), // low 139 触及, 开盘未跳空
	}
	res := mustRun(t, cfg, bars)

	require.Len(t, res.Trades, 2)
	pendingFill := res.Trades[0]
	assert.Equal(t, "trade-000001", pendingFill.ID, "挂单结算先于当根评估")
	assert.Equal(t, "BUY", pendingFill.Side)
	assert.Equal(t, 140.0, pendingFill.Price, "成交价恒为限价, 不取更优")
	assert.Equal(t, bars[1].OpenTime, pendingFill.Time)
	assert.Equal(t, "LIMIT_BUY", pendingFill.BlockType)

	immediate := res.Trades[1]
	assert.Equal(t, 140.0, immediate.Price)
	assert.Equal(t, bars[1].OpenTime, immediate.Time)

	// 10 股按 140 计值: 98600 + 1400 = 100000
	assert.Equal(t, 100000.0, res.EquityCurve[1].Equity)
}

// 挂单成交时资金不足: 撤单而非报错, 账本不动。
func TestRunner_PendingOrderCancelledOnInsufficientFunds(t *testing.T) {
	cfg := testConfig(1000, blk(strategy.KindLimitBuy, map[string]any{
		"ticker": "AAPL", "quantity": 100, "price": 140,
	}))
	bars := []market.Candle{
		dailyBar(0, 145, 146, 144, 145),
		dailyBar(1, 144, 145, 139, 141),
		dailyBar(2, 141, 142, 140.5, 141),
	}
	res := mustRun(t, cfg, bars)

	assert.Empty(t, res.Trades)
	for _, p := range res.EquityCurve {
		assert.Equal(t, 1000.0, p.Equity)
	}
	assert.Zero(t, res.Metrics.TotalTrades)
}

// 追踪止损: 浮盈达到 5% 启动, 收盘自峰值回撤 4% 清仓。
func TestRunner_TrailingStopArmsThenFires(t *testing.T) {
	cfg := testConfig(100000,
		blk(strategy.KindTrailingStop, map[string]any{"trigger_percentage": 5, "trail_percentage": 4}),
		blk(strategy.KindMarketBuy, map[string]any{"ticker": "AAPL", "quantity": 10}),
	)
	bars := closeBars(100, 103, 110, 105)
	res := mustRun(t, cfg, bars)

	var sells []market.Trade
	for _, tr := range res.Trades {
		if tr.Side == "SELL" {
			sells = append(sells, tr)
		}
	}
	require.Len(t, sells, 1)
	sell := sells[0]
	assert.Equal(t, "TRAILING_STOP", sell.BlockType)
	assert.Equal(t, bars[3].OpenTime, sell.Time, "峰值 110 回撤超过容忍时触发")
	assert.Equal(t, 30.0, sell.Quantity, "清仓全量")
	assert.Equal(t, 105.0, sell.Price)
	require.NotNil(t, sell.PnL)
	assert.InDelta(t, 20.0, *sell.PnL, 1e-6)
}

// MAX_DRAWDOWN 熔断卖出后, 本根剩余块不再评估:
// 现金明明够再买, 入场块也轮不到。
func TestRunner_MaxDrawdownHaltsRemainingBlocks(t *testing.T) {
	cfg := testConfig(10000,
		blk(strategy.KindMaxDrawdown, map[string]any{"percentage": 10}),
		blk(strategy.KindMarketBuy, map[string]any{"ticker": "AAPL", "quantity": 90}),
	)
	res := mustRun(t, cfg, closeBars(100, 80))

	require.Len(t, res.Trades, 2)
	halt := res.Trades[1]
	assert.Equal(t, "SELL", halt.Side)
	assert.Equal(t, "MAX_DRAWDOWN", halt.BlockType)
	assert.Equal(t, 90.0, halt.Quantity)
	require.NotNil(t, halt.PnL)
	assert.Equal(t, -1800.0, *halt.PnL)
	assert.Equal(t, 8200.0, res.Metrics.FinalEquity)
}

// 相同输入跑两遍, 结果必须逐字节一致: trades 的 ID、顺序、
// 净值曲线、指标, 深比较全等。
func TestRunner_Deterministic(t *testing.T) {
	closes := make([]float64, 0, 60)
	for i := 0; i < 60; i++ {
		closes = append(closes, 100+10*math.Sin(float64(i)/3)+float64(i)*0.1)
	}
	cfg := testConfig(100000,
		blk(strategy.KindMACross, map[string]any{
			"ticker": "AAPL", "quantity": 10, "fast_period": 3, "slow_period": 8,
		}),
		blk(strategy.KindStopLoss, map[string]any{"percentage": 6}),
		blk(strategy.KindCooldown, map[string]any{"bars": 2}),
	)

	run := func() *BacktestResult {
		return mustRun(t, cfg, closeBars(closes...))
	}
	first := run()
	second := run()

	require.NotEmpty(t, first.Trades, "样本行情应当产生成交, 否则测试没有意义")
	require.Equal(t, first, second)
}

func TestRunner_CancelBeforeStart(t *testing.T) {
	cfg := testConfig(100000, blk(strategy.KindMarketBuy, map[string]any{"ticker": "AAPL", "quantity": 1}))
	r, err := NewRunner(cfg, closeBars(100, 101, 102))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := r.Run(ctx)
	assert.Nil(t, res, "取消后不返回半截曲线")
	assert.ErrorIs(t, err, context.Canceled)
}

// 进度回调里触发取消: 正在跑的那根结束后退出,
// 不返回部分结果。
func TestRunner_CancelMidRun(t *testing.T) {
	cfg := testConfig(100000, blk(strategy.KindStopLoss, map[string]any{"percentage": 10}))
	r, err := NewRunner(cfg, flatBars(100, 100))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var lastDone int
	r.SetProgressFunc(func(done, total int) {
		lastDone = done
		if done >= 10 {
			cancel()
		}
	})

	res, err := r.Run(ctx)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, lastDone, 10)
	assert.Less(t, lastDone, 100, "取消应当在尾根之前生效")
}

func TestRunner_ProgressReachesTotal(t *testing.T) {
	cfg := testConfig(100000, blk(strategy.KindStopLoss, map[string]any{"percentage": 10}))
	r, err := NewRunner(cfg, flatBars(37, 100))
	require.NoError(t, err)

	var calls [][2]int
	r.SetProgressFunc(func(done, total int) {
		calls = append(calls, [2]int{done, total})
	})
	_, err = r.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, 37, last[0], "末根必报")
	assert.Equal(t, 37, last[1])
}
