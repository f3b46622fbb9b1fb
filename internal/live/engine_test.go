package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blocksim/internal/market"
	"blocksim/internal/strategy"
)

const liveStep = int64(3_600_000)

func liveBase() int64 {
	base := int64(1_700_000_000_000)
	return base - base%liveStep
}

func liveBar(openTime int64, close float64) market.Candle {
	return market.Candle{
		OpenTime:  openTime,
		Open:      close - 0.5,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    10,
		CloseTime: openTime + liveStep - 1,
		Trades:    5,
	}
}

type fakeFeed struct {
	mu        sync.Mutex
	bars      []market.Candle
	err       error
	calls     int
	lastStart int64
	lastEnd   int64
}

func (f *fakeFeed) EnsureRange(_ context.Context, _ string, _ string, start, end int64) ([]market.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastStart, f.lastEnd = start, end
	if f.err != nil {
		return nil, f.err
	}
	var out []market.Candle
	for _, b := range f.bars {
		if b.OpenTime >= start && b.OpenTime <= end {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeFeed) append(b market.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars = append(f.bars, b)
}

func marketBuyBlock(qty float64) strategy.Block {
	return strategy.Block{
		ID:   "entry-1",
		Kind: strategy.KindMarketBuy,
		Params: map[string]any{
			"ticker":   "BTCUSDT",
			"quantity": qty,
		},
	}
}

func takeProfitBlock(pct float64) strategy.Block {
	return strategy.Block{
		ID:     "exit-1",
		Kind:   strategy.KindTakeProfit,
		Params: map[string]any{"percentage": pct},
	}
}

// clockAt 把引擎时钟钉在 openTime 这根 bar 刚收盘后 30 秒。
func clockAt(e *Engine, openTime int64) {
	at := time.UnixMilli(openTime + liveStep + 30_000)
	e.now = func() time.Time { return at }
}

func TestNewEngine_Validation(t *testing.T) {
	feed := &fakeFeed{}
	holder := NewPaperHolder(1000)
	blocks := []strategy.Block{marketBuyBlock(1)}

	_, err := New(EngineConfig{Timeframe: "1h", Blocks: blocks, Feed: feed, Holder: holder})
	require.ErrorContains(t, err, "symbol 不能为空")

	_, err = New(EngineConfig{Symbol: "BTCUSDT", Timeframe: "1h", Blocks: blocks, Holder: holder})
	require.ErrorContains(t, err, "feed 不能为空")

	_, err = New(EngineConfig{Symbol: "BTCUSDT", Timeframe: "1h", Blocks: blocks, Feed: feed})
	require.ErrorContains(t, err, "holder 不能为空")

	_, err = New(EngineConfig{Symbol: "BTCUSDT", Timeframe: "2h", Blocks: blocks, Feed: feed, Holder: holder})
	require.ErrorContains(t, err, "不支持的周期")

	_, err = New(EngineConfig{Symbol: "BTCUSDT", Timeframe: "1h", Feed: feed, Holder: holder})
	require.ErrorContains(t, err, "策略未通过校验")
}

func TestNewEngine_Defaults(t *testing.T) {
	e, err := New(EngineConfig{
		Symbol:    " btcusdt ",
		Timeframe: "1h",
		Blocks:    []strategy.Block{marketBuyBlock(1)},
		Feed:      &fakeFeed{},
		Holder:    NewPaperHolder(1000),
	})
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", e.symbol)
	assert.Equal(t, defaultHistoryBars, e.hist)
	// 1h 的四分之一超出上限, 夹回 1 分钟
	assert.Equal(t, maxPollInterval, e.poll)
	assert.Equal(t, -1, e.barsSinceExit)
}

func TestEngine_TickBuysOnceNewBar(t *testing.T) {
	base := liveBase()
	feed := &fakeFeed{}
	for i := 0; i < 10; i++ {
		feed.append(liveBar(base+int64(i)*liveStep, 100+float64(i)))
	}
	holder := NewPaperHolder(10_000)
	e, err := New(EngineConfig{
		Symbol:    "BTCUSDT",
		Timeframe: "1h",
		Blocks:    []strategy.Block{marketBuyBlock(1)},
		Feed:      feed,
		Holder:    holder,
	})
	require.NoError(t, err)
	clockAt(e, base+9*liveStep)

	require.NoError(t, e.tick(context.Background()))
	fills := holder.Fills()
	require.Len(t, fills, 1)
	assert.Equal(t, "BUY", fills[0].Side)
	assert.Equal(t, 109.0, fills[0].Price)
	assert.Contains(t, fills[0].Reason, "市价买入")

	// 没有新 bar, 第二轮不重复评估
	require.NoError(t, e.tick(context.Background()))
	require.Len(t, holder.Fills(), 1)

	// 新 bar 收盘后再评估一次
	feed.append(liveBar(base+10*liveStep, 111))
	clockAt(e, base+10*liveStep)
	require.NoError(t, e.tick(context.Background()))
	fills = holder.Fills()
	require.Len(t, fills, 2)
	assert.Equal(t, 111.0, fills[1].Price)

	snap, err := holder.Snapshot(context.Background(), 111)
	require.NoError(t, err)
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, 2.0, snap.Positions[0].Quantity)
}

func TestEngine_TickSellResetsExitCounter(t *testing.T) {
	base := liveBase()
	feed := &fakeFeed{}
	feed.append(liveBar(base, 100))
	holder := NewPaperHolder(100)
	e, err := New(EngineConfig{
		Symbol:    "BTCUSDT",
		Timeframe: "1h",
		Blocks:    []strategy.Block{marketBuyBlock(1), takeProfitBlock(5)},
		Feed:      feed,
		Holder:    holder,
	})
	require.NoError(t, err)

	// 第一根: 全仓买入, 止盈无持仓可看
	clockAt(e, base)
	require.NoError(t, e.tick(context.Background()))
	require.Len(t, holder.Fills(), 1)
	assert.Equal(t, -1, e.barsSinceExit, "从未平仓时保持 -1")

	// 第二根涨 10%: 买入因资金不足跳过, 止盈触发
	feed.append(liveBar(base+liveStep, 110))
	clockAt(e, base+liveStep)
	require.NoError(t, e.tick(context.Background()))
	fills := holder.Fills()
	require.Len(t, fills, 2)
	assert.Equal(t, "SELL", fills[1].Side)
	require.NotNil(t, fills[1].PnL)
	assert.InDelta(t, 10.0, *fills[1].PnL, 1e-9)
	assert.Equal(t, 0, e.barsSinceExit)

	// 第三根: 空仓计数推进
	feed.append(liveBar(base+2*liveStep, 111))
	clockAt(e, base+2*liveStep)
	require.NoError(t, e.tick(context.Background()))
	assert.Equal(t, 1, e.barsSinceExit)

	snap, err := holder.Snapshot(context.Background(), 111)
	require.NoError(t, err)
	assert.Empty(t, snap.Positions)
	assert.InDelta(t, 110.0, snap.Cash, 1e-9)
}

func TestEngine_TickRejectsPlaceOrder(t *testing.T) {
	base := liveBase()
	feed := &fakeFeed{}
	feed.append(liveBar(base, 100))
	holder := NewPaperHolder(10_000)
	limitEntry := strategy.Block{
		ID:   "entry-limit",
		Kind: strategy.KindLimitBuy,
		Params: map[string]any{
			"ticker":   "BTCUSDT",
			"quantity": 1.0,
			"price":    50.0,
		},
	}
	e, err := New(EngineConfig{
		Symbol:    "BTCUSDT",
		Timeframe: "1h",
		Blocks:    []strategy.Block{limitEntry},
		Feed:      feed,
		Holder:    holder,
	})
	require.NoError(t, err)
	clockAt(e, base)

	require.NoError(t, e.tick(context.Background()))
	assert.Empty(t, holder.Fills(), "挂单动作被拒绝, 账本不动")
}

func TestEngine_TickFeedError(t *testing.T) {
	feed := &fakeFeed{err: errors.New("boom")}
	e, err := New(EngineConfig{
		Symbol:    "BTCUSDT",
		Timeframe: "1h",
		Blocks:    []strategy.Block{marketBuyBlock(1)},
		Feed:      feed,
		Holder:    NewPaperHolder(1000),
	})
	require.NoError(t, err)

	err = e.tick(context.Background())
	require.ErrorContains(t, err, "拉取最新 K 线失败")
	require.ErrorContains(t, err, "boom")
}

func TestEngine_TickWindowExcludesOpenBar(t *testing.T) {
	base := liveBase()
	feed := &fakeFeed{}
	e, err := New(EngineConfig{
		Symbol:    "BTCUSDT",
		Timeframe: "1h",
		Blocks:    []strategy.Block{marketBuyBlock(1)},
		Feed:      feed,
		Holder:    NewPaperHolder(1000),
	})
	require.NoError(t, err)
	clockAt(e, base)

	require.NoError(t, e.tick(context.Background()))
	// 时钟在 base+step+30s, 窗口末端必须落在 base+step 之前,
	// 进行中的那根不进回看窗口
	assert.Less(t, feed.lastEnd, base+liveStep)
	assert.GreaterOrEqual(t, feed.lastEnd, base)
	assert.Equal(t, feed.lastEnd-int64(e.hist-1)*liveStep, feed.lastStart)
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	e, err := New(EngineConfig{
		Symbol:       "BTCUSDT",
		Timeframe:    "1h",
		Blocks:       []strategy.Block{marketBuyBlock(1)},
		Feed:         &fakeFeed{},
		Holder:       NewPaperHolder(1000),
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run 未随 ctx 取消退出")
	}
}
