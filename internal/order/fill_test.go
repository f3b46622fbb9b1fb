package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blocksim/internal/market"
)

func testBar(open, high, low, close float64) market.Candle {
	return market.Candle{
		OpenTime:  1700000000000,
		CloseTime: 1700003599999,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    1000,
	}
}

func TestMarketOrderFillsAtClose(t *testing.T) {
	o := New("AAPL", TypeMarket, SideBuy, 10, 0, 1700000000000, "MARKET_BUY")
	r := Check(o, testBar(150, 152, 149, 151), nil)
	require.True(t, r.Filled)
	require.Equal(t, 151.0, r.FillPrice)
	assert.NotEmpty(t, r.Reason)
}

func TestLimitBuyRespectsLow(t *testing.T) {
	o := New("AAPL", TypeLimit, SideBuy, 5, 140, 1700000000000, "LIMIT_BUY")

	miss := Check(o, testBar(145, 146, 141, 144), nil)
	require.False(t, miss.Filled)
	assert.NotEmpty(t, miss.Reason)

	hit := Check(o, testBar(145, 146, 139, 144), nil)
	require.True(t, hit.Filled)
	// 成交价恒为限价, 不取更优的 bar low
	require.Equal(t, 140.0, hit.FillPrice)
}

func TestLimitSellRespectsHigh(t *testing.T) {
	o := New("AAPL", TypeLimit, SideSell, 5, 160, 1700000000000, "LIMIT_SELL")

	miss := Check(o, testBar(150, 159, 148, 155), nil)
	require.False(t, miss.Filled)

	hit := Check(o, testBar(150, 161, 148, 155), nil)
	require.True(t, hit.Filled)
	require.Equal(t, 160.0, hit.FillPrice)
}

func TestTerminalOrderNeverRefills(t *testing.T) {
	for _, st := range []Status{StatusFilled, StatusCancelled} {
		o := New("AAPL", TypeMarket, SideBuy, 1, 0, 1700000000000, "MARKET_BUY")
		o.Status = st
		r := Check(o, testBar(150, 152, 149, 151), nil)
		require.False(t, r.Filled, "终结态 %s 不得再次成交", st)
		assert.Contains(t, r.Reason, string(st))
	}
}

func TestStopSellAppliesAdverseSlippage(t *testing.T) {
	o := New("AAPL", TypeStop, SideSell, 5, 100, 1700000000000, "STOP_LOSS")
	r := Check(o, testBar(102, 105, 95, 96), nil)
	require.True(t, r.Filled)
	require.InDelta(t, 99.9, r.FillPrice, 1e-9)
}

func TestStopSellSlippageClampedToBarLow(t *testing.T) {
	o := New("AAPL", TypeStop, SideSell, 5, 100, 1700000000000, "STOP_LOSS")
	// 理论滑点价 99.9 低于当根 low, 收敛到 99.95
	r := Check(o, testBar(102, 105, 99.95, 101), nil)
	require.True(t, r.Filled)
	require.InDelta(t, 99.95, r.FillPrice, 1e-9)
}

func TestStopBuyAppliesAdverseSlippage(t *testing.T) {
	o := New("AAPL", TypeStop, SideBuy, 5, 100, 1700000000000, "LIMIT_BUY")
	r := Check(o, testBar(98, 103, 97, 102), nil)
	require.True(t, r.Filled)
	require.InDelta(t, 100.1, r.FillPrice, 1e-9)
}

func TestStopNotTriggered(t *testing.T) {
	sell := New("AAPL", TypeStop, SideSell, 5, 100, 1700000000000, "STOP_LOSS")
	r := Check(sell, testBar(105, 107, 101, 106), nil)
	require.False(t, r.Filled)

	buy := New("AAPL", TypeStop, SideBuy, 5, 110, 1700000000000, "LIMIT_BUY")
	r = Check(buy, testBar(105, 108, 104, 107), nil)
	require.False(t, r.Filled)
}

func TestStopLimitFillsAtExactPrice(t *testing.T) {
	o := New("AAPL", TypeStopLimit, SideSell, 5, 100, 1700000000000, "STOP_LOSS")
	r := Check(o, testBar(102, 105, 95, 96), nil)
	require.True(t, r.Filled)
	// 触发条件与 STOP 相同, 但按限价原价成交
	require.Equal(t, 100.0, r.FillPrice)
}

func TestGapLimitBuyFillsAtOpen(t *testing.T) {
	prev := testBar(148, 150, 147, 149)
	o := New("AAPL", TypeLimit, SideBuy, 5, 140, 1700000000000, "LIMIT_BUY")

	// 有前一根: 开盘已跳空到限价之下, 按开盘价成交
	gap := Check(o, testBar(135, 138, 134, 137), &prev)
	require.True(t, gap.Filled)
	require.Equal(t, 135.0, gap.FillPrice)

	// 无前一根: 走盘中路径, 仍按限价成交
	plain := Check(o, testBar(135, 138, 134, 137), nil)
	require.True(t, plain.Filled)
	require.Equal(t, 140.0, plain.FillPrice)
}

func TestGapStopSellFillsAtOpenWithSlippage(t *testing.T) {
	prev := testBar(102, 104, 101, 103)
	o := New("AAPL", TypeStop, SideSell, 5, 100, 1700000000000, "STOP_LOSS")
	r := Check(o, testBar(90, 92, 88, 91), &prev)
	require.True(t, r.Filled)
	require.InDelta(t, 90*(1-SlippagePct), r.FillPrice, 1e-9)
}

func TestGapStopLimitKeepsExactPrice(t *testing.T) {
	prev := testBar(102, 104, 101, 103)
	o := New("AAPL", TypeStopLimit, SideSell, 5, 100, 1700000000000, "STOP_LOSS")
	r := Check(o, testBar(90, 92, 88, 91), &prev)
	require.True(t, r.Filled)
	require.Equal(t, 100.0, r.FillPrice)
}

func TestUnknownOrderType(t *testing.T) {
	o := New("AAPL", Type("ICEBERG"), SideBuy, 5, 100, 1700000000000, "")
	r := Check(o, testBar(100, 101, 99, 100), nil)
	require.False(t, r.Filled)
	assert.Contains(t, r.Reason, "ICEBERG")
}

func TestNilOrder(t *testing.T) {
	r := Check(nil, testBar(100, 101, 99, 100), nil)
	require.False(t, r.Filled)
	require.NotEmpty(t, r.Reason)
}

func TestStatusTransitions(t *testing.T) {
	o := New("AAPL", TypeLimit, SideBuy, 5, 140, 1700000000000, "LIMIT_BUY")
	require.Equal(t, StatusPending, o.Status)
	require.NoError(t, o.Fill())
	require.Equal(t, StatusFilled, o.Status)
	// 终结态不允许任何方向的再流转
	assert.Error(t, o.Cancel())
	assert.Error(t, o.Fill())
	assert.Equal(t, StatusFilled, o.Status)

	o2 := New("AAPL", TypeLimit, SideSell, 5, 160, 1700000000000, "LIMIT_SELL")
	require.NoError(t, o2.Cancel())
	assert.Error(t, o2.Fill())
	assert.Equal(t, StatusCancelled, o2.Status)
}
