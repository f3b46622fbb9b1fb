package backtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_BuyDeductsExactCash(t *testing.T) {
	l := newLedger(100000)
	ok, reason := l.buy("AAPL", 10, 150, 1700000000000, "MARKET_BUY")
	require.True(t, ok, reason)

	assert.Equal(t, 98500.0, decToFloat(l.cash))
	require.Len(t, l.positions, 1)
	assert.Equal(t, 10.0, decToFloat(l.positions[0].qty))
	assert.Equal(t, 150.0, decToFloat(l.positions[0].avg))

	require.Len(t, l.trades, 1)
	tr := l.trades[0]
	assert.Equal(t, "trade-000001", tr.ID)
	assert.Equal(t, "BUY", tr.Side)
	assert.Equal(t, "MARKET_BUY", tr.BlockType)
	assert.Nil(t, tr.PnL)
	assert.Equal(t, 100000.0, l.equityFloat())
}

func TestLedger_BuyInsufficientFunds(t *testing.T) {
	l := newLedger(1000)
	ok, reason := l.buy("AAPL", 10, 150, 1, "MARKET_BUY")
	assert.False(t, ok)
	assert.Contains(t, reason, "资金不足")
	assert.Equal(t, 1000.0, decToFloat(l.cash))
	assert.Empty(t, l.positions)
	assert.Empty(t, l.trades)
}

func TestLedger_BuyMergesWeightedAverage(t *testing.T) {
	l := newLedger(100000)
	_, _ = l.buy("AAPL", 10, 100, 1, "MARKET_BUY")
	ok, _ := l.buy("AAPL", 10, 110, 2, "MARKET_BUY")
	require.True(t, ok)

	require.Len(t, l.positions, 1)
	assert.Equal(t, 20.0, decToFloat(l.positions[0].qty))
	assert.Equal(t, 105.0, decToFloat(l.positions[0].avg))
	assert.Equal(t, 97900.0, decToFloat(l.cash))
	assert.Len(t, l.trades, 2)
}

func TestLedger_SellRoundTrip(t *testing.T) {
	l := newLedger(100000)
	_, _ = l.buy("AAPL", 10, 150, 1, "MARKET_BUY")
	l.markToMarket(160)

	tr, ok, reason := l.sell("AAPL", 10, 160, 2, "TAKE_PROFIT")
	require.True(t, ok, reason)

	require.NotNil(t, tr.PnL)
	assert.Equal(t, 100.0, *tr.PnL)
	assert.Equal(t, "SELL", tr.Side)
	assert.Equal(t, 100100.0, decToFloat(l.cash))
	assert.Empty(t, l.positions, "清零持仓应当被移除")
	assert.Equal(t, 100100.0, l.equityFloat())
}

func TestLedger_SellClampsToHolding(t *testing.T) {
	l := newLedger(100000)
	_, _ = l.buy("AAPL", 10, 100, 1, "MARKET_BUY")

	tr, ok, _ := l.sell("AAPL", 50, 110, 2, "MARKET_SELL")
	require.True(t, ok)
	assert.Equal(t, 10.0, tr.Quantity)
	assert.Empty(t, l.positions)
	assert.Equal(t, 100100.0, decToFloat(l.cash))
}

func TestLedger_SellWithoutPosition(t *testing.T) {
	l := newLedger(100000)
	_, ok, reason := l.sell("AAPL", 10, 100, 1, "MARKET_SELL")
	assert.False(t, ok)
	assert.Contains(t, reason, "无 AAPL 持仓")
	assert.Empty(t, l.trades)
}

func TestLedger_PartialSellKeepsRemainder(t *testing.T) {
	l := newLedger(100000)
	_, _ = l.buy("AAPL", 10, 100, 1, "MARKET_BUY")

	tr, ok, _ := l.sell("AAPL", 4, 120, 2, "MARKET_SELL")
	require.True(t, ok)
	require.NotNil(t, tr.PnL)
	assert.Equal(t, 80.0, *tr.PnL)

	require.Len(t, l.positions, 1)
	assert.Equal(t, 6.0, decToFloat(l.positions[0].qty))
	assert.Equal(t, 100.0, decToFloat(l.positions[0].avg), "部分平仓不改均价")
}

func TestLedger_TradeIDsSequential(t *testing.T) {
	l := newLedger(100000)
	_, _ = l.buy("AAPL", 1, 100, 1, "MARKET_BUY")
	_, _ = l.buy("AAPL", 1, 101, 2, "MARKET_BUY")
	_, _, _ = l.sell("AAPL", 2, 102, 3, "MARKET_SELL")

	require.Len(t, l.trades, 3)
	assert.Equal(t, "trade-000001", l.trades[0].ID)
	assert.Equal(t, "trade-000002", l.trades[1].ID)
	assert.Equal(t, "trade-000003", l.trades[2].ID)
}

func TestLedger_MarkToMarketTracksPeak(t *testing.T) {
	l := newLedger(100000)
	_, _ = l.buy("AAPL", 10, 100, 1, "MARKET_BUY")
	l.markToMarket(120)
	l.markToMarket(110)

	snap := l.snapshot()
	require.Len(t, snap.Positions, 1)
	pos := snap.Positions[0]
	assert.Equal(t, 110.0, pos.CurrentPrice)
	assert.Equal(t, 120.0, pos.PeakPrice, "峰值只升不降")
	assert.Equal(t, 100.0, pos.UnrealizedPL)
	assert.Equal(t, 10.0, pos.UnrealizedPLPercent)
	assert.Equal(t, 100100.0, snap.Equity())
}

// 0.01 级的小数反复加减在 float64 上会攒出尾差,
// 账本全程 decimal, 现金必须分毫不差。
func TestLedger_DecimalExactness(t *testing.T) {
	l := newLedger(1)
	for i := 0; i < 3; i++ {
		ok, _ := l.buy("PENNY", 0.1, 0.1, int64(i+1), "MARKET_BUY")
		require.True(t, ok)
	}
	assert.Equal(t, "0.97", l.cash.String())
	assert.Equal(t, 0.97, decToFloat(l.cash))
	assert.Equal(t, 1.0, l.equityFloat())
}
