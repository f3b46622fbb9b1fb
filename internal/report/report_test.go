package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blocksim/internal/backtest"
	"blocksim/internal/market"
)

func sampleResult(n int) *backtest.BacktestResult {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	day := int64(24 * time.Hour / time.Millisecond)
	curve := make([]market.EquityPoint, n)
	for i := range curve {
		curve[i] = market.EquityPoint{Time: base + int64(i)*day, Equity: 100000 + 100*float64(i)}
	}
	pnl := 150.0
	trades := []market.Trade{
		{ID: "trade-000001", Symbol: "AAPL", Side: "BUY", Quantity: 10, Price: 100, Time: curve[1].Time},
		{ID: "trade-000002", Symbol: "AAPL", Side: "SELL", Quantity: 10, Price: 115, Time: curve[len(curve)-1].Time, PnL: &pnl},
	}
	return &backtest.BacktestResult{
		Trades:      trades,
		EquityCurve: curve,
		Metrics: backtest.PerformanceMetrics{
			TotalReturnPercent: 2.9,
			MaxDrawdownPercent: 0,
			SharpeRatio:        1.2,
			WinRate:            100,
			TotalTrades:        2,
			ClosedTrades:       1,
			Wins:               1,
			FinalEquity:        100000 + 100*float64(n-1),
		},
	}
}

func TestRenderHTML_BuildsCharts(t *testing.T) {
	html, err := RenderHTML(Input{Symbol: "aapl", Timeframe: "1d", Result: sampleResult(30)})
	require.NoError(t, err)
	body := string(html)
	assert.Contains(t, body, "echarts")
	assert.Contains(t, body, "AAPL 1d 回测净值")
	assert.Contains(t, body, "SMA20")
	assert.Contains(t, body, "回撤 %")
	assert.Contains(t, body, "买入")
	assert.Contains(t, body, "卖出")
	assert.Contains(t, body, "2024-01-01", "日线横轴按日期格式化")
}

func TestRenderHTML_ShortCurveSkipsOverlay(t *testing.T) {
	html, err := RenderHTML(Input{Symbol: "AAPL", Timeframe: "1d", Result: sampleResult(5)})
	require.NoError(t, err)
	assert.NotContains(t, string(html), "SMA20", "不足一个均线周期时不画均线")
}

func TestRenderHTML_Validation(t *testing.T) {
	_, err := RenderHTML(Input{Timeframe: "1d", Result: sampleResult(5)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbol")

	_, err = RenderHTML(Input{Symbol: "AAPL", Timeframe: "1d"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "净值曲线")

	_, err = RenderHTML(Input{Symbol: "AAPL", Timeframe: "1d", Result: &backtest.BacktestResult{}})
	require.Error(t, err)
}

func TestDrawdownSeries(t *testing.T) {
	curve := []market.EquityPoint{
		{Time: 1, Equity: 100},
		{Time: 2, Equity: 120},
		{Time: 3, Equity: 90},
		{Time: 4, Equity: 126},
	}
	data := drawdownSeries(curve)
	require.Len(t, data, 4)
	assert.Equal(t, 0.0, data[0].Value)
	assert.Equal(t, 0.0, data[1].Value)
	assert.Equal(t, -25.0, data[2].Value)
	assert.Equal(t, 0.0, data[3].Value, "创新高后回撤归零")
}

func TestSmaOverlay(t *testing.T) {
	curve := make([]market.EquityPoint, 21)
	for i := range curve {
		curve[i] = market.EquityPoint{Time: int64(i + 1), Equity: 100}
	}
	data := smaOverlay(curve, 20)
	require.Len(t, data, 21)
	assert.Nil(t, data[18].Value, "预热段空洞")
	assert.Equal(t, 100.0, data[19].Value)
	assert.Equal(t, 100.0, data[20].Value)
}

func TestTradeMarkers(t *testing.T) {
	curve := []market.EquityPoint{
		{Time: 10, Equity: 100},
		{Time: 20, Equity: 110},
		{Time: 30, Equity: 105},
	}
	trades := []market.Trade{
		{Side: "BUY", Time: 20},
		{Side: "SELL", Time: 999},
	}
	buys := tradeMarkers(curve, trades, "BUY", "triangle")
	require.Len(t, buys, 3)
	assert.Nil(t, buys[0].Value)
	assert.Equal(t, 110.0, buys[1].Value)
	assert.Nil(t, buys[2].Value)

	sells := tradeMarkers(curve, trades, "SELL", "pin")
	for _, d := range sells {
		assert.Nil(t, d.Value, "找不到对应 K 线的成交不画")
	}
}

func TestImageResult_DataURI(t *testing.T) {
	img := &ImageResult{Bytes: []byte("abc")}
	uri := img.DataURI()
	assert.Contains(t, uri, "data:image/png;base64,")
	assert.Empty(t, (&ImageResult{}).DataURI())
}
