package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	talib "github.com/markcheno/go-talib"

	"blocksim/internal/backtest"
	"blocksim/internal/market"
)

// Input 一份回测报告的素材。
type Input struct {
	Symbol    string
	Timeframe string
	Result    *backtest.BacktestResult
}

// ImageResult PNG 渲染产物。
type ImageResult struct {
	Bytes       []byte `json:"-"`
	Base64      string `json:"base64"`
	Filename    string `json:"filename"`
	Description string `json:"description"`
}

func (r *ImageResult) DataURI() string {
	if r == nil {
		return ""
	}
	if r.Base64 == "" && len(r.Bytes) > 0 {
		r.Base64 = base64.StdEncoding.EncodeToString(r.Bytes)
	}
	if r.Base64 == "" {
		return ""
	}
	return "data:image/png;base64," + r.Base64
}

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorEquity        = "#3b82f6"
	colorOverlay       = "#fbbf24"
	colorBuy           = "#34d399"
	colorSell          = "#f87171"
	colorDrawdown      = "#f87171"

	chartWidthPx     = 1600
	equityHeightPx   = 600
	drawdownHeightPx = 260

	overlayPeriod = 20
)

// RenderHTML 产出自包含的 echarts 页面。
func RenderHTML(input Input) ([]byte, error) {
	page, _, err := buildPage(input)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderPNG 经无头浏览器把页面截成 PNG。没有可用 Chrome 时直接报错,
// 探测只做一次。
func RenderPNG(ctx context.Context, input Input) (ImageResult, error) {
	if err := EnsureHeadlessAvailable(ctx); err != nil {
		return ImageResult{}, err
	}
	page, desc, err := buildPage(input)
	if err != nil {
		return ImageResult{}, err
	}
	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return ImageResult{}, err
	}
	height := equityHeightPx + drawdownHeightPx
	if height < 520 {
		height = 520
	}
	png, err := renderHTMLToPNG(ctx, buf.Bytes(), chartWidthPx, height)
	if err != nil {
		return ImageResult{}, err
	}
	name := strings.ToLower(strings.TrimSpace(input.Symbol))
	if tf := strings.TrimSpace(input.Timeframe); tf != "" {
		name = name + "_" + strings.ToLower(tf)
	}
	return ImageResult{
		Bytes:       png,
		Base64:      base64.StdEncoding.EncodeToString(png),
		Filename:    name + "_report.png",
		Description: desc,
	}, nil
}

var (
	headlessOnce sync.Once
	headlessErr  error
)

func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		targetCtx := ctx
		if targetCtx == nil {
			targetCtx = context.Background()
		}
		parent, cancel := chromedp.NewContext(targetCtx)
		if cancel != nil {
			defer cancel()
		}
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

func buildPage(input Input) (*components.Page, string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(input.Symbol))
	if symbol == "" {
		return nil, "", fmt.Errorf("symbol 不能为空")
	}
	if input.Result == nil || len(input.Result.EquityCurve) == 0 {
		return nil, "", fmt.Errorf("%s 没有可绘制的净值曲线", symbol)
	}
	res := input.Result
	curve := res.EquityCurve
	m := res.Metrics

	desc := fmt.Sprintf("%s %s | 收益 %.2f%% | 最大回撤 %.2f%% | 夏普 %.2f | 胜率 %.1f%% | 交易 %d",
		symbol, input.Timeframe, m.TotalReturnPercent, m.MaxDrawdownPercent, m.SharpeRatio, m.WinRate, m.TotalTrades)

	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	xAxis := buildXAxis(curve, input.Timeframe)
	page.AddCharts(
		buildEquityChart(symbol, input.Timeframe, xAxis, curve, res.Trades, m),
		buildDrawdownChart(input.Timeframe, xAxis, curve),
	)
	return page, desc, nil
}

func buildEquityChart(symbol, timeframe string, xAxis []string, curve []market.EquityPoint, trades []market.Trade, m backtest.PerformanceMetrics) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", equityHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:         fmt.Sprintf("%s %s 回测净值", symbol, timeframe),
			Subtitle:      fmt.Sprintf("收益 %.2f%% | 夏普 %.2f | 胜率 %.1f%% (%d/%d)", m.TotalReturnPercent, m.SharpeRatio, m.WinRate, m.Wins, m.ClosedTrades),
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("净值", equitySeries(curve),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	if len(curve) >= overlayPeriod {
		line.AddSeries(fmt.Sprintf("SMA%d", overlayPeriod), smaOverlay(curve, overlayPeriod),
			charts.WithLineStyleOpts(opts.LineStyle{Color: colorOverlay, Width: 2}),
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		)
	}

	scatter := charts.NewScatter()
	scatter.SetXAxis(xAxis)
	scatter.AddSeries("买入", tradeMarkers(curve, trades, "BUY", "triangle"),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: colorBuy}),
	)
	scatter.AddSeries("卖出", tradeMarkers(curve, trades, "SELL", "pin"),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: colorSell}),
	)
	line.Overlap(scatter)
	return line
}

func buildDrawdownChart(timeframe string, xAxis []string, curve []market.EquityPoint) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", drawdownHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: "回撤 %", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary, Formatter: "{value}%"},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	line.SetXAxis(xAxis)
	line.AddSeries("回撤", drawdownSeries(curve),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown, Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		charts.WithAreaStyleOpts(opts.AreaStyle{Color: colorDrawdown, Opacity: opts.Float(0.25)}),
	)
	return line
}

func axisTimeLayout(timeframe string) string {
	switch strings.ToLower(strings.TrimSpace(timeframe)) {
	case "1d", "3d", "7d", "1w":
		return "2006-01-02"
	default:
		return "01-02 15:04"
	}
}

func buildXAxis(curve []market.EquityPoint, timeframe string) []string {
	layout := axisTimeLayout(timeframe)
	x := make([]string, len(curve))
	for i, p := range curve {
		x[i] = time.UnixMilli(p.Time).UTC().Format(layout)
	}
	return x
}

func equitySeries(curve []market.EquityPoint) []opts.LineData {
	data := make([]opts.LineData, len(curve))
	for i, p := range curve {
		data[i] = opts.LineData{Value: round(p.Equity, 2)}
	}
	return data
}

// smaOverlay 净值的滑动均线, 预热段不画。
func smaOverlay(curve []market.EquityPoint, period int) []opts.LineData {
	values := make([]float64, len(curve))
	for i, p := range curve {
		values[i] = p.Equity
	}
	sma := talib.Sma(values, period)
	data := make([]opts.LineData, len(curve))
	for i := range data {
		if i < period-1 {
			data[i] = opts.LineData{Value: nil}
			continue
		}
		data[i] = opts.LineData{Value: round(sma[i], 2)}
	}
	return data
}

// drawdownSeries 相对运行峰值的回撤, 取负百分比画在零轴下方。
func drawdownSeries(curve []market.EquityPoint) []opts.LineData {
	data := make([]opts.LineData, len(curve))
	peak := math.Inf(-1)
	for i, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		dd := 0.0
		if peak > 0 {
			dd = (p.Equity - peak) / peak * 100
		}
		data[i] = opts.LineData{Value: round(dd, 2)}
	}
	return data
}

// tradeMarkers 逐根对齐的散点, 只有成交所在的那根有值。
func tradeMarkers(curve []market.EquityPoint, trades []market.Trade, side, symbol string) []opts.ScatterData {
	index := make(map[int64]int, len(curve))
	for i, p := range curve {
		index[p.Time] = i
	}
	data := make([]opts.ScatterData, len(curve))
	for i := range data {
		data[i] = opts.ScatterData{Value: nil}
	}
	for _, tr := range trades {
		if tr.Side != side {
			continue
		}
		i, ok := index[tr.Time]
		if !ok {
			continue
		}
		data[i] = opts.ScatterData{
			Value:      round(curve[i].Equity, 2),
			Symbol:     symbol,
			SymbolSize: 12,
		}
	}
	return data
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}

func renderHTMLToPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}
