package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"blocksim/internal/backtest"
	"blocksim/internal/dataset"
	"blocksim/internal/market"
)

const dayMillis = int64(86_400_000)

func dailyBars(n int) []market.Candle {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	out := make([]market.Candle, n)
	for i := range out {
		close := 100 + float64(i)
		out[i] = market.Candle{
			OpenTime:  base + int64(i)*dayMillis,
			Open:      close - 0.5,
			High:      close + 1,
			Low:       close - 1,
			Close:     close,
			Volume:    10,
			CloseTime: base + int64(i+1)*dayMillis - 1,
			Trades:    5,
		}
	}
	return out
}

// gridSource 回测侧的内存数据源。
type gridSource struct {
	bars []market.Candle
}

func (g gridSource) Candles(_ context.Context, _ string, _ string, start, end time.Time) ([]market.Candle, error) {
	var out []market.Candle
	for _, b := range g.bars {
		if b.OpenTime >= start.UnixMilli() && b.OpenTime <= end.UnixMilli() {
			out = append(out, b)
		}
	}
	return out, nil
}

type failSource struct{}

func (failSource) Candles(context.Context, string, string, time.Time, time.Time) ([]market.Candle, error) {
	return nil, errors.New("历史数据不可用")
}

// stubFeed 数据侧的内存拉取源。
type stubFeed struct {
	bars []market.Candle
}

func (s stubFeed) Name() string { return "stub" }

func (s stubFeed) Fetch(_ context.Context, req dataset.FetchRequest) ([]market.Candle, error) {
	var out []market.Candle
	for _, b := range s.bars {
		if req.Start > 0 && b.OpenTime < req.Start {
			continue
		}
		if req.End > 0 && b.OpenTime > req.End {
			continue
		}
		out = append(out, b)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

func newSimulator(t *testing.T, src backtest.CandleSource) *backtest.Simulator {
	t.Helper()
	sim, err := backtest.NewSimulator(backtest.SimulatorConfig{Source: src})
	require.NoError(t, err)
	return sim
}

func newServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	s, err := NewServer(cfg)
	require.NoError(t, err)
	return s
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func doRaw(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func marketBuyStrategy() []map[string]any {
	return []map[string]any{
		{
			"id":     "entry-1",
			"type":   "MARKET_BUY",
			"params": map[string]any{"ticker": "BTCUSDT", "quantity": 1.0},
		},
	}
}

func waitRunStatus(t *testing.T, h http.Handler, id string, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		w := doJSON(t, h, http.MethodGet, "/api/backtest/runs/"+id, nil)
		if w.Code != http.StatusOK {
			return false
		}
		return gjson.GetBytes(w.Body.Bytes(), "run.status").String() == want
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHandleBlocks(t *testing.T) {
	s := newServer(t, Config{})
	w := doJSON(t, s.Handler(), http.MethodGet, "/api/blocks", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.Bytes()
	assert.EqualValues(t, 14, gjson.GetBytes(body, "blocks.#").Int())
	mb := gjson.GetBytes(body, `blocks.#(type=="MARKET_BUY")`)
	require.True(t, mb.Exists())
	assert.Equal(t, "ENTRY", mb.Get("category").String())
	assert.NotEmpty(t, mb.Get("description").String())
	assert.True(t, mb.Get("schema").Exists(), "模板要带参数 schema")

	// 列表按类型名排序, 作者端好找
	first := gjson.GetBytes(body, "blocks.0.type").String()
	last := gjson.GetBytes(body, "blocks.13.type").String()
	assert.Less(t, first, last)
}

func TestHandleValidate(t *testing.T) {
	s := newServer(t, Config{})

	w := doJSON(t, s.Handler(), http.MethodPost, "/api/strategy/validate",
		map[string]any{"blocks": marketBuyStrategy()})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.GetBytes(w.Body.Bytes(), "valid").Bool())

	w = doJSON(t, s.Handler(), http.MethodPost, "/api/strategy/validate",
		map[string]any{"blocks": []any{}})
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.Bytes()
	assert.False(t, gjson.GetBytes(body, "valid").Bool())
	assert.Equal(t, "empty_strategy", gjson.GetBytes(body, "errors.0.code").String())

	w = doRaw(t, s.Handler(), http.MethodPost, "/api/strategy/validate", "{not json")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, gjson.GetBytes(w.Body.Bytes(), "error").String())
}

func TestRunLifecycle(t *testing.T) {
	sim := newSimulator(t, gridSource{bars: dailyBars(10)})
	s := newServer(t, Config{Simulator: sim})
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/backtest/runs", map[string]any{
		"symbol":          "BTCUSDT",
		"start_date":      "2024-01-01",
		"end_date":        "2024-01-10",
		"timeframe":       "1d",
		"initial_capital": 1000.0,
		"blocks":          marketBuyStrategy(),
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := gjson.GetBytes(w.Body.Bytes(), "run.id").String()
	require.NotEmpty(t, id)

	waitRunStatus(t, h, id, "done")

	w = doJSON(t, h, http.MethodGet, "/api/backtest/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.GreaterOrEqual(t, gjson.GetBytes(w.Body.Bytes(), "runs.#").Int(), int64(1))

	w = doJSON(t, h, http.MethodGet, "/api/backtest/runs/"+id+"/trades", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Positive(t, gjson.GetBytes(w.Body.Bytes(), "trades.#").Int())

	w = doJSON(t, h, http.MethodGet, "/api/backtest/runs/"+id+"/equity", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.Bytes()
	assert.Positive(t, gjson.GetBytes(body, "equity_curve.#").Int())
	assert.True(t, gjson.GetBytes(body, "metrics.final_equity").Exists())

	w = doJSON(t, h, http.MethodGet, "/api/backtest/runs/"+id+"/report", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "回测净值")

	// PNG 未启用时明确拒绝而不是挂死在找 Chrome 上
	w = doJSON(t, h, http.MethodGet, "/api/backtest/runs/"+id+"/report.png", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/backtest/runs/no-such-run", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, h, http.MethodDelete, "/api/backtest/runs/no-such-run", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunStartRejections(t *testing.T) {
	sim := newSimulator(t, gridSource{bars: dailyBars(10)})
	s := newServer(t, Config{Simulator: sim})
	h := s.Handler()

	// 结构非法的策略: 只有止盈没有入场
	w := doJSON(t, h, http.MethodPost, "/api/backtest/runs", map[string]any{
		"symbol":     "BTCUSDT",
		"start_date": "2024-01-01",
		"end_date":   "2024-01-10",
		"blocks": []map[string]any{
			{"id": "x", "type": "TAKE_PROFIT", "params": map[string]any{"percentage": 5.0}},
		},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, gjson.GetBytes(w.Body.Bytes(), "error").String(), "策略校验未通过")

	// 区间颠倒
	w = doJSON(t, h, http.MethodPost, "/api/backtest/runs", map[string]any{
		"symbol":     "BTCUSDT",
		"start_date": "2024-02-01",
		"end_date":   "2024-01-01",
		"blocks":     marketBuyStrategy(),
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doRaw(t, h, http.MethodPost, "/api/backtest/runs", "{broken")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunResultEndpointsBeforeFinish(t *testing.T) {
	sim := newSimulator(t, failSource{})
	s := newServer(t, Config{Simulator: sim})
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/backtest/runs", map[string]any{
		"symbol":     "BTCUSDT",
		"start_date": "2024-01-01",
		"end_date":   "2024-01-10",
		"blocks":     marketBuyStrategy(),
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := gjson.GetBytes(w.Body.Bytes(), "run.id").String()

	waitRunStatus(t, h, id, "failed")

	for _, path := range []string{"/trades", "/equity", "/report"} {
		w = doJSON(t, h, http.MethodGet, "/api/backtest/runs/"+id+path, nil)
		require.Equal(t, http.StatusConflict, w.Code, path)
		assert.Contains(t, gjson.GetBytes(w.Body.Bytes(), "error").String(), "尚未产出结果")
	}
}

func TestBacktestUnavailableWithoutSimulator(t *testing.T) {
	s := newServer(t, Config{})
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/backtest/runs", map[string]any{})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = doJSON(t, h, http.MethodGet, "/api/backtest/runs", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDataUnavailableWithoutService(t *testing.T) {
	s := newServer(t, Config{})
	h := s.Handler()

	w := doJSON(t, h, http.MethodGet, "/api/data/jobs", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = doJSON(t, h, http.MethodPost, "/api/data/fetch", map[string]any{})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func newDataService(t *testing.T, bars []market.Candle) *dataset.Service {
	t.Helper()
	store, err := dataset.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	svc, err := dataset.NewService(dataset.ServiceConfig{
		Store:   store,
		Sources: map[string]dataset.Source{"stub": stubFeed{bars: bars}},
	})
	require.NoError(t, err)
	return svc
}

func TestDataFetchFlow(t *testing.T) {
	bars := dailyBars(6)
	svc := newDataService(t, bars)
	s := newServer(t, Config{Data: svc})
	h := s.Handler()

	// 绑定校验: 缺 symbol 直接 400
	w := doJSON(t, h, http.MethodPost, "/api/data/fetch", map[string]any{
		"timeframe": "1d",
		"start_ts":  bars[0].OpenTime,
		"end_ts":    bars[5].OpenTime,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/data/fetch", map[string]any{
		"symbol":    "BTCUSDT",
		"timeframe": "1d",
		"exchange":  "stub",
		"start_ts":  bars[0].OpenTime,
		"end_ts":    bars[5].OpenTime,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	jobID := gjson.GetBytes(w.Body.Bytes(), "job.id").String()
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		w := doJSON(t, h, http.MethodGet, "/api/data/fetch/"+jobID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		return gjson.GetBytes(w.Body.Bytes(), "job.status").String() == "done"
	}, 5*time.Second, 20*time.Millisecond)

	w = doJSON(t, h, http.MethodGet, "/api/data/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, gjson.GetBytes(w.Body.Bytes(), "jobs.#").Int())

	w = doJSON(t, h, http.MethodGet,
		"/api/data/candles?symbol=BTCUSDT&timeframe=1d&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 6, gjson.GetBytes(w.Body.Bytes(), "candles.#").Int())

	w = doJSON(t, h, http.MethodGet, "/api/data/candles?symbol=BTCUSDT", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodGet,
		"/api/data/manifest?symbol=BTCUSDT&timeframe=1d", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 6, gjson.GetBytes(w.Body.Bytes(), "manifest.rows").Int())

	w = doJSON(t, h, http.MethodGet, "/api/data/fetch/no-such-job", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	// catalog 未接时 sets 是服务端配置问题, 不是请求问题
	w = doJSON(t, h, http.MethodGet, "/api/data/sets", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, gjson.GetBytes(w.Body.Bytes(), "error").String(), "catalog 未配置")
}
