package dataset

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"blocksim/internal/market"
)

const maxBinanceLimit = 1500

// BinanceConfig 币安合约行情源配置。
type BinanceConfig struct {
	BaseURL  string
	Timeout  time.Duration
	ProxyURL string
}

func (c *BinanceConfig) withDefaults() BinanceConfig {
	out := *c
	out.BaseURL = strings.TrimSpace(out.BaseURL)
	if out.BaseURL == "" {
		out.BaseURL = "https://fapi.binance.com"
	}
	if out.Timeout <= 0 {
		out.Timeout = 15 * time.Second
	}
	out.ProxyURL = strings.TrimSpace(out.ProxyURL)
	return out
}

// BinanceSource 基于 go-binance SDK 拉取历史 K 线。
type BinanceSource struct {
	cfg    BinanceConfig
	client *futures.Client
}

func NewBinanceSource(cfg BinanceConfig) (*BinanceSource, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.BaseURL
	httpClient := &http.Client{Timeout: final.Timeout}
	if final.ProxyURL != "" {
		proxyURL, err := url.Parse(final.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &BinanceSource{cfg: final, client: client}, nil
}

func (s *BinanceSource) Name() string {
	return "binance"
}

func (s *BinanceSource) Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error) {
	// Binance requires symbols without slashes (e.g., ETHUSDT)
	symbol := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(req.Symbol), "/", ""))
	if symbol == "" {
		return nil, fmt.Errorf("symbol 不能为空")
	}
	interval := strings.ToLower(strings.TrimSpace(req.Interval))
	if interval == "" {
		return nil, fmt.Errorf("interval 不能为空")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 500
	}
	if limit > maxBinanceLimit {
		limit = maxBinanceLimit
	}
	svc := s.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
	if req.Start > 0 {
		svc = svc.StartTime(req.Start)
	}
	if req.End > 0 {
		svc = svc.EndTime(req.End)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines: %w", err)
	}
	now := time.Now().UnixMilli()
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		c := market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		}
		// 最后一根可能还在走, 未收盘的不入库
		if c.CloseTime >= now {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
