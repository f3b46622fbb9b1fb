package config

import "strings"

// Config 是 blocksim 的主配置载体。
type Config struct {
	App      AppConfig      `toml:"app"`
	Server   ServerConfig   `toml:"server"`
	Data     DataConfig     `toml:"data"`
	Backtest BacktestConfig `toml:"backtest"`
	Blocks   BlocksConfig   `toml:"blocks"`
	Report   ReportConfig   `toml:"report"`
	Live     LiveConfig     `toml:"live"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// DataConfig 描述本地 K 线库与可用的数据源。
type DataConfig struct {
	Root            string        `toml:"root"`
	CatalogPath     string        `toml:"catalog_path"`
	DefaultExchange string        `toml:"default_exchange"`
	CSVDir          string        `toml:"csv_dir"`
	RateLimitPerMin int           `toml:"rate_limit_per_min"`
	MaxBatch        int           `toml:"max_batch"`
	MaxConcurrent   int           `toml:"max_concurrent"`
	Binance         BinanceConfig `toml:"binance"`
}

type BinanceConfig struct {
	Enabled        bool   `toml:"enabled"`
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	ProxyURL       string `toml:"proxy_url"`
}

type BacktestConfig struct {
	MaxConcurrent    int     `toml:"max_concurrent"`
	DefaultTimeframe string  `toml:"default_timeframe"`
	DefaultCapital   float64 `toml:"default_capital"`
}

// BlocksConfig 指向可选的块定义覆盖文件 (blocks.yaml)。
// 为空时只用内建定义, 不监听文件。
type BlocksConfig struct {
	Path string `toml:"path"`
}

type ReportConfig struct {
	EnablePNG bool `toml:"enable_png"`
}

// LiveConfig 描述可选的实时轮询引擎。StrategyPath 指向一份
// blocks JSON, 与 /api/strategy/validate 收的 blocks 同构。
type LiveConfig struct {
	Enabled             bool    `toml:"enabled"`
	Symbol              string  `toml:"symbol"`
	Timeframe           string  `toml:"timeframe"`
	StrategyPath        string  `toml:"strategy_path"`
	PollIntervalSeconds int     `toml:"poll_interval_seconds"`
	HistoryBars         int     `toml:"history_bars"`
	PaperCapital        float64 `toml:"paper_capital"`
}

// HasSource 报告是否至少配置了一个可用数据源。
func (d DataConfig) HasSource() bool {
	return d.Binance.Enabled || strings.TrimSpace(d.CSVDir) != ""
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
