package config

import "strings"

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppLogFormat     = "text"
	defaultServerAddr       = ":9991"
	defaultDataRoot         = "data/klines"
	defaultDataCatalog      = "data/catalog.db"
	defaultDataExchange     = "binance"
	defaultDataRatePerMin   = 480
	defaultDataMaxBatch     = 1000
	defaultDataConcurrent   = 2
	defaultBinanceBase      = "https://fapi.binance.com"
	defaultBinanceTimeout   = 15
	defaultBTConcurrent     = 2
	defaultBTTimeframe      = "1d"
	defaultBTCapital        = 100000
	defaultLiveHistoryBars  = 300
	defaultLivePaperCapital = 100000
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Server.applyDefaults(keys)
	c.Data.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
	c.Live.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
	)
}

func (s *ServerConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("server.addr", &s.Addr, defaultServerAddr),
	)
}

func (d *DataConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("data.root", &d.Root, defaultDataRoot),
		stringFieldDefault("data.catalog_path", &d.CatalogPath, defaultDataCatalog),
		stringFieldDefault("data.default_exchange", &d.DefaultExchange, defaultDataExchange),
		fieldDefault{
			key:   "data.rate_limit_per_min",
			need:  func() bool { return d.RateLimitPerMin <= 0 },
			apply: func() { d.RateLimitPerMin = defaultDataRatePerMin },
		},
		fieldDefault{
			key:   "data.max_batch",
			need:  func() bool { return d.MaxBatch <= 0 },
			apply: func() { d.MaxBatch = defaultDataMaxBatch },
		},
		fieldDefault{
			key:   "data.max_concurrent",
			need:  func() bool { return d.MaxConcurrent <= 0 },
			apply: func() { d.MaxConcurrent = defaultDataConcurrent },
		},
		// 没有任何显式数据源配置时, 默认打开 binance,
		// 让空配置文件也能直接拉数据
		fieldDefault{
			key:   "data.binance.enabled",
			need:  func() bool { return !d.Binance.Enabled && strings.TrimSpace(d.CSVDir) == "" },
			apply: func() { d.Binance.Enabled = true },
		},
		stringFieldDefault("data.binance.base_url", &d.Binance.BaseURL, defaultBinanceBase),
		fieldDefault{
			key:   "data.binance.timeout_seconds",
			need:  func() bool { return d.Binance.TimeoutSeconds <= 0 },
			apply: func() { d.Binance.TimeoutSeconds = defaultBinanceTimeout },
		},
	)
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("backtest.default_timeframe", &b.DefaultTimeframe, defaultBTTimeframe),
		fieldDefault{
			key:   "backtest.max_concurrent",
			need:  func() bool { return b.MaxConcurrent <= 0 },
			apply: func() { b.MaxConcurrent = defaultBTConcurrent },
		},
		fieldDefault{
			key:   "backtest.default_capital",
			need:  func() bool { return b.DefaultCapital <= 0 },
			apply: func() { b.DefaultCapital = defaultBTCapital },
		},
	)
}

func (l *LiveConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "live.history_bars",
			need:  func() bool { return l.HistoryBars <= 0 },
			apply: func() { l.HistoryBars = defaultLiveHistoryBars },
		},
		fieldDefault{
			key:   "live.paper_capital",
			need:  func() bool { return l.PaperCapital <= 0 },
			apply: func() { l.PaperCapital = defaultLivePaperCapital },
		},
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
