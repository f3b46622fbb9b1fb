package config

import (
	"fmt"
	"strings"

	"blocksim/internal/dataset"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Data.validate(); err != nil {
		return err
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	if err := c.Live.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("app.log_level must be one of debug/info/warn/error, got %q", a.LogLevel)
	}
	switch strings.ToLower(strings.TrimSpace(a.LogFormat)) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json, got %q", a.LogFormat)
	}
	return nil
}

func (d *DataConfig) validate() error {
	if strings.TrimSpace(d.Root) == "" {
		return fmt.Errorf("data.root cannot be empty")
	}
	if !d.HasSource() {
		return fmt.Errorf("data requires at least one source (binance.enabled or csv_dir)")
	}
	if d.Binance.Enabled && strings.TrimSpace(d.Binance.BaseURL) == "" {
		return fmt.Errorf("data.binance.base_url cannot be empty when binance is enabled")
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if _, err := dataset.ParseTimeframe(b.DefaultTimeframe); err != nil {
		return fmt.Errorf("backtest.default_timeframe: %v", err)
	}
	if b.DefaultCapital <= 0 {
		return fmt.Errorf("backtest.default_capital must be > 0")
	}
	return nil
}

func (l *LiveConfig) validate() error {
	if !l.Enabled {
		return nil
	}
	if strings.TrimSpace(l.Symbol) == "" {
		return fmt.Errorf("live.symbol cannot be empty when live is enabled")
	}
	if _, err := dataset.ParseTimeframe(l.Timeframe); err != nil {
		return fmt.Errorf("live.timeframe: %v", err)
	}
	if strings.TrimSpace(l.StrategyPath) == "" {
		return fmt.Errorf("live.strategy_path cannot be empty when live is enabled")
	}
	if l.PollIntervalSeconds < 0 {
		return fmt.Errorf("live.poll_interval_seconds must be >= 0")
	}
	return nil
}
