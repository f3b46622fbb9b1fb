package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"blocksim/internal/backtest"
	blkcfg "blocksim/internal/config"
	"blocksim/internal/dataset"
	"blocksim/internal/live"
	"blocksim/internal/logger"
	"blocksim/internal/strategy"
	httpapi "blocksim/internal/transport/http"
)

// AppBuilder 把配置逐层装配成 App。各构建步骤做成可注入的函数,
// 测试可以替换掉数据源或策略加载, 不用碰真实网络与文件。
type AppBuilder struct {
	cfg *blkcfg.Config

	registryFn func(blkcfg.BlocksConfig) (*strategy.Registry, error)
	sourcesFn  func(blkcfg.DataConfig) (map[string]dataset.Source, error)
	strategyFn func(path string) ([]strategy.Block, error)
	holderFn   func(capital float64) live.PortfolioHolder
}

type AppBuilderOption func(*AppBuilder)

// WithSources 覆盖数据源构建, 测试注入内存源用。
func WithSources(fn func(blkcfg.DataConfig) (map[string]dataset.Source, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.sourcesFn = fn }
}

// WithStrategyLoader 覆盖实时策略文件加载。
func WithStrategyLoader(fn func(string) ([]strategy.Block, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.strategyFn = fn }
}

// WithHolder 覆盖实时组合落地方。
func WithHolder(fn func(float64) live.PortfolioHolder) AppBuilderOption {
	return func(b *AppBuilder) { b.holderFn = fn }
}

func NewAppBuilder(cfg *blkcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		registryFn: buildRegistry,
		sourcesFn:  buildSources,
		strategyFn: loadStrategyFile,
		holderFn:   func(capital float64) live.PortfolioHolder { return live.NewPaperHolder(capital) },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func buildRegistry(cfg blkcfg.BlocksConfig) (*strategy.Registry, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return strategy.NewRegistry(), nil
	}
	return strategy.NewRegistryFromFile(path)
}

func buildSources(cfg blkcfg.DataConfig) (map[string]dataset.Source, error) {
	sources := make(map[string]dataset.Source)
	if cfg.Binance.Enabled {
		src, err := dataset.NewBinanceSource(dataset.BinanceConfig{
			BaseURL:  cfg.Binance.BaseURL,
			Timeout:  time.Duration(cfg.Binance.TimeoutSeconds) * time.Second,
			ProxyURL: cfg.Binance.ProxyURL,
		})
		if err != nil {
			return nil, fmt.Errorf("构建 binance 数据源失败: %w", err)
		}
		sources[src.Name()] = src
	}
	if dir := strings.TrimSpace(cfg.CSVDir); dir != "" {
		src, err := dataset.NewCSVSource(dir)
		if err != nil {
			return nil, fmt.Errorf("构建 csv 数据源失败: %w", err)
		}
		sources[src.Name()] = src
	}
	return sources, nil
}

func loadStrategyFile(path string) ([]strategy.Block, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取策略文件失败: %w", err)
	}
	return strategy.ParseBlocks(raw)
}

// Build 按依赖顺序装配整个应用。
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	registry, err := b.registryFn(cfg.Blocks)
	if err != nil {
		return nil, fmt.Errorf("初始化块注册表失败: %w", err)
	}
	logger.Infof("✓ 块注册表就绪: %d 种块", len(registry.Snapshot().Definitions))

	store, err := dataset.NewStore(cfg.Data.Root)
	if err != nil {
		return nil, fmt.Errorf("初始化 K 线库失败: %w", err)
	}

	var catalog *dataset.Catalog
	if path := strings.TrimSpace(cfg.Data.CatalogPath); path != "" {
		catalog, err = dataset.NewCatalog(path)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("初始化数据目录账本失败: %w", err)
		}
	}
	cleanup := func() {
		if catalog != nil {
			_ = catalog.Close()
		}
		_ = store.Close()
	}

	sources, err := b.sourcesFn(cfg.Data)
	if err != nil {
		cleanup()
		return nil, err
	}

	data, err := dataset.NewService(dataset.ServiceConfig{
		Store:           store,
		Catalog:         catalog,
		Sources:         sources,
		DefaultExchange: cfg.Data.DefaultExchange,
		RateLimitPerMin: cfg.Data.RateLimitPerMin,
		MaxBatch:        cfg.Data.MaxBatch,
		MaxConcurrent:   cfg.Data.MaxConcurrent,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("初始化数据服务失败: %w", err)
	}
	logger.Infof("✓ 数据服务就绪: root=%s, 源=%v", cfg.Data.Root, sourceNames(sources))

	sim, err := backtest.NewSimulator(backtest.SimulatorConfig{
		Source:           dataset.NewProvider(data),
		Registry:         registry,
		MaxConcurrent:    cfg.Backtest.MaxConcurrent,
		DefaultTimeframe: cfg.Backtest.DefaultTimeframe,
		DefaultCapital:   cfg.Backtest.DefaultCapital,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("初始化回测服务失败: %w", err)
	}

	server, err := httpapi.NewServer(httpapi.Config{
		Addr:      cfg.Server.Addr,
		Registry:  registry,
		Simulator: sim,
		Data:      data,
		EnablePNG: cfg.Report.EnablePNG,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("初始化 HTTP 服务失败: %w", err)
	}

	var liveEngine *live.Engine
	if cfg.Live.Enabled {
		liveEngine, err = b.buildLiveEngine(cfg.Live, registry, data)
		if err != nil {
			cleanup()
			return nil, err
		}
		logger.Infof("✓ 实时引擎就绪: %s@%s", cfg.Live.Symbol, cfg.Live.Timeframe)
	}

	app := &App{
		cfg:     cfg,
		store:   store,
		catalog: catalog,
		data:    data,
		sim:     sim,
		server:  server,
		live:    liveEngine,
		Summary: buildSummary(cfg, registry, sources),
	}
	return app, nil
}

func (b *AppBuilder) buildLiveEngine(cfg blkcfg.LiveConfig, registry *strategy.Registry, data *dataset.Service) (*live.Engine, error) {
	blocks, err := b.strategyFn(cfg.StrategyPath)
	if err != nil {
		return nil, fmt.Errorf("加载实时策略失败: %w", err)
	}
	engine, err := live.New(live.EngineConfig{
		Symbol:       cfg.Symbol,
		Timeframe:    cfg.Timeframe,
		Blocks:       blocks,
		Feed:         data,
		Holder:       b.holderFn(cfg.PaperCapital),
		PollInterval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
		HistoryBars:  cfg.HistoryBars,
		Validator:    strategy.NewValidator(registry),
	})
	if err != nil {
		return nil, fmt.Errorf("初始化实时引擎失败: %w", err)
	}
	return engine, nil
}

func sourceNames(sources map[string]dataset.Source) []string {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
