package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"blocksim/internal/backtest"
	blkcfg "blocksim/internal/config"
	"blocksim/internal/dataset"
	"blocksim/internal/live"
	"blocksim/internal/logger"
	httpapi "blocksim/internal/transport/http"
)

// App 负责应用级编排: 加载配置→初始化依赖→启动 HTTP 与可选的实时引擎。
type App struct {
	cfg     *blkcfg.Config
	store   *dataset.Store
	catalog *dataset.Catalog
	data    *dataset.Service
	sim     *backtest.Simulator
	server  *httpapi.Server
	live    *live.Engine
	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象 (不启动)。
func NewApp(cfg *blkcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动全部服务并阻塞到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	if a.data != nil {
		a.data.SetContext(ctx)
	}
	if a.sim != nil {
		a.sim.SetContext(ctx)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	if a.live != nil {
		group.Go(func() error {
			err := a.live.Run(ctx)
			// 正常停机的取消不算失败
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("live engine error: %w", err)
			}
			return nil
		})
	}

	err := group.Wait()
	a.Close()
	return err
}

// Close 释放数据层资源。
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.catalog != nil {
		_ = a.catalog.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// Simulator 暴露底层回测服务, 供测试与回放工具使用。
func (a *App) Simulator() *backtest.Simulator {
	if a == nil {
		return nil
	}
	return a.sim
}

// DataService 暴露底层数据服务。
func (a *App) DataService() *dataset.Service {
	if a == nil {
		return nil
	}
	return a.data
}
