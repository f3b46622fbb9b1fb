package app

import (
	"fmt"
	"sort"
	"strings"

	blkcfg "blocksim/internal/config"
	"blocksim/internal/dataset"
	"blocksim/internal/strategy"
)

// StartupSummary 启动时打印的配置摘要, 一眼核对装配结果。
type StartupSummary struct {
	Env        string
	Addr       string
	DataRoot   string
	Catalog    string
	Sources    []string
	Timeframes []string
	Blocks     []string
	ReportPNG  bool
	Live       LiveSummary
}

type LiveSummary struct {
	Enabled   bool
	Symbol    string
	Timeframe string
}

func buildSummary(cfg *blkcfg.Config, registry *strategy.Registry, sources map[string]dataset.Source) *StartupSummary {
	snap := registry.Snapshot()
	kinds := make([]string, 0, len(snap.Definitions))
	for kind := range snap.Definitions {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	return &StartupSummary{
		Env:        cfg.App.Env,
		Addr:       cfg.Server.Addr,
		DataRoot:   cfg.Data.Root,
		Catalog:    cfg.Data.CatalogPath,
		Sources:    sourceNames(sources),
		Timeframes: dataset.SupportedTimeframes(),
		Blocks:     kinds,
		ReportPNG:  cfg.Report.EnablePNG,
		Live: LiveSummary{
			Enabled:   cfg.Live.Enabled,
			Symbol:    cfg.Live.Symbol,
			Timeframe: cfg.Live.Timeframe,
		},
	}
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[服务 (SERVER)]")
	fmt.Printf("  环境: %s\n", s.Env)
	fmt.Printf("  监听: %s\n", s.Addr)
	fmt.Printf("  PNG 报告: %s\n", onOff(s.ReportPNG))
	fmt.Println()

	fmt.Println("[数据 (DATA)]")
	fmt.Printf("  K线库: %s\n", s.DataRoot)
	fmt.Printf("  目录账本: %s\n", valueOrDash(s.Catalog))
	fmt.Printf("  数据源: %s\n", formatList(s.Sources))
	fmt.Printf("  支持周期: %s\n", formatList(s.Timeframes))
	fmt.Println()

	fmt.Println("[策略块 (BLOCKS)]")
	fmt.Printf("  共 %d 种: %s\n", len(s.Blocks), formatList(s.Blocks))
	fmt.Println()

	fmt.Println("[实时引擎 (LIVE)]")
	if s.Live.Enabled {
		fmt.Printf("  %s@%s (纸面账本)\n", s.Live.Symbol, s.Live.Timeframe)
	} else {
		fmt.Println("  (未启用)")
	}
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func valueOrDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}

func onOff(v bool) string {
	if v {
		return "开"
	}
	return "关"
}
