package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"blocksim/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Definition 一种块类型的注册信息: 类别、说明与参数 schema。
// 内建 14 种, blocks.yaml 可以覆盖描述或收紧 schema。
type Definition struct {
	Kind        Kind           `yaml:"-"`
	Category    Category       `yaml:"category"`
	Description string         `yaml:"description"`
	Schema      map[string]any `yaml:"schema"`

	schemaCompiled *jsonschema.Schema
}

// FileConfig 映射 blocks.yaml 的根节点。
type FileConfig struct {
	Blocks map[string]Definition `yaml:"blocks"`
}

// Snapshot 某一时刻的定义集。
type Snapshot struct {
	Version     int64
	LoadedAt    time.Time
	Definitions map[Kind]Definition
}

// ChangeListener 在注册表热更新后触发。
type ChangeListener func(Snapshot)

// Registry 管理块类型定义。无文件时只含内建定义;
// 给定 blocks.yaml 时叠加文件内容并监听变更。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry 返回只含内建定义的注册表。
func NewRegistry() *Registry {
	r := &Registry{}
	r.snapshot = Snapshot{
		Version:     1,
		LoadedAt:    time.Now(),
		Definitions: builtinDefinitions(),
	}
	return r
}

// NewRegistryFromFile 在内建定义之上叠加 blocks.yaml, 并监听文件更新。
func NewRegistryFromFile(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("blocks registry 需要文件路径")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取 blocks 配置失败: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("[strategy] blocks 配置重载失败: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// OnChange 注册热更新回调。
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Snapshot 返回当前定义集的副本。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Lookup 返回指定类型的定义。
func (r *Registry) Lookup(kind Kind) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.snapshot.Definitions[kind]
	return def, ok
}

// ValidateParams 用注册的 schema 校验一个块的参数。
// 未注册的类型与未配 schema 的类型都直接放行, 交由上层决定如何处理。
func (r *Registry) ValidateParams(kind Kind, params map[string]any) error {
	def, ok := r.Lookup(kind)
	if !ok || def.schemaCompiled == nil {
		return nil
	}
	return def.schemaCompiled.Validate(sanitizeParams(params))
}

func (r *Registry) reload() error {
	cfg, err := readBlocksFile(r.path)
	if err != nil {
		return err
	}
	defs := builtinDefinitions()
	for name, def := range cfg.Blocks {
		norm, err := normalizeDefinition(name, def)
		if err != nil {
			return err
		}
		defs[norm.Kind] = norm
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:     r.snapshot.Version + 1,
		LoadedAt:    time.Now(),
		Definitions: defs,
	}
	r.mu.Unlock()
	logger.Infof("[strategy] 块注册表加载 %d 种定义, 来源 %s", len(defs), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("[strategy] 注册表回调 panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func normalizeDefinition(name string, def Definition) (Definition, error) {
	def.Kind = Kind(strings.ToUpper(strings.TrimSpace(name)))
	if def.Kind == "" {
		return def, fmt.Errorf("blocks 配置存在空类型名")
	}
	if def.Category == "" {
		def.Category = def.Kind.Category()
	}
	if len(def.Schema) > 0 {
		compiled, err := compileSchema(def.Schema)
		if err != nil {
			return def, fmt.Errorf("块 %s schema 编译失败: %w", def.Kind, err)
		}
		def.schemaCompiled = compiled
	}
	return def, nil
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:     src.Version,
		LoadedAt:    src.LoadedAt,
		Definitions: make(map[Kind]Definition, len(src.Definitions)),
	}
	for k, d := range src.Definitions {
		dst.Definitions[k] = d
	}
	return dst
}

func readBlocksFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("读取 blocks 配置失败: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("解析 blocks 配置失败: %w", err)
	}
	return cfg, nil
}

func compileSchema(data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// sanitizeParams 递归把字符串形式的数字转成 float64,
// 兼容前端或配置文件把 3000 写成 "3000" 的情况。
func sanitizeParams(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = sanitizeParams(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeParams(child)
		}
		return out
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return val
		}
		if num, err := strconv.ParseFloat(s, 64); err == nil {
			return num
		}
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return val
	}
}

func mustCompile(kind Kind, schema map[string]any) *jsonschema.Schema {
	compiled, err := compileSchema(schema)
	if err != nil {
		panic(fmt.Sprintf("内建块 %s schema 非法: %v", kind, err))
	}
	return compiled
}

func builtin(kind Kind, desc string, schema map[string]any) Definition {
	return Definition{
		Kind:           kind,
		Category:       kind.Category(),
		Description:    desc,
		Schema:         schema,
		schemaCompiled: mustCompile(kind, schema),
	}
}

func numGT0() map[string]any {
	return map[string]any{"type": "number", "exclusiveMinimum": 0}
}

func pct0to100() map[string]any {
	return map[string]any{"type": "number", "exclusiveMinimum": 0, "maximum": 100}
}

func intMin(min int) map[string]any {
	return map[string]any{"type": "integer", "minimum": min}
}

func objSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func builtinDefinitions() map[Kind]Definition {
	ticker := map[string]any{"type": "string", "minLength": 1}
	defs := []Definition{
		builtin(KindMarketBuy, "按当根收盘价立即买入", objSchema(
			[]string{"ticker", "quantity"},
			map[string]any{"ticker": ticker, "quantity": numGT0()},
		)),
		builtin(KindBuyOnDip, "相对前收回撤达到阈值时买入", objSchema(
			[]string{"ticker", "quantity", "percentage"},
			map[string]any{"ticker": ticker, "quantity": numGT0(), "percentage": numGT0()},
		)),
		builtin(KindLimitBuy, "限价买入, 盘中未触及则挂单", objSchema(
			[]string{"ticker", "quantity", "price"},
			map[string]any{"ticker": ticker, "quantity": numGT0(), "price": numGT0()},
		)),
		builtin(KindMarketSell, "按当根收盘价卖出持仓", objSchema(
			[]string{"ticker"},
			map[string]any{"ticker": ticker, "quantity": map[string]any{"type": "number", "minimum": 0}},
		)),
		builtin(KindTakeProfit, "浮盈达到百分比时止盈", objSchema(
			[]string{"percentage"},
			map[string]any{"percentage": numGT0()},
		)),
		builtin(KindStopLoss, "浮亏达到百分比时止损", objSchema(
			[]string{"percentage"},
			map[string]any{"percentage": numGT0()},
		)),
		builtin(KindTrailingStop, "盈利启动后按回撤追踪止损", objSchema(
			[]string{"trigger_percentage", "trail_percentage"},
			map[string]any{"trigger_percentage": numGT0(), "trail_percentage": numGT0()},
		)),
		builtin(KindLimitSell, "限价卖出, 盘中未触及则挂单", objSchema(
			[]string{"ticker", "price"},
			map[string]any{"ticker": ticker, "price": numGT0(), "quantity": map[string]any{"type": "number", "minimum": 0}},
		)),
		builtin(KindCooldown, "平仓后冷却若干根 K 线再允许入场", objSchema(
			[]string{"bars"},
			map[string]any{"bars": intMin(1)},
		)),
		builtin(KindRSISignal, "RSI 超卖买入 / 超买卖出", objSchema(
			[]string{"ticker", "quantity", "threshold"},
			map[string]any{
				"ticker":    ticker,
				"quantity":  numGT0(),
				"period":    intMin(2),
				"threshold": map[string]any{"type": "number", "minimum": 0, "maximum": 100},
			},
		)),
		builtin(KindMACDCross, "MACD 金叉买入 / 死叉卖出", objSchema(
			[]string{"ticker", "quantity"},
			map[string]any{
				"ticker":   ticker,
				"quantity": numGT0(),
				"fast":     intMin(1),
				"slow":     intMin(1),
				"signal":   intMin(1),
			},
		)),
		builtin(KindMACross, "双均线金叉买入 / 死叉卖出", objSchema(
			[]string{"ticker", "quantity"},
			map[string]any{
				"ticker":      ticker,
				"quantity":    numGT0(),
				"fast_period": intMin(1),
				"slow_period": intMin(1),
			},
		)),
		builtin(KindPositionSize, "单仓位最大资金占比(提示性)", objSchema(
			[]string{"percentage"},
			map[string]any{"percentage": pct0to100()},
		)),
		builtin(KindMaxDrawdown, "组合回撤熔断", objSchema(
			[]string{"percentage"},
			map[string]any{"percentage": pct0to100()},
		)),
	}
	out := make(map[Kind]Definition, len(defs))
	for _, d := range defs {
		out[d.Kind] = d
	}
	return out
}
