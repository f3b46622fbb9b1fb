package live

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"blocksim/internal/dataset"
	"blocksim/internal/engine"
	"blocksim/internal/indicator"
	"blocksim/internal/logger"
	"blocksim/internal/market"
	"blocksim/internal/strategy"
)

// CandleFeed 给轮询循环供 K 线。*dataset.Service 原生满足;
// 实现需返回升序且只含已收盘的 bar。
type CandleFeed interface {
	EnsureRange(ctx context.Context, symbol, timeframe string, start, end int64) ([]market.Candle, error)
}

const (
	defaultHistoryBars = 300
	minHistoryBars     = 50
	minPollInterval    = 10 * time.Second
	maxPollInterval    = time.Minute
)

// EngineConfig 实时轮询引擎的装配参数。
type EngineConfig struct {
	Symbol    string
	Timeframe string
	Blocks    []strategy.Block
	Feed      CandleFeed
	Holder    PortfolioHolder
	// PollInterval 轮询间隔, 0 时取周期的四分之一并夹在 10s~1m 之间
	PollInterval time.Duration
	// HistoryBars 每轮回看的 K 线数, 指标 warmup 靠它, 默认 300
	HistoryBars int
	// Validator 为 nil 时用内建块定义校验
	Validator *strategy.Validator
}

// Engine 实时轮询引擎: 定时向数据服务要最新收盘 K 线,
// 每出现一根新 bar 就以 live 模式跑一遍块序列, 把 BUY/SELL
// 转交给 PortfolioHolder。挂单在实时模式不支持, 拒绝并记日志。
// 策略在构造期过一次静态校验, 带结构错误的序列直接拒载。
type Engine struct {
	symbol string
	tf     dataset.Timeframe
	poll   time.Duration
	hist   int

	blocks []strategy.Block
	eng    *engine.Engine
	feed   CandleFeed
	holder PortfolioHolder
	now    func() time.Time

	lastOpen      int64
	peakEquity    float64
	barsSinceExit int
}

func New(cfg EngineConfig) (*Engine, error) {
	symbol := strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	if symbol == "" {
		return nil, errors.New("symbol 不能为空")
	}
	if cfg.Feed == nil {
		return nil, errors.New("feed 不能为空")
	}
	if cfg.Holder == nil {
		return nil, errors.New("holder 不能为空")
	}
	tf, err := dataset.ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return nil, err
	}
	v := cfg.Validator
	if v == nil {
		v = strategy.NewValidator(nil)
	}
	res := v.Validate(cfg.Blocks)
	if !res.Valid {
		return nil, fmt.Errorf("策略未通过校验(%d 处错误): %s", len(res.Errors), res.Errors[0].Message)
	}
	for _, w := range res.Warnings {
		logger.Warnf("[live] 策略告警 %s: %s", w.Code, w.Message)
	}
	blocks := make([]strategy.Block, len(cfg.Blocks))
	for i, b := range cfg.Blocks {
		blocks[i] = b.Normalize()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = tf.Duration / 4
		if poll < minPollInterval {
			poll = minPollInterval
		}
		if poll > maxPollInterval {
			poll = maxPollInterval
		}
	}
	hist := cfg.HistoryBars
	if hist <= 0 {
		hist = defaultHistoryBars
	}
	if hist < minHistoryBars {
		hist = minHistoryBars
	}
	return &Engine{
		symbol:        symbol,
		tf:            tf,
		poll:          poll,
		hist:          hist,
		blocks:        blocks,
		eng:           engine.New(),
		feed:          cfg.Feed,
		holder:        cfg.Holder,
		now:           time.Now,
		barsSinceExit: -1,
	}, nil
}

// Run 阻塞轮询直到 ctx 取消。单次轮询失败只记日志,
// 下一轮照常, 数据源抖一下不至于把引擎打死。
func (e *Engine) Run(ctx context.Context) error {
	logger.Infof("[live] 引擎启动: %s@%s, 轮询间隔 %s", e.symbol, e.tf.Key, e.poll)
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		if err := e.tick(ctx); err != nil {
			if ctx.Err() != nil {
				logger.Infof("[live] 引擎退出: %s", e.symbol)
				return ctx.Err()
			}
			logger.Warnf("[live] 轮询失败: %v", err)
		}
		select {
		case <-ctx.Done():
			logger.Infof("[live] 引擎退出: %s", e.symbol)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick 跑一轮: 取到最新收盘 bar, 没见过才评估。
// 回看窗口的末端压到上一根已收盘 bar 的开盘时刻,
// 避免把进行中的那根当成缺口反复去拉。
func (e *Engine) tick(ctx context.Context) error {
	step := e.tf.Duration.Milliseconds()
	end := e.now().UnixMilli() - step
	start := end - int64(e.hist-1)*step
	bars, err := e.feed.EnsureRange(ctx, e.symbol, e.tf.Key, start, end)
	if err != nil {
		return fmt.Errorf("拉取最新 K 线失败: %w", err)
	}
	if len(bars) == 0 {
		logger.Debugf("[live] %s@%s 暂无已收盘 K 线", e.symbol, e.tf.Key)
		return nil
	}
	latest := bars[len(bars)-1]
	if latest.OpenTime <= e.lastOpen {
		return nil
	}
	if e.barsSinceExit >= 0 {
		if e.lastOpen > 0 {
			e.barsSinceExit += int((latest.OpenTime - e.lastOpen) / step)
		} else {
			e.barsSinceExit++
		}
	}
	e.lastOpen = latest.OpenTime

	snap, err := e.holder.Snapshot(ctx, latest.Close)
	if err != nil {
		return fmt.Errorf("读取组合快照失败: %w", err)
	}
	if eq := snap.Equity(); eq > e.peakEquity {
		e.peakEquity = eq
	}
	prices := make([]float64, len(bars))
	for i, b := range bars {
		prices[i] = b.Close
	}
	var prev *market.Candle
	if len(bars) > 1 {
		prev = &bars[len(bars)-2]
	}
	ectx := &engine.Context{
		Bar:           latest,
		PrevBar:       prev,
		Portfolio:     snap,
		Series:        map[string][]float64{"prices": prices},
		Mode:          engine.ModeLive,
		PeakEquity:    e.peakEquity,
		BarsSinceExit: e.barsSinceExit,
		// 每轮新 bar 建一份缓存: 同一根上多块共享计算,
		// 跨轮价格序列会变, 不留旧条目
		Cache: indicator.NewCache(),
	}
	e.apply(ctx, e.eng.Evaluate(e.blocks, ectx))
	return nil
}

func (e *Engine) apply(ctx context.Context, actions []engine.Action) {
	for _, a := range actions {
		switch a.Type {
		case engine.ActionBuy:
			if err := e.holder.Buy(ctx, a.Symbol, a.Quantity, a.Price, a.Reason); err != nil {
				logger.Warnf("[live] 买入未执行: %v", err)
				continue
			}
			logger.Infof("[live] 买入 %s qty=%.4f px=%.4f: %s", a.Symbol, a.Quantity, a.Price, a.Reason)
		case engine.ActionSell:
			if err := e.holder.Sell(ctx, a.Symbol, a.Quantity, a.Price, a.Reason); err != nil {
				logger.Warnf("[live] 卖出未执行: %v", err)
				continue
			}
			e.barsSinceExit = 0
			logger.Infof("[live] 卖出 %s qty=%.4f px=%.4f: %s", a.Symbol, a.Quantity, a.Price, a.Reason)
		case engine.ActionPlaceOrder:
			logger.Warnf("[live] 实时模式不支持挂单, 已拒绝: block=%s %s", a.BlockID, a.Reason)
		}
	}
}
