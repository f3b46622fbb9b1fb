package backtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"blocksim/internal/logger"
	"blocksim/internal/market"
	"blocksim/internal/strategy"
)

// CandleSource 历史数据协作方。空结果由 Runner 判定为硬失败。
type CandleSource interface {
	Candles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]market.Candle, error)
}

// Archiver 在 run 结束后收走结果。本服务自身不落盘,
// 归档失败只记日志, 不影响 run 状态。
type Archiver interface {
	ArchiveRun(ctx context.Context, run Run) error
}

// SimulatorConfig 配置异步回测服务。
type SimulatorConfig struct {
	Source           CandleSource
	Registry         *strategy.Registry
	Archiver         Archiver
	MaxConcurrent    int
	DefaultTimeframe string
	DefaultCapital   float64
}

// Simulator 管理异步回测任务: 校验请求、登记 run、
// 在工作槽内执行并更新进度。run 登记只存进程内存。
type Simulator struct {
	source           CandleSource
	validator        *strategy.Validator
	archiver         Archiver
	defaultTimeframe string
	defaultCapital   float64

	sem chan struct{}

	mu      sync.RWMutex
	entries map[string]*runEntry

	baseCtx context.Context
}

type runEntry struct {
	run    Run
	cancel context.CancelFunc
}

func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("candle source 不能为空")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	tf := strings.ToLower(strings.TrimSpace(cfg.DefaultTimeframe))
	if tf == "" {
		tf = "1d"
	}
	capital := cfg.DefaultCapital
	if capital <= 0 {
		capital = 100000
	}
	return &Simulator{
		source:           cfg.Source,
		validator:        strategy.NewValidator(cfg.Registry),
		archiver:         cfg.Archiver,
		defaultTimeframe: tf,
		defaultCapital:   capital,
		sem:              make(chan struct{}, maxConcurrent),
		entries:          make(map[string]*runEntry),
		baseCtx:          context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx, 宿主退出时所有 run 随之取消。
func (s *Simulator) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Simulator) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// normalizeConfig 补默认值并做环境级校验。策略缺陷走校验器,
// 以 ErrInvalidStrategy 拒绝启动; Runner 内部不再重复校验。
func (s *Simulator) normalizeConfig(cfg BacktestConfig) (BacktestConfig, error) {
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	if cfg.Symbol == "" {
		return cfg, fmt.Errorf("symbol 不能为空")
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = s.defaultTimeframe
	}
	cfg.Timeframe = strings.ToLower(strings.TrimSpace(cfg.Timeframe))
	if cfg.InitialCapital == 0 {
		cfg.InitialCapital = s.defaultCapital
	}
	if cfg.InitialCapital <= 0 {
		return cfg, fmt.Errorf("%w: %.4f", ErrInvalidCapital, cfg.InitialCapital)
	}
	if _, _, err := cfg.Range(); err != nil {
		return cfg, err
	}
	res := s.validator.Validate(cfg.Blocks)
	if !res.Valid {
		return cfg, fmt.Errorf("%w: %d 个错误, 首个: %s",
			ErrInvalidStrategy, len(res.Errors), res.Errors[0].Message)
	}
	for _, w := range res.Warnings {
		logger.Warnf("[backtest] 策略警告(%s): %s", w.Code, w.Message)
	}
	return cfg, nil
}

// StartRun 校验并登记一次异步回测, 立即返回 pending 状态的 run。
// 执行在后台工作槽内进行, 进度与结果通过 GetRun 查询。
func (s *Simulator) StartRun(cfg BacktestConfig) (Run, error) {
	cfg, err := s.normalizeConfig(cfg)
	if err != nil {
		return Run{}, err
	}
	now := time.Now()
	run := Run{
		ID:        uuid.NewString(),
		Symbol:    cfg.Symbol,
		Timeframe: cfg.Timeframe,
		Status:    RunStatusPending,
		Message:   "排队等待执行",
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	runCtx, cancel := context.WithCancel(s.ctx())
	s.mu.Lock()
	s.entries[run.ID] = &runEntry{run: run, cancel: cancel}
	s.mu.Unlock()
	logger.Infof("[backtest] run %s 登记: %s %s [%s ~ %s] 资金 %.2f, %d 个块",
		run.ID, cfg.Symbol, cfg.Timeframe, cfg.StartDate, cfg.EndDate, cfg.InitialCapital, len(cfg.Blocks))

	go s.runLoop(run.ID, runCtx, cfg)
	return run, nil
}

func (s *Simulator) runLoop(id string, ctx context.Context, cfg BacktestConfig) {
	select {
	case s.sem <- struct{}{}:
	default:
		logger.Warnf("[backtest] 并发已满, run %s 等待执行槽", id)
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.failRun(id, "等待执行槽期间被取消")
			return
		}
	}
	defer func() { <-s.sem }()

	if err := ctx.Err(); err != nil {
		s.failRun(id, fmt.Sprintf("启动前已取消: %v", err))
		return
	}
	s.updateRun(id, func(r *Run) {
		r.Status = RunStatusRunning
		r.Message = "拉取历史数据"
	})

	runner, err := s.prepareRunner(ctx, cfg)
	if err != nil {
		s.failRun(id, err.Error())
		return
	}
	runner.SetProgressFunc(func(done, total int) {
		s.updateRun(id, func(r *Run) {
			r.Progress = float64(done) / float64(total) * 100
			r.Message = fmt.Sprintf("重放中 %d/%d", done, total)
		})
	})

	result, err := runner.Run(ctx)
	if err != nil {
		s.failRun(id, fmt.Sprintf("run 执行失败: %v", err))
		return
	}
	s.updateRun(id, func(r *Run) {
		r.Status = RunStatusDone
		r.Progress = 100
		r.Result = result
		r.Message = fmt.Sprintf("完成: 收益 %.2f%%, 最大回撤 %.2f%%, 夏普 %.2f, %d 笔成交",
			result.Metrics.TotalReturnPercent, result.Metrics.MaxDrawdownPercent,
			result.Metrics.SharpeRatio, result.Metrics.TotalTrades)
		r.CompletedAt = time.Now()
	})
	s.notifyArchiver(id)
}

// prepareRunner 拉取历史数据并组装同步核心, StartRun 与 RunBatch 共用。
func (s *Simulator) prepareRunner(ctx context.Context, cfg BacktestConfig) (*Runner, error) {
	start, end, err := cfg.Range()
	if err != nil {
		return nil, err
	}
	bars, err := s.source.Candles(ctx, cfg.Symbol, cfg.Timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("历史数据拉取失败: %w", err)
	}
	return NewRunner(cfg, bars)
}

func (s *Simulator) notifyArchiver(id string) {
	if s.archiver == nil {
		return
	}
	run, ok := s.GetRun(id)
	if !ok {
		return
	}
	if err := s.archiver.ArchiveRun(s.ctx(), run); err != nil {
		logger.Warnf("[backtest] 归档 run %s 失败: %v", id, err)
	}
}

func (s *Simulator) failRun(id, message string) {
	logger.Warnf("[backtest] run %s 失败: %s", id, message)
	s.updateRun(id, func(r *Run) {
		r.Status = RunStatusFailed
		r.Message = message
		r.CompletedAt = time.Now()
	})
}

func (s *Simulator) updateRun(id string, fn func(*Run)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok || fn == nil {
		return
	}
	fn(&entry.run)
	entry.run.UpdatedAt = time.Now()
}

// GetRun 返回 run 快照。Result 指针在 done 之后不再改动, 可安全共享。
func (s *Simulator) GetRun(id string) (Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return Run{}, false
	}
	return entry.run, true
}

// Runs 返回全部 run 快照, 按创建时间倒序。
func (s *Simulator) Runs() []Run {
	s.mu.RLock()
	out := make([]Run, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.run)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// CancelRun 协作式取消: 进行中的那根 K 线跑完后 run 以失败收场,
// 已终结的 run 返回 false。
func (s *Simulator) CancelRun(id string) bool {
	s.mu.RLock()
	entry, ok := s.entries[id]
	var terminal bool
	if ok {
		terminal = entry.run.Terminal()
	}
	s.mu.RUnlock()
	if !ok || terminal {
		return false
	}
	entry.cancel()
	logger.Infof("[backtest] run %s 收到取消请求", id)
	return true
}

// RunBatch 同步并行跑一组配置, 结果与输入同下标对齐。
// 任何一个失败即整体失败, 其余 run 随组 ctx 取消。
func (s *Simulator) RunBatch(ctx context.Context, cfgs []BacktestConfig) ([]*BacktestResult, error) {
	if len(cfgs) == 0 {
		return nil, nil
	}
	results := make([]*BacktestResult, len(cfgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cap(s.sem))
	for i, cfg := range cfgs {
		i, cfg := i, cfg
		g.Go(func() error {
			normalized, err := s.normalizeConfig(cfg)
			if err != nil {
				return fmt.Errorf("第 %d 个配置: %w", i+1, err)
			}
			runner, err := s.prepareRunner(gctx, normalized)
			if err != nil {
				return fmt.Errorf("第 %d 个配置: %w", i+1, err)
			}
			res, err := runner.Run(gctx)
			if err != nil {
				return fmt.Errorf("第 %d 个配置: %w", i+1, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
