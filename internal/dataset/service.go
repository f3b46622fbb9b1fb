package dataset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"blocksim/internal/logger"
	"blocksim/internal/market"
)

// ErrUnknownSource 表示请求的 exchange 没有注册对应数据源。
var ErrUnknownSource = errors.New("未知数据源")

// ServiceConfig 配置 Service。Catalog 可选, 配了就同步登记目录与任务流水。
type ServiceConfig struct {
	Store           *Store
	Catalog         *Catalog
	Sources         map[string]Source
	DefaultExchange string
	RateLimitPerMin int
	MaxBatch        int
	MaxConcurrent   int
}

// Service 负责管理补齐任务、协调拉取与写库。
type Service struct {
	store           *Store
	catalog         *Catalog
	sources         map[string]Source
	defaultExchange string
	maxBatch        int

	limiter *rate.Limiter
	sem     chan struct{}

	mu   sync.RWMutex
	jobs map[string]*FetchJob

	baseCtx context.Context
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store 不能为空")
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("至少需要一个数据源")
	}
	ratePerSec := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	if cfg.RateLimitPerMin <= 0 {
		ratePerSec = 8
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	svc := &Service{
		store:           cfg.Store,
		catalog:         cfg.Catalog,
		sources:         make(map[string]Source),
		defaultExchange: strings.ToLower(cfg.DefaultExchange),
		maxBatch:        maxBatch,
		limiter:         rate.NewLimiter(ratePerSec, maxBatch),
		sem:             make(chan struct{}, maxConcurrent),
		jobs:            make(map[string]*FetchJob),
		baseCtx:         context.Background(),
	}
	for k, v := range cfg.Sources {
		svc.sources[strings.ToLower(k)] = guardSource(v)
	}
	if svc.defaultExchange == "" {
		for k := range svc.sources {
			svc.defaultExchange = k
			break
		}
	}
	return svc, nil
}

// SetContext 注入宿主 ctx, 用于任务取消。
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Service) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

func (s *Service) source(exchange string) (Source, string, error) {
	name := strings.ToLower(strings.TrimSpace(exchange))
	if name == "" {
		name = s.defaultExchange
	}
	src := s.sources[name]
	if src == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownSource, exchange)
	}
	return src, name, nil
}

// SubmitFetch 提交异步补齐任务; 若区间已完整只做一致性检查。
func (s *Service) SubmitFetch(params FetchParams) (FetchJob, error) {
	if params.Symbol == "" {
		return FetchJob{}, fmt.Errorf("symbol 不能为空")
	}
	tf, err := ParseTimeframe(params.Timeframe)
	if err != nil {
		return FetchJob{}, err
	}
	src, exchange, err := s.source(params.Exchange)
	if err != nil {
		return FetchJob{}, err
	}
	start, end := tf.AlignRange(params.Start, params.End)
	if start == end {
		return FetchJob{}, fmt.Errorf("start 与 end 需要构成区间")
	}
	params.Timeframe = tf.Key
	params.Exchange = exchange
	params.Start = start
	params.End = end

	report, err := s.store.CheckIntegrity(s.ctx(), params.Symbol, params.Timeframe, tf, start, end)
	if err != nil {
		return FetchJob{}, err
	}
	total := report.Expected
	completed := min64(report.Present, total)
	job := &FetchJob{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		Params:    params,
		Total:     total,
		Completed: completed,
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
		Missing:   append([]Gap{}, report.Gaps...),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	logger.Infof("[dataset] 任务 %s 提交: %s %s [%d,%d] 预计=%d 缺口=%d", job.ID, params.Symbol, params.Timeframe, params.Start, params.End, total, len(report.Gaps))

	if total == 0 || report.Complete() {
		s.setJobStatus(job.ID, JobStatusDone, "数据已完整, 无需重新拉取", report.Gaps)
		s.syncCatalog(s.ctx(), params)
		s.recordJob(job.ID)
		return s.snapshotOf(job.ID), nil
	}

	s.recordJob(job.ID)
	go s.runJob(job.ID, tf, report, src)
	return s.snapshotOf(job.ID), nil
}

func (s *Service) runJob(jobID string, tf Timeframe, report IntegrityReport, source Source) {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx().Done():
		s.setJobStatus(jobID, JobStatusFailed, "服务已关闭", nil)
		return
	}
	defer func() { <-s.sem }()

	job := s.getJob(jobID)
	if job == nil {
		return
	}
	logger.Infof("[dataset] 任务 %s 开始, 缺口=%d", jobID, len(report.Gaps))
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = JobStatusRunning
		j.Message = ""
	})

	params := job.Params
	ctx := s.ctx()
	warnings, err := s.fillGaps(ctx, params, tf, report.Gaps, source, func(inserted int) {
		s.updateJob(jobID, func(j *FetchJob) {
			j.Completed += int64(inserted)
			j.UpdatedAt = time.Now()
		})
	})
	if err != nil {
		s.setJobStatus(jobID, JobStatusFailed, err.Error(), nil)
		return
	}

	finalReport, err := s.store.CheckIntegrity(s.ctx(), params.Symbol, params.Timeframe, tf, params.Start, params.End)
	status := JobStatusDone
	if err != nil {
		status = JobStatusFailed
		warnings = append(warnings, "完整性检查失败: "+err.Error())
	}
	message := "拉取完成"
	if !finalReport.Complete() && status != JobStatusFailed {
		status = JobStatusPartial
		message = "已完成, 但仍存在缺口"
	}
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Missing = append([]Gap{}, finalReport.Gaps...)
		j.UpdatedAt = time.Now()
		if len(warnings) > 0 {
			j.Warnings = append([]string{}, warnings...)
		}
	})
	s.syncCatalog(s.ctx(), params)
	s.recordJob(jobID)
	logger.Infof("[dataset] 任务 %s 完成, 状态=%s, 缺口=%d", jobID, status, len(finalReport.Gaps))
}

// syncCatalog 用 manifest 刷新目录登记; 目录只是旁路账本, 失败不拖垮任务。
func (s *Service) syncCatalog(ctx context.Context, params FetchParams) {
	if s.catalog == nil {
		return
	}
	m, err := s.store.Manifest(ctx, params.Symbol, params.Timeframe)
	if err != nil {
		logger.Warnf("[dataset] 读取 manifest 失败: %v", err)
		return
	}
	rec := DatasetRecord{
		Symbol:    m.Symbol,
		Timeframe: m.Timeframe,
		Exchange:  params.Exchange,
		MinTime:   m.MinTime,
		MaxTime:   m.MaxTime,
		Rows:      m.Rows,
		SyncedAt:  m.LastSyncAt,
	}
	if err := s.catalog.UpsertDataset(ctx, rec); err != nil {
		logger.Warnf("[dataset] 目录登记失败 %s %s: %v", m.Symbol, m.Timeframe, err)
	}
}

func (s *Service) recordJob(id string) {
	if s.catalog == nil {
		return
	}
	job, ok := s.JobSnapshot(id)
	if !ok {
		return
	}
	if err := s.catalog.RecordJob(s.ctx(), job); err != nil {
		logger.Warnf("[dataset] 任务流水写入失败 %s: %v", id, err)
	}
}

// Datasets 返回目录里全部登记。
func (s *Service) Datasets(ctx context.Context) ([]DatasetRecord, error) {
	if s.catalog == nil {
		return nil, errors.New("catalog 未配置")
	}
	return s.catalog.ListDatasets(ctx)
}

// fillGaps 逐缺口回补: 限速 -> 拉取 -> 入库 -> 游标推进到已入库的下一格。
// 远端返回空批说明这段历史确实没有数据, 记 warning 后跳到下一个缺口。
func (s *Service) fillGaps(ctx context.Context, params FetchParams, tf Timeframe, gaps []Gap, source Source, onInserted func(int)) ([]string, error) {
	step := tf.durationMillis()
	var warnings []string
	for _, gap := range gaps {
		cursor := gap.From
		for cursor <= gap.To {
			if err := ctx.Err(); err != nil {
				return warnings, err
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return warnings, err
			}
			remaining := int((gap.To-cursor)/step) + 1
			if remaining < 1 {
				remaining = 1
			}
			if remaining > s.maxBatch {
				remaining = s.maxBatch
			}
			req := FetchRequest{
				Symbol:   params.Symbol,
				Interval: tf.SourceInterval,
				Start:    cursor,
				End:      gap.To,
				Limit:    remaining,
			}
			data, err := source.Fetch(ctx, req)
			if err != nil {
				return warnings, fmt.Errorf("%s 拉取失败: %w", source.Name(), err)
			}
			if len(data) == 0 {
				warnings = append(warnings, fmt.Sprintf("区间 [%d,%d] 拉取为空", cursor, gap.To))
				break
			}
			inserted, err := s.store.InsertCandles(ctx, params.Symbol, params.Timeframe, data)
			if err != nil {
				return warnings, fmt.Errorf("写入失败: %w", err)
			}
			last := data[len(data)-1].OpenTime
			cursor = last + step
			if onInserted != nil {
				onInserted(inserted)
			}
			if inserted == 0 {
				break
			}
		}
	}
	return warnings, nil
}

// EnsureRange 同步补齐并返回区间内全部 K 线, 供回测在拉起前调用。
// start/end 为毫秒时间戳, 会先对齐到周期网格。
func (s *Service) EnsureRange(ctx context.Context, symbol, timeframe string, start, end int64) ([]market.Candle, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol 不能为空")
	}
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	alStart, alEnd := tf.AlignRange(start, end)
	params := FetchParams{
		Symbol:    symbol,
		Timeframe: tf.Key,
		Exchange:  s.defaultExchange,
		Start:     alStart,
		End:       alEnd,
	}
	report, err := s.store.CheckIntegrity(ctx, params.Symbol, params.Timeframe, tf, alStart, alEnd)
	if err != nil {
		return nil, err
	}
	if !report.Complete() {
		src, _, err := s.source(params.Exchange)
		if err != nil {
			return nil, err
		}
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		warnings, err := s.fillGaps(ctx, params, tf, report.Gaps, src, nil)
		<-s.sem
		if err != nil {
			return nil, err
		}
		for _, w := range warnings {
			logger.Warnf("[dataset] %s %s %s", params.Symbol, params.Timeframe, w)
		}
		s.syncCatalog(ctx, params)
	}
	return s.store.RangeCandles(ctx, params.Symbol, params.Timeframe, alStart, alEnd)
}

func (s *Service) setJobStatus(jobID string, status JobStatus, message string, gaps []Gap) {
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Missing = append([]Gap{}, gaps...)
		j.UpdatedAt = time.Now()
	})
}

func (s *Service) getJob(id string) *FetchJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}

func (s *Service) updateJob(id string, fn func(*FetchJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && fn != nil {
		fn(job)
	}
}

func (s *Service) snapshotOf(id string) FetchJob {
	job, _ := s.JobSnapshot(id)
	return job
}

// JobSnapshot 返回任务副本。
func (s *Service) JobSnapshot(id string) (FetchJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return FetchJob{}, false
	}
	return job.copy(), true
}

// JobsSnapshot 返回所有任务的拷贝列表。
func (s *Service) JobsSnapshot() []FetchJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FetchJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.copy())
	}
	return out
}

// ManifestInfo 读取本地 manifest。
func (s *Service) ManifestInfo(ctx context.Context, symbol, timeframe string) (Manifest, error) {
	if symbol == "" || timeframe == "" {
		return Manifest{}, errors.New("symbol/timeframe 不能为空")
	}
	return s.store.Manifest(ctx, symbol, timeframe)
}

// QueryCandles 读取指定区间 K 线。
func (s *Service) QueryCandles(ctx context.Context, symbol, timeframe string, start, end int64, limit int) ([]market.Candle, error) {
	if symbol == "" || timeframe == "" {
		return nil, errors.New("symbol/timeframe 不能为空")
	}
	return s.store.QueryCandles(ctx, symbol, timeframe, start, end, limit)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
