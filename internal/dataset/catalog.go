package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// DatasetRecord 目录里一条已缓存数据集的登记。
type DatasetRecord struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Exchange  string `json:"exchange"`
	MinTime   int64  `json:"min_time"`
	MaxTime   int64  `json:"max_time"`
	Rows      int64  `json:"rows"`
	SyncedAt  int64  `json:"synced_at"`
}

type datasetModel struct {
	ID        int64  `gorm:"column:id;primaryKey"`
	Symbol    string `gorm:"column:symbol;uniqueIndex:idx_dataset_pair,priority:1"`
	Timeframe string `gorm:"column:timeframe;uniqueIndex:idx_dataset_pair,priority:2"`
	Exchange  string `gorm:"column:exchange"`
	MinTime   int64  `gorm:"column:min_time"`
	MaxTime   int64  `gorm:"column:max_time"`
	Rows      int64  `gorm:"column:rows"`
	SyncedAt  int64  `gorm:"column:synced_at"`
}

func (datasetModel) TableName() string { return "datasets" }

type fetchJobModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	Symbol        string         `gorm:"column:symbol;index"`
	Timeframe     string         `gorm:"column:timeframe"`
	Status        string         `gorm:"column:status"`
	Message       string         `gorm:"column:message"`
	ParamsJSON    datatypes.JSON `gorm:"column:params_json;type:TEXT"`
	MissingJSON   datatypes.JSON `gorm:"column:missing_json;type:TEXT"`
	WarningsJSON  datatypes.JSON `gorm:"column:warnings_json;type:TEXT"`
	Total         int64          `gorm:"column:total"`
	Completed     int64          `gorm:"column:completed"`
	StartedAtUnix int64          `gorm:"column:started_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (fetchJobModel) TableName() string { return "fetch_jobs" }

// Catalog 数据集目录: datasets 表登记每个缓存对的边界与行数,
// fetch_jobs 表留存补齐任务的流水。与 K 线正文分库, 走 gorm。
type Catalog struct {
	db *gorm.DB
}

func NewCatalog(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("catalog 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&datasetModel{}, &fetchJobModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP reads
	// while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertDataset 以 (symbol, timeframe) 为键刷新登记。
func (c *Catalog) UpsertDataset(ctx context.Context, rec DatasetRecord) error {
	if c == nil || c.db == nil {
		return fmt.Errorf("catalog 未初始化")
	}
	rec.Symbol = strings.ToUpper(strings.TrimSpace(rec.Symbol))
	rec.Timeframe = strings.ToLower(strings.TrimSpace(rec.Timeframe))
	if rec.Symbol == "" || rec.Timeframe == "" {
		return fmt.Errorf("symbol/timeframe 不能为空")
	}
	if rec.SyncedAt == 0 {
		rec.SyncedAt = time.Now().UnixMilli()
	}
	model := datasetModel{
		Symbol:    rec.Symbol,
		Timeframe: rec.Timeframe,
		Exchange:  rec.Exchange,
		MinTime:   rec.MinTime,
		MaxTime:   rec.MaxTime,
		Rows:      rec.Rows,
		SyncedAt:  rec.SyncedAt,
	}
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "symbol"}, {Name: "timeframe"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"exchange":  gorm.Expr("excluded.exchange"),
				"min_time":  gorm.Expr("excluded.min_time"),
				"max_time":  gorm.Expr("excluded.max_time"),
				"rows":      gorm.Expr("excluded.rows"),
				"synced_at": gorm.Expr("excluded.synced_at"),
			}),
		}).
		Create(&model).Error
}

// ListDatasets 返回全部登记, 按 symbol/timeframe 排序。
func (c *Catalog) ListDatasets(ctx context.Context) ([]DatasetRecord, error) {
	if c == nil || c.db == nil {
		return nil, fmt.Errorf("catalog 未初始化")
	}
	var models []datasetModel
	if err := c.db.WithContext(ctx).Order("symbol, timeframe").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]DatasetRecord, 0, len(models))
	for _, m := range models {
		out = append(out, DatasetRecord{
			Symbol:    m.Symbol,
			Timeframe: m.Timeframe,
			Exchange:  m.Exchange,
			MinTime:   m.MinTime,
			MaxTime:   m.MaxTime,
			Rows:      m.Rows,
			SyncedAt:  m.SyncedAt,
		})
	}
	return out, nil
}

// RecordJob 把任务快照写进流水, 同一任务多次记录按 id 覆盖。
func (c *Catalog) RecordJob(ctx context.Context, job FetchJob) error {
	if c == nil || c.db == nil {
		return fmt.Errorf("catalog 未初始化")
	}
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job id 不能为空")
	}
	model, err := newFetchJobModel(job)
	if err != nil {
		return err
	}
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&model).Error
}

// ListJobs 流水按最近更新倒序, limit <= 0 时取 50。
func (c *Catalog) ListJobs(ctx context.Context, limit int) ([]FetchJob, error) {
	if c == nil || c.db == nil {
		return nil, fmt.Errorf("catalog 未初始化")
	}
	if limit <= 0 {
		limit = 50
	}
	var models []fetchJobModel
	if err := c.db.WithContext(ctx).Order("updated_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]FetchJob, 0, len(models))
	for _, m := range models {
		job, err := fetchJobModelToJob(m)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func newFetchJobModel(job FetchJob) (fetchJobModel, error) {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fetchJobModel{}, fmt.Errorf("序列化 params 失败: %w", err)
	}
	missing, err := json.Marshal(job.Missing)
	if err != nil {
		return fetchJobModel{}, fmt.Errorf("序列化 missing 失败: %w", err)
	}
	warnings, err := json.Marshal(job.Warnings)
	if err != nil {
		return fetchJobModel{}, fmt.Errorf("序列化 warnings 失败: %w", err)
	}
	return fetchJobModel{
		ID:            job.ID,
		Symbol:        strings.ToUpper(strings.TrimSpace(job.Params.Symbol)),
		Timeframe:     job.Params.Timeframe,
		Status:        string(job.Status),
		Message:       job.Message,
		ParamsJSON:    datatypes.JSON(params),
		MissingJSON:   datatypes.JSON(missing),
		WarningsJSON:  datatypes.JSON(warnings),
		Total:         job.Total,
		Completed:     job.Completed,
		StartedAtUnix: job.StartedAt.UnixMilli(),
		UpdatedAtUnix: job.UpdatedAt.UnixMilli(),
	}, nil
}

func fetchJobModelToJob(m fetchJobModel) (FetchJob, error) {
	job := FetchJob{
		ID:        m.ID,
		Status:    JobStatus(m.Status),
		Message:   m.Message,
		Total:     m.Total,
		Completed: m.Completed,
		StartedAt: time.UnixMilli(m.StartedAtUnix),
		UpdatedAt: time.UnixMilli(m.UpdatedAtUnix),
	}
	if len(m.ParamsJSON) > 0 {
		if err := json.Unmarshal(m.ParamsJSON, &job.Params); err != nil {
			return FetchJob{}, fmt.Errorf("解析 params 失败: %w", err)
		}
	}
	if len(m.MissingJSON) > 0 {
		if err := json.Unmarshal(m.MissingJSON, &job.Missing); err != nil {
			return FetchJob{}, fmt.Errorf("解析 missing 失败: %w", err)
		}
	}
	if len(m.WarningsJSON) > 0 {
		if err := json.Unmarshal(m.WarningsJSON, &job.Warnings); err != nil {
			return FetchJob{}, fmt.Errorf("解析 warnings 失败: %w", err)
		}
	}
	return job, nil
}
