package dataset

import "time"

// JobStatus 拉取任务生命周期状态。
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusPartial JobStatus = "partial"
	JobStatusFailed  JobStatus = "failed"
)

// FetchParams 描述一次历史数据补齐的范围 (毫秒时间戳, 已对齐)。
type FetchParams struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Exchange  string `json:"exchange"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
}

// Gap 本地库里缺失的连续网格段, From/To 都是缺失 K 线的 open_time (闭区间)。
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
	Bars int64 `json:"bars"`
}

// IntegrityReport 完整性检查结果: 期望多少根, 实际多少根, 缺口在哪。
type IntegrityReport struct {
	Expected int64 `json:"expected"`
	Present  int64 `json:"present"`
	Gaps     []Gap `json:"gaps"`
}

// Complete 没有任何缺口即视为完整。
func (r IntegrityReport) Complete() bool {
	return len(r.Gaps) == 0
}

// MissingBars 全部缺口折算的 K 线根数。
func (r IntegrityReport) MissingBars() int64 {
	var total int64
	for _, g := range r.Gaps {
		total += g.Bars
	}
	return total
}

// FetchJob 一次异步补齐任务的登记信息。
type FetchJob struct {
	ID        string      `json:"id"`
	Status    JobStatus   `json:"status"`
	Message   string      `json:"message,omitempty"`
	Params    FetchParams `json:"params"`
	Total     int64       `json:"total"`
	Completed int64       `json:"completed"`
	Missing   []Gap       `json:"missing,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// copy 返回深拷贝, 避免快照被后续更新改写。
func (j *FetchJob) copy() FetchJob {
	out := *j
	if len(j.Missing) > 0 {
		out.Missing = make([]Gap, len(j.Missing))
		copy(out.Missing, j.Missing)
	}
	if len(j.Warnings) > 0 {
		out.Warnings = make([]string, len(j.Warnings))
		copy(out.Warnings, j.Warnings)
	}
	return out
}
