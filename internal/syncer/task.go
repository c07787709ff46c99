package syncer

import (
	"time"
)

// 任务终态与过程态。
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Failure 记录单个条目的失败原因，不中断整个同步。
type Failure struct {
	Path   string `json:"path"`
	Class  string `json:"class"`
	Reason string `json:"reason"`
}

// Task 是一次同步任务的完整记录。
type Task struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`

	Bytes    int64     `json:"bytes"`
	Failures []Failure `json:"failures,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Synced 返回本次实际落盘的条目数。
func (t *Task) Synced() int {
	return t.Added + t.Updated
}

// Duration 返回任务耗时，未结束时按当前时间计。
func (t *Task) Duration() time.Duration {
	if t.FinishedAt.IsZero() {
		return time.Since(t.StartedAt)
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

// Progress 是运行中任务的进度快照。
type Progress struct {
	TaskID      string        `json:"task_id"`
	Source      string        `json:"source"`
	Total       int           `json:"total"`
	Done        int           `json:"done"`
	Failed      int           `json:"failed"`
	Bytes       int64         `json:"bytes"`
	CurrentFile string        `json:"current_file,omitempty"`
	Throughput  float64       `json:"throughput_bps"`
	ETA         time.Duration `json:"eta,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}
