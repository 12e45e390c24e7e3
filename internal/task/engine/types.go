package engine

import (
	"context"
	"time"
)

// Config controls the worker pool. The app layer maps config.task_engine here.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks queued for longer than this. 0 disables it.
	MaxQueueDelay time.Duration

	HistorySize int
}

const (
	defaultWorkers     = 4
	defaultQueueSize   = 256
	defaultHistorySize = 200
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Task is one unit of work. Scheduler firings become tasks keyed by job id.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// ConcurrencyKey groups tasks for MaxInstances. Empty means Name.
	ConcurrencyKey string
	// MaxInstances caps queued plus running tasks per key. 0 disables the cap.
	MaxInstances int
}

func (t Task) key() string {
	if t.ConcurrencyKey != "" {
		return t.ConcurrencyKey
	}
	return t.Name
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is the Data of task.* bus events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Completed           uint64 `json:"completed"`
	Failed              uint64 `json:"failed"`
	Dropped             uint64 `json:"dropped"`
	DroppedQueueFull    uint64 `json:"dropped_queue_full"`
	DroppedStale        uint64 `json:"dropped_stale"`
	SkippedMaxInstances uint64 `json:"skipped_max_instances"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`

	// Instances counts queued plus running tasks per concurrency key.
	Instances map[string]int `json:"instances"`
	History   []HistoryItem  `json:"history"`
}
