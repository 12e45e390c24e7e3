package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"chronod/internal/eventbus"
	rtsup "chronod/internal/runtime/supervisor"
	"chronod/internal/storage"
	"chronod/internal/task/engine"
	"chronod/pkg/logx"
)

// Config controls the trigger engine. The app layer maps config.scheduler here.
type Config struct {
	Enabled  bool
	Timezone string // IANA name, default UTC

	// MaxInstances caps concurrent firings of one job. 0 means 3.
	MaxInstances int
	Coalesce     bool
	// MisfireGraceTime skips firings that are later than this. 0 means 1h.
	MisfireGraceTime time.Duration
	// GateRecheck is how long the loop sleeps while the gate says no. 0 means 60s.
	GateRecheck time.Duration
}

const (
	defaultMaxInstances = 3
	defaultMisfireGrace = time.Hour
	defaultGateRecheck  = 60 * time.Second

	// maxIdleWait bounds a loop sleep so clock jumps are noticed.
	maxIdleWait = time.Minute
	// maxCatchUp bounds how many missed occurrences one tick walks through.
	maxCatchUp = 1000
)

func (c Config) withDefaults() Config {
	if c.MaxInstances <= 0 {
		c.MaxInstances = defaultMaxInstances
	}
	if c.MisfireGraceTime <= 0 {
		c.MisfireGraceTime = defaultMisfireGrace
	}
	if c.GateRecheck <= 0 {
		c.GateRecheck = defaultGateRecheck
	}
	return c
}

// Gate decides whether this process may fire jobs right now.
type Gate func(ctx context.Context) bool

// Firing is one due occurrence handed to the run func.
type Firing struct {
	Job           storage.Job
	ScheduledTime time.Time
}

// RunFunc executes a firing on an engine worker.
type RunFunc func(ctx context.Context, f Firing) error

// AddRequest describes a new job. An empty Trigger means cron.
type AddRequest struct {
	Name           string
	JobClassString string
	PubArgs        []any
	Kwargs         map[string]any
	Trigger        string
	TriggerParams  map[string]string
}

// Changes lists what ModifyJob changes; nil fields are left alone.
//
// Cron is merged field by field onto the job's cron trigger. Trigger with
// TriggerParams replaces the trigger outright.
type Changes struct {
	Name           *string
	JobClassString *string
	PubArgs        *[]any
	Kwargs         *map[string]any
	Cron           map[string]string
	Trigger        string
	TriggerParams  map[string]string
}

func (c Changes) triggerChanged() bool { return c.Trigger != "" || len(c.Cron) > 0 }

type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string { return "job " + e.JobID + " not found" }

type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// entry is the in-memory view of one persisted job.
type entry struct {
	job  storage.Job
	trig Trigger
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location
	log logx.Logger
	bus eventbus.Bus

	store  storage.JobStore
	engine *engine.Service
	run    RunFunc
	gate   Gate
	now    func() time.Time

	jobs map[string]*entry
	wake chan struct{}
	sup  *rtsup.Supervisor

	skippedMisfire      atomic.Uint64
	skippedMaxInstances atomic.Uint64
	dispatched          atomic.Uint64

	// Throttles skip warnings per job.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Trigger string            `json:"trigger"`
	Params  map[string]string `json:"trigger_params"`
	Next    *time.Time        `json:"next_run_time"`
}

type Snapshot struct {
	Enabled             bool            `json:"enabled"`
	Running             bool            `json:"running"`
	Timezone            string          `json:"timezone"`
	Jobs                int             `json:"jobs"`
	Paused              int             `json:"paused"`
	Dispatched          uint64          `json:"dispatched"`
	SkippedMisfire      uint64          `json:"skipped_misfire"`
	SkippedMaxInstances uint64          `json:"skipped_max_instances"`
	Schedules           []ScheduleInfo  `json:"schedules"`
	Engine              engine.Snapshot `json:"engine"`
}
