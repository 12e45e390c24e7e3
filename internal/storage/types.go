package storage

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid execution state transition")
	ErrClosed            = errors.New("store closed")
)

// Default table names.
const (
	DefaultJobsTable       = "scheduler_jobs"
	DefaultExecutionsTable = "scheduler_execution"
	DefaultAuditLogsTable  = "scheduler_jobauditlog"
)

// Config configures storage.
//
// Driver values are whatever was registered with Register; the built-ins are
// "memory", "file", "sqlite" ("sqlite3"), "postgres" ("pgx") and "mysql".
// An empty Driver selects "memory".
type Config struct {
	Driver      string
	Path        string        // file and sqlite
	DSN         string        // postgres and mysql
	BusyTimeout time.Duration // sqlite only; 0 means default

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	Tables Tables
}

type Tables struct {
	Jobs       string
	Executions string
	AuditLogs  string
}

func (t Tables) withDefaults() Tables {
	if strings.TrimSpace(t.Jobs) == "" {
		t.Jobs = DefaultJobsTable
	}
	if strings.TrimSpace(t.Executions) == "" {
		t.Executions = DefaultExecutionsTable
	}
	if strings.TrimSpace(t.AuditLogs) == "" {
		t.AuditLogs = DefaultAuditLogsTable
	}
	return t
}

// Trigger kinds.
const (
	TriggerCron     = "cron"
	TriggerInterval = "interval"
)

// Job is the persisted job definition.
//
// Args is positional: [job_class_string, job_id, pub_args...].
// A nil NextRunTime means the job is paused.
type Job struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Args          []any             `json:"args"`
	Kwargs        map[string]any    `json:"kwargs,omitempty"`
	TriggerKind   string            `json:"trigger"`
	TriggerParams map[string]string `json:"trigger_params"`
	NextRunTime   *time.Time        `json:"next_run_time"`
}

// JobClassString returns args[0] as a string ("" when missing).
func (j Job) JobClassString() string {
	if len(j.Args) == 0 {
		return ""
	}
	s, _ := j.Args[0].(string)
	return s
}

// PubArgs returns args[2:] (never nil).
func (j Job) PubArgs() []any {
	if len(j.Args) <= 2 {
		return []any{}
	}
	return append([]any(nil), j.Args[2:]...)
}

func (j Job) Paused() bool { return j.NextRunTime == nil }

// Clone returns a deep-enough copy for safe handoff across goroutines.
func (j Job) Clone() Job {
	cp := j
	cp.Args = append([]any(nil), j.Args...)
	if j.Kwargs != nil {
		cp.Kwargs = make(map[string]any, len(j.Kwargs))
		for k, v := range j.Kwargs {
			cp.Kwargs[k] = v
		}
	}
	if j.TriggerParams != nil {
		cp.TriggerParams = make(map[string]string, len(j.TriggerParams))
		for k, v := range j.TriggerParams {
			cp.TriggerParams[k] = v
		}
	}
	if j.NextRunTime != nil {
		t := *j.NextRunTime
		cp.NextRunTime = &t
	}
	return cp
}

// ExecutionState is persisted as its integer value.
type ExecutionState int

const (
	StateScheduled ExecutionState = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
	StateSucceeded
	StateTimeout
	StateScheduledError
)

var stateNames = [...]string{
	StateScheduled:      "scheduled",
	StateRunning:        "running",
	StateStopping:       "stopping",
	StateStopped:        "stopped",
	StateFailed:         "failed",
	StateSucceeded:      "succeeded",
	StateTimeout:        "timeout",
	StateScheduledError: "scheduled error",
}

func (s ExecutionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s ExecutionState) Terminal() bool {
	switch s {
	case StateStopped, StateFailed, StateSucceeded, StateTimeout, StateScheduledError:
		return true
	}
	return false
}

// CanTransition reports whether an execution in state from may be written with state to.
// Terminal states accept no further writes. Non-terminal states may be rewritten
// in place (e.g. to set task_id while running) but never move backwards. Only a
// RUNNING execution can end FAILED or SUCCEEDED.
func CanTransition(from, to ExecutionState) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StateScheduled:
		switch to {
		case StateScheduled, StateRunning, StateScheduledError, StateStopping, StateStopped, StateTimeout:
			return true
		}
		return false
	case StateRunning:
		return to != StateScheduled && to != StateScheduledError
	case StateStopping:
		return to == StateStopping || to == StateStopped || to == StateFailed || to == StateTimeout
	}
	return false
}

// Execution is one firing of a job.
type Execution struct {
	ID            string         `json:"execution_id"`
	JobID         string         `json:"job_id"`
	State         ExecutionState `json:"state"`
	Hostname      string         `json:"hostname"`
	PID           int            `json:"pid"`
	Description   string         `json:"description"`
	Result        string         `json:"result"`
	TaskID        string         `json:"task_id"`
	ScheduledTime time.Time      `json:"scheduled_time"`
	UpdatedTime   time.Time      `json:"updated_time"`
}

// ExecutionUpdate lists the fields to change; nil fields are left alone.
type ExecutionUpdate struct {
	State       *ExecutionState
	Hostname    *string
	PID         *int
	Description *string
	Result      *string
	TaskID      *string
}

func (u ExecutionUpdate) apply(e *Execution) {
	if u.State != nil {
		e.State = *u.State
	}
	if u.Hostname != nil {
		e.Hostname = *u.Hostname
	}
	if u.PID != nil {
		e.PID = *u.PID
	}
	if u.Description != nil {
		e.Description = *u.Description
	}
	if u.Result != nil {
		e.Result = *u.Result
	}
	if u.TaskID != nil {
		e.TaskID = *u.TaskID
	}
}

func (u ExecutionUpdate) check(cur ExecutionState) error {
	to := cur
	if u.State != nil {
		to = *u.State
	}
	if !CanTransition(cur, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", cur, to)
	}
	return nil
}

// AuditEvent is persisted as its integer value.
type AuditEvent int

const (
	EventAdded AuditEvent = iota
	EventModified
	EventDeleted
	EventPaused
	EventResumed
	EventCustomRun
)

var eventNames = [...]string{
	EventAdded:     "added",
	EventModified:  "modified",
	EventDeleted:   "deleted",
	EventPaused:    "paused",
	EventResumed:   "resumed",
	EventCustomRun: "custom_run",
}

func (e AuditEvent) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[e]
}

// AuditLog records an administrative action on a job.
type AuditLog struct {
	ID          int64      `json:"id"`
	JobID       string     `json:"job_id"`
	JobName     string     `json:"job_name"`
	Event       AuditEvent `json:"event"`
	User        string     `json:"user"`
	CreatedTime time.Time  `json:"created_time"`
	Description string     `json:"description"`
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }

// Truncate to the stored precision so round-trips compare equal.
func normTime(t time.Time) time.Time { return fromMicros(toMicros(t)) }
