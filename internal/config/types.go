package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool that executes firings.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	HTTP    HTTPConfig     `json:"http"`
	Payload *PayloadConfig `json:"payload,omitempty"`
}

// StorageConfig selects a datastore backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/chronod.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://chronod@localhost/chronod" }
type StorageConfig struct {
	Driver string `json:"driver"`
	// Path is used by file/sqlite drivers.
	Path string `json:"path,omitempty"`
	// DSN is used by postgres/mysql drivers (never logged).
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only

	MaxOpenConns    int    `json:"max_open_conns,omitempty"`
	MaxIdleConns    int    `json:"max_idle_conns,omitempty"`
	ConnMaxLifetime string `json:"conn_max_lifetime,omitempty"`

	Tables TablesConfig `json:"tables,omitempty"`
}

// TablesConfig overrides the three table names.
//
// Defaults: scheduler_jobs, scheduler_execution, scheduler_jobauditlog.
type TablesConfig struct {
	Jobs       string `json:"jobs,omitempty"`
	Executions string `json:"executions,omitempty"`
	AuditLogs  string `json:"audit_logs,omitempty"`
}

// SchedulerConfig controls the trigger engine.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - timezone: "UTC"
//   - max_instances: 3
//   - coalesce: true
//   - misfire_grace_time: "1h"
//   - gate_recheck: "60s"
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// Timezone is an IANA TZ name, e.g. "Asia/Jakarta".
	Timezone string `json:"timezone,omitempty"`

	MaxInstances     int    `json:"max_instances,omitempty"`
	Coalesce         *bool  `json:"coalesce,omitempty"`
	MisfireGraceTime string `json:"misfire_grace_time,omitempty"`

	// GateRecheck is how long the loop sleeps when this process may not fire jobs.
	GateRecheck string `json:"gate_recheck,omitempty"`

	// GateFile, when set, makes the process fire jobs only while the file exists.
	GateFile string `json:"gate_file,omitempty"`
}

// TaskEngineConfig controls the worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// HTTPConfig controls the REST API server.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:7777").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// RatePerSec limits API requests per second (0 disables).
	RatePerSec int `json:"rate_per_sec,omitempty"`

	Pprof   bool `json:"pprof,omitempty"`
	Metrics bool `json:"metrics,omitempty"`
	Events  bool `json:"events,omitempty"`
}

// PayloadConfig controls payload resolution and builtin payloads.
type PayloadConfig struct {
	// StrictResolve rejects unknown job_class_string values at add/modify time.
	StrictResolve bool `json:"strict_resolve,omitempty"`
	// CallbackTimeout bounds builtin.callback waits when the job does not set one.
	CallbackTimeout string `json:"callback_timeout,omitempty"`
	// CallbackBaseURL is the public base URL downstream systems call back on.
	CallbackBaseURL string `json:"callback_base_url,omitempty"`
	// ShellEnabled allows the builtin.shell payload.
	ShellEnabled bool `json:"shell_enabled,omitempty"`
	// SystemdUnits lists the units builtin.systemd may control.
	SystemdUnits []string `json:"systemd_units,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Webhook LoggingWebhook `json:"webhook"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingWebhook struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url,omitempty"` // may carry a secret; never logged
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// BoolOr returns *p, or def when p is nil.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
