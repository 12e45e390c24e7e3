package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"chronod/pkg/logx"
)

type JobStore interface {
	AddJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	RemoveJob(ctx context.Context, id string) error
	LookupJob(ctx context.Context, id string) (Job, error)
	GetAllJobs(ctx context.Context) ([]Job, error)
	// GetDueJobs returns jobs with next_run_time <= now, earliest first.
	GetDueJobs(ctx context.Context, now time.Time) ([]Job, error)
	// NextRunTime returns the earliest non-null next_run_time, or nil.
	NextRunTime(ctx context.Context) (*time.Time, error)
}

type ExecutionStore interface {
	AddExecution(ctx context.Context, e Execution) error
	UpdateExecution(ctx context.Context, id string, u ExecutionUpdate) (Execution, error)
	GetExecution(ctx context.Context, id string) (Execution, error)
	// GetExecutions returns executions with scheduled_time in [start, end],
	// most recently updated first.
	GetExecutions(ctx context.Context, start, end time.Time) ([]Execution, error)
}

type AuditStore interface {
	AddAuditLog(ctx context.Context, l AuditLog) (AuditLog, error)
	// GetAuditLogs returns entries with created_time in [start, end], newest first.
	GetAuditLogs(ctx context.Context, start, end time.Time) ([]AuditLog, error)
}

// Store is the persistence API used by the scheduler, runner and manager.
type Store interface {
	JobStore
	ExecutionStore
	AuditStore
	Close() error
}

// Migrator is implemented by SQL backends that create their schema on demand.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// OpenFunc opens a backend from cfg.
type OpenFunc func(cfg Config, log logx.Logger) (Store, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]OpenFunc{}
)

// Register makes a backend available under name. Registering a name twice panics.
func Register(name string, fn OpenFunc) {
	name = strings.ToLower(strings.TrimSpace(name))
	driversMu.Lock()
	defer driversMu.Unlock()
	if fn == nil {
		panic("storage: Register open func is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("storage: Register called twice for driver " + name)
	}
	drivers[name] = fn
}

// Drivers returns the sorted registered driver names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	out := make([]string, 0, len(drivers))
	for name := range drivers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "memory"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Tables = cfg.Tables.withDefaults()

	driversMu.RLock()
	fn, ok := drivers[driver]
	driversMu.RUnlock()
	if !ok {
		return nil, errors.Newf("unknown storage driver: %s (available: %s)", driver, strings.Join(Drivers(), ", "))
	}
	st, err := fn(cfg, log.With(logx.String("comp", "storage"), logx.String("driver", driver)))
	if err != nil {
		return nil, errors.Wrapf(err, "open %s store", driver)
	}
	return st, nil
}

func init() {
	Register("memory", func(Config, logx.Logger) (Store, error) { return NewMemory(), nil })
	Register("file", openFile)
	Register("sqlite", openSQLite)
	Register("sqlite3", openSQLite)
	Register("postgres", openPostgres)
	Register("pgx", openPostgres)
	Register("mysql", openMySQL)
}
