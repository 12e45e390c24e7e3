package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"chronod/internal/config"
	"chronod/internal/httpapi"
	"chronod/internal/manager"
	"chronod/internal/payload/builtin"
	"chronod/internal/storage"
	"chronod/internal/task/engine"
	"chronod/internal/task/scheduler"
	"chronod/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) (logx.Config, error) {
	lc := cfg.Logging
	timeout, err := config.ParseDurationOrDefault("logging.webhook.timeout", lc.Webhook.Timeout, 5*time.Second)
	if err != nil {
		return logx.Config{}, err
	}
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Webhook: logx.WebhookConfig{
			Enabled:    lc.Webhook.Enabled,
			URL:        lc.Webhook.URL,
			MinLevel:   lc.Webhook.MinLevel,
			RatePerSec: lc.Webhook.RatePerSec,
			Timeout:    timeout,
		},
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	life, err := config.ParseDurationField("storage.conn_max_lifetime", sc.ConnMaxLifetime)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:          driver,
		Path:            strings.TrimSpace(sc.Path),
		DSN:             strings.TrimSpace(sc.DSN),
		BusyTimeout:     busy,
		MaxOpenConns:    sc.MaxOpenConns,
		MaxIdleConns:    sc.MaxIdleConns,
		ConnMaxLifetime: life,
		Tables: storage.Tables{
			Jobs:       sc.Tables.Jobs,
			Executions: sc.Tables.Executions,
			AuditLogs:  sc.Tables.AuditLogs,
		},
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	var te config.TaskEngineConfig
	if cfg.TaskEngine != nil {
		te = *cfg.TaskEngine
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		// The pool runs whenever the scheduler may fire.
		Enabled:        config.BoolOr(cfg.Scheduler.Enabled, true),
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	grace, err := config.ParseDurationField("scheduler.misfire_grace_time", sc.MisfireGraceTime)
	if err != nil {
		return scheduler.Config{}, err
	}
	recheck, err := config.ParseDurationField("scheduler.gate_recheck", sc.GateRecheck)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:          config.BoolOr(sc.Enabled, true),
		Timezone:         sc.Timezone,
		MaxInstances:     sc.MaxInstances,
		Coalesce:         config.BoolOr(sc.Coalesce, true),
		MisfireGraceTime: grace,
		GateRecheck:      recheck,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// Run-now answers after the execution finished, so writes get no default cap.
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		addr = httpapi.DefaultAddr
	}
	return httpapi.Config{
		Enabled:       config.BoolOr(h.Enabled, true),
		Addr:          addr,
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
		RatePerSec:    h.RatePerSec,
		Pprof:         h.Pprof,
		Metrics:       h.Metrics,
		Events:        h.Events,
	}, nil
}

func mapManagerConfig(cfg *config.Config) manager.Config {
	if cfg.Payload == nil {
		return manager.Config{}
	}
	return manager.Config{StrictResolve: cfg.Payload.StrictResolve}
}

func mapBuiltinDeps(cfg *config.Config) (builtin.Deps, error) {
	var pc config.PayloadConfig
	if cfg.Payload != nil {
		pc = *cfg.Payload
	}
	timeout, err := config.ParseDurationField("payload.callback_timeout", pc.CallbackTimeout)
	if err != nil {
		return builtin.Deps{}, err
	}
	return builtin.Deps{
		CallbackTimeout: timeout,
		CallbackBaseURL: strings.TrimSpace(pc.CallbackBaseURL),
		ShellEnabled:    pc.ShellEnabled,
	}, nil
}

// validate maps every section once so a bad hot reload is rejected before
// it is committed.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs []error
	if _, err := mapLoggingConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapBuiltinDeps(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CheckConfig loads and validates cfgPath without opening anything.
func CheckConfig(cfgPath string) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	return validate(cfg)
}
