package config

import (
	"net"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var knownDrivers = map[string]bool{
	"memory":   true,
	"file":     true,
	"sqlite":   true,
	"sqlite3":  true,
	"postgres": true,
	"pgx":      true,
	"mysql":    true,
}

// Validate checks field formats and cross-field constraints. It does not touch
// the filesystem or network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch {
	case driver == "":
	case !knownDrivers[driver]:
		add(errors.Newf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	case (driver == "postgres" || driver == "pgx" || driver == "mysql") && strings.TrimSpace(cfg.Storage.DSN) == "":
		add(errors.Newf("storage.dsn is required when storage.driver=%s", driver))
	case (driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(cfg.Storage.Path) == "":
		add(errors.New("storage.path is required when storage.driver=sqlite"))
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)
	_, err = ParseDurationField("storage.conn_max_lifetime", cfg.Storage.ConnMaxLifetime)
	add(err)

	sc := cfg.Scheduler
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(errors.Wrapf(err, "scheduler.timezone: %q", tz))
		}
	}
	if sc.MaxInstances < 0 {
		add(errors.New("scheduler.max_instances must be >= 0"))
	}
	_, err = ParseDurationField("scheduler.misfire_grace_time", sc.MisfireGraceTime)
	add(err)
	_, err = ParseDurationField("scheduler.gate_recheck", sc.GateRecheck)
	add(err)

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
			add(errors.New("task_engine: workers, queue_size and history_size must be >= 0"))
		}
		_, err = ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
		add(err)
		_, err = ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
		add(err)
	}

	h := cfg.HTTP
	if addr := strings.TrimSpace(h.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(errors.Wrapf(err, "http.addr: %q", addr))
		}
	}
	if h.RatePerSec < 0 {
		add(errors.New("http.rate_per_sec must be >= 0"))
	}
	for _, f := range []struct{ name, raw string }{
		{"http.read_timeout", h.ReadTimeout},
		{"http.write_timeout", h.WriteTimeout},
		{"http.idle_timeout", h.IdleTimeout},
		{"logging.webhook.timeout", cfg.Logging.Webhook.Timeout},
	} {
		_, err = ParseDurationField(f.name, f.raw)
		add(err)
	}
	if cfg.Logging.Webhook.Enabled && strings.TrimSpace(cfg.Logging.Webhook.URL) == "" {
		add(errors.New("logging.webhook.url is required when logging.webhook.enabled=true"))
	}

	if p := cfg.Payload; p != nil {
		_, err = ParseDurationField("payload.callback_timeout", p.CallbackTimeout)
		add(err)
	}

	return errors.Join(errs...)
}
