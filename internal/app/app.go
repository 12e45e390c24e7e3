// Package app wires chronod's components from a config file and owns their
// lifecycle: startup order, hot reload and bounded shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"
	// Timezones resolve on hosts without a zoneinfo database.
	_ "time/tzdata"

	"github.com/cockroachdb/errors"

	"chronod/internal/config"
	"chronod/internal/eventbus"
	"chronod/internal/httpapi"
	"chronod/internal/manager"
	"chronod/internal/payload"
	"chronod/internal/payload/builtin"
	"chronod/internal/pubsub"
	rtsup "chronod/internal/runtime/supervisor"
	"chronod/internal/storage"
	"chronod/internal/task/engine"
	"chronod/internal/task/runner"
	"chronod/internal/task/scheduler"
	"chronod/pkg/logx"
	"chronod/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg    *payload.Registry
	ps     *pubsub.Registry
	units  *systemd.Units
	engine *engine.Service
	runner *runner.Runner
	sched  *scheduler.Service
	mgr    *manager.Service
	http   *httpapi.Service
}

// New loads cfgPath and builds every component without starting any.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logCfg, _ := mapLoggingConfig(cfg)
	logSvc, log := logx.New(logCfg)
	appLog := log.With(logx.String("comp", "app"))

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	ps := pubsub.New(log)

	reg := payload.NewRegistry()
	deps, _ := mapBuiltinDeps(cfg)
	deps.Log = log
	deps.PubSub = ps
	var units *systemd.Units
	if cfg.Payload != nil && len(cfg.Payload.SystemdUnits) > 0 {
		units = systemd.NewUnits(cfg.Payload.SystemdUnits)
		deps.Units = units
	}
	if err := builtin.Register(reg, deps); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	engCfg, _ := mapTaskEngineConfig(cfg)
	eng := engine.New(engCfg, log, bus)

	run := runner.New(store, reg, log, runner.WithEventBus(bus))

	schedCfg, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(schedCfg, store, eng, func(ctx context.Context, f scheduler.Firing) error {
		_, err := run.Run(ctx, f.Job, f.ScheduledTime)
		return err
	}, log, bus)
	sched.SetGate(scheduler.FileGate(cfg.Scheduler.GateFile))

	mgr := manager.New(mapManagerConfig(cfg), sched, run, store, ps, reg, log)

	httpCfg, _ := mapHTTPConfig(cfg)
	httpSvc := httpapi.New(httpCfg, mgr, bus, log)

	return &App{
		cfgm:   cfgm,
		log:    appLog,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		reg:    reg,
		ps:     ps,
		units:  units,
		engine: eng,
		runner: run,
		sched:  sched,
		mgr:    mgr,
		http:   httpSvc,
	}, nil
}

func (a *App) Manager() *manager.Service { return a.mgr }

// HTTPAddr is the bound REST address, "" while not serving.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	c := a.sup.Context()
	// Engine first so the first due firing has workers.
	if a.engine.Enabled() {
		a.engine.Start(c)
	}
	if a.sched.Enabled() {
		if err := a.sched.Start(c); err != nil {
			a.sup.Cancel()
			return errors.Wrap(err, "start scheduler")
		}
	}
	if a.http.Enabled() {
		a.http.Start(c)
	}

	// Keep this debug-level to avoid noise for frequent jobs.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, iv, func() bool { return a.sup.Err() == nil })
		})
	}

	snap := a.sched.Snapshot()
	a.log.Info("app started",
		logx.Int("jobs", snap.Jobs),
		logx.String("timezone", snap.Timezone),
		logx.Bool("http", a.http.Enabled()),
	)
	_, _ = systemd.Status(fmt.Sprintf("%d jobs, timezone %s", snap.Jobs, snap.Timezone))
	return nil
}

// applyConfig pushes a committed config into the live components.
// Storage changes only take effect after a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	if lc, err := mapLoggingConfig(next); err == nil {
		a.logs.Apply(lc)
	}

	prevSched := a.sched.Enabled()
	if ec, err := mapTaskEngineConfig(next); err == nil {
		prevEng := a.engine.Enabled()
		a.engine.Apply(ctx, ec)
		if !prevEng && ec.Enabled {
			a.engine.Start(ctx)
		}
	}
	if sc, err := mapSchedulerConfig(next); err == nil {
		a.sched.Apply(sc)
		a.sched.SetGate(scheduler.FileGate(next.Scheduler.GateFile))
		switch {
		case prevSched && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prevSched && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			if err := a.sched.Start(ctx); err != nil {
				a.log.Error("scheduler start failed", logx.Err(err))
			}
		}
	}
	if hc, err := mapHTTPConfig(next); err == nil {
		a.http.Reconfigure(ctx, hc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Intake first: no new requests, then no new firings, then drain workers.
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	if a.units != nil {
		a.units.Close()
	}
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
