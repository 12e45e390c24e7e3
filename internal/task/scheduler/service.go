package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"chronod/internal/eventbus"
	rtsup "chronod/internal/runtime/supervisor"
	"chronod/internal/storage"
	"chronod/internal/task/engine"
	"chronod/pkg/logx"
)

// New builds the trigger engine. eng may be nil, in which case firings run
// inline on the scheduling goroutine (tests only).
func New(cfg Config, store storage.JobStore, eng *engine.Service, run RunFunc, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:         cfg.withDefaults(),
		log:         log.With(logx.String("comp", "scheduler")),
		bus:         bus,
		store:       store,
		engine:      eng,
		run:         run,
		now:         time.Now,
		jobs:        map[string]*entry{},
		wake:        make(chan struct{}, 1),
		lastEnqWarn: map[string]time.Time{},
	}
	s.loc = s.loadLocationLocked()
	return s
}

// SetGate installs the is-okay-to-run predicate. nil means always run.
func (s *Service) SetGate(g Gate) {
	s.mu.Lock()
	s.gate = g
	s.mu.Unlock()
	s.Wake()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location returns the timezone cron triggers are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Apply swaps the config. A timezone change rebuilds every cron trigger; the
// persisted next_run_time values are kept.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.loc = s.loadLocationLocked()
		for id, e := range s.jobs {
			trig, err := BuildTrigger(e.job.TriggerKind, e.job.TriggerParams, s.loc, s.now())
			if err != nil {
				s.log.Warn("trigger rebuild failed", logx.String("job_id", id), logx.Err(err))
				continue
			}
			e.trig = trig
		}
		s.log.Info("timezone changed", logx.String("tz", s.loc.String()))
	}
	s.mu.Unlock()
	s.Wake()
}

// Start loads every job from the store and starts the scheduling loop.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.reload(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.sup != nil {
		return nil
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("scheduler.loop", s.loop, rtsup.WithPublishFirstError(true))
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts the loop. Firings already handed to the engine keep running.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	start := time.Now()
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler stop", logx.Err(err))
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Wake makes the loop re-evaluate its sleep.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) reload(ctx context.Context) error {
	jobs, err := s.store.GetAllJobs(ctx)
	if err != nil {
		return errors.Wrap(err, "load jobs")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*entry, len(jobs))
	for _, j := range jobs {
		trig, err := BuildTrigger(j.TriggerKind, j.TriggerParams, s.loc, s.now())
		if err != nil {
			s.log.Error("skipping job with invalid trigger", logx.String("job_id", j.ID), logx.Err(err))
			continue
		}
		s.jobs[j.ID] = &entry{job: j.Clone(), trig: trig}
	}
	return nil
}

func (s *Service) loop(ctx context.Context) error {
	for {
		s.mu.Lock()
		gate, recheck := s.gate, s.cfg.GateRecheck
		s.mu.Unlock()

		wait := recheck
		if gate == nil || gate(ctx) {
			wait = s.FireTick(ctx, s.now())
		} else {
			s.log.Debug("gate closed, not firing", logx.Duration("recheck", recheck))
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-s.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
