package scheduler

import (
	"context"
	"encoding/hex"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"chronod/internal/eventbus"
	"chronod/internal/storage"
	"chronod/internal/task/engine"
	"chronod/pkg/logx"
)

// retryWait is the loop sleep when a due job could not be advanced.
const retryWait = time.Second

// NewJobID returns a 32-char lowercase hex id.
func NewJobID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func notFound(id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errors.WithStack(&NotFoundError{JobID: id})
	}
	return err
}

// AddJob persists a new job and returns its id. The job is readable as soon
// as AddJob returns.
func (s *Service) AddJob(ctx context.Context, req AddRequest) (string, error) {
	class := strings.TrimSpace(req.JobClassString)
	if class == "" {
		return "", &ValidationError{Field: "job_class_string", Msg: "required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	trig, err := BuildTrigger(req.Trigger, req.TriggerParams, s.loc, now)
	if err != nil {
		return "", err
	}

	id := NewJobID()
	args := append([]any{class, id}, req.PubArgs...)
	job := storage.Job{
		ID:            id,
		Name:          strings.TrimSpace(req.Name),
		Args:          args,
		Kwargs:        req.Kwargs,
		TriggerKind:   trig.Kind(),
		TriggerParams: trig.Params(),
		NextRunTime:   timePtr(trig.Next(now)),
	}
	if err := s.store.AddJob(ctx, job); err != nil {
		return "", errors.Wrap(err, "add job")
	}
	s.jobs[id] = &entry{job: job.Clone(), trig: trig}
	s.Wake()

	s.log.Info("job added", logx.String("job_id", id), logx.String("name", job.Name), logx.String("trigger", job.TriggerKind), logx.Any("next_run_time", job.NextRunTime))
	s.publish(eventbus.TypeJobAdded, job.Clone())
	return id, nil
}

// ModifyJob applies ch to the job under the engine lock. A paused job stays
// paused, and a trigger with no future occurrence leaves the job paused.
func (s *Service) ModifyJob(ctx context.Context, id string, ch Changes) (storage.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.store.LookupJob(ctx, id)
	if err != nil {
		return storage.Job{}, notFound(id, err)
	}
	job := cur.Clone()
	now := s.now()

	if ch.Name != nil {
		job.Name = strings.TrimSpace(*ch.Name)
	}
	if ch.JobClassString != nil || ch.PubArgs != nil {
		if len(job.Args) < 2 {
			job.Args = append(job.Args, make([]any, 2-len(job.Args))...)
			job.Args[1] = job.ID
		}
		if ch.JobClassString != nil {
			class := strings.TrimSpace(*ch.JobClassString)
			if class == "" {
				return storage.Job{}, &ValidationError{Field: "job_class_string", Msg: "must not be empty"}
			}
			job.Args[0] = class
		}
		if ch.PubArgs != nil {
			job.Args = append(job.Args[:2:2], (*ch.PubArgs)...)
		}
	}
	if ch.Kwargs != nil {
		job.Kwargs = *ch.Kwargs
	}

	kind, params := job.TriggerKind, job.TriggerParams
	switch {
	case ch.Trigger != "":
		kind, params = ch.Trigger, mergeParams(ch.TriggerParams, ch.Cron)
	case len(ch.Cron) > 0 && kind == storage.TriggerCron:
		params = mergeParams(params, ch.Cron)
	case len(ch.Cron) > 0:
		kind, params = storage.TriggerCron, mergeParams(nil, ch.Cron)
	}
	trig, err := BuildTrigger(kind, params, s.loc, now)
	if err != nil {
		return storage.Job{}, err
	}
	job.TriggerKind, job.TriggerParams = trig.Kind(), trig.Params()
	if ch.triggerChanged() && !cur.Paused() {
		job.NextRunTime = timePtr(trig.Next(now))
	}

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return storage.Job{}, notFound(id, err)
	}
	s.jobs[id] = &entry{job: job.Clone(), trig: trig}
	s.Wake()

	s.log.Info("job modified", logx.String("job_id", id), logx.Bool("trigger_changed", ch.triggerChanged()), logx.Any("next_run_time", job.NextRunTime))
	s.publish(eventbus.TypeJobModified, job.Clone())
	return job, nil
}

// mergeParams overlays the non-empty values of over onto base.
func mergeParams(base, over map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		if strings.TrimSpace(v) != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

// RemoveJob deletes the job and returns what was removed. Executions of the
// job are kept.
func (s *Service) RemoveJob(ctx context.Context, id string) (storage.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.store.LookupJob(ctx, id)
	if err != nil {
		return storage.Job{}, notFound(id, err)
	}
	if err := s.store.RemoveJob(ctx, id); err != nil {
		return storage.Job{}, notFound(id, err)
	}
	delete(s.jobs, id)
	s.Wake()
	s.log.Info("job removed", logx.String("job_id", id))
	s.publish(eventbus.TypeJobRemoved, job)
	return job, nil
}

// PauseJob clears next_run_time. The trigger is kept.
func (s *Service) PauseJob(ctx context.Context, id string) (storage.Job, error) {
	return s.setNext(ctx, id, eventbus.TypeJobPaused, func(Trigger, time.Time) *time.Time { return nil })
}

// ResumeJob recomputes next_run_time from the trigger. A trigger with no
// future occurrence leaves the job paused.
func (s *Service) ResumeJob(ctx context.Context, id string) (storage.Job, error) {
	return s.setNext(ctx, id, eventbus.TypeJobResumed, func(t Trigger, now time.Time) *time.Time {
		return timePtr(t.Next(now))
	})
}

func (s *Service) setNext(ctx context.Context, id, event string, next func(Trigger, time.Time) *time.Time) (storage.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.store.LookupJob(ctx, id)
	if err != nil {
		return storage.Job{}, notFound(id, err)
	}
	now := s.now()
	trig, err := BuildTrigger(job.TriggerKind, job.TriggerParams, s.loc, now)
	if err != nil {
		return storage.Job{}, err
	}
	job.NextRunTime = next(trig, now)
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return storage.Job{}, notFound(id, err)
	}
	s.jobs[id] = &entry{job: job.Clone(), trig: trig}
	s.Wake()
	s.log.Info(strings.ReplaceAll(event, ".", " "), logx.String("job_id", id), logx.Any("next_run_time", job.NextRunTime))
	s.publish(event, job.Clone())
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id string) (storage.Job, error) {
	job, err := s.store.LookupJob(ctx, id)
	if err != nil {
		return storage.Job{}, notFound(id, err)
	}
	return job, nil
}

// ListJobs returns every job ordered by next_run_time (paused last), then id.
func (s *Service) ListJobs(ctx context.Context) ([]storage.Job, error) {
	jobs, err := s.store.GetAllJobs(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	sortJobs(jobs)
	return jobs, nil
}

func sortJobs(jobs []storage.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		a, b := jobs[i].NextRunTime, jobs[k].NextRunTime
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case (a == nil) != (b == nil):
			return a != nil
		}
		return jobs[i].ID < jobs[k].ID
	})
}

// FireTick dispatches every job due at now, advances each to its next
// occurrence after now and returns how long to sleep until the next one.
func (s *Service) FireTick(ctx context.Context, now time.Time) time.Duration {
	s.mu.Lock()
	cfg := s.cfg

	due := s.collectDueLocked(ctx, now)
	sort.Slice(due, func(i, k int) bool {
		a, b := *due[i].job.NextRunTime, *due[k].job.NextRunTime
		if !a.Equal(b) {
			return a.Before(b)
		}
		return due[i].job.ID < due[k].job.ID
	})

	var firings []Firing
	for _, e := range due {
		runs, next := runTimes(e.trig, *e.job.NextRunTime, now)
		updated := e.job.Clone()
		updated.NextRunTime = timePtr(next)
		if err := s.store.UpdateJob(ctx, updated); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				delete(s.jobs, e.job.ID)
				continue
			}
			s.log.Error("advance job failed", logx.String("job_id", e.job.ID), logx.Err(err))
			continue
		}
		e.job = updated
		if next.IsZero() {
			s.log.Info("trigger exhausted, job paused", logx.String("job_id", e.job.ID))
		}

		if cfg.Coalesce && len(runs) > 1 {
			runs = runs[len(runs)-1:]
		}
		for _, rt := range runs {
			if late := now.Sub(rt); late > cfg.MisfireGraceTime {
				s.skippedMisfire.Add(1)
				s.log.Warn("run time of job was missed",
					logx.String("job_id", e.job.ID),
					logx.Time("run_time", rt),
					logx.Duration("late", late))
				s.publish(eventbus.TypeJobSkipped, map[string]any{"job_id": e.job.ID, "run_time": rt, "reason": "misfire"})
				continue
			}
			firings = append(firings, Firing{Job: updated.Clone(), ScheduledTime: rt})
		}
	}
	wait := s.nextWaitLocked(now)
	// Jobs another process added are not indexed until they fall due.
	if next, err := s.store.NextRunTime(ctx); err == nil && next != nil {
		if d := next.Sub(now); d > 0 {
			wait = min(wait, d)
		}
	}
	s.mu.Unlock()

	for _, f := range firings {
		s.dispatch(ctx, f)
	}
	return wait
}

// collectDueLocked returns the entries due at now. The store is
// authoritative: rows added, advanced or removed by another process sharing
// it replace the in-memory view. If the query fails the index is used as is.
func (s *Service) collectDueLocked(ctx context.Context, now time.Time) []*entry {
	stored, err := s.store.GetDueJobs(ctx, now)
	if err != nil {
		s.log.Warn("due jobs query failed, using in-memory index", logx.Err(err))
		var due []*entry
		for _, e := range s.jobs {
			if e.job.NextRunTime != nil && !e.job.NextRunTime.After(now) {
				due = append(due, e)
			}
		}
		return due
	}

	due := make([]*entry, 0, len(stored))
	seen := make(map[string]struct{}, len(stored))
	for _, j := range stored {
		seen[j.ID] = struct{}{}
		e, err := s.refreshLocked(j, now)
		if err != nil {
			s.log.Error("skipping job with invalid trigger", logx.String("job_id", j.ID), logx.Err(err))
			continue
		}
		due = append(due, e)
	}

	for id, e := range s.jobs {
		if _, ok := seen[id]; ok || e.job.NextRunTime == nil || e.job.NextRunTime.After(now) {
			continue
		}
		j, err := s.store.LookupJob(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			delete(s.jobs, id)
		case err != nil:
			s.log.Warn("job lookup failed", logx.String("job_id", id), logx.Err(err))
		default:
			if _, err := s.refreshLocked(j, now); err != nil {
				s.log.Error("skipping job with invalid trigger", logx.String("job_id", id), logx.Err(err))
			}
		}
	}
	return due
}

// refreshLocked replaces the index entry for j, rebuilding the trigger only
// when its definition changed.
func (s *Service) refreshLocked(j storage.Job, now time.Time) (*entry, error) {
	e := s.jobs[j.ID]
	if e != nil && e.job.TriggerKind == j.TriggerKind && maps.Equal(e.job.TriggerParams, j.TriggerParams) {
		e.job = j.Clone()
		return e, nil
	}
	trig, err := BuildTrigger(j.TriggerKind, j.TriggerParams, s.loc, now)
	if err != nil {
		return nil, err
	}
	e = &entry{job: j.Clone(), trig: trig}
	s.jobs[j.ID] = e
	return e, nil
}

// runTimes lists the occurrences from first up to now and the first one after now.
func runTimes(trig Trigger, first, now time.Time) ([]time.Time, time.Time) {
	runs := []time.Time{first}
	t := first
	for len(runs) < maxCatchUp {
		t = trig.Next(t)
		if t.IsZero() || t.After(now) {
			return runs, t
		}
		runs = append(runs, t)
	}
	return runs, trig.Next(now)
}

func (s *Service) nextWaitLocked(now time.Time) time.Duration {
	wait := maxIdleWait
	for _, e := range s.jobs {
		if e.job.NextRunTime == nil {
			continue
		}
		d := e.job.NextRunTime.Sub(now)
		if d <= 0 {
			return retryWait
		}
		wait = min(wait, d)
	}
	return wait
}

func (s *Service) dispatch(ctx context.Context, f Firing) {
	if s.run == nil {
		s.log.Warn("no run func, firing dropped", logx.String("job_id", f.Job.ID))
		return
	}
	if s.engine == nil {
		s.dispatched.Add(1)
		if err := s.run(ctx, f); err != nil {
			s.log.Warn("firing failed", logx.String("job_id", f.Job.ID), logx.Err(err))
		}
		return
	}

	s.mu.Lock()
	maxInstances := s.cfg.MaxInstances
	s.mu.Unlock()
	err := s.engine.Enqueue(engine.Task{
		Name:           "job:" + f.Job.ID,
		ConcurrencyKey: f.Job.ID,
		MaxInstances:   maxInstances,
		Run:            func(ctx context.Context) error { return s.run(ctx, f) },
	})
	if err != nil {
		s.reportEnqueueError(f, err)
		return
	}
	s.dispatched.Add(1)
}
