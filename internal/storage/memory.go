package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// MemoryStore keeps everything in maps. It backs the "memory" driver and is
// the in-memory state of the "file" driver.
type MemoryStore struct {
	mu         sync.RWMutex
	closed     bool
	jobs       map[string]Job
	executions map[string]Execution
	audit      []AuditLog
	auditSeq   int64

	now func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		jobs:       map[string]Job{},
		executions: map[string]Execution{},
		now:        time.Now,
	}
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AddJob(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addJobLocked(job)
}

func (s *MemoryStore) addJobLocked(job Job) error {
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.jobs[job.ID]; ok {
		return errors.Wrapf(ErrConflict, "job %s", job.ID)
	}
	s.jobs[job.ID] = normJob(job)
	return nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateJobLocked(job)
}

func (s *MemoryStore) updateJobLocked(job Job) error {
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.jobs[job.ID]; !ok {
		return errors.Wrapf(ErrNotFound, "job %s", job.ID)
	}
	s.jobs[job.ID] = normJob(job)
	return nil
}

func (s *MemoryStore) RemoveJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeJobLocked(id)
}

func (s *MemoryStore) removeJobLocked(id string) error {
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.jobs[id]; !ok {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) LookupJob(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return j.Clone(), nil
}

func (s *MemoryStore) GetAllJobs(context.Context) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sortJobs(out)
	return out, nil
}

func (s *MemoryStore) GetDueJobs(_ context.Context, now time.Time) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Job
	for _, j := range s.jobs {
		if j.NextRunTime != nil && !j.NextRunTime.After(now) {
			out = append(out, j.Clone())
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *MemoryStore) NextRunTime(context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *time.Time
	for _, j := range s.jobs {
		if j.NextRunTime == nil {
			continue
		}
		if best == nil || j.NextRunTime.Before(*best) {
			t := *j.NextRunTime
			best = &t
		}
	}
	return best, nil
}

func (s *MemoryStore) AddExecution(_ context.Context, e Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.addExecutionLocked(e)
	return err
}

func (s *MemoryStore) addExecutionLocked(e Execution) (Execution, error) {
	if s.closed {
		return Execution{}, ErrClosed
	}
	if _, ok := s.executions[e.ID]; ok {
		return Execution{}, errors.Wrapf(ErrConflict, "execution %s", e.ID)
	}
	if e.ScheduledTime.IsZero() {
		e.ScheduledTime = s.now()
	}
	e.ScheduledTime = normTime(e.ScheduledTime)
	e.UpdatedTime = normTime(s.now())
	s.executions[e.ID] = e
	return e, nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, id string, u ExecutionUpdate) (Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateExecutionLocked(id, u, s.now())
}

func (s *MemoryStore) updateExecutionLocked(id string, u ExecutionUpdate, at time.Time) (Execution, error) {
	if s.closed {
		return Execution{}, ErrClosed
	}
	e, ok := s.executions[id]
	if !ok {
		return Execution{}, errors.Wrapf(ErrNotFound, "execution %s", id)
	}
	if err := u.check(e.State); err != nil {
		return Execution{}, err
	}
	u.apply(&e)
	e.UpdatedTime = normTime(at)
	s.executions[id] = e
	return e, nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return Execution{}, errors.Wrapf(ErrNotFound, "execution %s", id)
	}
	return e, nil
}

func (s *MemoryStore) GetExecutions(_ context.Context, start, end time.Time) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Execution
	for _, e := range s.executions {
		if inRange(e.ScheduledTime, start, end) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, k int) bool {
		if !out[i].UpdatedTime.Equal(out[k].UpdatedTime) {
			return out[i].UpdatedTime.After(out[k].UpdatedTime)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (s *MemoryStore) AddAuditLog(_ context.Context, l AuditLog) (AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addAuditLocked(l)
}

func (s *MemoryStore) addAuditLocked(l AuditLog) (AuditLog, error) {
	if s.closed {
		return AuditLog{}, ErrClosed
	}
	if l.ID == 0 {
		s.auditSeq++
		l.ID = s.auditSeq
	} else if l.ID > s.auditSeq {
		s.auditSeq = l.ID
	}
	if l.CreatedTime.IsZero() {
		l.CreatedTime = s.now()
	}
	l.CreatedTime = normTime(l.CreatedTime)
	s.audit = append(s.audit, l)
	return l, nil
}

func (s *MemoryStore) GetAuditLogs(_ context.Context, start, end time.Time) ([]AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuditLog
	for _, l := range s.audit {
		if inRange(l.CreatedTime, start, end) {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, k int) bool {
		if !out[i].CreatedTime.Equal(out[k].CreatedTime) {
			return out[i].CreatedTime.After(out[k].CreatedTime)
		}
		return out[i].ID > out[k].ID
	})
	return out, nil
}

func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

func normJob(j Job) Job {
	cp := j.Clone()
	if cp.NextRunTime != nil {
		t := normTime(*cp.NextRunTime)
		cp.NextRunTime = &t
	}
	return cp
}

// sortJobs orders by next_run_time (paused last), then id.
func sortJobs(jobs []Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		a, b := jobs[i].NextRunTime, jobs[k].NextRunTime
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return jobs[i].ID < jobs[k].ID
	})
}
