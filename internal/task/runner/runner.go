// Package runner executes one firing of a job and records its outcome as an
// execution row.
//
// Every execution that reaches RUNNING ends with exactly one terminal write
// (SUCCEEDED or FAILED); a job_class_string that does not resolve ends in
// SCHEDULED_ERROR before anything runs. Payload errors and panics are recorded,
// never returned.
package runner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"chronod/internal/eventbus"
	"chronod/internal/payload"
	"chronod/internal/storage"
	"chronod/pkg/logx"
)

// Hooks run around every resolved execution. A PreRun error fails the
// execution without invoking the payload.
type Hooks struct {
	PreRun  func(ctx context.Context, job storage.Job, executionID string) error
	PostRun func(ctx context.Context, job storage.Job, exec storage.Execution)
}

type Option func(*Runner)

func WithHooks(h Hooks) Option { return func(r *Runner) { r.hooks = h } }

// WithIdentity overrides the hostname and pid recorded on executions.
func WithIdentity(hostname string, pid int) Option {
	return func(r *Runner) {
		r.hostname = hostname
		r.pid = pid
	}
}

func WithEventBus(bus eventbus.Bus) Option { return func(r *Runner) { r.bus = bus } }

type Runner struct {
	store storage.ExecutionStore
	reg   *payload.Registry
	log   logx.Logger
	bus   eventbus.Bus
	hooks Hooks

	hostname string
	pid      int
	locks    jobLocks

	started   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	resolve   atomic.Uint64
}

func New(store storage.ExecutionStore, reg *payload.Registry, log logx.Logger, opts ...Option) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	host, _ := os.Hostname()
	r := &Runner{
		store:    store,
		reg:      reg,
		log:      log.With(logx.String("comp", "runner")),
		hostname: host,
		pid:      os.Getpid(),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// NewExecutionID returns a 32-char lowercase hex id.
func NewExecutionID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

type Stats struct {
	Started        uint64 `json:"started"`
	Succeeded      uint64 `json:"succeeded"`
	Failed         uint64 `json:"failed"`
	ScheduledError uint64 `json:"scheduled_error"`
}

func (r *Runner) Stats() Stats {
	return Stats{
		Started:        r.started.Load(),
		Succeeded:      r.succeeded.Load(),
		Failed:         r.failed.Load(),
		ScheduledError: r.resolve.Load(),
	}
}

func (r *Runner) identity() string {
	return fmt.Sprintf("hostname: %s | pid: %d", r.hostname, r.pid)
}

// Run executes one firing of job and returns the execution id. The error is
// non-nil only when the execution could not be recorded at all.
func (r *Runner) Run(ctx context.Context, job storage.Job, scheduled time.Time) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if scheduled.IsZero() {
		scheduled = time.Now()
	}
	id := NewExecutionID()
	class := job.JobClassString()
	log := r.log.With(logx.String("job_id", job.ID), logx.String("execution_id", id), logx.String("job_class", class))

	exec := storage.Execution{
		ID:            id,
		JobID:         job.ID,
		State:         storage.StateScheduled,
		Hostname:      r.hostname,
		PID:           r.pid,
		Description:   r.identity(),
		ScheduledTime: scheduled.UTC(),
	}
	unlock := r.locks.lock(job.ID)
	err := r.store.AddExecution(ctx, exec)
	unlock()
	if err != nil {
		log.Error("recording execution failed", logx.Err(err))
		return "", errors.Wrapf(err, "record execution of job %s", job.ID)
	}
	r.started.Add(1)
	r.publish(exec)

	p, err := r.reg.Resolve(class)
	if err != nil {
		r.resolve.Add(1)
		log.Warn("payload not resolved", logx.Err(err))
		r.finish(ctx, job.ID, id, storage.StateScheduledError, describe(err), nil)
		return id, nil
	}

	state, desc, result := r.execute(ctx, job, id, p, log)
	final := r.finish(ctx, job.ID, id, state, desc, result)
	if state == storage.StateSucceeded {
		r.succeeded.Add(1)
	} else {
		r.failed.Add(1)
	}
	r.postRun(ctx, job, final, log)
	return id, nil
}

// execute covers pre-run, RUNNING and the payload call. It never panics. A
// failure before the execution is marked RUNNING ends it as SCHEDULED_ERROR.
func (r *Runner) execute(ctx context.Context, job storage.Job, id string, p payload.Payload, log logx.Logger) (state storage.ExecutionState, desc string, result *string) {
	failed := storage.StateScheduledError
	defer func() {
		if rec := recover(); rec != nil {
			err := errors.Newf("panic: %v", rec)
			log.Error("payload panicked", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			state, desc, result = failed, describe(err), nil
		}
	}()

	if r.hooks.PreRun != nil {
		if err := r.hooks.PreRun(ctx, job, id); err != nil {
			log.Warn("pre-run hook failed", logx.Err(err))
			return failed, describe(errors.Wrap(err, "pre-run")), nil
		}
	}

	running := storage.StateRunning
	if _, err := r.update(ctx, job.ID, id, storage.ExecutionUpdate{State: &running, Hostname: &r.hostname, PID: &r.pid}); err != nil {
		log.Error("marking execution running failed", logx.Err(err))
		return failed, describe(err), nil
	}
	failed = storage.StateFailed

	inv := payload.Invocation{
		JobID:       job.ID,
		ExecutionID: id,
		Args:        job.PubArgs(),
		Kwargs:      job.Kwargs,
		SetTaskID: func(ctx context.Context, taskID string) error {
			_, err := r.update(ctx, job.ID, id, storage.ExecutionUpdate{TaskID: &taskID})
			return err
		},
	}
	start := time.Now()
	out, err := p.Run(ctx, inv)
	if err != nil {
		log.Warn("execution failed", logx.Duration("took", time.Since(start)), logx.Err(err))
		return failed, describe(&ExecutionError{JobClassString: job.JobClassString(), Err: err}), nil
	}
	res, err := EncodeResult(out)
	if err != nil {
		return failed, describe(errors.Wrap(err, "encode result")), nil
	}
	log.Info("execution succeeded", logx.Duration("took", time.Since(start)))
	return storage.StateSucceeded, "", &res
}

// finish writes the terminal state. A failed write is logged; the execution
// then keeps its last persisted state.
func (r *Runner) finish(ctx context.Context, jobID, id string, state storage.ExecutionState, desc string, result *string) storage.Execution {
	u := storage.ExecutionUpdate{State: &state, Result: result}
	if desc != "" {
		u.Description = &desc
	}
	// The terminal write must land even when the firing's context is done.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	e, err := r.update(wctx, jobID, id, u)
	if err != nil {
		r.log.Error("recording execution outcome failed",
			logx.String("job_id", jobID),
			logx.String("execution_id", id),
			logx.String("state", state.String()),
			logx.Err(err))
		return storage.Execution{ID: id, JobID: jobID, State: state}
	}
	return e
}

func (r *Runner) update(ctx context.Context, jobID, id string, u storage.ExecutionUpdate) (storage.Execution, error) {
	unlock := r.locks.lock(jobID)
	e, err := r.store.UpdateExecution(ctx, id, u)
	unlock()
	if err != nil {
		return storage.Execution{}, err
	}
	if u.State != nil {
		r.publish(e)
	}
	return e, nil
}

func (r *Runner) postRun(ctx context.Context, job storage.Job, e storage.Execution, log logx.Logger) {
	if r.hooks.PostRun == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("post-run hook panicked", logx.Any("panic", rec))
		}
	}()
	r.hooks.PostRun(ctx, job, e)
}

func (r *Runner) publish(e storage.Execution) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeExecutionState, Data: StateChange{
		ExecutionID: e.ID,
		JobID:       e.JobID,
		State:       e.State,
		StateName:   e.State.String(),
	}})
}

// StateChange is the execution.state event payload.
type StateChange struct {
	ExecutionID string                 `json:"execution_id"`
	JobID       string                 `json:"job_id"`
	State       storage.ExecutionState `json:"state"`
	StateName   string                 `json:"state_name"`
}

// EncodeResult renders a payload result as indented JSON with sorted keys.
// A nil result is stored as "null".
func EncodeResult(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
