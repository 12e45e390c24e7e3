package runner

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"chronod/internal/eventbus"
	"chronod/internal/payload"
	"chronod/internal/storage"
	"chronod/pkg/logx"
)

type fixture struct {
	store  *storage.MemoryStore
	reg    *payload.Registry
	events <-chan eventbus.Event
	r      *Runner
}

func newFixture(t *testing.T, hooks Hooks) *fixture {
	t.Helper()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)
	f := &fixture{store: storage.NewMemory(), reg: payload.NewRegistry(), events: events}
	f.r = New(f.store, f.reg, logx.Nop(), WithEventBus(bus), WithIdentity("box", 42), WithHooks(hooks))
	return f
}

func (f *fixture) states() []storage.ExecutionState {
	var out []storage.ExecutionState
	for {
		select {
		case e := <-f.events:
			if e.Type == eventbus.TypeExecutionState {
				out = append(out, e.Data.(StateChange).State)
			}
		default:
			return out
		}
	}
}

func job(class string, pub ...any) storage.Job {
	return storage.Job{ID: "job1", Name: "test", Args: append([]any{class, "job1"}, pub...), Kwargs: map[string]any{"k": "v"}}
}

func (f *fixture) run(t *testing.T, j storage.Job) storage.Execution {
	t.Helper()
	id, err := f.r.Run(context.Background(), j, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	e, err := f.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	return e
}

func TestRunSucceeded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Hooks{})
	var got payload.Invocation
	f.reg.MustRegister("t.ok", func(_ context.Context, inv payload.Invocation) (any, error) {
		got = inv
		return map[string]any{"b": 1, "a": "x"}, nil
	})

	e := f.run(t, job("t.ok", "p1", 2.0))
	if e.State != storage.StateSucceeded {
		t.Fatalf("state = %v, want succeeded", e.State)
	}
	if want := "{\n    \"a\": \"x\",\n    \"b\": 1\n}"; e.Result != want {
		t.Fatalf("result = %q, want %q", e.Result, want)
	}
	if e.Description != "hostname: box | pid: 42" || e.Hostname != "box" || e.PID != 42 {
		t.Fatalf("identity = %q %q %d", e.Description, e.Hostname, e.PID)
	}
	if e.JobID != "job1" {
		t.Fatalf("job_id = %q", e.JobID)
	}
	if !reflect.DeepEqual(got.Args, []any{"p1", 2.0}) || got.Kwargs["k"] != "v" || got.ExecutionID != e.ID || got.JobID != "job1" {
		t.Fatalf("invocation = %+v", got)
	}
	want := []storage.ExecutionState{storage.StateScheduled, storage.StateRunning, storage.StateSucceeded}
	if s := f.states(); !reflect.DeepEqual(s, want) {
		t.Fatalf("states = %v, want %v", s, want)
	}
	if st := f.r.Stats(); st.Started != 1 || st.Succeeded != 1 {
		t.Fatalf("Stats() = %+v", st)
	}
}

func TestRunFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Hooks{})
	f.reg.MustRegister("t.fail", func(context.Context, payload.Invocation) (any, error) {
		return nil, errors.New("boom")
	})

	e := f.run(t, job("t.fail"))
	if e.State != storage.StateFailed {
		t.Fatalf("state = %v, want failed", e.State)
	}
	if !strings.Contains(e.Description, "job class t.fail failed") || !strings.Contains(e.Description, "boom") {
		t.Fatalf("description = %q", e.Description)
	}
	want := []storage.ExecutionState{storage.StateScheduled, storage.StateRunning, storage.StateFailed}
	if s := f.states(); !reflect.DeepEqual(s, want) {
		t.Fatalf("states = %v, want %v", s, want)
	}
}

func TestRunPanicBecomesFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Hooks{})
	f.reg.MustRegister("t.panic", func(context.Context, payload.Invocation) (any, error) {
		panic("kaboom")
	})

	e := f.run(t, job("t.panic"))
	if e.State != storage.StateFailed || !strings.Contains(e.Description, "panic: kaboom") {
		t.Fatalf("execution = %v %q", e.State, e.Description)
	}
	want := []storage.ExecutionState{storage.StateScheduled, storage.StateRunning, storage.StateFailed}
	if s := f.states(); !reflect.DeepEqual(s, want) {
		t.Fatalf("states = %v, want %v", s, want)
	}
}

func TestRunUnresolvedClass(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Hooks{})

	e := f.run(t, job("t.missing"))
	if e.State != storage.StateScheduledError {
		t.Fatalf("state = %v, want scheduled error", e.State)
	}
	if !strings.Contains(e.Description, "cannot resolve job class t.missing") {
		t.Fatalf("description = %q", e.Description)
	}
	want := []storage.ExecutionState{storage.StateScheduled, storage.StateScheduledError}
	if s := f.states(); !reflect.DeepEqual(s, want) {
		t.Fatalf("states = %v, want %v", s, want)
	}
	if st := f.r.Stats(); st.ScheduledError != 1 {
		t.Fatalf("Stats().ScheduledError = %d, want 1", st.ScheduledError)
	}
}

func TestRunRecordsTaskID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Hooks{})
	f.reg.MustRegister("t.task", func(ctx context.Context, inv payload.Invocation) (any, error) {
		return nil, inv.SetTaskID(ctx, "downstream-7")
	})

	e := f.run(t, job("t.task"))
	if e.State != storage.StateSucceeded || e.TaskID != "downstream-7" {
		t.Fatalf("execution = %v task_id=%q", e.State, e.TaskID)
	}
	if e.Result != "null" {
		t.Fatalf("result = %q, want null", e.Result)
	}
}

func TestHooks(t *testing.T) {
	t.Parallel()

	var post storage.Execution
	invoked := false
	f := newFixture(t, Hooks{
		PreRun: func(context.Context, storage.Job, string) error { return errors.New("not today") },
		PostRun: func(_ context.Context, _ storage.Job, e storage.Execution) {
			post = e
			panic("post-run panics are contained")
		},
	})
	f.reg.MustRegister("t.ok", func(context.Context, payload.Invocation) (any, error) {
		invoked = true
		return "ok", nil
	})

	e := f.run(t, job("t.ok"))
	if invoked {
		t.Fatal("payload ran after a failing pre-run hook")
	}
	if e.State != storage.StateScheduledError || !strings.Contains(e.Description, "pre-run: not today") {
		t.Fatalf("execution = %v %q, want scheduled error", e.State, e.Description)
	}
	if post.ID != e.ID || post.State != storage.StateScheduledError {
		t.Fatalf("post-run saw %+v", post)
	}
	want := []storage.ExecutionState{storage.StateScheduled, storage.StateScheduledError}
	if s := f.states(); !reflect.DeepEqual(s, want) {
		t.Fatalf("states = %v, want %v", s, want)
	}
}

func TestTerminalWriteAfterCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Hooks{})
	f.reg.MustRegister("t.ctx", func(ctx context.Context, _ payload.Invocation) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	id, err := f.r.Run(ctx, job("t.ctx"), time.Time{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	e, err := f.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if e.State != storage.StateFailed {
		t.Fatalf("state = %v, want failed", e.State)
	}
	if f.r.locks.size() != 0 {
		t.Fatalf("job locks leaked: %d", f.r.locks.size())
	}
}

func TestConcurrentRunsOfOneJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Hooks{})
	f.reg.MustRegister("t.ok", func(context.Context, payload.Invocation) (any, error) { return 1, nil })

	const n = 8
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			id, _ := f.r.Run(context.Background(), job("t.ok"), time.Now())
			ids <- id
		}()
	}
	for i := 0; i < n; i++ {
		id := <-ids
		e, err := f.store.GetExecution(context.Background(), id)
		if err != nil || e.State != storage.StateSucceeded {
			t.Fatalf("execution %s = %v, %v", id, e.State, err)
		}
	}
	if f.r.locks.size() != 0 {
		t.Fatalf("job locks leaked: %d", f.r.locks.size())
	}
}

func TestEncodeResult(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{"hi", `"hi"`},
		{[]any{1, "a"}, "[\n    1,\n    \"a\"\n]"},
		{map[string]int{"z": 1, "a": 2}, "{\n    \"a\": 2,\n    \"z\": 1\n}"},
	}
	for _, tc := range cases {
		got, err := EncodeResult(tc.in)
		if err != nil {
			t.Fatalf("EncodeResult(%v) error = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("EncodeResult(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if _, err := EncodeResult(make(chan int)); err == nil {
		t.Fatal("EncodeResult(chan) error = nil, want error")
	}
}
