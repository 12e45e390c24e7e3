package manager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronod/internal/payload"
	"chronod/internal/pubsub"
	"chronod/internal/storage"
	"chronod/internal/task/runner"
	"chronod/internal/task/scheduler"
	"chronod/pkg/logx"
)

type fixture struct {
	m     *Service
	store *storage.MemoryStore
	ps    *pubsub.Registry
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := storage.NewMemory()
	reg := payload.NewRegistry()
	reg.MustRegister("t.ok", func(_ context.Context, inv payload.Invocation) (any, error) {
		return map[string]any{"args": inv.Args}, nil
	})
	sched := scheduler.New(scheduler.Config{}, store, nil, nil, logx.Nop(), nil)
	run := runner.New(store, reg, logx.Nop())
	ps := pubsub.New(logx.Nop())
	return &fixture{m: New(cfg, sched, run, store, ps, reg, logx.Nop()), store: store, ps: ps}
}

var everything = [2]time.Time{time.Unix(0, 0), time.Now().Add(time.Hour)}

func (f *fixture) auditEvents(t *testing.T) []AuditView {
	t.Helper()
	logs, err := f.m.ListAuditLogs(context.Background(), everything[0], everything[1])
	require.NoError(t, err)
	return logs
}

func addReport(t *testing.T, f *fixture) string {
	t.Helper()
	id, err := f.m.AddJob(context.Background(), "alice", JobRequest{
		Name:           "report",
		JobClassString: "t.ok",
		PubArgs:        []any{"a"},
		Minute:         "*/5",
		Hour:           "*/3",
	})
	require.NoError(t, err)
	return id
}

func TestAddJobValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  JobRequest
	}{
		{"missing name", JobRequest{JobClassString: "t.ok", Minute: "1"}},
		{"missing class", JobRequest{Name: "x", Minute: "1"}},
		{"no schedule", JobRequest{Name: "x", JobClassString: "t.ok"}},
		{"bad cron", JobRequest{Name: "x", JobClassString: "t.ok", Hour: "25"}},
		{"bad interval", JobRequest{Name: "x", JobClassString: "t.ok", Trigger: "interval"}},
	}
	for _, tc := range cases {
		_, err := f.m.AddJob(ctx, "", tc.req)
		assert.True(t, IsValidation(err), "%s: error = %v", tc.name, err)
	}
	assert.Empty(t, f.auditEvents(t))
}

func TestAddJobRoundTripAndAudit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	id := addReport(t, f)

	v, err := f.m.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "report", v.Name)
	assert.Equal(t, "t.ok", v.JobClassString)
	assert.Equal(t, []any{"a"}, v.PubArgs)
	assert.Equal(t, "cron", v.Trigger)
	assert.Equal(t, [6]string{"*", "*", "*", "*", "*/3", "*/5"}, [6]string{v.Month, v.Day, v.Week, v.DayOfWeek, v.Hour, v.Minute})
	assert.Equal(t, "0", v.TriggerParams["second"])
	assert.NotEmpty(t, v.NextRunTime)

	logs := f.auditEvents(t)
	require.Len(t, logs, 1)
	assert.Equal(t, AuditView{JobID: id, JobName: "report", Event: "added", User: "alice", CreatedTime: logs[0].CreatedTime}, logs[0])

	jobs, err := f.m.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].JobID)
}

func TestModifyJobRecordsDiff(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	id := addReport(t, f)

	err := f.m.ModifyJob(context.Background(), "bob", id, JobRequest{Name: "renamed", Month: "6"})
	require.NoError(t, err)

	v, err := f.m.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "6", v.Month)
	assert.Equal(t, "*/3", v.Hour)
	assert.Equal(t, "*/5", v.Minute)
	assert.Equal(t, []any{"a"}, v.PubArgs)

	logs := f.auditEvents(t)
	require.Len(t, logs, 2)
	mod := logs[0]
	if mod.Event != "modified" {
		mod = logs[1]
	}
	assert.Equal(t, "modified", mod.Event)
	assert.Equal(t, "bob", mod.User)
	assert.Equal(t, "name: report => renamed\nmonth: * => 6", mod.Description)

	err = f.m.ModifyJob(context.Background(), "bob", "missing", JobRequest{Name: "x"})
	assert.True(t, IsNotFound(err), "error = %v", err)
}

func TestRemoveJobKeepsExecutions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := addReport(t, f)

	execID, err := f.m.RunJob(ctx, "", id)
	require.NoError(t, err)
	before, err := f.m.GetExecution(ctx, execID)
	require.NoError(t, err)
	require.NotNil(t, before.Job)
	assert.Equal(t, "t.ok", before.Job.TaskName)

	require.NoError(t, f.m.RemoveJob(ctx, "carol", id))
	_, err = f.m.GetJob(ctx, id)
	assert.True(t, IsNotFound(err), "GetJob error = %v", err)

	after, err := f.m.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, id, after.JobID)
	assert.Nil(t, after.Job)
	assert.Equal(t, "succeeded", after.State)

	var deleted AuditView
	for _, l := range f.auditEvents(t) {
		if l.Event == "deleted" {
			deleted = l
		}
	}
	var desc JobView
	require.NoError(t, json.Unmarshal([]byte(deleted.Description), &desc))
	assert.Equal(t, id, desc.JobID)
	assert.Equal(t, "carol", deleted.User)
}

func TestRunJobOnPausedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := addReport(t, f)
	require.NoError(t, f.m.PauseJob(ctx, "", id))

	execID, err := f.m.RunJob(ctx, "dave", id)
	require.NoError(t, err)
	e, err := f.m.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", e.State)
	assert.JSONEq(t, `{"args":["a"]}`, e.Result)

	v, err := f.m.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, v.NextRunTime, "run-now must not resume the job")

	var custom []AuditView
	for _, l := range f.auditEvents(t) {
		if l.Event == "custom_run" {
			custom = append(custom, l)
		}
	}
	require.Len(t, custom, 1)
	assert.Equal(t, execID, custom[0].Description)
	assert.Equal(t, "dave", custom[0].User)

	execs, err := f.m.ListExecutions(ctx, everything[0], everything[1])
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, execID, execs[0].ExecutionID)
}

func TestPauseResumeAudit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	id := addReport(t, f)

	require.NoError(t, f.m.PauseJob(ctx, "", id))
	require.NoError(t, f.m.ResumeJob(ctx, "", id))
	v, err := f.m.GetJob(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, v.NextRunTime)

	seen := map[string]string{}
	for _, l := range f.auditEvents(t) {
		seen[l.Event] = l.User
	}
	assert.Equal(t, map[string]string{"added": "alice", "paused": "anonymous", "resumed": "anonymous"}, seen)

	assert.True(t, IsNotFound(f.m.PauseJob(ctx, "", "missing")))
	assert.True(t, IsNotFound(f.m.ResumeJob(ctx, "", "missing")))
}

func TestStrictResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	strict := newFixture(t, Config{StrictResolve: true})
	_, err := strict.m.AddJob(ctx, "", JobRequest{Name: "x", JobClassString: "t.nope", Minute: "1"})
	assert.True(t, IsValidation(err), "error = %v", err)

	lax := newFixture(t, Config{})
	id, err := lax.m.AddJob(ctx, "", JobRequest{Name: "x", JobClassString: "t.nope", Minute: "1"})
	require.NoError(t, err)
	execID, err := lax.m.RunJob(ctx, "", id)
	require.NoError(t, err)
	e, err := lax.m.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, "scheduled error", e.State)
}

func TestGetExecutionNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	_, err := f.m.GetExecution(context.Background(), "nope")
	assert.True(t, IsNotFound(err), "error = %v", err)
}

func TestPublishWakesOneWaiter(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	err := f.m.Publish("k1", map[string]any{})
	assert.True(t, pubsub.IsNoSubscriber(err), "publish without waiter = %v", err)

	got := make(chan any, 1)
	go func() {
		v, _ := f.ps.Subscribe(context.Background(), "k1", func(p any) (any, error) { return p, nil }, 5*time.Second, nil)
		got <- v
	}()
	require.Eventually(t, func() bool { return len(f.m.PendingCallbacks()) == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, f.m.Publish("k1", map[string]any{"errored": false}))
	assert.Equal(t, map[string]any{"errored": false}, <-got)

	err = f.m.Publish("k1", map[string]any{})
	assert.True(t, pubsub.IsNoSubscriber(err), "second publish = %v", err)
}

func TestJobRequestAcceptsNumbers(t *testing.T) {
	t.Parallel()
	var req JobRequest
	require.NoError(t, json.Unmarshal([]byte(`{"name":"x","job_class_string":"t.ok","hour":5,"minute":"*/2","day":null}`), &req))
	assert.Equal(t, map[string]string{"hour": "5", "minute": "*/2"}, req.cron())
	assert.Error(t, json.Unmarshal([]byte(`{"hour":true}`), &req))
}
