package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronod/internal/eventbus"
	"chronod/internal/manager"
	"chronod/internal/payload"
	"chronod/internal/pubsub"
	"chronod/internal/storage"
	"chronod/internal/task/runner"
	"chronod/internal/task/scheduler"
	"chronod/pkg/logx"
)

type fixture struct {
	srv *httptest.Server
	ps  *pubsub.Registry
	bus eventbus.Bus
	svc *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := storage.NewMemory()
	reg := payload.NewRegistry()
	reg.MustRegister("t.echo", func(_ context.Context, inv payload.Invocation) (any, error) {
		return inv.Args, nil
	})
	bus := eventbus.New()
	sched := scheduler.New(scheduler.Config{}, store, nil, nil, logx.Nop(), bus)
	run := runner.New(store, reg, logx.Nop(), runner.WithEventBus(bus))
	ps := pubsub.New(logx.Nop())
	mgr := manager.New(manager.Config{}, sched, run, store, ps, reg, logx.Nop())

	svc := New(cfg, mgr, bus, logx.Nop())
	srv := httptest.NewServer(svc.Handler(cfg))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, ps: ps, bus: bus, svc: svc}
}

func (f *fixture) do(t *testing.T, method, path string, body any, hdr ...string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out), "body %s", raw)
	}
	return resp.StatusCode, out
}

func (f *fixture) addJob(t *testing.T) string {
	t.Helper()
	code, body := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"name":             "echo",
		"job_class_string": "t.echo",
		"pub_args":         []any{"x", 1},
		"minute":           "*/5",
		"hour":             3,
	}, UserHeader, "alice")
	require.Equal(t, http.StatusCreated, code, "body %v", body)
	id, _ := body["job_id"].(string)
	require.Len(t, id, 32)
	return id
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	id := f.addJob(t)

	code, job := f.do(t, http.MethodGet, "/api/v1/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "echo", job["name"])
	assert.Equal(t, "3", job["hour"])
	assert.Equal(t, "*/5", job["minute"])
	assert.Equal(t, []any{"x", float64(1)}, job["pub_args"])
	assert.NotEmpty(t, job["next_run_time"])

	code, body := f.do(t, http.MethodPut, "/api/v1/jobs/"+id, map[string]any{"month": "6"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, body["job_id"])

	code, _ = f.do(t, http.MethodPatch, "/api/v1/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	_, job = f.do(t, http.MethodGet, "/api/v1/jobs/"+id, nil)
	assert.Equal(t, "", job["next_run_time"])
	assert.Equal(t, "6", job["month"])

	code, _ = f.do(t, http.MethodOptions, "/api/v1/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	_, job = f.do(t, http.MethodGet, "/api/v1/jobs/"+id, nil)
	assert.NotEmpty(t, job["next_run_time"])

	code, list := f.do(t, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, list["jobs"], 1)

	code, _ = f.do(t, http.MethodDelete, "/api/v1/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, code)

	code, body = f.do(t, http.MethodGet, "/api/v1/jobs/"+id, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], id)

	code, logs := f.do(t, http.MethodGet, "/api/v1/logs", nil)
	require.Equal(t, http.StatusOK, code)
	events := map[string]int{}
	for _, l := range logs["logs"].([]any) {
		events[l.(map[string]any)["event"].(string)]++
	}
	assert.Equal(t, map[string]int{"added": 1, "modified": 1, "paused": 1, "resumed": 1, "deleted": 1}, events)
}

func TestAddJobErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	cases := []struct {
		name string
		body any
	}{
		{"missing name", map[string]any{"job_class_string": "t.echo", "minute": "1"}},
		{"no schedule", map[string]any{"name": "x", "job_class_string": "t.echo"}},
		{"bad cron", map[string]any{"name": "x", "job_class_string": "t.echo", "hour": "99"}},
		{"bad json", "not an object"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, "/api/v1/jobs", tc.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestRunNowAndExecutions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	id := f.addJob(t)

	code, body := f.do(t, http.MethodPost, "/api/v1/executions/"+id, nil, UserHeader, "bob")
	require.Equal(t, http.StatusOK, code, "body %v", body)
	execID := body["execution_id"].(string)

	code, exec := f.do(t, http.MethodGet, "/api/v1/executions/"+execID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "succeeded", exec["state"])
	assert.Equal(t, id, exec["job_id"])
	assert.JSONEq(t, `["x", 1]`, exec["result"].(string))

	code, list := f.do(t, http.MethodGet, "/api/v1/executions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, list["executions"], 1)

	past := time.Now().Add(-48 * time.Hour)
	code, list = f.do(t, http.MethodGet, "/api/v1/executions?time_range_start="+past.Add(-time.Hour).Format(time.RFC3339)+"&time_range_end="+past.Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, list["executions"])

	code, _ = f.do(t, http.MethodGet, "/api/v1/executions?time_range_start=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodDelete, "/api/v1/executions/"+execID, nil)
	assert.Equal(t, http.StatusNotImplemented, code)

	code, body = f.do(t, http.MethodGet, "/api/v1/executions/nope", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, body["error"])

	code, _ = f.do(t, http.MethodPost, "/api/v1/executions/nope", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCallbacks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	code, _ := f.do(t, http.MethodPost, "/api/v1/callbacks/k1", map[string]any{"ok": true})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/api/v1/callbacks", map[string]any{"status": "done"})
	assert.Equal(t, http.StatusBadRequest, code, "missing jobid")

	got := make(chan any, 2)
	for _, key := range []string{"k1", "42"} {
		go func() {
			v, _ := f.ps.Subscribe(context.Background(), key, func(p any) (any, error) { return p, nil }, 5*time.Second, nil)
			got <- v
		}()
	}
	require.Eventually(t, func() bool { return len(f.ps.Pending()) == 2 }, 2*time.Second, time.Millisecond)

	code, _ = f.do(t, http.MethodPost, "/api/v1/callbacks/k1", map[string]any{"ok": true})
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodPost, "/api/v1/callbacks", map[string]any{"jobid": 42})
	require.Equal(t, http.StatusOK, code)

	seen := []any{<-got, <-got}
	assert.ElementsMatch(t, []any{map[string]any{"ok": true}, map[string]any{"jobid": float64(42)}}, seen)
}

func TestAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Token: "s3cret", Metrics: true})

	code, _ := f.do(t, http.MethodGet, "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = f.do(t, http.MethodGet, "/api/v1/jobs", nil, "Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = f.do(t, http.MethodGet, "/api/v1/jobs", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodGet, "/api/v1/jobs?token=s3cret", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	// Liveness stays open.
	code, _ = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RatePerSec: 1})

	code, _ := f.do(t, http.MethodGet, "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodGet, "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Metrics: true})
	id := f.addJob(t)
	code, _ := f.do(t, http.MethodPost, "/api/v1/executions/"+id, nil)
	require.Equal(t, http.StatusOK, code)

	resp, err := f.srv.Client().Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, `chronod_jobs{state="active"} 1`)
	assert.Contains(t, text, `chronod_executions_total{outcome="succeeded"} 1`)
	assert.Contains(t, text, `chronod_http_requests_total{code="201",method="POST"} 1`)
}

func TestOptionalRoutesOff(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	for _, p := range []string{"/metrics", "/debug/pprof/", "/api/v1/events"} {
		code, _ := f.do(t, http.MethodGet, p, nil)
		assert.Equal(t, http.StatusNotFound, code, p)
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Events: true})

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/events?types=job.*"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade; publish until it lands.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				f.bus.Publish(eventbus.Event{Type: eventbus.TypeExecutionState})
				f.bus.Publish(eventbus.Event{Type: eventbus.TypeJobPaused, Data: "probe"})
			}
		}
	}()

	var ev eventbus.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, eventbus.TypeJobPaused, ev.Type)
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, nil, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.Eventually(t, func() bool { return svc.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + svc.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	svc.Reconfigure(ctx, Config{Enabled: false})
	assert.Equal(t, "", svc.Addr())
	assert.Nil(t, svc.Supervisor())
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, nil, nil, logx.Nop())
	err := func() error {
		svc.cfg = Config{Enabled: true, Addr: "0.0.0.0:0"}
		return svc.serveOnce(context.Background())
	}()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:7777": true,
		"localhost:80":   true,
		"[::1]:1":        true,
		":7777":          false,
		"0.0.0.0:7777":   false,
		"10.0.0.1:7777":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestParseTime(t *testing.T) {
	t.Parallel()
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, in := range []string{"1772366400", "2026-03-01T12:00:00Z", "2026-03-01T12:00:00"} {
		got, err := parseTime(in)
		require.NoError(t, err, in)
		assert.True(t, got.Equal(want), "parseTime(%q) = %v", in, got)
	}
	_, err := parseTime("soon")
	assert.Error(t, err)
}
