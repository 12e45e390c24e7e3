package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronod/internal/payload"
	"chronod/internal/pubsub"
	"chronod/pkg/logx"
)

func newRegistry(t *testing.T, deps Deps) *payload.Registry {
	t.Helper()
	reg := payload.NewRegistry()
	require.NoError(t, Register(reg, deps))
	return reg
}

func runPayload(t *testing.T, reg *payload.Registry, id string, inv payload.Invocation) (any, error) {
	t.Helper()
	p, err := reg.Resolve(id)
	require.NoError(t, err)
	return p.Run(context.Background(), inv)
}

func TestRegisterListsAll(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t, Deps{})
	var ids []string
	for _, m := range reg.List() {
		ids = append(ids, m.JobClassString)
	}
	assert.Equal(t, []string{Callback, Echo, HTTP, Shell, Sleep, Systemd}, ids)
}

func TestEchoAndSleep(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t, Deps{})

	v, err := runPayload(t, reg, Echo, payload.Invocation{JobID: "j", Args: []any{"x"}})
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, []any{"x"}, m["args"])

	start := time.Now()
	_, err = runPayload(t, reg, Sleep, payload.Invocation{Args: []any{"20ms"}})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	_, err = runPayload(t, reg, Sleep, payload.Invocation{})
	assert.Error(t, err)
}

func TestShell(t *testing.T) {
	t.Parallel()

	disabled := newRegistry(t, Deps{})
	_, err := runPayload(t, disabled, Shell, payload.Invocation{Args: []any{"echo hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")

	reg := newRegistry(t, Deps{ShellEnabled: true})
	v, err := runPayload(t, reg, Shell, payload.Invocation{Args: []any{"echo 'hello world'"}})
	require.NoError(t, err)
	res := v.(map[string]any)
	assert.Equal(t, 0, res["exit_code"])
	assert.Equal(t, "hello world\n", res["stdout"])

	_, err = runPayload(t, reg, Shell, payload.Invocation{Args: []any{"false"}})
	assert.Error(t, err)

	_, err = runPayload(t, reg, Shell, payload.Invocation{Args: []any{"echo 'unterminated"}})
	assert.Error(t, err)
}

func TestArgv(t *testing.T) {
	t.Parallel()
	got, err := argv(payload.Invocation{Args: []any{`/bin/prog --file "/tmp/a b"`}})
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/prog", "--file", "/tmp/a b"}, got)

	got, err = argv(payload.Invocation{Args: []any{"/bin/prog", "a b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/prog", "a b"}, got)
}

func TestHTTPPayload(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	reg := newRegistry(t, Deps{HTTPClient: srv.Client()})
	v, err := runPayload(t, reg, HTTP, payload.Invocation{Args: []any{srv.URL + "/ping", "post", "{}"}})
	require.NoError(t, err)
	res := v.(map[string]any)
	assert.Equal(t, 200, res["status"])
	assert.Equal(t, "pong", res["body"])

	_, err = runPayload(t, reg, HTTP, payload.Invocation{Args: []any{srv.URL + "/fail"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestCallbackRoundTrip(t *testing.T) {
	t.Parallel()
	ps := pubsub.New(logx.Nop())

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"status":"ok","jobid":"downstream-1"}`))
	}))
	defer srv.Close()

	reg := newRegistry(t, Deps{HTTPClient: srv.Client(), PubSub: ps, CallbackTimeout: time.Minute})

	var taskID string
	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := runPayload(t, reg, Callback, payload.Invocation{
			JobID:       "job",
			ExecutionID: "exec",
			Args:        []any{srv.URL, `{"spider":"history"}`},
			SetTaskID: func(_ context.Context, id string) error {
				taskID = id
				return nil
			},
		})
		done <- result{v, err}
	}()

	require.Eventually(t, func() bool {
		return len(ps.Pending()) == 1 && ps.Pending()[0] == "downstream-1"
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, ps.Publish("downstream-1", map[string]any{"jobid": "downstream-1", "errored": false, "items": float64(3)}))

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, float64(3), got.v.(map[string]any)["items"])
	assert.Equal(t, "downstream-1", taskID)
	assert.Equal(t, "exec", gotBody["execution_id"])
	assert.Equal(t, "history", gotBody["spider"])
}

func TestCallbackTimeoutFails(t *testing.T) {
	t.Parallel()
	ps := pubsub.New(logx.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	reg := newRegistry(t, Deps{HTTPClient: srv.Client(), PubSub: ps})
	_, err := runPayload(t, reg, Callback, payload.Invocation{
		ExecutionID: "exec-2",
		Args:        []any{srv.URL},
		Kwargs:      map[string]any{"timeout": "20ms"},
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "timed out"), err.Error())
}

func TestCallbackArrivesBeforeStartReply(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		reply string
		key   func(execID string) string
	}{
		{"execution id key", `{"status":"ok"}`, func(id string) string { return id }},
		{"downstream key", `{"status":"ok","jobid":"fast-1"}`, func(string) string { return "fast-1" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ps := pubsub.New(logx.Nop())
			publishErr := make(chan error, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body map[string]any
				_ = json.NewDecoder(r.Body).Decode(&body)
				// The downstream finishes and reports back before replying.
				publishErr <- ps.Publish(tc.key(body["execution_id"].(string)), map[string]any{"errored": false, "rows": float64(7)})
				_, _ = w.Write([]byte(tc.reply))
			}))
			defer srv.Close()

			reg := newRegistry(t, Deps{HTTPClient: srv.Client(), PubSub: ps})
			v, err := runPayload(t, reg, Callback, payload.Invocation{
				JobID:       "job",
				ExecutionID: "exec-fast",
				Args:        []any{srv.URL},
				Kwargs:      map[string]any{"timeout": "2s"},
			})
			require.NoError(t, <-publishErr)
			require.NoError(t, err)
			assert.Equal(t, float64(7), v.(map[string]any)["rows"])
			assert.Empty(t, ps.Pending())
		})
	}
}

func TestCallbackStartFailureReleasesKey(t *testing.T) {
	t.Parallel()
	ps := pubsub.New(logx.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := newRegistry(t, Deps{HTTPClient: srv.Client(), PubSub: ps})
	_, err := runPayload(t, reg, Callback, payload.Invocation{ExecutionID: "exec-3", Args: []any{srv.URL}})
	require.Error(t, err)
	assert.Empty(t, ps.Pending())
	assert.True(t, pubsub.IsNoSubscriber(ps.Publish("exec-3", nil)))
}
