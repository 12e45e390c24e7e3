package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronod/internal/config"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

const baseConfig = `
logging:
  level: error
storage:
  driver: sqlite
  path: %DB%
scheduler:
  timezone: UTC
http:
  addr: 127.0.0.1:0
  metrics: true
`

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "chronod.yaml")
	writeConfig(t, cfgPath, string(bytes.ReplaceAll([]byte(baseConfig), []byte("%DB%"), []byte(filepath.Join(dir, "chronod.db")))))
	a, err := New(cfgPath)
	require.NoError(t, err)
	return a, cfgPath
}

// Not parallel: logx.New sets zerolog package globals.
func TestAppServesAndPersists(t *testing.T) {
	a, cfgPath := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.Eventually(t, func() bool { return a.HTTPAddr() != "" }, 3*time.Second, 10*time.Millisecond)

	body, _ := json.Marshal(map[string]any{
		"name":             "hello",
		"job_class_string": "builtin.echo",
		"pub_args":         []any{"hi"},
		"minute":           "*/10",
	})
	resp, err := http.Post("http://"+a.HTTPAddr()+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))

	// A second process over the same database sees the job.
	b, err := New(cfgPath)
	require.NoError(t, err)
	job, err := b.Manager().GetJob(context.Background(), created["job_id"])
	require.NoError(t, err)
	assert.Equal(t, "hello", job.Name)
	assert.Equal(t, "*/10", job.Minute)
	require.NoError(t, b.store.Close())
	_ = b.logs.Close()
}

func TestAppHotReload(t *testing.T) {
	a, cfgPath := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, StopAppStop)
	})

	cur, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	writeConfig(t, cfgPath, string(bytes.Replace(cur, []byte("timezone: UTC"), []byte("timezone: Asia/Jakarta"), 1)))

	require.Eventually(t, func() bool {
		return a.sched.Location().String() == "Asia/Jakarta"
	}, 5*time.Second, 20*time.Millisecond)

	// A bad reload is rejected and the running config stays.
	cur, err = os.ReadFile(cfgPath)
	require.NoError(t, err)
	writeConfig(t, cfgPath, string(bytes.Replace(cur, []byte("timezone: Asia/Jakarta"), []byte("timezone: Nowhere/Special"), 1)))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, "Asia/Jakarta", a.sched.Location().String())
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]*config.Config{
		"bad grace":   {Scheduler: config.SchedulerConfig{MisfireGraceTime: "soon"}},
		"bad webhook": {Logging: config.LoggingConfig{Webhook: config.LoggingWebhook{Timeout: "-1s"}}},
		"bad http":    {HTTP: config.HTTPConfig{ReadTimeout: "x"}},
		"bad payload": {Payload: &config.PayloadConfig{CallbackTimeout: "1 minute"}},
	}
	for name, cfg := range cases {
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: validate() = nil, want error", name)
		}
	}
	if err := validate(&config.Config{}); err != nil {
		t.Fatalf("validate(empty) = %v", err)
	}
}

func TestMapDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}

	hc, err := mapHTTPConfig(cfg)
	require.NoError(t, err)
	assert.True(t, hc.Enabled)
	assert.Equal(t, "127.0.0.1:7777", hc.Addr)

	sc, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	assert.True(t, sc.Enabled)
	assert.True(t, sc.Coalesce)

	st, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "memory", st.Driver)

	ec, err := mapTaskEngineConfig(cfg)
	require.NoError(t, err)
	assert.True(t, ec.Enabled)
}
