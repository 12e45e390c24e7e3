package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// webhookSink forwards log lines at or above a minimum level to an HTTP endpoint.
//
// Writes never block the caller: lines are queued and dropped when the queue is
// full or the rate limiter denies them.
type webhookSink struct {
	client *http.Client

	mu       sync.Mutex
	url      string
	minLevel zerolog.Level
	limiter  *rate.Limiter
	timeout  time.Duration

	queue  chan []byte
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type webhookMessage struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func newWebhookSink(client *http.Client) *webhookSink {
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &webhookSink{
		client:   client,
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(rate.Limit(1), 1),
		timeout:  5 * time.Second,
		queue:    make(chan []byte, 256),
		cancel:   cancel,
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return w
}

func (w *webhookSink) apply(cfg WebhookConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	w.mu.Lock()
	w.url = strings.TrimSpace(cfg.URL)
	w.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	w.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Timeout > 0 {
		w.timeout = cfg.Timeout
	}
	w.mu.Unlock()
}

func (w *webhookSink) close() {
	w.cancel()
	w.wg.Wait()
}

func (w *webhookSink) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *webhookSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	w.mu.Lock()
	minLvl := w.minLevel
	lim := w.limiter
	url := w.url
	w.mu.Unlock()

	if url == "" || level < minLvl {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		return len(p), nil
	}
	// zerolog reuses p after Write returns.
	cp := append([]byte(nil), p...)
	select {
	case w.queue <- cp:
	default:
	}
	return len(p), nil
}

func (w *webhookSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-w.queue:
			w.post(ctx, line)
		}
	}
}

func (w *webhookSink) post(ctx context.Context, line []byte) {
	w.mu.Lock()
	url := w.url
	timeout := w.timeout
	w.mu.Unlock()
	if url == "" {
		return
	}

	body, err := json.Marshal(formatWebhookLine(line))
	if err != nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

// formatWebhookLine decodes a zerolog JSON line into a compact message.
// Non-JSON input is forwarded raw (trimmed and capped).
func formatWebhookLine(p []byte) webhookMessage {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return webhookMessage{Message: truncate(strings.TrimSpace(string(p)), 3500)}
	}
	out := webhookMessage{Fields: map[string]any{}}
	out.Level, _ = m["level"].(string)
	out.Message, _ = m["message"].(string)
	for k, v := range m {
		switch k {
		case "time", "level", "message":
			continue
		case "stack":
			if s, ok := v.(string); ok {
				v = truncate(s, 900)
			}
		}
		out.Fields[k] = v
	}
	if len(out.Fields) == 0 {
		out.Fields = nil
	}
	return out
}
