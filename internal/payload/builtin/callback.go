package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"chronod/internal/payload"
	"chronod/internal/pubsub"
	"chronod/pkg/logx"
)

// callbackWaiter starts a downstream task and blocks until the downstream
// service reports back through the rendezvous registry.
//
// The start request is a POST carrying the execution id; the response may name
// the downstream task ("jobid"), otherwise the execution id is the key.
type callbackWaiter struct {
	client  *http.Client
	ps      *pubsub.Registry
	timeout time.Duration
	baseURL string
	log     logx.Logger
}

type callbackStart struct {
	JobID  string `json:"jobid"`
	Status string `json:"status"`
}

func (c callbackWaiter) run(ctx context.Context, inv payload.Invocation) (any, error) {
	if c.ps == nil {
		return nil, errors.New("callback: rendezvous registry not configured")
	}
	url, err := inv.StringArg(0)
	if err != nil {
		return nil, errors.Wrap(err, "callback: url")
	}
	timeout, err := inv.DurationKwarg("timeout", c.timeout)
	if err != nil {
		return nil, errors.Wrap(err, "callback")
	}

	body := map[string]any{}
	if raw := inv.StringArgOr(1, ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			return nil, errors.Wrap(err, "callback: body must be a JSON object")
		}
	}
	body["execution_id"] = inv.ExecutionID
	body["job_id"] = inv.JobID
	if base := strings.TrimRight(strings.TrimSpace(c.baseURL), "/"); base != "" {
		body["callback_url"] = base + "/api/v1/callbacks"
	}

	// Register before the POST: the downstream may call back before it replies.
	w, err := c.ps.Register(inv.ExecutionID)
	if err != nil {
		return nil, errors.Wrap(err, "callback")
	}
	endHold := c.ps.Hold()
	key, err := c.start(ctx, url, body)
	if err != nil {
		endHold()
		w.Cancel()
		return nil, err
	}
	if key != "" && key != w.Key() {
		// A callback already delivered on the execution id wins.
		if w.Cancel() {
			if w, err = c.ps.Register(key); err != nil {
				endHold()
				return nil, errors.Wrap(err, "callback")
			}
		}
	}
	endHold()
	key = w.Key()
	if inv.SetTaskID != nil {
		if err := inv.SetTaskID(ctx, key); err != nil {
			c.log.Warn("callback: recording task id failed", logx.String("task_id", key), logx.Err(err))
		}
	}

	c.log.Debug("callback: waiting",
		logx.String("execution_id", inv.ExecutionID),
		logx.String("key", key),
		logx.Duration("timeout", timeout),
	)
	return w.Wait(ctx, checkCallback, timeout, func() any {
		return map[string]any{
			"errored":  true,
			"response": fmt.Sprintf("timed out after %s waiting for callback %s", timeout, key),
		}
	})
}

func (c callbackWaiter) start(ctx context.Context, url string, body map[string]any) (string, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(err, "callback: encode body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", errors.Wrap(err, "callback: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "callback: POST %s", url)
	}
	defer resp.Body.Close()
	rb, _ := io.ReadAll(io.LimitReader(resp.Body, httpBodyCap))
	if resp.StatusCode >= 400 {
		return "", errors.Newf("callback: POST %s returned %d: %s", url, resp.StatusCode, bytes.TrimSpace(rb))
	}

	var st callbackStart
	if len(bytes.TrimSpace(rb)) > 0 {
		if err := json.Unmarshal(rb, &st); err != nil {
			return "", errors.Wrap(err, "callback: decode start response")
		}
	}
	if st.Status != "" && st.Status != "ok" {
		return "", errors.Newf("callback: downstream refused task: status %q", st.Status)
	}
	return st.JobID, nil
}

// checkCallback fails the execution when the callback payload sets errored.
func checkCallback(p any) (any, error) {
	m, ok := p.(map[string]any)
	if !ok {
		return p, nil
	}
	if errored, _ := m["errored"].(bool); errored {
		return nil, errors.Newf("callback reported failure: %v", m["response"])
	}
	return m, nil
}
