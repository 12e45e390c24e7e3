package builtin

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"

	"chronod/internal/payload"
)

const httpBodyCap = 64 << 10

type httpCaller struct {
	client *http.Client
}

func (h httpCaller) run(ctx context.Context, inv payload.Invocation) (any, error) {
	url, err := inv.StringArg(0)
	if err != nil {
		return nil, errors.Wrap(err, "http: url")
	}
	method := strings.ToUpper(inv.StringArgOr(1, http.MethodGet))
	body := inv.StringArgOr(2, "")

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, errors.Wrap(err, "http: build request")
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Chronod-Execution", inv.ExecutionID)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "http: %s %s", method, url)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, httpBodyCap))
	if err != nil {
		return nil, errors.Wrap(err, "http: read body")
	}

	if resp.StatusCode >= 400 {
		return nil, errors.Newf("http: %s %s returned %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(b),
	}, nil
}
