package builtin

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"chronod/internal/payload"
)

func echo(_ context.Context, inv payload.Invocation) (any, error) {
	kw := inv.Kwargs
	if kw == nil {
		kw = map[string]any{}
	}
	return map[string]any{
		"job_id": inv.JobID,
		"args":   inv.Args,
		"kwargs": kw,
	}, nil
}

func sleep(ctx context.Context, inv payload.Invocation) (any, error) {
	if len(inv.Args) == 0 {
		return nil, errors.New("sleep: missing duration argument")
	}
	d, err := payload.ParseDuration(inv.Args[0])
	if err != nil {
		return nil, errors.Wrap(err, "sleep")
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "sleep interrupted")
	case <-t.C:
	}
	return map[string]any{"slept": d.String()}, nil
}
