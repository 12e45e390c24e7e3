package builtin

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"chronod/internal/payload"
	"chronod/pkg/logx"
	"chronod/pkg/systemd"
)

// UnitController is the part of systemd.Units the payload needs.
type UnitController interface {
	Allowed(unit string) bool
	Control(ctx context.Context, action, unit string) (systemd.UnitState, error)
}

type unitRunner struct {
	units UnitController
	log   logx.Logger
}

func (r unitRunner) run(ctx context.Context, inv payload.Invocation) (any, error) {
	args := inv.StringArgs()
	if len(args) < 2 {
		return nil, errors.New("systemd: want [action, unit]")
	}
	action, unit := strings.ToLower(strings.TrimSpace(args[0])), args[1]
	if r.units == nil || !r.units.Allowed(unit) {
		return nil, errors.Newf("systemd: unit %q not allowed (see payload.systemd_units)", unit)
	}
	st, err := r.units.Control(ctx, action, unit)
	if err != nil {
		return nil, errors.Wrap(err, "systemd")
	}
	r.log.Info("unit controlled",
		logx.String("job_id", inv.JobID),
		logx.String("action", action),
		logx.String("unit", st.Name),
		logx.String("active", st.Active),
	)
	if action == "start" || action == "restart" {
		if st.Active == "failed" {
			return st, errors.Newf("systemd: %s is failed after %s", st.Name, action)
		}
	}
	return st, nil
}
