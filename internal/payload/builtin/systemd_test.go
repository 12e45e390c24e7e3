package builtin

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronod/internal/payload"
	"chronod/pkg/systemd"
)

type fakeUnits struct {
	state systemd.UnitState
	err   error
	calls []string
}

func (f *fakeUnits) Allowed(unit string) bool { return systemd.UnitName(unit) == "nginx.service" }

func (f *fakeUnits) Control(_ context.Context, action, unit string) (systemd.UnitState, error) {
	f.calls = append(f.calls, action+" "+unit)
	return f.state, f.err
}

func TestSystemdPayload(t *testing.T) {
	t.Parallel()
	units := &fakeUnits{state: systemd.UnitState{Name: "nginx.service", Active: "active"}}
	reg := newRegistry(t, Deps{Units: units})

	v, err := runPayload(t, reg, Systemd, payload.Invocation{Args: []any{"restart", "nginx"}})
	require.NoError(t, err)
	assert.Equal(t, "active", v.(systemd.UnitState).Active)
	assert.Equal(t, []string{"restart nginx"}, units.calls)

	_, err = runPayload(t, reg, Systemd, payload.Invocation{Args: []any{"restart", "sshd"}})
	assert.Error(t, err)
	_, err = runPayload(t, reg, Systemd, payload.Invocation{Args: []any{"restart"}})
	assert.Error(t, err)
	assert.Len(t, units.calls, 1)
}

func TestSystemdPayloadFailures(t *testing.T) {
	t.Parallel()

	failed := &fakeUnits{state: systemd.UnitState{Name: "nginx.service", Active: "failed"}}
	_, err := runPayload(t, newRegistry(t, Deps{Units: failed}), Systemd, payload.Invocation{Args: []any{"start", "nginx"}})
	assert.Error(t, err)

	broken := &fakeUnits{err: errors.New("dbus down")}
	_, err = runPayload(t, newRegistry(t, Deps{Units: broken}), Systemd, payload.Invocation{Args: []any{"stop", "nginx"}})
	assert.ErrorContains(t, err, "dbus down")

	_, err = runPayload(t, newRegistry(t, Deps{}), Systemd, payload.Invocation{Args: []any{"status", "nginx"}})
	assert.Error(t, err)
}
