package systemd

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/dbus"
)

// UnitState is the core state of one unit as reported by systemd.
type UnitState struct {
	Name        string `json:"name"`
	Active      string `json:"active"`
	SubState    string `json:"sub_state"`
	LoadState   string `json:"load_state"`
	Description string `json:"description,omitempty"`
}

// Units controls an allowlisted set of units over the system D-Bus.
// The connection is opened on first use and reused.
type Units struct {
	mu      sync.Mutex
	conn    *dbus.Conn
	allowed map[string]struct{}
}

// NewUnits allows control of the given units. Names without a suffix get
// ".service". An empty list allows nothing.
func NewUnits(allowed []string) *Units {
	u := &Units{allowed: map[string]struct{}{}}
	for _, name := range allowed {
		if n := UnitName(name); n != "" {
			u.allowed[n] = struct{}{}
		}
	}
	return u
}

// UnitName trims name and appends ".service" when it has no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

// Allowed reports whether unit may be controlled.
func (u *Units) Allowed(unit string) bool {
	_, ok := u.allowed[UnitName(unit)]
	return ok
}

func (u *Units) connect(ctx context.Context) (*dbus.Conn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil && u.conn.Connected() {
		return u.conn, nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "connect to systemd")
	}
	u.conn = conn
	return conn, nil
}

// Control runs action (start, stop, restart or status) on unit and waits
// for the systemd job to finish. The returned state is read afterwards.
func (u *Units) Control(ctx context.Context, action, unit string) (UnitState, error) {
	name := UnitName(unit)
	if !u.Allowed(name) {
		return UnitState{}, errors.Newf("unit %q is not in the allowed list", name)
	}
	conn, err := u.connect(ctx)
	if err != nil {
		return UnitState{}, err
	}

	var start func(context.Context, string, string, chan<- string) (int, error)
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "start":
		start = conn.StartUnitContext
	case "stop":
		start = conn.StopUnitContext
	case "restart":
		start = conn.RestartUnitContext
	case "status", "":
	default:
		return UnitState{}, errors.Newf("unknown unit action %q", action)
	}
	if start != nil {
		done := make(chan string, 1)
		if _, err := start(ctx, name, "replace", done); err != nil {
			return UnitState{}, errors.Wrapf(err, "%s %s", action, name)
		}
		select {
		case <-ctx.Done():
			return UnitState{}, ctx.Err()
		case res := <-done:
			if res != "done" {
				return UnitState{}, errors.Newf("%s %s: job %s", action, name, res)
			}
		}
	}
	return u.status(ctx, conn, name)
}

func (u *Units) status(ctx context.Context, conn *dbus.Conn, name string) (UnitState, error) {
	units, err := conn.ListUnitsByNamesContext(ctx, []string{name})
	if err != nil {
		return UnitState{}, errors.Wrapf(err, "status %s", name)
	}
	for _, s := range units {
		if s.Name == name {
			return UnitState{
				Name:        s.Name,
				Active:      s.ActiveState,
				SubState:    s.SubState,
				LoadState:   s.LoadState,
				Description: s.Description,
			}, nil
		}
	}
	return UnitState{Name: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
}

// Close drops the D-Bus connection, if any.
func (u *Units) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}
}
