// Package builtin registers the payloads shipped with chronod.
package builtin

import (
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"chronod/internal/payload"
	"chronod/internal/pubsub"
	"chronod/pkg/logx"
)

const (
	Echo     = "builtin.echo"
	Sleep    = "builtin.sleep"
	Shell    = "builtin.shell"
	HTTP     = "builtin.http"
	Callback = "builtin.callback"
	Systemd  = "builtin.systemd"
)

// Deps are the collaborators builtin payloads need.
type Deps struct {
	Log        logx.Logger
	HTTPClient *http.Client
	PubSub     *pubsub.Registry

	// CallbackTimeout bounds builtin.callback waits (default 5m).
	CallbackTimeout time.Duration
	// CallbackBaseURL, when set, is sent to downstream services as
	// callback_url so they know where to report back.
	CallbackBaseURL string
	// ShellEnabled gates builtin.shell. It stays registered either way so
	// jobs resolve, but refuses to run while disabled.
	ShellEnabled bool
	// Units backs builtin.systemd. Nil refuses every unit.
	Units UnitController
}

// Register adds every builtin payload to reg.
func Register(reg *payload.Registry, deps Deps) error {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if deps.CallbackTimeout <= 0 {
		deps.CallbackTimeout = 5 * time.Minute
	}

	regs := []struct {
		id   string
		run  payload.Func
		opts []payload.Option
	}{
		{Echo, echo, []payload.Option{
			payload.WithNotes("Returns its arguments. Useful to verify a schedule."),
			payload.WithExample(`["hello", "world"]`),
		}},
		{Sleep, sleep, []payload.Option{
			payload.WithNotes("Sleeps for the given duration, then succeeds."),
			payload.WithArgument("string", "duration, e.g. 30s (or seconds as a number)"),
			payload.WithExample(`["30s"]`),
		}},
		{Shell, shellRunner{enabled: deps.ShellEnabled, log: deps.Log}.run, []payload.Option{
			payload.WithNotes("Runs an executable. A single argument is split like a shell command line; several arguments are passed as argv."),
			payload.WithArgument("string", "command line or executable path"),
			payload.WithExample(`["/usr/local/bin/backup --mode safe"]`),
		}},
		{HTTP, httpCaller{client: deps.HTTPClient}.run, []payload.Option{
			payload.WithNotes("Sends an HTTP request and records the response status and body."),
			payload.WithArgument("string", "URL"),
			payload.WithArgument("string", "HTTP method (default GET)"),
			payload.WithArgument("string", "request body (optional)"),
			payload.WithExample(`["http://localhost:7777/api/v1/jobs", "GET"]`),
		}},
		{Callback, callbackWaiter{
			client:  deps.HTTPClient,
			ps:      deps.PubSub,
			timeout: deps.CallbackTimeout,
			baseURL: deps.CallbackBaseURL,
			log:     deps.Log,
		}.run, []payload.Option{
			payload.WithNotes("POSTs to a downstream service, then waits for it to call back on /api/v1/callbacks with the returned jobid."),
			payload.WithArgument("string", "URL to start the downstream task"),
			payload.WithArgument("string", "JSON body (optional)"),
			payload.WithExample(`["http://worker:6800/schedule.json", "{\"spider\": \"history\"}"]`),
		}},
		{Systemd, unitRunner{units: deps.Units, log: deps.Log}.run, []payload.Option{
			payload.WithNotes("Starts, stops or restarts a systemd unit listed in payload.systemd_units and returns its state."),
			payload.WithArgument("string", "action: start, stop, restart or status"),
			payload.WithArgument("string", "unit name (\".service\" is implied)"),
			payload.WithExample(`["restart", "nginx"]`),
		}},
	}
	for _, r := range regs {
		if err := reg.Register(r.id, r.run, r.opts...); err != nil {
			return errors.Wrap(err, "register builtin payloads")
		}
	}
	return nil
}
