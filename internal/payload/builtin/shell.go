package builtin

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"chronod/internal/payload"
	"chronod/pkg/logx"
)

const shellOutputCap = 64 << 10

type shellRunner struct {
	enabled bool
	log     logx.Logger
}

// argv turns pub_args into a command: one argument is parsed as a command line,
// several are taken verbatim.
func argv(inv payload.Invocation) ([]string, error) {
	args := inv.StringArgs()
	switch len(args) {
	case 0:
		return nil, errors.New("shell: missing command")
	case 1:
		words, err := shellquote.Split(args[0])
		if err != nil {
			return nil, errors.Wrap(err, "shell: parse command line")
		}
		if len(words) == 0 {
			return nil, errors.New("shell: empty command")
		}
		return words, nil
	default:
		return args, nil
	}
}

func (s shellRunner) run(ctx context.Context, inv payload.Invocation) (any, error) {
	if !s.enabled {
		return nil, errors.New("shell: disabled (set payload.shell_enabled)")
	}
	words, err := argv(inv)
	if err != nil {
		return nil, err
	}

	var stdout, stderr cappedBuffer
	stdout.max, stderr.max = shellOutputCap, shellOutputCap
	cmd := exec.CommandContext(ctx, words[0], words[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.log.Debug("shell payload starting",
		logx.String("job_id", inv.JobID),
		logx.String("execution_id", inv.ExecutionID),
		logx.String("command", shellquote.Join(words...)),
	)
	err = cmd.Run()
	res := map[string]any{
		"command":   shellquote.Join(words...),
		"exit_code": cmd.ProcessState.ExitCode(),
		"stdout":    stdout.String(),
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, errors.Wrapf(err, "shell: %s: %s", words[0], msg)
	}
	return res, nil
}

// cappedBuffer keeps the first max bytes and silently drops the rest.
type cappedBuffer struct {
	bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.truncated = true
		_, _ = b.Buffer.Write(p[:room])
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.Buffer.String() + "\n[truncated]"
	}
	return b.Buffer.String()
}
