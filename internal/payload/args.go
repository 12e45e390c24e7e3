package payload

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// StringArg returns Args[i] rendered as a string.
func (inv Invocation) StringArg(i int) (string, error) {
	if i < 0 || i >= len(inv.Args) {
		return "", errors.Newf("missing argument %d", i)
	}
	switch v := inv.Args[i].(type) {
	case string:
		return v, nil
	case nil:
		return "", errors.Newf("argument %d is null", i)
	default:
		return fmt.Sprint(v), nil
	}
}

// StringArgOr returns Args[i] as a string, or def when it is absent or empty.
func (inv Invocation) StringArgOr(i int, def string) string {
	s, err := inv.StringArg(i)
	if err != nil || strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// StringArgs renders every argument as a string.
func (inv Invocation) StringArgs() []string {
	out := make([]string, 0, len(inv.Args))
	for i := range inv.Args {
		s, _ := inv.StringArg(i)
		out = append(out, s)
	}
	return out
}

// ParseDuration accepts a Go duration ("90s") or a number of seconds (90, "1.5").
func ParseDuration(v any) (time.Duration, error) {
	switch x := v.(type) {
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	case int:
		return time.Duration(x) * time.Second, nil
	case int64:
		return time.Duration(x) * time.Second, nil
	case string:
		s := strings.TrimSpace(x)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid duration %q", x)
		}
		return d, nil
	case nil:
		return 0, errors.New("duration is null")
	default:
		return 0, errors.Newf("invalid duration type %T", v)
	}
}

// DurationKwarg returns Kwargs[key] as a duration, or def when the key is absent.
func (inv Invocation) DurationKwarg(key string, def time.Duration) (time.Duration, error) {
	v, ok := inv.Kwargs[key]
	if !ok {
		return def, nil
	}
	d, err := ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "kwarg %s", key)
	}
	return d, nil
}
