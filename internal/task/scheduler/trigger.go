package scheduler

import (
	"math"
	"strconv"
	"strings"
	"time"

	"chronod/internal/storage"
)

// Trigger computes fire times for a job.
type Trigger interface {
	Kind() string
	// Params returns the normalized trigger_params to persist.
	Params() map[string]string
	// Next returns the first fire time strictly after t, or the zero time if
	// the trigger never fires again.
	Next(t time.Time) time.Time
}

// BuildTrigger validates kind and params and returns the trigger. now anchors
// an interval trigger that has no start_date yet.
func BuildTrigger(kind string, params map[string]string, loc *time.Location, now time.Time) (Trigger, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", storage.TriggerCron:
		return newCronTrigger(params, loc)
	case storage.TriggerInterval:
		return newIntervalTrigger(params, now)
	default:
		return nil, &ValidationError{Field: "trigger", Msg: "unsupported trigger " + strconv.Quote(kind)}
	}
}

// intervalTrigger fires every period starting at start.
type intervalTrigger struct {
	params map[string]string
	start  time.Time
	period time.Duration
}

var intervalUnits = []struct {
	key  string
	unit time.Duration
}{
	{"weeks", 7 * 24 * time.Hour},
	{"days", 24 * time.Hour},
	{"hours", time.Hour},
	{"minutes", time.Minute},
	{"seconds", time.Second},
}

func newIntervalTrigger(params map[string]string, now time.Time) (*intervalTrigger, error) {
	t := &intervalTrigger{params: map[string]string{}}
	for k, v := range params {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		switch k {
		case "interval":
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, &ValidationError{Field: k, Msg: "invalid duration " + strconv.Quote(v)}
			}
			if !t.addPeriod(d) {
				return nil, &ValidationError{Field: k, Msg: "interval too large"}
			}
		case "start_date":
			st, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, &ValidationError{Field: k, Msg: "start_date must be RFC3339"}
			}
			t.start = st.UTC()
		default:
			unit, ok := intervalUnit(k)
			if !ok {
				return nil, &ValidationError{Field: k, Msg: "unknown interval field"}
			}
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return nil, &ValidationError{Field: k, Msg: "must be a non-negative integer"}
			}
			if n > math.MaxInt64/int64(unit) || !t.addPeriod(time.Duration(n)*unit) {
				return nil, &ValidationError{Field: k, Msg: "interval too large"}
			}
		}
		t.params[k] = v
	}
	if t.period <= 0 {
		return nil, &ValidationError{Field: "trigger_params", Msg: "interval must be positive"}
	}
	if t.start.IsZero() {
		t.start = now.UTC().Truncate(time.Second).Add(t.period)
		t.params["start_date"] = t.start.Format(time.RFC3339)
	}
	return t, nil
}

// addPeriod adds d to the period and reports false if the sum overflows.
func (t *intervalTrigger) addPeriod(d time.Duration) bool {
	if d > 0 && t.period > math.MaxInt64-d {
		return false
	}
	t.period += d
	return true
}

func intervalUnit(key string) (time.Duration, bool) {
	for _, u := range intervalUnits {
		if u.key == key {
			return u.unit, true
		}
	}
	return 0, false
}

func (t *intervalTrigger) Kind() string { return storage.TriggerInterval }

func (t *intervalTrigger) Params() map[string]string {
	out := make(map[string]string, len(t.params))
	for k, v := range t.params {
		out[k] = v
	}
	return out
}

func (t *intervalTrigger) Next(after time.Time) time.Time {
	if after.Before(t.start) {
		return t.start
	}
	k := after.Sub(t.start)/t.period + 1
	return t.start.Add(k * t.period)
}
