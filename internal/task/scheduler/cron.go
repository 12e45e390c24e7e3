package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// CronFieldNames lists the cron trigger fields in evaluation order.
var CronFieldNames = []string{"year", "month", "day", "week", "day_of_week", "hour", "minute", "second"}

type cronField struct {
	name   string
	lo, hi int
	names  map[string]int
	// def is the value of an omitted field that comes after the last given one.
	def string
}

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

// Monday is 0.
var weekdayNames = map[string]int{"mon": 0, "tue": 1, "wed": 2, "thu": 3, "fri": 4, "sat": 5, "sun": 6}

var cronFields = []cronField{
	{name: "year", lo: 1970, hi: 2099, def: "*"},
	{name: "month", lo: 1, hi: 12, names: monthNames, def: "1"},
	{name: "day", lo: 1, hi: 31, def: "1"},
	{name: "week", lo: 1, hi: 53, def: "*"},
	{name: "day_of_week", lo: 0, hi: 6, names: weekdayNames, def: "*"},
	{name: "hour", lo: 0, hi: 23, def: "0"},
	{name: "minute", lo: 0, hi: 59, def: "0"},
	{name: "second", lo: 0, hi: 59, def: "0"},
}

// CronDefaults fills the omitted fields of given: fields before the last given
// one become "*", fields after it take their minimum ("*" for year, week and
// day_of_week). Empty values count as omitted, so an empty map means once a
// year at midnight on Jan 1.
func CronDefaults(given map[string]string) map[string]string {
	last := -1
	for i, f := range cronFields {
		if strings.TrimSpace(given[f.name]) != "" {
			last = i
		}
	}
	out := make(map[string]string, len(cronFields))
	for i, f := range cronFields {
		v := strings.TrimSpace(given[f.name])
		switch {
		case v != "":
			out[f.name] = v
		case i > last:
			out[f.name] = f.def
		default:
			out[f.name] = "*"
		}
	}
	return out
}

func (f cronField) value(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, ok := f.names[s]; ok {
		return n, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Newf("%s: invalid value %q", f.name, s)
	}
	if n < f.lo || n > f.hi {
		return 0, errors.Newf("%s: value %d out of range %d-%d", f.name, n, f.lo, f.hi)
	}
	return n, nil
}

// parse expands expr into the set of matching values. star is true for a bare
// "*" (or "*/1"), which cron treats as unrestricted.
func (f cronField) parse(expr string) (set []bool, star bool, err error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, false, errors.Newf("%s: empty expression", f.name)
	}
	set = make([]bool, f.hi+1)
	parts := strings.Split(expr, ",")
	for _, part := range parts {
		rng, stepStr, hasStep := strings.Cut(strings.TrimSpace(part), "/")
		step := 1
		if hasStep {
			step, err = strconv.Atoi(strings.TrimSpace(stepStr))
			if err != nil || step < 1 {
				return nil, false, errors.Newf("%s: invalid step in %q", f.name, part)
			}
		}
		var from, to int
		switch lo, hi, isRange := strings.Cut(rng, "-"); {
		case strings.TrimSpace(rng) == "*":
			from, to = f.lo, f.hi
			if len(parts) == 1 && step == 1 {
				star = true
			}
		case isRange:
			if from, err = f.value(lo); err != nil {
				return nil, false, err
			}
			if to, err = f.value(hi); err != nil {
				return nil, false, err
			}
			if from > to {
				return nil, false, errors.Newf("%s: range %q is reversed", f.name, rng)
			}
		default:
			if from, err = f.value(rng); err != nil {
				return nil, false, err
			}
			to = from
			if hasStep {
				to = f.hi
			}
		}
		for v := from; v <= to; v += step {
			set[v] = true
		}
	}
	return set, star, nil
}

// list renders set as a comma list, mapping each value through conv.
func list(set []bool, conv func(int) int) string {
	var vals []int
	for v, ok := range set {
		if ok {
			vals = append(vals, conv(v))
		}
	}
	sort.Ints(vals)
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// cronTrigger delegates the second..day_of_week walk to robfig/cron and
// filters the result by year and ISO week.
type cronTrigger struct {
	params map[string]string
	loc    *time.Location
	base   cron.Schedule
	years  []bool // nil means any
	weeks  []bool // nil means any
}

func newCronTrigger(params map[string]string, loc *time.Location) (*cronTrigger, error) {
	for k := range params {
		if !isCronField(k) {
			return nil, &ValidationError{Field: k, Msg: "unknown cron field"}
		}
	}
	p := CronDefaults(params)
	t := &cronTrigger{params: p, loc: loc}

	robfig := map[string]string{}
	for _, f := range cronFields {
		set, star, err := f.parse(p[f.name])
		if err != nil {
			return nil, &ValidationError{Field: f.name, Msg: err.Error()}
		}
		switch f.name {
		case "year":
			if !star {
				t.years = set
			}
		case "week":
			if !star {
				t.weeks = set
			}
		case "day_of_week":
			// robfig counts from Sunday.
			robfig[f.name] = "*"
			if !star {
				robfig[f.name] = list(set, func(v int) int { return (v + 1) % 7 })
			}
		default:
			robfig[f.name] = "*"
			if !star {
				robfig[f.name] = list(set, func(v int) int { return v })
			}
		}
	}
	// robfig ORs day and day_of_week when both are restricted.
	spec := fmt.Sprintf("%s %s %s %s %s %s",
		robfig["second"], robfig["minute"], robfig["hour"], robfig["day"], robfig["month"], robfig["day_of_week"])
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, &ValidationError{Field: "trigger_params", Msg: err.Error()}
	}
	if ss, ok := sched.(*cron.SpecSchedule); ok {
		ss.Location = loc
	}
	t.base = sched
	return t, nil
}

func isCronField(name string) bool {
	for _, f := range CronFieldNames {
		if f == name {
			return true
		}
	}
	return false
}

func (t *cronTrigger) Kind() string { return "cron" }

func (t *cronTrigger) Params() map[string]string {
	out := make(map[string]string, len(t.params))
	for k, v := range t.params {
		out[k] = v
	}
	return out
}

// cronSearchLimit bounds the year/week skip loop.
const cronSearchLimit = 5000

func (t *cronTrigger) Next(after time.Time) time.Time {
	cur := after.In(t.loc)
	for i := 0; i < cronSearchLimit; i++ {
		n := t.base.Next(cur)
		if n.IsZero() {
			return time.Time{}
		}
		n = n.In(t.loc)
		if n.Year() >= 2100 {
			return time.Time{}
		}
		if t.years != nil && !t.years[n.Year()] {
			y, ok := nextSet(t.years, n.Year()+1)
			if !ok {
				return time.Time{}
			}
			cur = time.Date(y, 1, 1, 0, 0, 0, 0, t.loc).Add(-time.Nanosecond)
			continue
		}
		if t.weeks != nil {
			if _, w := n.ISOWeek(); !t.weeks[w] {
				cur = startOfNextWeek(n).Add(-time.Nanosecond)
				continue
			}
		}
		return n
	}
	return time.Time{}
}

func nextSet(set []bool, from int) (int, bool) {
	for v := from; v < len(set); v++ {
		if set[v] {
			return v, true
		}
	}
	return 0, false
}

// startOfNextWeek returns the Monday 00:00 after t, in t's location.
func startOfNextWeek(t time.Time) time.Time {
	days := (8 - int(t.Weekday())) % 7
	if days == 0 {
		days = 7
	}
	d := t.AddDate(0, 0, days)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, t.Location())
}
