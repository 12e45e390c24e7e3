package manager

import (
	"encoding/json"
	"fmt"
	"strings"
)

// describeModify lists the user-facing fields that changed, one per line, as
// "field: old => new".
func describeModify(before, after JobView) string {
	fields := []struct {
		name     string
		old, new string
	}{
		{"name", before.Name, after.Name},
		{"job_class_string", before.JobClassString, after.JobClassString},
		{"pub_args", jsonString(before.PubArgs), jsonString(after.PubArgs)},
		{"minute", before.Minute, after.Minute},
		{"hour", before.Hour, after.Hour},
		{"day", before.Day, after.Day},
		{"month", before.Month, after.Month},
		{"day_of_week", before.DayOfWeek, after.DayOfWeek},
	}
	var b strings.Builder
	for _, f := range fields {
		if f.old != f.new {
			fmt.Fprintf(&b, "%s: %s => %s\n", f.name, f.old, f.new)
		}
	}
	if before.Trigger != after.Trigger {
		fmt.Fprintf(&b, "trigger: %s => %s\n", before.Trigger, after.Trigger)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
