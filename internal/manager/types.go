package manager

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"chronod/internal/task/scheduler"
)

const anonymous = "anonymous"

// Field is a cron field in a request body. Clients send strings, but a bare
// number ("hour": 5) is accepted too.
type Field string

func (f *Field) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*f = ""
	case strings.HasPrefix(s, `"`):
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = Field(v)
	default:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return errors.Newf("cron field must be a string or number, got %s", s)
		}
		*f = Field(strconv.FormatFloat(n, 'f', -1, 64))
	}
	return nil
}

// JobRequest is the body of POST and PUT /jobs.
//
// Either the cron fields (legacy mode) or Trigger with TriggerParams describe
// the schedule. On modify every empty field is left alone.
type JobRequest struct {
	Name           string         `json:"name"`
	JobClassString string         `json:"job_class_string"`
	PubArgs        []any          `json:"pub_args"`
	Kwargs         map[string]any `json:"kwargs,omitempty"`

	Year      Field `json:"year,omitempty"`
	Month     Field `json:"month,omitempty"`
	Day       Field `json:"day,omitempty"`
	Week      Field `json:"week,omitempty"`
	DayOfWeek Field `json:"day_of_week,omitempty"`
	Hour      Field `json:"hour,omitempty"`
	Minute    Field `json:"minute,omitempty"`
	Second    Field `json:"second,omitempty"`

	Trigger       string            `json:"trigger,omitempty"`
	TriggerParams map[string]string `json:"trigger_params,omitempty"`
}

// cron returns the non-empty cron fields.
func (r JobRequest) cron() map[string]string {
	out := map[string]string{}
	for k, v := range map[string]Field{
		"year": r.Year, "month": r.Month, "day": r.Day, "week": r.Week,
		"day_of_week": r.DayOfWeek, "hour": r.Hour, "minute": r.Minute, "second": r.Second,
	} {
		if s := strings.TrimSpace(string(v)); s != "" {
			out[k] = s
		}
	}
	return out
}

// NotFoundError is an unknown execution id. Unknown jobs surface as
// scheduler.NotFoundError.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return e.Kind + " not found: " + e.ID }

// IsNotFound reports whether err names an unknown job or execution.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e) || scheduler.IsNotFound(err)
}

func IsValidation(err error) bool { return scheduler.IsValidation(err) }

// JobView is the job dict of the REST surface.
type JobView struct {
	JobID          string            `json:"job_id"`
	Name           string            `json:"name"`
	NextRunTime    string            `json:"next_run_time"`
	JobClassString string            `json:"job_class_string"`
	PubArgs        []any             `json:"pub_args"`
	Kwargs         map[string]any    `json:"kwargs,omitempty"`
	Trigger        string            `json:"trigger"`
	TriggerParams  map[string]string `json:"trigger_params"`

	Month     string `json:"month"`
	Day       string `json:"day"`
	Week      string `json:"week"`
	DayOfWeek string `json:"day_of_week"`
	Hour      string `json:"hour"`
	Minute    string `json:"minute"`
}

// ExecutionJob is the job embedded in an execution view.
type ExecutionJob struct {
	JobID     string `json:"job_id"`
	Name      string `json:"name"`
	TaskName  string `json:"task_name"`
	PubArgs   []any  `json:"pub_args"`
	Month     string `json:"month"`
	Day       string `json:"day"`
	Week      string `json:"week"`
	DayOfWeek string `json:"day_of_week"`
	Hour      string `json:"hour"`
	Minute    string `json:"minute"`
}

type ExecutionView struct {
	ExecutionID   string        `json:"execution_id"`
	JobID         string        `json:"job_id"`
	State         string        `json:"state"`
	Hostname      string        `json:"hostname"`
	PID           int           `json:"pid"`
	TaskID        string        `json:"task_id"`
	Description   string        `json:"description"`
	Result        string        `json:"result"`
	ScheduledTime string        `json:"scheduled_time"`
	UpdatedTime   string        `json:"updated_time"`
	Job           *ExecutionJob `json:"job,omitempty"`
}

type AuditView struct {
	JobID       string `json:"job_id"`
	JobName     string `json:"job_name"`
	Event       string `json:"event"`
	User        string `json:"user"`
	CreatedTime string `json:"created_time"`
	Description string `json:"description"`
}
