package manager

import (
	"context"
	"time"

	"chronod/internal/storage"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func jobView(j storage.Job, loc *time.Location) JobView {
	if loc == nil {
		loc = time.UTC
	}
	v := JobView{
		JobID:          j.ID,
		Name:           j.Name,
		JobClassString: j.JobClassString(),
		PubArgs:        j.PubArgs(),
		Kwargs:         j.Kwargs,
		Trigger:        j.TriggerKind,
		TriggerParams:  j.TriggerParams,
	}
	if v.TriggerParams == nil {
		v.TriggerParams = map[string]string{}
	}
	if j.NextRunTime != nil {
		v.NextRunTime = j.NextRunTime.In(loc).Format(time.RFC3339)
	}
	if j.TriggerKind == storage.TriggerCron {
		p := j.TriggerParams
		v.Month, v.Day, v.Week = p["month"], p["day"], p["week"]
		v.DayOfWeek, v.Hour, v.Minute = p["day_of_week"], p["hour"], p["minute"]
	}
	return v
}

// executionView embeds the job when it still exists. jobs caches lookups
// across one listing; a nil entry records a deleted job.
func (s *Service) executionView(ctx context.Context, e storage.Execution, jobs map[string]*ExecutionJob) ExecutionView {
	v := ExecutionView{
		ExecutionID:   e.ID,
		JobID:         e.JobID,
		State:         e.State.String(),
		Hostname:      e.Hostname,
		PID:           e.PID,
		TaskID:        e.TaskID,
		Description:   e.Description,
		Result:        e.Result,
		ScheduledTime: formatTime(e.ScheduledTime),
		UpdatedTime:   formatTime(e.UpdatedTime),
	}
	ej, seen := jobs[e.JobID]
	if !seen {
		if job, err := s.sched.GetJob(ctx, e.JobID); err == nil {
			jv := jobView(job, s.sched.Location())
			ej = &ExecutionJob{
				JobID:     jv.JobID,
				Name:      jv.Name,
				TaskName:  jv.JobClassString,
				PubArgs:   jv.PubArgs,
				Month:     jv.Month,
				Day:       jv.Day,
				Week:      jv.Week,
				DayOfWeek: jv.DayOfWeek,
				Hour:      jv.Hour,
				Minute:    jv.Minute,
			}
		}
		jobs[e.JobID] = ej
	}
	v.Job = ej
	return v
}
