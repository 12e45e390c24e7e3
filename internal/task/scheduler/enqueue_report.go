package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"

	"chronod/internal/eventbus"
	"chronod/internal/task/engine"
	"chronod/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(f Firing, err error) {
	if err == nil {
		return
	}
	id := f.Job.ID
	reason := "enqueue_failed"
	if errors.Is(err, engine.ErrMaxInstances) {
		reason = "max_instances"
		s.skippedMaxInstances.Add(1)
	}
	s.publish(eventbus.TypeJobSkipped, map[string]any{
		"job_id":   id,
		"run_time": f.ScheduledTime,
		"reason":   reason,
	})

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[id]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[id] = now
	s.enqMu.Unlock()

	// Max instances is a normal outcome for slow jobs; queue full / stopping
	// are bursty.
	s.log.Warn("execution of job skipped",
		logx.String("job_id", id),
		logx.String("reason", reason),
		logx.Time("run_time", f.ScheduledTime),
		logx.Err(err))
}
