package engine

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"chronod/internal/eventbus"
	"chronod/pkg/logx"
)

func (s *Service) worker(ctx context.Context, g *generation) {
	for {
		// A closed stop wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case qt := <-g.q:
			s.run(ctx, qt)
		case <-g.retire:
			select {
			case qt := <-g.q:
				s.run(ctx, qt)
			default:
				return
			}
		}
	}
}

func (s *Service) run(ctx context.Context, qt queuedTask) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	s.execOne(ctx, qt)
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	defer s.gate.release(qt.key)

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		s.onStale(start, qt, queueDelay)
		return
	}

	s.log.Debug("task started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TypeTaskStarted, start, qt.task, qt.key, queueDelay, 0, "")

	err := s.runTask(ctx, qt)

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.key, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		s.failed.Add(1)
		item.Error = err.Error()
		s.log.Warn("task failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.publish(eventbus.TypeTaskFailed, time.Now(), qt.task, qt.key, queueDelay, dur, item.Error)
	} else {
		s.completed.Add(1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
		s.publish(eventbus.TypeTaskFinished, time.Now(), qt.task, qt.key, queueDelay, dur, "")
	}
	s.record(item)
}

// runTask calls the task with its timeout; a panic becomes an error so one bad
// task cannot kill a worker.
func (s *Service) runTask(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}
