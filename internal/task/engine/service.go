// Package engine is a bounded worker pool. Callers enqueue tasks without
// blocking; workers run them with timeout, panic recovery and history.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"chronod/internal/eventbus"
	rtsup "chronod/internal/runtime/supervisor"
	"chronod/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	parent   context.Context
	gen      *generation
	retiring map[*generation]struct{}
	stopDone chan struct{}

	gate instanceGate

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32

	completed           atomic.Uint64
	failed              atomic.Uint64
	droppedQueueFull    atomic.Uint64
	droppedStale        atomic.Uint64
	skippedMaxInstances atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

// generation is one set of workers and the queue they serve. Closing retire
// lets the workers finish what is queued and exit; closing stop ends them now.
type generation struct {
	q      chan queuedTask
	sup    *rtsup.Supervisor
	stop   chan struct{}
	retire chan struct{}
}

type queuedTask struct {
	task       Task
	key        string
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "engine")),
		bus:      bus,
		retiring: map[*generation]struct{}{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. When a running pool changes size or is disabled, the
// current workers are retired: they finish the running and queued tasks, then
// exit. A resized pool starts new workers on a fresh queue right away.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.gen == nil || s.stopDone != nil {
		return
	}
	if cfg.Enabled && prev.Workers == cfg.Workers && prev.QueueSize == cfg.QueueSize {
		return
	}

	old := s.gen
	s.gen = nil
	s.retiring[old] = struct{}{}
	close(old.retire)
	go s.awaitRetired(old)

	if cfg.Enabled {
		s.startLocked(s.parent, cfg)
		return
	}
	s.log.Info("task engine disabled, draining queue", logx.Int("queued", len(old.q)))
}

// awaitRetired waits for a retired generation's workers to exit.
func (s *Service) awaitRetired(g *generation) {
	_ = g.sup.Wait(context.Background())
	g.sup.Cancel()
	s.drain(g.q)
	s.mu.Lock()
	delete(s.retiring, g)
	s.mu.Unlock()
	s.log.Debug("retired workers exited")
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.gen != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.gen != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
	}
	s.parent = ctx
	s.startLocked(ctx, s.cfg)
	s.mu.Unlock()
}

func (s *Service) startLocked(ctx context.Context, cfg Config) {
	g := &generation{
		q:      make(chan queuedTask, cfg.QueueSize),
		stop:   make(chan struct{}),
		retire: make(chan struct{}),
		sup: rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		),
	}
	s.gen = g
	s.stopDone = nil

	for i := 0; i < cfg.Workers; i++ {
		g.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, g)
			select {
			case <-g.stop:
				return context.Canceled
			case <-g.retire:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(g.q)))
}

// Stop cancels all workers, retiring ones included, and waits for them,
// bounded by ctx. Running tasks see their context cancelled; queued tasks are
// dropped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	gens := make([]*generation, 0, len(s.retiring)+1)
	for g := range s.retiring {
		gens = append(gens, g)
	}
	s.retiring = map[*generation]struct{}{}
	cur := s.gen
	if cur != nil {
		gens = append(gens, cur)
	}
	if len(gens) == 0 {
		s.mu.Unlock()
		return
	}
	done := make(chan struct{})
	if cur != nil {
		s.stopDone = done
	}
	for _, g := range gens {
		close(g.stop)
		g.sup.Cancel()
	}
	s.mu.Unlock()

	go func() {
		for _, g := range gens {
			_ = g.sup.Wait(context.Background())
			s.drain(g.q)
		}
		s.mu.Lock()
		if cur != nil && s.gen == cur {
			s.gen = nil
			s.stopDone = nil
		}
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// drain releases the instance slots of tasks that never ran.
func (s *Service) drain(queue chan queuedTask) {
	for {
		select {
		case qt := <-queue:
			s.gate.release(qt.key)
		default:
			return
		}
	}
}

// Enqueue queues t without blocking. It fails with ErrMaxInstances when the
// task's key is at its instance cap and with ErrQueueFull when the queue is full.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	// The send happens under mu so a task never lands in a retired queue.
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, g := s.cfg, s.gen
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case g == nil:
		return ErrStopped
	case s.stopDone != nil:
		return ErrStopping
	}

	key := normKey(t.key())
	if !s.gate.tryAcquire(key, t.MaxInstances) {
		s.skippedMaxInstances.Add(1)
		s.publish(eventbus.TypeTaskSkipped, now, t, key, 0, 0, "max_instances")
		s.log.Debug("task skipped: max instances", logx.String("task", t.Name), logx.String("key", key), logx.Int("max_instances", t.MaxInstances))
		return errors.WithStack(ErrMaxInstances)
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	select {
	case g.q <- queuedTask{task: t, key: key, enqueuedAt: now, timeout: timeout}:
		return nil
	default:
		s.gate.release(key)
		s.onQueueFull(now, t, key, g.q)
		return errors.WithStack(ErrQueueFull)
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	var q chan queuedTask
	if s.gen != nil {
		q = s.gen.q
	}
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:             cfg.Enabled,
		Workers:             cfg.Workers,
		InFlight:            int(s.inFlight.Load()),
		Completed:           s.completed.Load(),
		Failed:              s.failed.Load(),
		DroppedQueueFull:    s.droppedQueueFull.Load(),
		DroppedStale:        s.droppedStale.Load(),
		SkippedMaxInstances: s.skippedMaxInstances.Load(),
		DefaultTimeout:      cfg.DefaultTimeout,
		MaxQueueDelay:       cfg.MaxQueueDelay,
		Instances:           s.gate.snapshot(),
	}
	snap.Dropped = snap.DroppedQueueFull + snap.DroppedStale
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, at time.Time, t Task, key string, queueDelay, dur time.Duration, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: TaskEvent{
		ID: t.ID, Name: t.Name, Key: key, Started: at, QueueDelay: queueDelay, Duration: dur, Error: errMsg,
	}})
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onQueueFull(now time.Time, t Task, key string, q chan queuedTask) {
	s.droppedQueueFull.Add(1)
	s.publish(eventbus.TypeTaskDropped, now, t, key, 0, 0, "queue_full")
	if shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
		)
	}
}

func (s *Service) onStale(now time.Time, qt queuedTask, queueDelay time.Duration) {
	s.droppedStale.Add(1)
	s.publish(eventbus.TypeTaskDropped, now, qt.task, qt.key, queueDelay, 0, "stale_queue_delay")
	s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.key, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})
	if shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", qt.task.Name),
			logx.String("id", qt.task.ID),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", s.droppedStale.Load()),
		)
	}
}
