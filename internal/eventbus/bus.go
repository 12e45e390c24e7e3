// Package eventbus is an in-process, non-blocking fanout of small events.
// Publish never blocks: a subscriber whose buffer is full misses the event.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by chronod components.
const (
	TypeJobAdded    = "job.added"
	TypeJobModified = "job.modified"
	TypeJobRemoved  = "job.removed"
	TypeJobPaused   = "job.paused"
	TypeJobResumed  = "job.resumed"

	TypeJobSkipped     = "scheduler.skipped"
	TypeExecutionState = "execution.state"

	TypeTaskStarted  = "task.started"
	TypeTaskFinished = "task.finished"
	TypeTaskFailed   = "task.failed"
	TypeTaskDropped  = "task.dropped"
	TypeTaskSkipped  = "task.skipped"

	TypeConfigReloaded = "config.reloaded"
)

type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch      chan Event
	dropped atomic.Uint64
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Send under the read lock so unsubscribe (write lock) never closes a
	// channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Match reports whether typ is selected by filter: a comma-separated list of
// exact types or "prefix.*" patterns. An empty filter matches everything.
func Match(filter, typ string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return true
	}
	for _, f := range strings.Split(filter, ",") {
		f = strings.TrimSpace(f)
		switch {
		case f == "" || f == "*":
			return true
		case strings.HasSuffix(f, ".*"):
			if strings.HasPrefix(typ, strings.TrimSuffix(f, "*")) {
				return true
			}
		case f == typ:
			return true
		}
	}
	return false
}
