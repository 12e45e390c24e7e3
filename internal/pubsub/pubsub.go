// Package pubsub is a rendezvous registry: a running payload blocks on a
// correlation key until an external caller publishes a payload for that key,
// or until a timeout fires.
package pubsub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"chronod/pkg/logx"
)

// NoSubscriberError is returned by Publish when nobody waits on the key: it
// never existed, was already satisfied or already timed out.
type NoSubscriberError struct {
	Key string
}

func (e *NoSubscriberError) Error() string {
	return "no subscriber waiting for key " + e.Key
}

// TimeoutError is returned by Subscribe when the timeout fires and no
// onTimeout payload was supplied.
type TimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return "timed out after " + e.Timeout.String() + " waiting for key " + e.Key
}

// Transform turns the published payload into the Subscribe result.
type Transform func(payload any) (any, error)

// handle is single-use: exactly one of publish, timeout or cancel completes it.
type handle struct {
	once sync.Once
	ch   chan delivery
}

type delivery struct {
	payload  any
	timedOut bool
	canceled bool
	dropped  bool
}

func newHandle() *handle { return &handle{ch: make(chan delivery, 1)} }

func (h *handle) complete(d delivery) bool {
	won := false
	h.once.Do(func() {
		h.ch <- d
		won = true
	})
	return won
}

// held is a payload published while a start was in flight and no waiter
// had registered for its key yet.
type held struct {
	payload any
	at      time.Time
}

const DefaultHoldWindow = time.Minute

type Option func(*Registry)

// WithHoldWindow bounds how long an early publish is kept for a waiter that
// has not registered yet.
func WithHoldWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.holdFor = d
		}
	}
}

type Registry struct {
	mu      sync.Mutex
	handles map[string]*handle
	held    map[string]held
	holds   int
	holdFor time.Duration
	now     func() time.Time
	log     logx.Logger
}

func New(log logx.Logger, opts ...Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		handles: map[string]*handle{},
		held:    map[string]held{},
		holdFor: DefaultHoldWindow,
		now:     time.Now,
		log:     log.With(logx.String("comp", "pubsub")),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Waiter is a registered, not yet satisfied subscription. Publishes that
// arrive between Register and Wait are kept for Wait.
type Waiter struct {
	r   *Registry
	key string
	h   *handle
}

func (w *Waiter) Key() string { return w.key }

// Register installs a waiter for key without blocking. A live waiter on the
// same key is replaced. A payload held for key is handed over at once.
func (r *Registry) Register(key string) (*Waiter, error) {
	if key == "" {
		return nil, errors.New("pubsub: empty key")
	}
	h := newHandle()

	r.mu.Lock()
	if e, ok := r.held[key]; ok {
		delete(r.held, key)
		r.mu.Unlock()
		h.complete(delivery{payload: e.payload})
		r.log.Debug("held payload claimed", logx.String("key", key))
		return &Waiter{r: r, key: key, h: h}, nil
	}
	if _, replaced := r.handles[key]; replaced {
		r.log.Debug("subscriber replaced", logx.String("key", key))
	}
	r.handles[key] = h
	r.mu.Unlock()
	return &Waiter{r: r, key: key, h: h}, nil
}

// Cancel drops the waiter. It reports false when a payload was already
// delivered, in which case Wait still returns it.
func (w *Waiter) Cancel() bool {
	w.r.release(w.key, w.h)
	return w.h.complete(delivery{dropped: true})
}

// Wait blocks until Publish, timeout or ctx cancellation. A timeout <= 0
// waits without limit.
//
// On timeout, onTimeout's payload is delivered through transform as if it had
// been published; with a nil onTimeout a *TimeoutError is returned.
func (w *Waiter) Wait(ctx context.Context, transform Transform, timeout time.Duration, onTimeout func() any) (any, error) {
	defer w.r.release(w.key, w.h)

	var timerC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timerC = t.C
	}

	var d delivery
	select {
	case d = <-w.h.ch:
	case <-timerC:
		var p any
		if onTimeout != nil {
			p = onTimeout()
		}
		w.h.complete(delivery{payload: p, timedOut: true})
		d = <-w.h.ch
	case <-ctx.Done():
		w.h.complete(delivery{canceled: true})
		d = <-w.h.ch
	}

	switch {
	case d.dropped:
		return nil, errors.Newf("pubsub: waiter for key %s was canceled", w.key)
	case d.canceled:
		return nil, errors.WithStack(ctx.Err())
	case d.timedOut:
		w.r.log.Debug("subscriber timed out", logx.String("key", w.key), logx.Duration("timeout", timeout))
		if onTimeout == nil {
			return nil, &TimeoutError{Key: w.key, Timeout: timeout}
		}
	}
	if transform == nil {
		return d.payload, nil
	}
	return transform(d.payload)
}

// Subscribe is Register followed by Wait.
// A second Subscribe on a live key replaces the first waiter's handle.
func (r *Registry) Subscribe(ctx context.Context, key string, transform Transform, timeout time.Duration, onTimeout func() any) (any, error) {
	w, err := r.Register(key)
	if err != nil {
		return nil, err
	}
	return w.Wait(ctx, transform, timeout, onTimeout)
}

// release drops key only if it still points at h (a replacement may own it).
func (r *Registry) release(key string, h *handle) {
	r.mu.Lock()
	if r.handles[key] == h {
		delete(r.handles, key)
	}
	r.mu.Unlock()
}

// Hold marks a downstream start in flight whose correlation key is not known
// yet. Until the returned func is called, Publish keeps payloads for unknown
// keys instead of refusing them. Unclaimed payloads are dropped once the last
// hold ends or after the hold window.
func (r *Registry) Hold() (done func()) {
	r.mu.Lock()
	r.holds++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.holds--
			var dropped []string
			if r.holds == 0 {
				for k := range r.held {
					dropped = append(dropped, k)
					delete(r.held, k)
				}
			}
			r.mu.Unlock()
			for _, k := range dropped {
				r.log.Warn("held payload never claimed", logx.String("key", k))
			}
		})
	}
}

// Publish wakes the waiter for key. It returns *NoSubscriberError when there is
// no live waiter, including one that lost a race with its own timeout, unless
// a Hold is open, in which case the payload is kept for a later Register.
func (r *Registry) Publish(key string, payload any) error {
	r.mu.Lock()
	h, ok := r.handles[key]
	if ok {
		delete(r.handles, key)
	} else if r.holds > 0 {
		if _, dup := r.held[key]; !dup {
			r.sweepHeldLocked()
			r.held[key] = held{payload: payload, at: r.now()}
			r.mu.Unlock()
			r.log.Debug("payload held for pending start", logx.String("key", key))
			return nil
		}
	}
	r.mu.Unlock()

	if !ok || !h.complete(delivery{payload: payload}) {
		return &NoSubscriberError{Key: key}
	}
	return nil
}

func (r *Registry) sweepHeldLocked() {
	cutoff := r.now().Add(-r.holdFor)
	for k, e := range r.held {
		if e.at.Before(cutoff) {
			delete(r.held, k)
		}
	}
}

// Unsubscribe removes key without waking its waiter.
func (r *Registry) Unsubscribe(key string) {
	r.mu.Lock()
	delete(r.handles, key)
	r.mu.Unlock()
}

// Pending returns the keys with a live waiter, sorted.
func (r *Registry) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.handles))
	for k := range r.handles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsNoSubscriber reports whether err is (or wraps) a *NoSubscriberError.
func IsNoSubscriber(err error) bool {
	var e *NoSubscriberError
	return errors.As(err, &e)
}
