package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"chronod/pkg/logx"
)

// waitPending blocks until key has a live waiter.
func waitPending(t *testing.T, r *Registry, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, k := range r.Pending() {
			if k == key {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("key %q never became pending", key)
}

func TestPublishWithoutSubscriber(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	err := r.Publish("nobody", 1)
	if !IsNoSubscriber(err) {
		t.Fatalf("Publish() = %v, want NoSubscriberError", err)
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := r.Subscribe(context.Background(), "k1", func(p any) (any, error) {
			return p.(string) + "!", nil
		}, time.Minute, nil)
		done <- result{v, err}
	}()
	waitPending(t, r, "k1")

	if err := r.Publish("k1", "hello"); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	got := <-done
	if got.err != nil || got.v != "hello!" {
		t.Fatalf("Subscribe() = %v, %v, want hello!", got.v, got.err)
	}

	// Handle is single-use.
	if err := r.Publish("k1", "again"); !IsNoSubscriber(err) {
		t.Fatalf("second Publish() = %v, want NoSubscriberError", err)
	}
	if n := len(r.Pending()); n != 0 {
		t.Fatalf("Pending() len = %d, want 0", n)
	}
}

func TestTimeoutDeliversOnTimeoutPayload(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())

	v, err := r.Subscribe(context.Background(), "k", func(p any) (any, error) {
		m := p.(map[string]any)
		if m["errored"] == true {
			return nil, errors.New("downstream timed out")
		}
		return m, nil
	}, 10*time.Millisecond, func() any {
		return map[string]any{"errored": true}
	})
	if err == nil || v != nil {
		t.Fatalf("Subscribe() = %v, %v, want transform error", v, err)
	}

	// Late publish after the timeout finds no subscriber.
	if err := r.Publish("k", "late"); !IsNoSubscriber(err) {
		t.Fatalf("late Publish() = %v, want NoSubscriberError", err)
	}
}

func TestTimeoutWithoutFallback(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	_, err := r.Subscribe(context.Background(), "k", nil, 5*time.Millisecond, nil)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Subscribe() = %v, want TimeoutError", err)
	}
}

func TestContextCancel(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.Subscribe(ctx, "k", nil, 0, nil)
		errc <- err
	}()
	waitPending(t, r, "k")
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Subscribe() = %v, want context.Canceled", err)
	}
	if err := r.Publish("k", 1); !IsNoSubscriber(err) {
		t.Fatalf("Publish() after cancel = %v, want NoSubscriberError", err)
	}
}

func TestSecondSubscribeReplacesFirst(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())

	first := make(chan error, 1)
	go func() {
		_, err := r.Subscribe(context.Background(), "k", nil, 300*time.Millisecond, nil)
		first <- err
	}()
	waitPending(t, r, "k")
	r.mu.Lock()
	firstHandle := r.handles["k"]
	r.mu.Unlock()

	second := make(chan any, 1)
	go func() {
		v, _ := r.Subscribe(context.Background(), "k", nil, time.Minute, nil)
		second <- v
	}()
	for replaced := false; !replaced; {
		r.mu.Lock()
		h := r.handles["k"]
		r.mu.Unlock()
		replaced = h != nil && h != firstHandle
		time.Sleep(time.Millisecond)
	}

	if err := r.Publish("k", "payload"); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	if v := <-second; v != "payload" {
		t.Fatalf("second subscriber got %v, want payload", v)
	}
	var te *TimeoutError
	if err := <-first; !errors.As(err, &te) {
		t.Fatalf("first subscriber = %v, want its own timeout", err)
	}
}

func TestUnsubscribeDoesNotWake(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	errc := make(chan error, 1)
	go func() {
		_, err := r.Subscribe(context.Background(), "k", nil, 30*time.Millisecond, nil)
		errc <- err
	}()
	waitPending(t, r, "k")
	r.Unsubscribe("k")
	if err := r.Publish("k", 1); !IsNoSubscriber(err) {
		t.Fatalf("Publish() after Unsubscribe = %v", err)
	}
	var te *TimeoutError
	if err := <-errc; !errors.As(err, &te) {
		t.Fatalf("Subscribe() = %v, want timeout", err)
	}
}

func TestPublishTimeoutRaceDeliversOnce(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())

	for i := 0; i < 50; i++ {
		var delivered atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Subscribe(context.Background(), "race", func(p any) (any, error) {
				delivered.Add(1)
				return p, nil
			}, 2*time.Millisecond, func() any { return "timeout" })
		}()
		time.Sleep(2 * time.Millisecond)
		// Either side may win; the waiter must still see exactly one delivery.
		_ = r.Publish("race", "publish")
		wg.Wait()

		if got := delivered.Load(); got != 1 {
			t.Fatalf("iteration %d: transform ran %d times, want 1", i, got)
		}
	}
}

func TestRegisterKeepsEarlyPublish(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())

	w, err := r.Register("exec-1")
	if err != nil {
		t.Fatalf("Register() = %v", err)
	}
	// Delivered before anyone blocks on it.
	if err := r.Publish("exec-1", "early"); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
	v, err := w.Wait(context.Background(), nil, time.Second, nil)
	if err != nil || v != "early" {
		t.Fatalf("Wait() = %v, %v, want early", v, err)
	}
	if err := r.Publish("exec-1", "again"); !IsNoSubscriber(err) {
		t.Fatalf("second Publish() = %v, want NoSubscriberError", err)
	}
}

func TestWaiterCancel(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())

	w, _ := r.Register("k")
	if !w.Cancel() {
		t.Fatal("Cancel() = false on an unsatisfied waiter")
	}
	if err := r.Publish("k", 1); !IsNoSubscriber(err) {
		t.Fatalf("Publish() after Cancel = %v, want NoSubscriberError", err)
	}
	if _, err := w.Wait(context.Background(), nil, time.Second, nil); err == nil {
		t.Fatal("Wait() after Cancel = nil error")
	}

	w2, _ := r.Register("k2")
	_ = r.Publish("k2", "got")
	if w2.Cancel() {
		t.Fatal("Cancel() = true after delivery")
	}
	if v, err := w2.Wait(context.Background(), nil, time.Second, nil); err != nil || v != "got" {
		t.Fatalf("Wait() = %v, %v, want got", v, err)
	}
}

func TestHoldParksUnknownKeys(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())

	done := r.Hold()
	if err := r.Publish("downstream-7", "early"); err != nil {
		t.Fatalf("Publish() during hold = %v", err)
	}
	// Only one payload per held key.
	if err := r.Publish("downstream-7", "dup"); !IsNoSubscriber(err) {
		t.Fatalf("duplicate Publish() = %v, want NoSubscriberError", err)
	}
	w, err := r.Register("downstream-7")
	if err != nil {
		t.Fatalf("Register() = %v", err)
	}
	done()
	if v, err := w.Wait(context.Background(), nil, time.Second, nil); err != nil || v != "early" {
		t.Fatalf("Wait() = %v, %v, want early", v, err)
	}

	// Unclaimed payloads go away with the last hold.
	done = r.Hold()
	_ = r.Publish("stray", 1)
	done()
	done()
	if err := r.Publish("stray", 2); !IsNoSubscriber(err) {
		t.Fatalf("Publish() after hold = %v, want NoSubscriberError", err)
	}
	w, _ = r.Register("stray")
	if _, err := w.Wait(context.Background(), nil, 5*time.Millisecond, nil); err == nil {
		t.Fatal("stray payload survived the hold")
	}
}

func TestHoldWindowExpires(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop(), WithHoldWindow(time.Second))
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	done := r.Hold()
	defer done()
	_ = r.Publish("old", 1)
	now = now.Add(2 * time.Second)
	_ = r.Publish("new", 2)

	r.mu.Lock()
	_, oldKept := r.held["old"]
	_, newKept := r.held["new"]
	r.mu.Unlock()
	if oldKept || !newKept {
		t.Fatalf("held old=%v new=%v, want old swept and new kept", oldKept, newKept)
	}
}

func TestConcurrentPublishesWakeOnce(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())

	for i := 0; i < 100; i++ {
		var transforms atomic.Int32
		got := make(chan any, 1)
		go func() {
			v, _ := r.Subscribe(context.Background(), "k", func(p any) (any, error) {
				transforms.Add(1)
				return p, nil
			}, time.Minute, nil)
			got <- v
		}()
		waitPending(t, r, "k")

		start := make(chan struct{})
		errs := make(chan error, 2)
		var wg sync.WaitGroup
		for _, p := range []string{"a", "b"} {
			wg.Add(1)
			go func(p string) {
				defer wg.Done()
				<-start
				errs <- r.Publish("k", p)
			}(p)
		}
		close(start)
		wg.Wait()
		close(errs)

		var ok, missed int
		for err := range errs {
			switch {
			case err == nil:
				ok++
			case IsNoSubscriber(err):
				missed++
			default:
				t.Fatalf("iteration %d: Publish() = %v", i, err)
			}
		}
		if ok != 1 || missed != 1 {
			t.Fatalf("iteration %d: ok=%d missed=%d, want 1 and 1", i, ok, missed)
		}
		if v := <-got; v != "a" && v != "b" {
			t.Fatalf("iteration %d: waiter got %v", i, v)
		}
		if n := transforms.Load(); n != 1 {
			t.Fatalf("iteration %d: transform ran %d times, want 1", i, n)
		}
	}
}
