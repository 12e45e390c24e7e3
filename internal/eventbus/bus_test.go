package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeJobAdded, Data: "j1"})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != TypeJobAdded || e.Time.IsZero() {
			t.Fatalf("got %+v, want job.added with time", e)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if e := <-ch; e.Type != "a" {
		t.Fatalf("first event = %q, want a", e.Type)
	}
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	// Publishing with no subscribers is a no-op.
	b.Publish(Event{Type: "c"})
}

func TestMatch(t *testing.T) {
	t.Parallel()
	cases := []struct {
		filter, typ string
		want        bool
	}{
		{"", TypeTaskStarted, true},
		{"*", TypeTaskStarted, true},
		{"task.*", TypeTaskStarted, true},
		{"task.*", TypeExecutionState, false},
		{"job.added, execution.state", TypeExecutionState, true},
		{"job.added", TypeJobRemoved, false},
	}
	for _, tc := range cases {
		if got := Match(tc.filter, tc.typ); got != tc.want {
			t.Fatalf("Match(%q, %q) = %v, want %v", tc.filter, tc.typ, got, tc.want)
		}
	}
}
