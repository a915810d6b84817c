package eventbus

import (
	"testing"
)

func TestPublishFansOutByPrefix(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	sched, unsubSched := b.Subscribe(4, "schedule.")
	defer unsubSched()

	b.Publish(Event{Type: "schedule.created", Data: "a"})
	b.Publish(Event{Type: "viewer.transition"})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber: got %d events, want 2", got)
	}
	if got := len(sched); got != 1 {
		t.Fatalf("prefix subscriber: got %d events, want 1", got)
	}
	ev := <-sched
	if ev.Type != "schedule.created" || ev.Time.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "x"})
	}
	if d := b.(Dropper).Dropped(); d != 4 {
		t.Fatalf("dropped: got %d want 4", d)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
