package eventbus

import (
	"testing"
)

func TestPublishFiltersByPrefix(t *testing.T) {
	b := New()
	timers, unsubT := b.Subscribe(4, "timer.")
	defer unsubT()
	all, unsubA := b.Subscribe(4)
	defer unsubA()

	b.Publish(Event{Type: "timer.complete"})
	b.Publish(Event{Type: "persist.flush"})

	if got := len(timers); got != 1 {
		t.Fatalf("timer subscriber got %d events, want 1", got)
	}
	if got := len(all); got != 2 {
		t.Fatalf("catch-all subscriber got %d events, want 2", got)
	}
	e := <-timers
	if e.Type != "timer.complete" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "timer.tick"})
	}
	if len(ch) != 1 {
		t.Fatalf("buffered = %d, want 1", len(ch))
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "timer.tick"})
}
