package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	only, unsubOnly := b.Subscribe(4, TypeThrottleExtended)
	defer unsubOnly()

	b.Publish(Event{Type: TypeRecipientOutcome})
	b.Publish(Event{Type: TypeThrottleExtended, Data: ThrottleExtended{RetryAfter: time.Second}})

	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", len(all))
	}
	if len(only) != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", len(only))
	}
	e := <-only
	if e.Time.IsZero() {
		t.Fatal("publish did not stamp time")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: TypeRecipientOutcome})
	}
	unsub()
	unsub()
	b.Publish(Event{Type: TypeRecipientOutcome})
}
