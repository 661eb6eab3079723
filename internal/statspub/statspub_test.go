package statspub

import (
	"testing"
	"time"
)

func TestPublishAppendsAndNotifiesSubscribers(t *testing.T) {
	b := NewBuffer(4)
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Set("/live", 3, 5, 128.0)

	select {
	case ev := <-ch:
		if ev.Mount != "/live" || ev.Listeners != 3 || ev.Peak != 5 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to receive published event")
	}

	recent := b.Recent(10)
	if len(recent) != 1 {
		t.Fatalf("Recent = %d entries, want 1", len(recent))
	}
}

func TestBufferCapsAtMaxSize(t *testing.T) {
	b := NewBuffer(2)
	b.Set("/a", 1, 1, 1)
	b.Set("/b", 2, 2, 2)
	b.Set("/c", 3, 3, 3)

	recent := b.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("Recent = %d entries, want 2 (capped)", len(recent))
	}
	if recent[0].Mount != "/b" || recent[1].Mount != "/c" {
		t.Fatalf("unexpected eviction order: %+v", recent)
	}
}

func TestDisablePublishesDisabledEvent(t *testing.T) {
	b := NewBuffer(4)
	b.Set("/live", 1, 1, 64)
	b.Disable("/live")

	recent := b.Recent(2)
	if len(recent) != 2 || !recent[1].Disabled {
		t.Fatalf("expected last event to be Disabled: %+v", recent)
	}
}
