package risk

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCountersWindows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCounters().WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.Observe(ctx, "fp-1"); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}

	short, long, err := c.Counts(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if short != 3 || long != 3 {
		t.Errorf("counts = (%d, %d), want (3, 3)", short, long)
	}

	// 11 minutes on: out of the short window, still in the long one.
	now = now.Add(11 * time.Minute)
	short, long, _ = c.Counts(ctx, "fp-1")
	if short != 0 || long != 3 {
		t.Errorf("counts after 11m = (%d, %d), want (0, 3)", short, long)
	}

	// 25 hours on: gone entirely.
	now = now.Add(25 * time.Hour)
	short, long, _ = c.Counts(ctx, "fp-1")
	if short != 0 || long != 0 {
		t.Errorf("counts after 25h = (%d, %d), want (0, 0)", short, long)
	}
}

func TestMemoryCountersIsolation(t *testing.T) {
	c := NewMemoryCounters()
	ctx := context.Background()

	_ = c.Observe(ctx, "fp-a")
	_ = c.Observe(ctx, "fp-a")
	_ = c.Observe(ctx, "fp-b")

	shortA, _, _ := c.Counts(ctx, "fp-a")
	shortB, _, _ := c.Counts(ctx, "fp-b")
	if shortA != 2 || shortB != 1 {
		t.Errorf("counts = (%d, %d), want (2, 1)", shortA, shortB)
	}
}
