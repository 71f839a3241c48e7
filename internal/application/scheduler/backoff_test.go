package scheduler

import (
	"testing"
	"time"
)

func TestBackoff_DoublesAndClampsAtMax(t *testing.T) {
	b := NewBackoff(1*time.Second, 5*time.Second, 0)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}
	for i, expected := range want {
		if got := b.Next(); got != expected {
			t.Fatalf("interval %d = %s, want %s", i, got, expected)
		}
	}
	if got := b.Elapsed(); got != 17*time.Second {
		t.Fatalf("Elapsed() = %s, want 17s", got)
	}
}

func TestBackoff_CeilingReached(t *testing.T) {
	b := NewBackoff(1*time.Second, 1*time.Second, 2*time.Second)

	if b.CeilingReached() {
		t.Fatal("fresh schedule must not report ceiling reached")
	}
	b.Next()
	if b.CeilingReached() {
		t.Fatal("ceiling reached after 1s of a 2s budget")
	}
	b.Next()
	if !b.CeilingReached() {
		t.Fatal("ceiling not reached after consuming the full budget")
	}
}

func TestBackoff_SeedElapsedChargesTheCeiling(t *testing.T) {
	b := NewBackoff(1*time.Second, 1*time.Second, 10*time.Second)

	b.SeedElapsed(9 * time.Second)
	if b.CeilingReached() {
		t.Fatal("9s of a 10s budget must not trip the ceiling")
	}
	b.Next()
	if !b.CeilingReached() {
		t.Fatal("seeded time plus one interval must exhaust the budget")
	}

	b = NewBackoff(1*time.Second, 1*time.Second, 10*time.Second)
	b.SeedElapsed(-time.Minute)
	if b.Elapsed() != 0 {
		t.Fatalf("negative seed must be ignored, elapsed = %s", b.Elapsed())
	}

	b.SeedElapsed(time.Hour)
	if !b.CeilingReached() {
		t.Fatal("a seed past the ceiling must trip immediately")
	}
}

func TestBackoff_ZeroCeilingNeverTrips(t *testing.T) {
	b := NewBackoff(time.Minute, time.Minute, 0)
	for i := 0; i < 100; i++ {
		b.Next()
	}
	if b.CeilingReached() {
		t.Fatal("zero ceiling must disable the elapsed budget")
	}
}

func TestBackoff_DefendsDegenerateBounds(t *testing.T) {
	b := NewBackoff(0, -1, 0)
	if got := b.Next(); got != time.Second {
		t.Fatalf("non-positive min: first interval = %s, want 1s", got)
	}
	if got := b.Next(); got != time.Second {
		t.Fatalf("max below min must clamp to min, got %s", got)
	}
}
