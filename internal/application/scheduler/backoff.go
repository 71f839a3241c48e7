package scheduler

import "time"

// Backoff is the explicit polling schedule: interval, elapsed and
// ceiling are first-class fields so the ceiling-reached branch is a
// testable transition, not an implicit timeout.
type Backoff struct {
	min     time.Duration
	max     time.Duration
	ceiling time.Duration
	next    time.Duration
	elapsed time.Duration
}

// NewBackoff builds a schedule doubling from min to max with a total
// elapsed-time ceiling
func NewBackoff(min, max, ceiling time.Duration) *Backoff {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	return &Backoff{min: min, max: max, ceiling: ceiling, next: min}
}

// Next returns the interval to wait before the next poll and advances
// the schedule
func (b *Backoff) Next() time.Duration {
	interval := b.next
	b.elapsed += interval
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return interval
}

// Elapsed returns the total waiting time consumed so far
func (b *Backoff) Elapsed() time.Duration { return b.elapsed }

// SeedElapsed charges already-spent wall-clock time against the
// ceiling, so a restarted process resumes the budget instead of
// starting a fresh one
func (b *Backoff) SeedElapsed(d time.Duration) {
	if d > 0 {
		b.elapsed = d
	}
}

// CeilingReached reports whether the next wait would exceed the ceiling
func (b *Backoff) CeilingReached() bool {
	return b.ceiling > 0 && b.elapsed >= b.ceiling
}
