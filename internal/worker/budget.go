package worker

import "time"

// Budget is the wall-clock allowance of one batch. It reports exhaustion a
// little before the deadline so the item in flight can still be settled.
type Budget struct {
	deadline time.Time
	margin   time.Duration
	now      func() time.Time
}

// NewBudget starts a budget of total at start. A zero total never runs out.
func NewBudget(start time.Time, total time.Duration, now func() time.Time) Budget {
	if total <= 0 {
		return Budget{now: now}
	}
	return Budget{deadline: start.Add(total), margin: total / 10, now: now}
}

// Remaining is the time left before the safety margin; negative once spent.
func (b Budget) Remaining() time.Duration {
	if b.deadline.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return b.deadline.Add(-b.margin).Sub(b.now())
}

// Exhausted reports whether no further item should be started.
func (b Budget) Exhausted() bool {
	return b.Remaining() <= 0
}
