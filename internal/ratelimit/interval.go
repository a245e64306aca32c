// Package ratelimit spaces calls to external APIs.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Interval enforces a minimum gap between consecutive calls within one
// process. Wait returns only once the gap has passed since the previous Wait
// returned.
type Interval struct {
	mu    sync.Mutex
	gap   time.Duration
	last  time.Time
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewInterval creates a spacer with the given minimum gap.
func NewInterval(gap time.Duration) *Interval {
	return &Interval{gap: gap, now: time.Now, sleep: sleepCtx}
}

// WithClock replaces the time source and sleeper, for tests.
func (i *Interval) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Interval {
	i.now = now
	i.sleep = sleep
	return i
}

// Min returns the configured gap.
func (i *Interval) Min() time.Duration { return i.gap }

// Wait blocks until the next call is allowed or ctx is done.
func (i *Interval) Wait(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.last.IsZero() {
		if d := i.gap - i.now().Sub(i.last); d > 0 {
			if err := i.sleep(ctx, d); err != nil {
				return err
			}
		}
	}
	i.last = i.now()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
