package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"geo-content-pipeline/internal/models"
	"geo-content-pipeline/internal/telemetry"
)

// Maintainer is the housekeeping side of the work-item store.
type Maintainer interface {
	ResetStuck(ctx context.Context, timeout time.Duration) (int64, error)
	Stats(ctx context.Context) (models.Stats, error)
}

type scheduled struct {
	proc  Processor
	every time.Duration
}

// Scheduler calls each processor's ProcessBatch on its own ticker and
// periodically resets stuck items. Processors of different kinds may run
// at the same time; each guards itself with its own lock.
type Scheduler struct {
	store         Maintainer
	stuckTimeout  time.Duration
	resetInterval time.Duration
	logger        *slog.Logger

	mu    sync.Mutex
	procs []scheduled
}

// NewScheduler creates a scheduler with no processors.
func NewScheduler(store Maintainer, stuckTimeout, resetInterval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:         store,
		stuckTimeout:  stuckTimeout,
		resetInterval: resetInterval,
		logger:        logger.With("component", "scheduler"),
	}
}

// Register adds a processor run every interval.
func (s *Scheduler) Register(p Processor, every time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs = append(s.procs, scheduled{proc: p, every: every})
}

// Processors returns the registered processor names in registration order.
func (s *Scheduler) Processors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.procs))
	for _, sp := range s.procs {
		names = append(names, sp.proc.Name())
	}
	return names
}

// RunOnce runs a single batch of the named processor.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (Report, error) {
	s.mu.Lock()
	var proc Processor
	for _, sp := range s.procs {
		if sp.proc.Name() == name {
			proc = sp.proc
		}
	}
	s.mu.Unlock()
	if proc == nil {
		return Report{}, fmt.Errorf("unknown processor %q", name)
	}
	return proc.ProcessBatch(ctx)
}

// ResetStuck returns stuck items to pending and refreshes the queue gauge.
func (s *Scheduler) ResetStuck(ctx context.Context) (int64, error) {
	n, err := s.store.ResetStuck(ctx, s.stuckTimeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.ItemsReset.Add(float64(n))
		s.logger.Warn("reset stuck items", "count", n, "timeout", s.stuckTimeout)
	}
	if stats, err := s.store.Stats(ctx); err == nil {
		telemetry.SetQueue(stats.Counts)
	}
	return n, nil
}

// Run starts every ticker and blocks until ctx is cancelled. Each processor
// also runs once immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	procs := append([]scheduled(nil), s.procs...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sp := range procs {
		wg.Add(1)
		go func(sp scheduled) {
			defer wg.Done()
			s.loop(ctx, sp.every, func(ctx context.Context) {
				rep, err := sp.proc.ProcessBatch(ctx)
				if err != nil {
					s.logger.Error("batch failed", "processor", sp.proc.Name(), "error", err)
					return
				}
				if len(rep.Outcomes) > 0 {
					s.logger.Info("batch finished", "processor", rep.Processor, "outcomes", rep.Outcomes,
						"stopped", rep.Stopped, "duration", rep.Duration)
				}
			})
		}(sp)
	}
	if s.resetInterval > 0 && s.stuckTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, s.resetInterval, func(ctx context.Context) {
				if _, err := s.ResetStuck(ctx); err != nil {
					s.logger.Error("reset stuck failed", "error", err)
				}
			})
		}()
	}

	s.logger.Info("scheduler started", "processors", len(procs))
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
