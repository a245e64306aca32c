package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"geo-content-pipeline/internal/config"
	"geo-content-pipeline/internal/lock"
	"geo-content-pipeline/internal/models"
	"geo-content-pipeline/internal/telemetry"
)

// Queue is the part of the work-item store the processors use.
type Queue interface {
	Add(ctx context.Context, itemType models.ItemType, payload any, sourceKey string) (string, error)
	HasItem(ctx context.Context, sourceKey string, statuses ...string) (bool, error)
	GetPending(ctx context.Context, itemType models.ItemType, limit int) ([]models.WorkItem, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	Release(ctx context.Context, id string, payload any, delay time.Duration) error
	// RequeueOrphans returns errored items of a type to pending once the
	// parent named in their last error exists.
	RequeueOrphans(ctx context.Context, itemType models.ItemType) (int64, error)
	// Expedite makes deferred pending items with the source key due now.
	Expedite(ctx context.Context, sourceKey string) (int64, error)
}

// Locations is the content store holding the hierarchy being built.
type Locations interface {
	FindLocation(ctx context.Context, naturalKey string) (models.Location, error)
	GetLocation(ctx context.Context, id string) (models.Location, error)
	CreateLocation(ctx context.Context, loc models.Location) (models.Location, bool, error)
	UpdateLocation(ctx context.Context, loc models.Location) error
}

// Processor runs one bounded batch of its item types per call.
type Processor interface {
	Name() string
	ProcessBatch(ctx context.Context) (Report, error)
}

// Report summarises a batch.
type Report struct {
	Processor string         `json:"processor"`
	Locked    bool           `json:"locked"`
	Stopped   bool           `json:"stopped"`
	Outcomes  map[string]int `json:"outcomes"`
	Duration  time.Duration  `json:"duration"`
}

func (r *Report) record(o Outcome) {
	if r.Outcomes == nil {
		r.Outcomes = map[string]int{}
	}
	r.Outcomes[o.String()]++
}

// Option tweaks a processor.
type Option func(*base)

// WithClock replaces the time source used for budgets.
func WithClock(now func() time.Time) Option {
	return func(b *base) { b.now = now }
}

// WithSleep replaces the sleeper used for inter-item delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(b *base) { b.sleep = sleep }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) { b.logger = l }
}

// base carries what every processor shares: the queue, its lock and the
// batch bounds.
type base struct {
	name   string
	queue  Queue
	locker lock.Locker
	cfg    config.ProcessorConfig
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func newBase(name string, q Queue, locker lock.Locker, cfg config.ProcessorConfig, opts []Option) base {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	b := base{
		name:   name,
		queue:  q,
		locker: locker,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(&b)
	}
	b.logger = b.logger.With("processor", name)
	return b
}

func (b *base) Name() string { return b.name }

// locked runs fn while holding the processor lock. A batch already in
// progress elsewhere makes it return immediately with Locked set.
func (b *base) locked(ctx context.Context, fn func(ctx context.Context, budget Budget, rep *Report)) (Report, error) {
	rep := Report{Processor: b.name}
	release, ok, err := b.locker.TryAcquire(ctx, b.name, b.cfg.LockTTL)
	if err != nil {
		return rep, fmt.Errorf("%s lock: %w", b.name, err)
	}
	if !ok {
		telemetry.LockContention.WithLabelValues(b.name).Inc()
		b.logger.Debug("batch already running, skipping")
		rep.Locked = true
		return rep, nil
	}
	defer release()

	start := b.now()
	fn(ctx, NewBudget(start, b.cfg.TimeBudget, b.now), &rep)
	rep.Duration = b.now().Sub(start)
	telemetry.BatchDuration.WithLabelValues(b.name).Observe(rep.Duration.Seconds())
	return rep, nil
}

// claim moves an item to processing; false means another run got it first.
func (b *base) claim(ctx context.Context, item models.WorkItem) bool {
	ok, err := b.queue.MarkProcessing(ctx, item.ID)
	if err != nil {
		b.logger.Error("claim item failed", "item_id", item.ID, "type", item.Type, "error", err)
		return false
	}
	return ok
}

// settle persists the result of one item. Store failures are logged only;
// the item stays in processing and ResetStuck recovers it.
func (b *base) settle(ctx context.Context, item models.WorkItem, res Result, rep *Report) {
	var err error
	switch res.Outcome {
	case OutcomeOK, OutcomeSkipped:
		err = b.queue.MarkDone(ctx, item.ID)
	case OutcomeNotReady, OutcomeYielded, OutcomeThrottled:
		payload := res.Payload
		if payload == nil {
			payload = item.Payload
		}
		err = b.queue.Release(ctx, item.ID, payload, res.Delay)
	default:
		err = b.queue.MarkFailed(ctx, item.ID, res.Detail)
	}
	rep.record(res.Outcome)
	telemetry.ItemsProcessed.WithLabelValues(b.name, string(item.Type), res.Outcome.String()).Inc()

	attrs := []any{"item_id", item.ID, "type", item.Type, "outcome", res.Outcome.String()}
	if res.EntityID != "" {
		attrs = append(attrs, "entity_id", res.EntityID)
	}
	if res.Detail != "" {
		attrs = append(attrs, "detail", res.Detail)
	}
	if err != nil {
		b.logger.Error("settle item failed", append(attrs, "error", err)...)
		return
	}
	if res.Outcome.Failed() {
		b.logger.Warn("item failed", attrs...)
		return
	}
	b.logger.Debug("item settled", attrs...)
}

// enqueueOnce adds an item unless one with the same key is already pending,
// processing or done.
func (b *base) enqueueOnce(ctx context.Context, itemType models.ItemType, key string, payload any) error {
	exists, err := b.queue.HasItem(ctx, key, models.StatusPending, models.StatusProcessing, models.StatusDone)
	if err != nil {
		return fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		return nil
	}
	if _, err := b.queue.Add(ctx, itemType, payload, key); err != nil {
		return fmt.Errorf("enqueue %s: %w", key, err)
	}
	telemetry.ItemsEnqueued.WithLabelValues(string(itemType)).Inc()
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
