package worker

import (
	"context"
	"errors"

	"geo-content-pipeline/internal/config"
	"geo-content-pipeline/internal/lock"
	"geo-content-pipeline/internal/models"
	"geo-content-pipeline/internal/ratelimit"
	"geo-content-pipeline/internal/telemetry"
	"geo-content-pipeline/internal/timezone"
)

// Resolver looks a zone up by position.
type Resolver interface {
	Lookup(ctx context.Context, lat, lng float64) (string, error)
}

// Timezone resolves pending city zones through a rate-limited API.
type Timezone struct {
	base
	locations Locations
	resolver  Resolver
	spacing   *ratelimit.Interval
	cache     *timezone.CellCache
}

// NewTimezone wires the timezone processor. A nil cache disables it.
func NewTimezone(q Queue, locs Locations, locker lock.Locker, resolver Resolver, spacing *ratelimit.Interval, cache *timezone.CellCache, cfg config.ProcessorConfig, opts ...Option) *Timezone {
	if spacing == nil {
		spacing = ratelimit.NewInterval(0)
	}
	return &Timezone{
		base:      newBase("timezone", q, locker, cfg, opts),
		locations: locs,
		resolver:  resolver,
		spacing:   spacing,
		cache:     cache,
	}
}

// batchSize keeps batchSize * spacing inside the time budget.
func (t *Timezone) batchSize() int {
	n := t.cfg.BatchSize
	if gap := t.spacing.Min(); gap > 0 && t.cfg.TimeBudget > 0 {
		if fit := int(t.cfg.TimeBudget / gap); fit < n {
			n = fit
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

// ProcessBatch resolves one batch of timezone items, calling the API at
// most once per spacing interval.
func (t *Timezone) ProcessBatch(ctx context.Context) (Report, error) {
	return t.locked(ctx, func(ctx context.Context, budget Budget, rep *Report) {
		items, err := t.queue.GetPending(ctx, models.TypeTimezone, t.batchSize())
		if err != nil {
			t.logger.Error("load pending items failed", "error", err)
			return
		}
		for _, item := range items {
			if budget.Exhausted() {
				rep.Stopped = true
				return
			}
			if !t.claim(ctx, item) {
				continue
			}
			t.settle(ctx, item, t.resolve(ctx, item), rep)
		}
	})
}

func (t *Timezone) resolve(ctx context.Context, item models.WorkItem) Result {
	var p models.TimezonePayload
	if err := decode(item, &p); err != nil {
		return ValidationError(err)
	}
	loc, err := t.locations.GetLocation(ctx, p.EntityID)
	if errors.Is(err, models.ErrEntityNotFound) {
		return Skipped(p.EntityID, "entity no longer exists")
	}
	if err != nil {
		return ExternalError(err)
	}
	if loc.TimezoneStatus != models.TimezonePending {
		return Skipped(loc.ID, "timezone already "+string(loc.TimezoneStatus))
	}

	zone, hit := t.cache.Get(p.Latitude, p.Longitude)
	if !hit {
		if err := t.spacing.Wait(ctx); err != nil {
			return ExternalError(err)
		}
		zone, err = t.resolver.Lookup(ctx, p.Latitude, p.Longitude)
		if err != nil {
			telemetry.ExternalCalls.WithLabelValues("timezone", "error").Inc()
			return ExternalError(err)
		}
		telemetry.ExternalCalls.WithLabelValues("timezone", "ok").Inc()
		t.cache.Put(p.Latitude, p.Longitude, zone)
	}

	loc.Timezone = zone
	loc.TimezoneStatus = models.TimezoneResolved
	if err := t.locations.UpdateLocation(ctx, loc); err != nil {
		return ExternalError(err)
	}
	if loc.ContentStatus != models.ContentDone {
		key := models.AIContentKey(loc.Type, loc.ID)
		err := t.enqueueOnce(ctx, models.TypeAIContent, key, models.AIContentPayload{
			EntityID:   loc.ID,
			EntityType: loc.Type,
		})
		if err != nil {
			return ExternalError(err)
		}
		// A content item deferred while the zone was pending can run now.
		if _, err := t.queue.Expedite(ctx, key); err != nil {
			return ExternalError(err)
		}
	}
	res := Ok(loc.ID)
	if hit {
		res.Detail = "cell cache hit"
	}
	return res
}
