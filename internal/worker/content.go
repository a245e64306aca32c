package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"geo-content-pipeline/internal/config"
	"geo-content-pipeline/internal/generation"
	"geo-content-pipeline/internal/lock"
	"geo-content-pipeline/internal/models"
	"geo-content-pipeline/internal/telemetry"
)

// Quota gates calls to the generation provider.
type Quota interface {
	Allow(ctx context.Context) (bool, float64, error)
}

// ContentSettings are the generation-specific knobs of the content processor.
type ContentSettings struct {
	Language   string
	ItemDelay  time.Duration
	DeferDelay time.Duration
}

// Content generates page text for locations whose timezone is settled.
type Content struct {
	base
	locations Locations
	gen       generation.Generator
	chain     *generation.Chain
	quota     Quota
	settings  ContentSettings
}

// NewContent wires the content processor. A nil quota means no limit.
func NewContent(q Queue, locs Locations, locker lock.Locker, gen generation.Generator, chain *generation.Chain, quota Quota, settings ContentSettings, cfg config.ProcessorConfig, opts ...Option) *Content {
	if settings.Language == "" {
		settings.Language = "English"
	}
	if settings.DeferDelay <= 0 {
		settings.DeferDelay = time.Hour
	}
	return &Content{
		base:      newBase("content", q, locker, cfg, opts),
		locations: locs,
		gen:       gen,
		chain:     chain,
		quota:     quota,
		settings:  settings,
	}
}

// ProcessBatch generates content for one batch of ai_content items with a
// fixed pause between items.
func (c *Content) ProcessBatch(ctx context.Context) (Report, error) {
	return c.locked(ctx, func(ctx context.Context, budget Budget, rep *Report) {
		items, err := c.queue.GetPending(ctx, models.TypeAIContent, c.cfg.BatchSize)
		if err != nil {
			c.logger.Error("load pending items failed", "error", err)
			return
		}
		generated := false
		for _, item := range items {
			if budget.Exhausted() {
				rep.Stopped = true
				return
			}
			if generated && c.settings.ItemDelay > 0 {
				if err := c.sleep(ctx, c.settings.ItemDelay); err != nil {
					return
				}
			}
			if !c.claim(ctx, item) {
				continue
			}
			res := c.generate(ctx, item)
			c.settle(ctx, item, res, rep)
			if res.Outcome == OutcomeThrottled {
				rep.Stopped = true
				return
			}
			generated = res.Outcome == OutcomeOK || res.Outcome == OutcomeExternal
		}
	})
}

const (
	throttleBase = 30 * time.Second
	throttleMax  = 5 * time.Minute
)

func (c *Content) generate(ctx context.Context, item models.WorkItem) Result {
	var p models.AIContentPayload
	if err := decode(item, &p); err != nil {
		return ValidationError(err)
	}
	loc, err := c.locations.GetLocation(ctx, p.EntityID)
	if errors.Is(err, models.ErrEntityNotFound) {
		return Skipped(p.EntityID, "entity no longer exists")
	}
	if err != nil {
		return ExternalError(err)
	}
	if loc.Type != p.EntityType {
		return ValidationError(fmt.Errorf("%w: entity %s is a %s, not a %s", models.ErrInvalidPayload, loc.ID, loc.Type, p.EntityType))
	}
	if loc.ContentStatus == models.ContentDone {
		return Skipped(loc.ID, "content already generated")
	}
	if !loc.TimezoneStatus.Ready() {
		return NotReady(loc.ID, c.settings.DeferDelay)
	}

	if c.quota != nil {
		ok, left, err := c.quota.Allow(ctx)
		if err != nil || !ok {
			detail := fmt.Sprintf("generation quota exhausted (%.1f left)", left)
			if err != nil {
				detail = err.Error()
			}
			return Result{
				Outcome:  OutcomeThrottled,
				EntityID: loc.ID,
				Detail:   detail,
				Delay:    retryDelay(throttleBase, throttleMax, item.Attempts),
			}
		}
	}

	vars, err := c.vars(ctx, loc)
	if err != nil {
		return ExternalError(err)
	}
	out, err := c.chain.Run(ctx, c.gen, vars)
	if err != nil {
		telemetry.ExternalCalls.WithLabelValues("generation", "error").Inc()
		loc.ContentStatus = models.ContentError
		if uerr := c.locations.UpdateLocation(ctx, loc); uerr != nil {
			c.logger.Error("mark content error failed", "entity_id", loc.ID, "error", uerr)
		}
		return ExternalError(err)
	}
	telemetry.ExternalCalls.WithLabelValues("generation", "ok").Inc()

	loc.TranslatedName = out[generation.StepTranslatedName]
	loc.Title = firstNonEmpty(out[generation.StepTitle], loc.TranslatedName, loc.Name)
	loc.Slug = Slugify(firstNonEmpty(loc.TranslatedName, loc.Name))
	loc.Body = out[generation.StepBody]
	loc.SEOTitle = out[generation.StepSEOTitle]
	loc.SEODescription = out[generation.StepSEODescription]
	loc.Status = models.LocationPublished
	loc.ContentStatus = models.ContentDone
	if err := c.locations.UpdateLocation(ctx, loc); err != nil {
		return ExternalError(err)
	}
	return Ok(loc.ID)
}

// vars builds the template variables of the prompt chain from the location
// and its ancestors.
func (c *Content) vars(ctx context.Context, loc models.Location) (map[string]string, error) {
	vars := map[string]string{
		"language": c.settings.Language,
		"type":     string(loc.Type),
		"name":     loc.Name,
	}
	if loc.Type != models.EntityContinent {
		vars["timezone"] = loc.Timezone
	}
	if loc.Population != nil && *loc.Population > 0 {
		vars["population"] = strconv.FormatInt(*loc.Population, 10)
	}
	if loc.Latitude != nil && loc.Longitude != nil {
		vars["coordinates"] = fmt.Sprintf("%.4f, %.4f", *loc.Latitude, *loc.Longitude)
	}

	parentID := loc.ParentID
	for parentID != "" {
		parent, err := c.locations.GetLocation(ctx, parentID)
		if err != nil {
			return nil, fmt.Errorf("load parent of %s: %w", loc.ID, err)
		}
		vars[string(parent.Type)] = parent.Name
		parentID = parent.ParentID
	}
	return vars, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
