// Package importer turns an operator's import request into the initial
// work items of the pipeline.
package importer

import (
	"context"
	"fmt"
	"log/slog"

	"geo-content-pipeline/internal/geodata"
	"geo-content-pipeline/internal/models"
	"geo-content-pipeline/internal/telemetry"
)

// Queue is the part of the work-item store the planner writes to.
type Queue interface {
	Add(ctx context.Context, itemType models.ItemType, payload any, sourceKey string) (string, error)
	HasItem(ctx context.Context, sourceKey string, statuses ...string) (bool, error)
}

// Resetter wipes locations and work items for an import that starts over.
type Resetter interface {
	DeleteLocations(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
}

// Plan reports what Start enqueued.
type Plan struct {
	Continents   []string `json:"continents"`
	Countries    []string `json:"countries"`
	Enqueued     int      `json:"enqueued"`
	Skipped      int      `json:"skipped"`
	ImportItemID string   `json:"importItemId,omitempty"`
	Deleted      int64    `json:"deleted"`
}

// Planner enqueues continent, country and cities_import items.
type Planner struct {
	queue     Queue
	reset     Resetter
	countries *geodata.CountryTable
	logger    *slog.Logger
}

func NewPlanner(q Queue, reset Resetter, countries *geodata.CountryTable, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{queue: q, reset: reset, countries: countries, logger: logger}
}

// Start enqueues the structure of an import. Items whose key is already
// pending, processing or done are not enqueued again.
func (p *Planner) Start(ctx context.Context, opts models.ImportOptions) (Plan, error) {
	var plan Plan
	if opts.ClearExisting() {
		// Done items would block re-creation through the dedup checks.
		if err := p.reset.Clear(ctx); err != nil {
			return plan, fmt.Errorf("clear work items: %w", err)
		}
		n, err := p.reset.DeleteLocations(ctx)
		if err != nil {
			return plan, fmt.Errorf("clear locations: %w", err)
		}
		plan.Deleted = n
		p.logger.Warn("existing locations and work items deleted", "locations", n)
	}

	countries, err := p.selectCountries(opts)
	if err != nil {
		return plan, err
	}

	continentSet := map[string]bool{}
	for _, c := range countries {
		continentSet[c.Continent] = true
	}
	for _, cont := range p.countries.Continents() {
		if !continentSet[cont.Code] {
			continue
		}
		payload := models.ContinentPayload{Name: cont.Name, Code: cont.Code}
		if err := p.enqueue(ctx, &plan, models.TypeContinent, payload, models.ContinentKey(cont.Code)); err != nil {
			return plan, err
		}
		plan.Continents = append(plan.Continents, cont.Code)
	}

	codes := make([]string, 0, len(countries))
	for _, c := range countries {
		payload := models.CountryPayload{Name: c.Name, ISOCode: c.ISO, ContinentCode: c.Continent, GeoID: c.GeoID}
		if err := p.enqueue(ctx, &plan, models.TypeCountry, payload, models.CountryKey(c.ISO)); err != nil {
			return plan, err
		}
		codes = append(codes, c.ISO)
	}
	plan.Countries = codes

	imp := models.CitiesImportPayload{
		FilePath:            opts.FilePath(),
		MinPopulation:       opts.MinPopulation(),
		MaxCitiesPerCountry: opts.MaxCitiesPerCountry(),
	}
	// No selection means the whole file; an explicit list filters the scan.
	if len(opts.Continents()) > 0 || len(opts.Countries()) > 0 {
		imp.FilteredCountryCodes = codes
	}
	key := models.CitiesImportKey(imp)
	exists, err := p.queue.HasItem(ctx, key, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return plan, fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		plan.Skipped++
	} else {
		id, err := p.queue.Add(ctx, models.TypeCitiesImport, imp, key)
		if err != nil {
			return plan, fmt.Errorf("enqueue cities import: %w", err)
		}
		telemetry.ItemsEnqueued.WithLabelValues(string(models.TypeCitiesImport)).Inc()
		plan.ImportItemID = id
		plan.Enqueued++
	}

	p.logger.Info("import planned",
		"continents", len(plan.Continents), "countries", len(plan.Countries),
		"enqueued", plan.Enqueued, "skipped", plan.Skipped, "file", opts.FilePath())
	return plan, nil
}

// selectCountries is the union of the explicit countries and the countries
// of the selected continents; no selection means every country.
func (p *Planner) selectCountries(opts models.ImportOptions) ([]geodata.Country, error) {
	continents, isos := opts.Continents(), opts.Countries()
	if len(continents) == 0 && len(isos) == 0 {
		return p.countries.Countries(), nil
	}

	picked := map[string]geodata.Country{}
	for _, code := range continents {
		if _, ok := p.countries.Continent(code); !ok {
			return nil, fmt.Errorf("%w: unknown continent %q", models.ErrInvalidPayload, code)
		}
		for _, c := range p.countries.CountriesIn(code) {
			picked[c.ISO] = c
		}
	}
	for _, iso := range isos {
		c, ok := p.countries.Country(iso)
		if !ok {
			return nil, fmt.Errorf("%w: unknown country %q", models.ErrInvalidPayload, iso)
		}
		picked[c.ISO] = c
	}

	out := make([]geodata.Country, 0, len(picked))
	for _, c := range p.countries.Countries() {
		if _, ok := picked[c.ISO]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (p *Planner) enqueue(ctx context.Context, plan *Plan, typ models.ItemType, payload any, key string) error {
	exists, err := p.queue.HasItem(ctx, key, models.StatusPending, models.StatusProcessing, models.StatusDone)
	if err != nil {
		return fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		plan.Skipped++
		return nil
	}
	if _, err := p.queue.Add(ctx, typ, payload, key); err != nil {
		return fmt.Errorf("enqueue %s: %w", key, err)
	}
	telemetry.ItemsEnqueued.WithLabelValues(string(typ)).Inc()
	plan.Enqueued++
	return nil
}
