package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"geo-content-pipeline/internal/config"
	"geo-content-pipeline/internal/geodata"
	"geo-content-pipeline/internal/lock"
	"geo-content-pipeline/internal/models"
)

const fallbackZone = "UTC"

// Fetcher makes a dataset available as a local file.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (string, error)
}

// Structure creates the continent, country and city records and fans out
// the follow-up timezone and content items.
type Structure struct {
	base
	locations  Locations
	countries  *geodata.CountryTable
	fetcher    Fetcher
	checkEvery int
}

// NewStructure wires the structure processor.
func NewStructure(q Queue, locs Locations, locker lock.Locker, countries *geodata.CountryTable, fetcher Fetcher, cfg config.ProcessorConfig, opts ...Option) *Structure {
	return &Structure{
		base:       newBase("structure", q, locker, cfg, opts),
		locations:  locs,
		countries:  countries,
		fetcher:    fetcher,
		checkEvery: 1000,
	}
}

// ProcessBatch handles continents, then countries, then at most one cities
// import pass, then cities, until the batch size or time budget runs out.
// Cities wait until no continent or country is left pending, and items that
// failed on a missing parent go back to pending once that parent exists.
func (s *Structure) ProcessBatch(ctx context.Context) (Report, error) {
	return s.locked(ctx, func(ctx context.Context, budget Budget, rep *Report) {
		if !s.drain(ctx, models.TypeContinent, budget, rep) {
			return
		}
		s.requeueOrphans(ctx, models.TypeCountry)
		if !s.drain(ctx, models.TypeCountry, budget, rep) {
			return
		}
		if s.parentsPending(ctx) {
			s.logger.Debug("cities wait for pending continents and countries")
			return
		}
		if !s.importCities(ctx, budget, rep) {
			return
		}
		s.requeueOrphans(ctx, models.TypeCity)
		s.drain(ctx, models.TypeCity, budget, rep)
	})
}

func (s *Structure) requeueOrphans(ctx context.Context, typ models.ItemType) {
	n, err := s.queue.RequeueOrphans(ctx, typ)
	if err != nil {
		s.logger.Error("requeue orphaned items failed", "type", typ, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("requeued items whose parent now exists", "type", typ, "count", n)
	}
}

// parentsPending reports whether a continent or country item is still due.
// A lookup error counts as pending so cities never run ahead of their parents.
func (s *Structure) parentsPending(ctx context.Context) bool {
	for _, typ := range []models.ItemType{models.TypeContinent, models.TypeCountry} {
		items, err := s.queue.GetPending(ctx, typ, 1)
		if err != nil {
			s.logger.Error("load pending items failed", "type", typ, "error", err)
			return true
		}
		if len(items) > 0 {
			return true
		}
	}
	return false
}

// drain processes one bounded batch of a type; false means the budget ran out.
func (s *Structure) drain(ctx context.Context, typ models.ItemType, budget Budget, rep *Report) bool {
	items, err := s.queue.GetPending(ctx, typ, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("load pending items failed", "type", typ, "error", err)
		return true
	}
	for _, item := range items {
		if budget.Exhausted() {
			rep.Stopped = true
			return false
		}
		if !s.claim(ctx, item) {
			continue
		}
		s.settle(ctx, item, s.process(ctx, item), rep)
	}
	return true
}

func (s *Structure) process(ctx context.Context, item models.WorkItem) Result {
	switch item.Type {
	case models.TypeContinent:
		return s.processContinent(ctx, item)
	case models.TypeCountry:
		return s.processCountry(ctx, item)
	case models.TypeCity:
		return s.processCity(ctx, item)
	}
	return ValidationError(fmt.Errorf("%w: structure cannot handle %s items", models.ErrInvalidPayload, item.Type))
}

func (s *Structure) processContinent(ctx context.Context, item models.WorkItem) Result {
	var p models.ContinentPayload
	if err := decode(item, &p); err != nil {
		return ValidationError(err)
	}
	return s.create(ctx, models.Location{
		Type:           models.EntityContinent,
		NaturalKey:     models.NaturalKey(models.EntityContinent, p.Code),
		Code:           p.Code,
		Name:           p.Name,
		TimezoneStatus: models.TimezoneResolved,
	}, "")
}

func (s *Structure) processCountry(ctx context.Context, item models.WorkItem) Result {
	var p models.CountryPayload
	if err := decode(item, &p); err != nil {
		return ValidationError(err)
	}
	key := models.NaturalKey(models.EntityCountry, p.ISOCode)
	if existing, err := s.locations.FindLocation(ctx, key); err == nil {
		return s.existing(ctx, existing)
	}

	parentKey := models.NaturalKey(models.EntityContinent, p.ContinentCode)
	parent, err := s.locations.FindLocation(ctx, parentKey)
	if errors.Is(err, models.ErrEntityNotFound) {
		return ParentNotFound(parentKey)
	}
	if err != nil {
		return ExternalError(err)
	}

	loc := models.Location{
		Type:       models.EntityCountry,
		ParentID:   parent.ID,
		NaturalKey: key,
		Code:       p.ISOCode,
		GeoID:      p.GeoID,
		Name:       p.Name,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
	}
	if loc.GeoID == 0 {
		if c, ok := s.countries.Country(p.ISOCode); ok {
			loc.GeoID = c.GeoID
		}
	}
	if tz, ok := s.countries.DefaultTimezone(p.ISOCode); ok {
		loc.Timezone, loc.TimezoneStatus = tz, models.TimezoneResolved
	} else {
		loc.Timezone, loc.TimezoneStatus = s.capitalZone(p.ISOCode), models.TimezoneFallback
	}
	return s.create(ctx, loc, parentKey)
}

func (s *Structure) processCity(ctx context.Context, item models.WorkItem) Result {
	var p models.CityPayload
	if err := decode(item, &p); err != nil {
		return ValidationError(err)
	}
	key := models.CityNaturalKey(p.GeoID)
	if existing, err := s.locations.FindLocation(ctx, key); err == nil {
		return s.existing(ctx, existing)
	}

	parentKey := models.NaturalKey(models.EntityCountry, p.CountryCode)
	parent, err := s.locations.FindLocation(ctx, parentKey)
	if errors.Is(err, models.ErrEntityNotFound) {
		return ParentNotFound(parentKey)
	}
	if err != nil {
		return ExternalError(err)
	}

	lat, lng := p.Latitude, p.Longitude
	loc := models.Location{
		Type:       models.EntityCity,
		ParentID:   parent.ID,
		NaturalKey: key,
		Code:       p.CountryCode,
		GeoID:      p.GeoID,
		Name:       p.Name,
		Latitude:   &lat,
		Longitude:  &lng,
		Population: p.Population,
	}
	loc.Timezone, loc.TimezoneStatus = s.cityZone(p)
	return s.create(ctx, loc, parentKey)
}

// cityZone applies the initial timezone rules for a city. Complex countries
// are left pending for a per-coordinate lookup.
func (s *Structure) cityZone(p models.CityPayload) (string, models.TimezoneStatus) {
	if s.countries.IsComplex(p.CountryCode) {
		return "", models.TimezonePending
	}
	if tz, ok := s.countries.DefaultTimezone(p.CountryCode); ok {
		return tz, models.TimezoneResolved
	}
	if p.Timezone != "" {
		return p.Timezone, models.TimezoneFallback
	}
	return fallbackZone, models.TimezoneFallback
}

func (s *Structure) capitalZone(iso string) string {
	if c, ok := s.countries.Country(iso); ok && c.Timezone != "" {
		return c.Timezone
	}
	return fallbackZone
}

func (s *Structure) create(ctx context.Context, loc models.Location, parentKey string) Result {
	loc.Title = loc.Name
	loc.Slug = Slugify(loc.Name)
	loc.Status = models.LocationDraft
	loc.ContentStatus = models.ContentPending

	created, isNew, err := s.locations.CreateLocation(ctx, loc)
	if errors.Is(err, models.ErrEntityNotFound) {
		return ParentNotFound(parentKey)
	}
	if err != nil {
		return ExternalError(err)
	}
	if !isNew {
		return s.existing(ctx, created)
	}
	if err := s.followUp(ctx, created); err != nil {
		return errorResult(err)
	}
	return Ok(created.ID)
}

// existing finishes an item whose entity is already there. The follow-up is
// re-checked in case an earlier run stopped between create and enqueue.
func (s *Structure) existing(ctx context.Context, loc models.Location) Result {
	if err := s.followUp(ctx, loc); err != nil {
		return errorResult(err)
	}
	return Skipped(loc.ID, "already exists")
}

// followUp enqueues the next stage of a location: a timezone lookup while
// its zone is pending, content generation otherwise.
func (s *Structure) followUp(ctx context.Context, loc models.Location) error {
	if loc.TimezoneStatus == models.TimezonePending {
		if loc.Latitude == nil || loc.Longitude == nil {
			return fmt.Errorf("%w: %s has no coordinates", models.ErrInvalidPayload, loc.NaturalKey)
		}
		return s.enqueueOnce(ctx, models.TypeTimezone, models.TimezoneKey(loc.ID), models.TimezonePayload{
			EntityID:  loc.ID,
			Latitude:  *loc.Latitude,
			Longitude: *loc.Longitude,
		})
	}
	if loc.ContentStatus == models.ContentDone {
		return nil
	}
	return s.enqueueOnce(ctx, models.TypeAIContent, models.AIContentKey(loc.Type, loc.ID), models.AIContentPayload{
		EntityID:   loc.ID,
		EntityType: loc.Type,
	})
}

// importCities runs one pass over the oldest pending cities import. False
// means the pass was cut short by the budget.
func (s *Structure) importCities(ctx context.Context, budget Budget, rep *Report) bool {
	items, err := s.queue.GetPending(ctx, models.TypeCitiesImport, 1)
	if err != nil {
		s.logger.Error("load pending imports failed", "error", err)
		return true
	}
	if len(items) == 0 {
		return true
	}
	if budget.Exhausted() {
		rep.Stopped = true
		return false
	}
	item := items[0]
	if !s.claim(ctx, item) {
		return true
	}
	res := s.scanImport(ctx, item, budget)
	s.settle(ctx, item, res, rep)
	if res.Outcome == OutcomeYielded {
		rep.Stopped = true
		return false
	}
	return true
}

func (s *Structure) scanImport(ctx context.Context, item models.WorkItem, budget Budget) Result {
	var p models.CitiesImportPayload
	if err := decode(item, &p); err != nil {
		return ValidationError(err)
	}
	path, err := s.fetcher.Fetch(ctx, p.FilePath)
	if err != nil {
		return ExternalError(err)
	}

	progress := models.ImportProgress{}
	if p.Progress != nil {
		progress = *p.Progress
	}
	filters := geodata.Filters{
		CountryCodes:        p.FilteredCountryCodes,
		MinPopulation:       p.MinPopulation,
		MaxCitiesPerCountry: p.MaxCitiesPerCountry,
		SkipLines:           progress.Line,
		CountryCounts:       progress.CountryCounts,
	}
	sc, err := geodata.Open(path, filters,
		geodata.WithYield(func() bool { return !budget.Exhausted() && ctx.Err() == nil }),
		geodata.WithCheckEvery(s.checkEvery))
	if err != nil {
		return ExternalError(err)
	}
	defer sc.Close()

	log := s.logger.With("item_id", item.ID, "file", p.FilePath)
	enqueued := 0
	for sc.Next() {
		city := sc.City()
		if err := s.enqueueOnce(ctx, models.TypeCity, models.CityKey(city.GeoID), cityPayload(city)); err != nil {
			// Resume on this record next time.
			counts := sc.Counts()
			counts[city.CountryCode]--
			p.Progress = &models.ImportProgress{Line: sc.Line() - 1, CountryCounts: counts, Enqueued: progress.Enqueued + enqueued}
			log.Error("enqueue city failed, releasing import", "line", sc.Line(), "error", err)
			return Result{Outcome: OutcomeYielded, Detail: err.Error(), Payload: p, Delay: time.Minute}
		}
		enqueued++
	}

	stats := sc.Stats()
	err = sc.Err()
	switch {
	case errors.Is(err, geodata.ErrStopped):
		p.Progress = &models.ImportProgress{Line: sc.Line(), CountryCounts: sc.Counts(), Enqueued: progress.Enqueued + enqueued}
		log.Info("import pass paused", "line", sc.Line(), "enqueued", enqueued)
		return Result{Outcome: OutcomeYielded, Payload: p}
	case err != nil:
		return ExternalError(err)
	}
	log.Info("import finished",
		slog.Int("lines", sc.Line()),
		slog.Int("enqueued", progress.Enqueued+enqueued),
		slog.Int("malformed", stats.Malformed),
		slog.Int("skipped_population", stats.SkippedPopulation),
		slog.Int("skipped_cap", stats.SkippedCap))
	return Ok("")
}

func cityPayload(c geodata.City) models.CityPayload {
	p := models.CityPayload{
		Name:        c.Name,
		CountryCode: c.CountryCode,
		GeoID:       c.GeoID,
		Latitude:    c.Latitude,
		Longitude:   c.Longitude,
		Timezone:    c.Timezone,
	}
	if c.Population > 0 {
		pop := c.Population
		p.Population = &pop
	}
	return p
}

type validator interface{ Validate() error }

// decode fills dst from the item payload and validates it.
func decode(item models.WorkItem, dst validator) error {
	if err := models.DecodePayload(item, dst); err != nil {
		return err
	}
	return dst.Validate()
}
