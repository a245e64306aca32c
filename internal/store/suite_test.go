package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geo-content-pipeline/internal/models"
)

// itemStore is the surface shared by Store and Memory.
type itemStore interface {
	Add(ctx context.Context, itemType models.ItemType, payload any, sourceKey string) (string, error)
	HasItem(ctx context.Context, sourceKey string, statuses ...string) (bool, error)
	Get(ctx context.Context, id string) (models.WorkItem, error)
	GetPending(ctx context.Context, itemType models.ItemType, limit int) ([]models.WorkItem, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
	Release(ctx context.Context, id string, payload any, delay time.Duration) error
	ResetStuck(ctx context.Context, timeout time.Duration) (int64, error)
	RetryFailed(ctx context.Context) (int64, error)
	RequeueOrphans(ctx context.Context, itemType models.ItemType) (int64, error)
	Expedite(ctx context.Context, sourceKey string) (int64, error)
	Stats(ctx context.Context) (models.Stats, error)
	Clear(ctx context.Context) error

	FindLocation(ctx context.Context, naturalKey string) (models.Location, error)
	GetLocation(ctx context.Context, id string) (models.Location, error)
	CreateLocation(ctx context.Context, loc models.Location) (models.Location, bool, error)
	UpdateLocation(ctx context.Context, loc models.Location) error
	DeleteLocations(ctx context.Context) (int64, error)
}

// fakeClock is advanced manually by the suite.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// runStoreSuite exercises the transition rules every store must honour.
// newStore must return an empty store driven by clock.
func runStoreSuite(t *testing.T, newStore func(t *testing.T, clock *fakeClock) itemStore) {
	ctx := context.Background()

	t.Run("add and claim", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		id, err := s.Add(ctx, models.TypeCity, models.CityPayload{Name: "Aarhus", CountryCode: "DK", GeoID: 2624652}, models.CityKey(2624652))
		require.NoError(t, err)

		item, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, item.Status)
		assert.Equal(t, "Aarhus", item.Payload["name"])
		assert.Equal(t, 0, item.Attempts)

		claimed, err := s.MarkProcessing(ctx, id)
		require.NoError(t, err)
		assert.True(t, claimed)

		claimed, err = s.MarkProcessing(ctx, id)
		require.NoError(t, err)
		assert.False(t, claimed, "second claim must be a no-op")

		item, err = s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, item.Status)
		assert.Equal(t, 1, item.Attempts)
	})

	t.Run("pending is oldest first and per type", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		first, err := s.Add(ctx, models.TypeCountry, map[string]any{"isoCode": "DK"}, "country_DK")
		require.NoError(t, err)
		clock.Advance(time.Second)
		second, err := s.Add(ctx, models.TypeCountry, map[string]any{"isoCode": "SE"}, "country_SE")
		require.NoError(t, err)
		_, err = s.Add(ctx, models.TypeContinent, map[string]any{"code": "EU"}, "continent_EU")
		require.NoError(t, err)

		items, err := s.GetPending(ctx, models.TypeCountry, 10)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, first, items[0].ID)
		assert.Equal(t, second, items[1].ID)

		items, err = s.GetPending(ctx, models.TypeCountry, 1)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, first, items[0].ID)
	})

	t.Run("done and failed are idempotent", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		id, err := s.Add(ctx, models.TypeTimezone, models.TimezonePayload{EntityID: "x"}, "tz_x")
		require.NoError(t, err)
		_, err = s.MarkProcessing(ctx, id)
		require.NoError(t, err)

		require.NoError(t, s.MarkFailed(ctx, id, "status FAILED: rate limited"))
		require.NoError(t, s.MarkFailed(ctx, id, "status FAILED: rate limited"))
		item, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusError, item.Status)
		require.NotNil(t, item.LastError)
		assert.Equal(t, "status FAILED: rate limited", *item.LastError)

		other, err := s.Add(ctx, models.TypeTimezone, models.TimezonePayload{EntityID: "y"}, "tz_y")
		require.NoError(t, err)
		require.NoError(t, s.MarkDone(ctx, other))
		require.NoError(t, s.MarkDone(ctx, other))
		require.NoError(t, s.MarkFailed(ctx, other, "late failure"))
		item, err = s.Get(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDone, item.Status, "done items never move")
		assert.Nil(t, item.LastError)
	})

	t.Run("has item filters by status", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		id, err := s.Add(ctx, models.TypeCity, map[string]any{}, "city_1")
		require.NoError(t, err)

		ok, err := s.HasItem(ctx, "city_1", models.StatusDone)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.HasItem(ctx, "city_1")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.MarkDone(ctx, id))
		ok, err = s.HasItem(ctx, "city_1", models.StatusDone)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.HasItem(ctx, "city_2", models.StatusDone)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("reset stuck only touches old processing items", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		stuck, err := s.Add(ctx, models.TypeCity, map[string]any{}, "city_1")
		require.NoError(t, err)
		_, err = s.MarkProcessing(ctx, stuck)
		require.NoError(t, err)

		clock.Advance(20 * time.Minute)
		fresh, err := s.Add(ctx, models.TypeCity, map[string]any{}, "city_2")
		require.NoError(t, err)
		_, err = s.MarkProcessing(ctx, fresh)
		require.NoError(t, err)

		clock.Advance(15 * time.Minute)
		n, err := s.ResetStuck(ctx, 30*time.Minute)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		item, err := s.Get(ctx, stuck)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, item.Status)
		item, err = s.Get(ctx, fresh)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, item.Status)
	})

	t.Run("retry failed clears errors", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		var failed []string
		for i := 0; i < 3; i++ {
			id, err := s.Add(ctx, models.TypeCountry, map[string]any{"i": i}, "k")
			require.NoError(t, err)
			require.NoError(t, s.MarkFailed(ctx, id, "parent not found"))
			failed = append(failed, id)
		}
		doneID, err := s.Add(ctx, models.TypeCountry, map[string]any{}, "done")
		require.NoError(t, err)
		require.NoError(t, s.MarkDone(ctx, doneID))
		pendingID, err := s.Add(ctx, models.TypeCountry, map[string]any{}, "waiting")
		require.NoError(t, err)
		processingID, err := s.Add(ctx, models.TypeCountry, map[string]any{}, "busy")
		require.NoError(t, err)
		ok, err := s.MarkProcessing(ctx, processingID)
		require.NoError(t, err)
		require.True(t, ok)
		before, err := s.Get(ctx, processingID)
		require.NoError(t, err)

		clock.Advance(time.Minute)
		n, err := s.RetryFailed(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)
		for _, id := range failed {
			item, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.StatusPending, item.Status)
			assert.Nil(t, item.LastError)
		}
		item, err := s.Get(ctx, doneID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDone, item.Status)

		item, err = s.Get(ctx, pendingID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, item.Status)
		assert.Equal(t, 0, item.Attempts)

		item, err = s.Get(ctx, processingID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, item.Status)
		assert.Equal(t, 1, item.Attempts)
		assert.True(t, before.UpdatedAt.Equal(item.UpdatedAt), "processing item was touched")
	})

	t.Run("requeue orphans waits for the parent", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		orphan, err := s.Add(ctx, models.TypeCity, map[string]any{"geo_id": 1}, "city_1")
		require.NoError(t, err)
		require.NoError(t, s.MarkFailed(ctx, orphan, models.ParentMissing+"country:ZW"))
		otherParent, err := s.Add(ctx, models.TypeCity, map[string]any{"geo_id": 2}, "city_2")
		require.NoError(t, err)
		require.NoError(t, s.MarkFailed(ctx, otherParent, models.ParentMissing+"country:ZM"))
		broken, err := s.Add(ctx, models.TypeCity, map[string]any{"geo_id": 3}, "city_3")
		require.NoError(t, err)
		require.NoError(t, s.MarkFailed(ctx, broken, "invalid payload"))
		country, err := s.Add(ctx, models.TypeCountry, map[string]any{"iso": "ZW"}, "country_ZW")
		require.NoError(t, err)
		require.NoError(t, s.MarkFailed(ctx, country, models.ParentMissing+"country:ZW"))

		n, err := s.RequeueOrphans(ctx, models.TypeCity)
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)

		_, _, err = s.CreateLocation(ctx, models.Location{
			Type: models.EntityContinent, NaturalKey: models.NaturalKey(models.EntityContinent, "AF"),
			Code: "AF", Name: "Africa", Status: models.LocationDraft,
			TimezoneStatus: models.TimezoneResolved, ContentStatus: models.ContentPending,
		})
		require.NoError(t, err)
		af, err := s.FindLocation(ctx, "continent:AF")
		require.NoError(t, err)
		_, _, err = s.CreateLocation(ctx, models.Location{
			Type: models.EntityCountry, ParentID: af.ID, NaturalKey: models.NaturalKey(models.EntityCountry, "ZW"),
			Code: "ZW", Name: "Zimbabwe", Status: models.LocationDraft,
			TimezoneStatus: models.TimezoneResolved, ContentStatus: models.ContentPending,
		})
		require.NoError(t, err)

		clock.Advance(time.Minute)
		n, err = s.RequeueOrphans(ctx, models.TypeCity)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		item, err := s.Get(ctx, orphan)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, item.Status)
		assert.Nil(t, item.LastError)
		assert.True(t, item.NextRunAt.Equal(clock.Now()))

		for _, id := range []string{otherParent, broken, country} {
			item, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.StatusError, item.Status, id)
		}
	})

	t.Run("expedite only pulls deferred pending items forward", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		deferred, err := s.Add(ctx, models.TypeAIContent, map[string]any{}, "ai_content_city_1")
		require.NoError(t, err)
		ok, err := s.MarkProcessing(ctx, deferred)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.Release(ctx, deferred, map[string]any{}, time.Hour))
		other, err := s.Add(ctx, models.TypeAIContent, map[string]any{}, "ai_content_city_2")
		require.NoError(t, err)
		ok, err = s.MarkProcessing(ctx, other)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.Release(ctx, other, map[string]any{}, time.Hour))

		pending, err := s.GetPending(ctx, models.TypeAIContent, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		clock.Advance(time.Minute)
		n, err := s.Expedite(ctx, "ai_content_city_1")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		pending, err = s.GetPending(ctx, models.TypeAIContent, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, deferred, pending[0].ID)

		n, err = s.Expedite(ctx, "ai_content_city_1")
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)
	})

	t.Run("release defers with new payload", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		id, err := s.Add(ctx, models.TypeCitiesImport, models.CitiesImportPayload{FilePath: "cities.txt"}, "imp")
		require.NoError(t, err)
		_, err = s.MarkProcessing(ctx, id)
		require.NoError(t, err)

		next := models.CitiesImportPayload{FilePath: "cities.txt", Progress: &models.ImportProgress{Line: 500}}
		require.NoError(t, s.Release(ctx, id, next, time.Minute))

		items, err := s.GetPending(ctx, models.TypeCitiesImport, 5)
		require.NoError(t, err)
		assert.Empty(t, items, "released item waits for its delay")

		clock.Advance(2 * time.Minute)
		items, err = s.GetPending(ctx, models.TypeCitiesImport, 5)
		require.NoError(t, err)
		require.Len(t, items, 1)
		var p models.CitiesImportPayload
		require.NoError(t, models.DecodePayload(items[0], &p))
		require.NotNil(t, p.Progress)
		assert.Equal(t, 500, p.Progress.Line)
	})

	t.Run("stats and clear", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		a, err := s.Add(ctx, models.TypeCity, map[string]any{}, "a")
		require.NoError(t, err)
		_, err = s.Add(ctx, models.TypeCity, map[string]any{}, "b")
		require.NoError(t, err)
		_, err = s.Add(ctx, models.TypeAIContent, map[string]any{}, "c")
		require.NoError(t, err)
		require.NoError(t, s.MarkDone(ctx, a))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 3, stats.Total)
		assert.EqualValues(t, 2, stats.ByType[string(models.TypeCity)])
		assert.EqualValues(t, 1, stats.ByStatus[models.StatusDone])
		assert.EqualValues(t, 1, stats.Counts[string(models.TypeCity)][models.StatusPending])

		require.NoError(t, s.Clear(ctx))
		stats, err = s.Stats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 0, stats.Total)
	})

	t.Run("locations are unique by natural key", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)

		eu, created, err := s.CreateLocation(ctx, models.Location{
			Type: models.EntityContinent, NaturalKey: models.NaturalKey(models.EntityContinent, "EU"),
			Code: "EU", Name: "Europe", Status: models.LocationDraft,
			TimezoneStatus: models.TimezoneResolved, ContentStatus: models.ContentPending,
		})
		require.NoError(t, err)
		assert.True(t, created)

		again, created, err := s.CreateLocation(ctx, models.Location{
			Type: models.EntityContinent, NaturalKey: models.NaturalKey(models.EntityContinent, "EU"),
			Code: "EU", Name: "Europe", Status: models.LocationDraft,
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, eu.ID, again.ID)

		eu.Title = "Europe travel guide"
		eu.Status = models.LocationPublished
		eu.ContentStatus = models.ContentDone
		require.NoError(t, s.UpdateLocation(ctx, eu))

		got, err := s.FindLocation(ctx, "continent:EU")
		require.NoError(t, err)
		assert.Equal(t, "Europe travel guide", got.Title)
		assert.Equal(t, models.LocationPublished, got.Status)

		_, err = s.FindLocation(ctx, "continent:AS")
		assert.ErrorIs(t, err, models.ErrEntityNotFound)

		n, err := s.DeleteLocations(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		_, err = s.GetLocation(ctx, eu.ID)
		assert.ErrorIs(t, err, models.ErrEntityNotFound)
	})
}
