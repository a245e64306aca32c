package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"geo-content-pipeline/internal/config"
	"geo-content-pipeline/internal/geodata"
	"geo-content-pipeline/internal/lock"
	"geo-content-pipeline/internal/logging"
	"geo-content-pipeline/internal/models"
	"geo-content-pipeline/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Sleep advances the clock instead of blocking.
func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

type pathFetcher struct{}

func (pathFetcher) Fetch(_ context.Context, uri string) (string, error) { return uri, nil }

func processorConfig() config.ProcessorConfig {
	return config.ProcessorConfig{BatchSize: 50, TimeBudget: 50 * time.Second, LockTTL: time.Minute}
}

func countryTable(t *testing.T) *geodata.CountryTable {
	t.Helper()
	table, err := geodata.DefaultCountries()
	require.NoError(t, err)
	return table
}

func testOptions(clock *testClock) []Option {
	return []Option{WithClock(clock.Now), WithSleep(clock.Sleep), WithLogger(logging.Discard())}
}

func newStructure(t *testing.T, mem *store.Memory, clock *testClock) *Structure {
	t.Helper()
	return NewStructure(mem, mem, lock.NewLocal(), countryTable(t), pathFetcher{}, processorConfig(), testOptions(clock)...)
}

func add(t *testing.T, mem *store.Memory, typ models.ItemType, payload any, key string) string {
	t.Helper()
	id, err := mem.Add(context.Background(), typ, payload, key)
	require.NoError(t, err)
	return id
}

func item(t *testing.T, mem *store.Memory, id string) models.WorkItem {
	t.Helper()
	it, err := mem.Get(context.Background(), id)
	require.NoError(t, err)
	return it
}

func location(t *testing.T, mem *store.Memory, key string) models.Location {
	t.Helper()
	loc, err := mem.FindLocation(context.Background(), key)
	require.NoError(t, err)
	return loc
}

func pendingOf(t *testing.T, mem *store.Memory, typ models.ItemType) []models.WorkItem {
	t.Helper()
	items, err := mem.GetPending(context.Background(), typ, 1000)
	require.NoError(t, err)
	return items
}

// seedHierarchy creates a continent and a country directly in the store.
func seedHierarchy(t *testing.T, mem *store.Memory, continent, iso, name string) (models.Location, models.Location) {
	t.Helper()
	ctx := context.Background()
	cont, _, err := mem.CreateLocation(ctx, models.Location{
		Type: models.EntityContinent, NaturalKey: models.NaturalKey(models.EntityContinent, continent),
		Code: continent, Name: continent, TimezoneStatus: models.TimezoneResolved, ContentStatus: models.ContentPending,
	})
	require.NoError(t, err)
	country, _, err := mem.CreateLocation(ctx, models.Location{
		Type: models.EntityCountry, ParentID: cont.ID, NaturalKey: models.NaturalKey(models.EntityCountry, iso),
		Code: iso, Name: name, TimezoneStatus: models.TimezoneFallback, ContentStatus: models.ContentPending,
	})
	require.NoError(t, err)
	return cont, country
}

func seedCity(t *testing.T, mem *store.Memory, parent models.Location, geoID int64, name string, lat, lng float64, tzStatus models.TimezoneStatus) models.Location {
	t.Helper()
	city, _, err := mem.CreateLocation(context.Background(), models.Location{
		Type: models.EntityCity, ParentID: parent.ID, NaturalKey: models.CityNaturalKey(geoID),
		Code: parent.Code, GeoID: geoID, Name: name, Latitude: &lat, Longitude: &lng,
		TimezoneStatus: tzStatus, ContentStatus: models.ContentPending, Status: models.LocationDraft,
	})
	require.NoError(t, err)
	return city
}

// geonamesRow builds a 19-column dump line.
func geonamesRow(id, name, lat, lng, cc, pop, tz string) string {
	return strings.Join([]string{
		id, name, name, "", lat, lng, "P", "PPL", cc, "", "", "", "", "",
		pop, "", "", tz, "2024-01-01",
	}, "\t")
}

func writeDump(t *testing.T, lines ...string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cities500.txt")
	require.NoError(t, os.WriteFile(p, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return p
}
