package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geo-content-pipeline/internal/geodata"
	"geo-content-pipeline/internal/importer"
	"geo-content-pipeline/internal/logging"
	"geo-content-pipeline/internal/models"
	"geo-content-pipeline/internal/store"
	"geo-content-pipeline/internal/worker"
)

type stubProcessor struct {
	name   string
	runs   int
	locked bool
}

func (p *stubProcessor) Name() string { return p.name }

func (p *stubProcessor) ProcessBatch(context.Context) (worker.Report, error) {
	p.runs++
	if p.locked {
		return worker.Report{Processor: p.name, Locked: true}, nil
	}
	return worker.Report{Processor: p.name, Outcomes: map[string]int{"ok": 2}}, nil
}

type fixture struct {
	mem       *store.Memory
	structure *stubProcessor
	srv       *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	table, err := geodata.DefaultCountries()
	require.NoError(t, err)
	mem := store.NewMemory()
	planner := importer.NewPlanner(mem, mem, table, logging.Discard())
	sched := worker.NewScheduler(mem, time.Minute, time.Minute, logging.Discard())
	structure := &stubProcessor{name: "structure"}
	sched.Register(structure, time.Minute)
	sched.Register(&stubProcessor{name: "timezone", locked: true}, time.Minute)

	srv := httptest.NewServer(New(mem, planner, sched, 30*time.Minute, logging.Discard()).Router())
	t.Cleanup(srv.Close)
	return &fixture{mem: mem, structure: structure, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsMounted(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartImportAndInspect(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/imports", `{"countries":["NP"],"minPopulation":500,"filePath":"/data/cities500.zip"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var plan importer.Plan
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&plan))
	assert.Equal(t, []string{"AS"}, plan.Continents)
	assert.Equal(t, []string{"NP"}, plan.Countries)
	assert.Equal(t, 3, plan.Enqueued)
	require.NotEmpty(t, plan.ImportItemID)

	resp = f.do(t, http.MethodGet, "/items/"+plan.ImportItemID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var item models.WorkItem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&item))
	assert.Equal(t, models.TypeCitiesImport, item.Type)
	assert.Equal(t, models.StatusPending, item.Status)

	resp = f.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats models.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.EqualValues(t, 3, stats.Total)
	assert.EqualValues(t, 3, stats.ByStatus[models.StatusPending])
}

func TestStartImportRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/imports", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/imports", `{"countries":["NP"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "file path missing")

	resp = f.do(t, http.MethodPost, "/imports", `{"countries":["XX"],"filePath":"/data/a.zip"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown country")
}

func TestGetItemNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/items/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetryFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.mem.Add(ctx, models.TypeContinent, models.ContinentPayload{Name: "Asia", Code: "AS"}, models.ContinentKey("AS"))
	require.NoError(t, err)
	_, err = f.mem.MarkProcessing(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.mem.MarkFailed(ctx, id, "boom"))

	resp := f.do(t, http.MethodPost, "/items/retry-failed", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 1, body["retried"])

	item, err := f.mem.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, item.Status)
}

func TestResetStuck(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/items/reset-stuck?timeout=10m", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/items/reset-stuck?timeout=soon", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClearRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	_, err := f.mem.Add(context.Background(), models.TypeContinent, models.ContinentPayload{Name: "Asia", Code: "AS"}, models.ContinentKey("AS"))
	require.NoError(t, err)

	resp := f.do(t, http.MethodDelete, "/items", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	stats, err := f.mem.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Total)

	resp = f.do(t, http.MethodDelete, "/items?confirm=yes", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	stats, err = f.mem.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Total)
}

func TestProcessTrigger(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/process/structure", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rep worker.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	assert.Equal(t, 2, rep.Outcomes["ok"])
	assert.Equal(t, 1, f.structure.runs)

	resp = f.do(t, http.MethodPost, "/process/timezone", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "another run holds the lock")

	resp = f.do(t, http.MethodPost, "/process/images", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
