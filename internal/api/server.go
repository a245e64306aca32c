package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"geo-content-pipeline/internal/importer"
	"geo-content-pipeline/internal/models"
	"geo-content-pipeline/internal/telemetry"
	"geo-content-pipeline/internal/worker"
)

// Store is the admin view of the work-item store.
type Store interface {
	Get(ctx context.Context, id string) (models.WorkItem, error)
	Stats(ctx context.Context) (models.Stats, error)
	RetryFailed(ctx context.Context) (int64, error)
	ResetStuck(ctx context.Context, timeout time.Duration) (int64, error)
	Clear(ctx context.Context) error
}

// Planner starts imports.
type Planner interface {
	Start(ctx context.Context, opts models.ImportOptions) (importer.Plan, error)
}

// Runner triggers a single processor batch.
type Runner interface {
	RunOnce(ctx context.Context, name string) (worker.Report, error)
	Processors() []string
}

// Server wires HTTP handlers for the admin and trigger API.
type Server struct {
	store        Store
	planner      Planner
	runner       Runner
	stuckTimeout time.Duration
	logger       *slog.Logger
}

// New constructs the API server.
func New(st Store, planner Planner, runner Runner, stuckTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:        st,
		planner:      planner,
		runner:       runner,
		stuckTimeout: stuckTimeout,
		logger:       logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/stats", s.handleStats)
	r.Post("/imports", s.handleImport)
	r.Route("/items", func(r chi.Router) {
		r.Delete("/", s.handleClear)
		r.Post("/retry-failed", s.handleRetryFailed)
		r.Post("/reset-stuck", s.handleResetStuck)
		r.Get("/{id}", s.handleGetItem)
	})
	r.Post("/process/{processor}", s.handleProcess)
	return r
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	telemetry.SetQueue(stats.Counts)
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrItemNotFound) {
		http.Error(w, "item not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req models.ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	opts, err := models.NewImportOptions(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	plan, err := s.planner.Start(r.Context(), opts)
	if errors.Is(err, models.ErrInvalidPayload) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, plan)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.RetryFailed(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("failed items retried", "count", n)
	writeJSON(w, http.StatusOK, map[string]int64{"retried": n})
}

func (s *Server) handleResetStuck(w http.ResponseWriter, r *http.Request) {
	timeout := s.stuckTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = d
	}
	n, err := s.store.ResetStuck(r.Context(), timeout)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	telemetry.ItemsReset.Add(float64(n))
	writeJSON(w, http.StatusOK, map[string]int64{"reset": n})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "yes" {
		http.Error(w, "add confirm=yes to delete every work item", http.StatusBadRequest)
		return
	}
	if err := s.store.Clear(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Warn("work items cleared")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "processor")
	known := false
	for _, p := range s.runner.Processors() {
		if p == name {
			known = true
		}
	}
	if !known {
		http.Error(w, "unknown processor", http.StatusNotFound)
		return
	}
	rep, err := s.runner.RunOnce(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusOK
	if rep.Locked {
		code = http.StatusConflict
	}
	writeJSON(w, code, rep)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
