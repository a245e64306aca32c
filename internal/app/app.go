// Package app assembles the pipeline from configuration. The API server, the
// worker and the CLI all build the same graph through Build.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"geo-content-pipeline/internal/config"
	"geo-content-pipeline/internal/generation"
	"geo-content-pipeline/internal/geodata"
	"geo-content-pipeline/internal/importer"
	"geo-content-pipeline/internal/lock"
	"geo-content-pipeline/internal/models"
	"geo-content-pipeline/internal/ratelimit"
	"geo-content-pipeline/internal/store"
	"geo-content-pipeline/internal/timezone"
	"geo-content-pipeline/internal/worker"
)

// Backend is everything the pipeline needs from persistence. Both
// store.Store and store.Memory implement it.
type Backend interface {
	worker.Queue
	worker.Locations
	Get(ctx context.Context, id string) (models.WorkItem, error)
	Stats(ctx context.Context) (models.Stats, error)
	RetryFailed(ctx context.Context) (int64, error)
	ResetStuck(ctx context.Context, timeout time.Duration) (int64, error)
	Clear(ctx context.Context) error
	DeleteLocations(ctx context.Context) (int64, error)
}

// App is the assembled pipeline.
type App struct {
	Backend   Backend
	Planner   *importer.Planner
	Scheduler *worker.Scheduler

	closers []func()
}

// Options tweak Build.
type Options struct {
	// Memory replaces Postgres with the in-process store.
	Memory bool
	// SkipMigrations leaves the schema untouched.
	SkipMigrations bool
}

// Build connects the stores and registers the processors. Content generation
// is left out with a warning when the provider has no API key.
func Build(ctx context.Context, cfg config.Config, opts Options, logger *slog.Logger) (*App, error) {
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if opts.Memory {
		a.Backend = store.NewMemory()
		logger.Warn("using in-memory store, nothing is persisted")
	} else {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		if !opts.SkipMigrations {
			if err := st.RunMigrations(ctx); err != nil {
				return nil, fmt.Errorf("migrations: %w", err)
			}
		}
		a.Backend = st
	}

	var (
		locker lock.Locker = lock.NewLocal()
		quota  worker.Quota
	)
	if cfg.RedisAddr != "" {
		rdb := lock.NewRedisClient(lock.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		locker = lock.NewRedis(rdb, cfg.LockPrefix, logger)
		quota = contentQuota(rdb, cfg)
	} else {
		logger.Info("no redis configured, processor locks are process-local")
	}

	countries, err := geodata.DefaultCountries()
	if err != nil {
		return nil, fmt.Errorf("country table: %w", err)
	}
	if cfg.CountryInfoPath != "" {
		rows, err := geodata.LoadCountryInfo(cfg.CountryInfoPath)
		if err != nil {
			return nil, fmt.Errorf("country info: %w", err)
		}
		countries.Merge(rows)
		logger.Info("country info merged", "rows", len(rows), "path", cfg.CountryInfoPath)
	}

	fetcher := geodata.NewFetcher(geodata.SourceConfig{
		CacheDir:        cfg.DatasetCacheDir,
		DownloadTimeout: cfg.DownloadTimeout,
		S3Region:        cfg.S3Region,
		S3Endpoint:      cfg.S3Endpoint,
		S3PathStyle:     cfg.S3PathStyle,
	})

	tzClient := timezone.NewClient(timezone.Config{
		BaseURL: cfg.Timezone.BaseURL,
		APIKey:  cfg.Timezone.APIKey,
		Timeout: cfg.Timezone.RequestTimeout,
	})
	spacing := ratelimit.NewInterval(cfg.Timezone.RequestInterval)
	cache := timezone.NewCellCache(cfg.Timezone.CacheLevel, cfg.Timezone.CacheSize)

	wopts := []worker.Option{worker.WithLogger(logger)}
	structure := worker.NewStructure(a.Backend, a.Backend, locker, countries, fetcher, cfg.Structure, wopts...)
	tz := worker.NewTimezone(a.Backend, a.Backend, locker, tzClient, spacing, cache, cfg.Timezone.ProcessorConfig, wopts...)

	a.Scheduler = worker.NewScheduler(a.Backend, cfg.StuckTimeout, cfg.ResetInterval, logger)
	a.Scheduler.Register(structure, cfg.Structure.Interval)
	a.Scheduler.Register(tz, cfg.Timezone.Interval)

	content, err := newContent(a.Backend, locker, quota, cfg, wopts)
	switch {
	case errors.Is(err, generation.ErrMissingAPIKey):
		logger.Warn("content processor disabled", "provider", cfg.Content.Provider, "reason", err.Error())
	case err != nil:
		return nil, err
	default:
		a.Scheduler.Register(content, cfg.Content.Interval)
	}

	a.Planner = importer.NewPlanner(a.Backend, a.Backend, countries, logger)
	ok = true
	return a, nil
}

// newContent builds the content processor. Admin commands and the API run
// without it, so a missing provider key is reported as ErrMissingAPIKey.
func newContent(b Backend, locker lock.Locker, quota worker.Quota, cfg config.Config, wopts []worker.Option) (*worker.Content, error) {
	llm, err := generation.New(generation.Config{
		Provider: cfg.Content.Provider,
		Model:    cfg.Content.Model,
		APIKey:   cfg.Content.APIKey,
		BaseURL:  cfg.Content.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	chain, err := generation.NewChain(generation.DefaultSteps(cfg.Content.MaxTokens, cfg.Content.Temperature))
	if err != nil {
		return nil, fmt.Errorf("prompt chain: %w", err)
	}
	return worker.NewContent(b, b, locker, llm, chain, quota, worker.ContentSettings{
		Language:   cfg.Content.Language,
		ItemDelay:  cfg.Content.ItemDelay,
		DeferDelay: cfg.Content.DeferDelay,
	}, cfg.Content.ProcessorConfig, wopts...), nil
}

// contentQuota returns nil when no per-minute quota is configured so the
// content processor sees a nil interface.
func contentQuota(rdb *redis.Client, cfg config.Config) worker.Quota {
	if cfg.Content.QuotaPerMinute <= 0 {
		return nil
	}
	return ratelimit.PerMinute(rdb, "geo:quota:"+cfg.Content.Provider, cfg.Content.QuotaPerMinute)
}

// Close releases connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
