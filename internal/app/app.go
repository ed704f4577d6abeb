// Package app wires the shared runtime used by the api, worker and pdgctl binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"product-data-generator/internal/autosave"
	"product-data-generator/internal/bulk"
	"product-data-generator/internal/config"
	"product-data-generator/internal/llm"
	"product-data-generator/internal/lock"
	"product-data-generator/internal/planner"
	"product-data-generator/internal/queue"
	"product-data-generator/internal/queuestate"
	"product-data-generator/internal/ratelimit"
	"product-data-generator/internal/report"
	"product-data-generator/internal/store"
	"product-data-generator/internal/templates"
)

// App holds the long-lived collaborators of one process.
type App struct {
	Config     config.Config
	Logger     *slog.Logger
	Redis      *redis.Client
	Store      *store.Store
	Queue      *queue.RedisQueue
	States     *queuestate.Store
	Templates  *templates.Registry
	Processor  *bulk.Processor
	APILimiter *ratelimit.TokenBucket
}

// New connects to Redis and Postgres, applies migrations and builds the
// bulk processor. Close releases the connections.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	client := queue.NewRedisClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a := &App{Config: cfg, Logger: logger, Redis: client, Store: st}
	if err := st.RunMigrations(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	registry, err := templates.NewRegistry()
	if err != nil {
		a.Close()
		return nil, err
	}
	if cfg.TemplateDir != "" {
		loaded, err := registry.LoadDir(cfg.TemplateDir)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load templates: %w", err)
		}
		logger.Info("template overrides loaded", "dir", cfg.TemplateDir, "templates", loaded)
	}
	a.Templates = registry

	reporter, err := report.New(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("report publisher: %w", err)
	}

	a.Queue = queue.NewRedisQueue(client, cfg)
	a.States = queuestate.New(client, cfg.KeyPrefix)
	a.APILimiter = ratelimit.NewTokenBucket(client, cfg.KeyPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	generator := llm.NewClient(llm.Config{
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	}, llm.WithRetryMaxAttempts(cfg.LLMRetryAttempts))

	a.Processor = bulk.New(cfg, bulk.Deps{
		States:    a.States,
		Scheduler: a.Queue,
		Lock:      lock.New(client, cfg.KeyPrefix, bulk.ProcessingCheck(a.States)).WithGrace(cfg.LockGrace),
		Planner:   planner.New(st, st, cfg.PreviewLimit),
		Catalog:   st,
		Records:   st,
		Templates: registry,
		Generator: generator,
		Limiter:   ratelimit.NewTokenBucket(client, cfg.KeyPrefix, cfg.GenerationRateCapacity, cfg.GenerationRateRefill, time.Hour),
		Audit:     st,
		Reporter:  reporter,
		Logger:    logger,
	})
	if cfg.AutoSave {
		a.Processor.OnGenerated(autosave.New(st, logger).Handle)
	}
	return a, nil
}

// Close releases database and Redis connections.
func (a *App) Close() {
	if a.Store != nil {
		a.Store.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
}
