package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"product-data-generator/internal/app"
	"product-data-generator/internal/bulk"
	"product-data-generator/internal/config"
	"product-data-generator/internal/logging"
	"product-data-generator/internal/telemetry"
	"product-data-generator/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	runner := worker.NewRunner(cfg, a.Queue, logger)
	runner.RegisterHandler(bulk.HandlerBatch, a.Processor.HandleBatch)
	runner.RegisterHandler(bulk.HandlerItem, a.Processor.HandleItem)

	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	if cfg.TemplateDir != "" {
		g.Go(func() error {
			if err := a.Templates.Watch(ctx, cfg.TemplateDir, logger); err != nil {
				logger.Warn("template watcher stopped", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		err := runner.Run(ctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	logger.Info("worker started", "visibility", cfg.VisibilityTimeout, "backoff_initial", cfg.BackoffInitial)
	return g.Wait()
}
