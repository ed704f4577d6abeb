// Package logging builds the structured loggers shared by the binaries.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"product-data-generator/internal/config"
)

const (
	// FieldComponent names the subsystem that emitted a record.
	FieldComponent = "component"
	// FieldQueueID identifies a bulk queue.
	FieldQueueID = "queue_id"
	// FieldProductID identifies a catalog product.
	FieldProductID = "product_id"
	// FieldTaskID identifies a generation task.
	FieldTaskID = "task_id"
	// FieldJobID identifies a scheduled job.
	FieldJobID = "job_id"
)

// Options describes logger construction parameters.
type Options struct {
	Level  string
	Format string
	Output io.Writer
}

// New constructs a slog logger. Format is "json" or "console".
func New(opts Options) (*slog.Logger, error) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	level := parseLevel(opts.Level)
	handlerOpts := &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "json":
		return slog.New(slog.NewJSONHandler(out, handlerOpts)), nil
	case "console", "text", "":
		return slog.New(slog.NewTextHandler(out, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}
}

// NewFromConfig creates a logger using application config.
func NewFromConfig(cfg config.Config) (*slog.Logger, error) {
	return New(Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
}

// NewNop returns a logger that discards everything.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type queueKey struct{}

// WithQueueID tags ctx with a queue id so log lines emitted under it carry the field.
func WithQueueID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, queueKey{}, id)
}

// QueueIDFromContext returns the queue id stored by WithQueueID.
func QueueIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(queueKey{}).(string)
	return id, ok && id != ""
}

// WithContext returns logger augmented with fields derived from ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	if id, ok := QueueIDFromContext(ctx); ok {
		return logger.With(FieldQueueID, id)
	}
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
