package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"product-data-generator/internal/config"
	"product-data-generator/internal/logging"
	"product-data-generator/internal/models"
	"product-data-generator/internal/queue"
	"product-data-generator/internal/telemetry"
)

// ErrNoHandler is recorded for jobs whose handler name is not registered.
var ErrNoHandler = errors.New("no handler registered")

// Handler executes a scheduled job.
type Handler func(ctx context.Context, job models.ScheduledJob) error

// Runner drives the worker execution loop over the Redis scheduler.
type Runner struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	log      *slog.Logger
	now      func() time.Time
	sem      *semaphore.Weighted
	slots    int64
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRunner builds a runner executing up to cfg.WorkerConcurrency jobs at once.
func NewRunner(cfg config.Config, q *queue.RedisQueue, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	slots := int64(cfg.WorkerConcurrency)
	if slots <= 0 {
		slots = 1
	}
	return &Runner{
		cfg:      cfg,
		queue:    q,
		log:      logger.With(logging.FieldComponent, "worker"),
		now:      time.Now,
		sem:      semaphore.NewWeighted(slots),
		slots:    slots,
		handlers: make(map[string]Handler),
	}
}

// WithClock overrides the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RegisterHandler binds a handler to a job handler name.
func (r *Runner) RegisterHandler(name string, handler Handler) {
	if name == "" || handler == nil {
		return
	}
	r.mu.Lock()
	r.handlers[name] = handler
	r.mu.Unlock()
}

// Run polls the scheduler until ctx is cancelled, then waits for running jobs.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("worker started", "concurrency", r.slots, "poll_interval", r.cfg.WorkerPollInterval)
	defer func() {
		// Drain: every slot must come back before returning.
		_ = r.sem.Acquire(context.Background(), r.slots)
		r.sem.Release(r.slots)
		r.log.Info("worker stopped")
	}()

	for {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return ctx.Err()
		}
		job, ok, err := r.next(ctx)
		if err != nil || !ok {
			r.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				r.log.Warn("dequeue failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.WorkerPollInterval):
			}
			continue
		}
		go func() {
			defer r.sem.Release(1)
			r.execute(ctx, job)
		}()
	}
}

// RunOnce performs one maintenance pass and executes at most one job on the
// calling goroutine. It reports whether a job ran.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, ok, err := r.next(ctx)
	if err != nil || !ok {
		return false, err
	}
	r.execute(ctx, job)
	return true, nil
}

// next promotes due jobs, reclaims expired leases and leases one ready job.
func (r *Runner) next(ctx context.Context) (models.ScheduledJob, bool, error) {
	now := r.now()
	if _, err := r.queue.PromoteScheduled(ctx, now, int64(r.cfg.ScheduledBatchSize)); err != nil {
		r.log.Warn("promote scheduled failed", "error", err)
	}
	reclaimed, err := r.queue.RequeueExpired(ctx, now, 100)
	if err != nil {
		r.log.Warn("requeue expired failed", "error", err)
	}
	if len(reclaimed) > 0 {
		r.log.Info("reclaimed expired leases", "jobs", len(reclaimed))
	}
	if depth, err := r.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if n, err := r.queue.InFlight(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(n))
	}
	return r.queue.DequeueWithLease(ctx, now)
}

func (r *Runner) execute(ctx context.Context, job models.ScheduledJob) {
	log := r.log.With(logging.FieldJobID, job.ID, "handler", job.Handler, "attempt", job.Attempts)
	telemetry.JobsDispatched.Inc()

	stop := r.keepLease(ctx, job.ID)
	err := r.run(ctx, job)
	stop()

	if err == nil {
		if aerr := r.queue.Ack(ctx, job); aerr != nil {
			log.Error("ack failed", "error", aerr)
		}
		log.Debug("job succeeded")
		return
	}

	attempts := job.Attempts + 1
	if attempts >= r.cfg.MaxAttempts {
		dl := models.DeadLetter{Job: job, Error: err.Error(), Failed: r.now().UTC()}
		if derr := r.queue.DLQPush(ctx, dl); derr != nil {
			log.Error("dead letter push failed", "error", derr)
		}
		if aerr := r.queue.Ack(ctx, job); aerr != nil {
			log.Error("ack failed", "error", aerr)
		}
		telemetry.JobDeadLetter.Inc()
		log.Error("job moved to dead letter queue", "error", err)
		return
	}

	nextRun := r.now().Add(queue.BackoffWithJitter(r.cfg.BackoffInitial, r.cfg.BackoffMax, attempts))
	if rerr := r.queue.Retry(ctx, job, nextRun); rerr != nil {
		log.Error("retry schedule failed", "error", rerr)
		return
	}
	telemetry.JobFailures.Inc()
	log.Warn("job failed, retry scheduled", "next_run", nextRun.UTC().Format(time.RFC3339), "error", err)
}

func (r *Runner) run(ctx context.Context, job models.ScheduledJob) (err error) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Handler]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w for %q", ErrNoHandler, job.Handler)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler %s panicked: %v", job.Handler, rec)
		}
	}()
	return handler(ctx, job)
}

// keepLease extends the visibility deadline of a running job at half the
// timeout until the returned stop func is called.
func (r *Runner) keepLease(ctx context.Context, jobID string) func() {
	interval := r.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.queue.ExtendLease(ctx, jobID, r.now().Add(r.cfg.VisibilityTimeout)); err != nil {
					r.log.Warn("extend lease failed", logging.FieldJobID, jobID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}
