// Package bulk drives bulk generation queues: it plans work, schedules batch
// ticks and staggered item executions, records outcomes and detects completion.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"product-data-generator/internal/config"
	"product-data-generator/internal/lock"
	"product-data-generator/internal/logging"
	"product-data-generator/internal/models"
	"product-data-generator/internal/planner"
	"product-data-generator/internal/queuestate"
	"product-data-generator/internal/report"
	"product-data-generator/internal/selector"
	"product-data-generator/internal/templates"
)

const (
	// HandlerBatch runs one batch tick of a queue.
	HandlerBatch = "bulk.batch"
	// HandlerItem executes one work item.
	HandlerItem = "bulk.item"
)

var (
	// ErrQueueAlreadyProcessing is returned by Start while another queue holds the single-flight slot.
	ErrQueueAlreadyProcessing = errors.New("another queue is already processing")
	// ErrRateLimited is returned by GenerateOne when the caller exhausted its budget.
	ErrRateLimited = errors.New("generation rate limited")
	// ErrInvalidConfig is returned for queue configurations that cannot be stored.
	ErrInvalidConfig = errors.New("invalid queue config")
)

// Scheduler is the delayed job store item and batch invocations go through.
type Scheduler interface {
	Schedule(ctx context.Context, job models.ScheduledJob, now time.Time) (string, error)
	CancelGroup(ctx context.Context, group string) ([]models.ScheduledJob, error)
	DeleteGroup(ctx context.Context, group string) error
}

// Catalog loads product data for prompt rendering.
type Catalog interface {
	GetProduct(ctx context.Context, id int64) (models.Product, error)
}

// Records reads and writes per-product Generation Records.
type Records interface {
	LastGenerated(ctx context.Context, productIDs []int64) (map[int64]map[string]time.Time, error)
	MarkGenerated(ctx context.Context, productID int64, taskID string, at time.Time) error
}

// Renderer turns a task id and product into prompts.
type Renderer interface {
	Render(taskID string, product models.Product, context map[string]string) (templates.Prompt, error)
	Get(id string) (templates.Definition, error)
}

// Generator is the text generation collaborator.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, temperature float64, maxTokens int) (string, error)
}

// Limiter hands out generation budget per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Auditor appends lifecycle events.
type Auditor interface {
	AppendAudit(ctx context.Context, entry models.AuditLog) error
}

// Reporter stores completion reports.
type Reporter interface {
	Publish(ctx context.Context, r report.Report) (string, error)
}

// Listener is notified after text was generated. Listeners run on the
// executing goroutine and must not block for long.
type Listener func(ctx context.Context, ev models.GeneratedContent)

// Deps are the collaborators of a Processor. Limiter, Audit and Reporter are optional.
type Deps struct {
	States    *queuestate.Store
	Scheduler Scheduler
	Lock      *lock.SingleFlight
	Planner   *planner.Planner
	Catalog   Catalog
	Records   Records
	Templates Renderer
	Generator Generator
	Limiter   Limiter
	Audit     Auditor
	Reporter  Reporter
	Logger    *slog.Logger
}

// Processor owns queue lifecycle operations and the two scheduled handlers.
type Processor struct {
	cfg  config.Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	mu        sync.RWMutex
	listeners []Listener
	previews  singleflight.Group
}

// New builds a processor.
func New(cfg config.Config, deps Deps) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:  cfg,
		deps: deps,
		log:  logger.With(logging.FieldComponent, "bulk"),
		now:  time.Now,
	}
}

// WithClock overrides the time source used for scheduling.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// OnGenerated registers a listener for successful generations.
func (p *Processor) OnGenerated(l Listener) {
	if l == nil {
		return
	}
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
}

func (p *Processor) notify(ctx context.Context, ev models.GeneratedContent) {
	p.mu.RLock()
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, ev)
	}
}

// Group is the scheduler group every job of a queue is filed under.
func Group(queueID string) string {
	return "queue:" + queueID
}

func (p *Processor) queueLogger(id string) *slog.Logger {
	return p.log.With(logging.FieldQueueID, id)
}

func (p *Processor) audit(ctx context.Context, queueID, event, detail string) {
	if p.deps.Audit == nil {
		return
	}
	err := p.deps.Audit.AppendAudit(ctx, models.AuditLog{QueueID: queueID, Event: event, Detail: detail, Recorded: p.now().UTC()})
	if err != nil {
		p.queueLogger(queueID).Warn("audit append failed", "event", event, "error", err)
	}
}

// normalize fills defaults and validates the selector syntax.
func (p *Processor) normalize(cfg models.QueueConfig) (models.QueueConfig, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = p.cfg.DefaultBatchSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.DelaySeconds <= 0 {
		cfg.DelaySeconds = int(p.cfg.DefaultDelay / time.Second)
	}
	if cfg.Selector != "" {
		if _, err := selector.Parse(cfg.Selector); err != nil {
			return cfg, err
		}
	}
	seen := make(map[string]bool, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		if t.ID == "" {
			return cfg, fmt.Errorf("%w: task id required", ErrInvalidConfig)
		}
		if seen[t.ID] {
			return cfg, fmt.Errorf("%w: duplicate task %q", ErrInvalidConfig, t.ID)
		}
		seen[t.ID] = true
	}
	return cfg, nil
}

// Create stores a new Draft queue.
func (p *Processor) Create(ctx context.Context, cfg models.QueueConfig) (models.Queue, error) {
	cfg, err := p.normalize(cfg)
	if err != nil {
		return models.Queue{}, err
	}
	q, err := p.deps.States.Create(ctx, cfg)
	if err != nil {
		return models.Queue{}, err
	}
	p.audit(ctx, q.ID, "created", q.Title)
	p.queueLogger(q.ID).Info("queue created", "title", q.Title)
	return q, nil
}

// Update replaces the configuration of a queue that is not processing.
func (p *Processor) Update(ctx context.Context, id string, cfg models.QueueConfig) (models.Queue, error) {
	cfg, err := p.normalize(cfg)
	if err != nil {
		return models.Queue{}, err
	}
	return p.deps.States.Update(ctx, id, cfg)
}

// Get loads one queue.
func (p *Processor) Get(ctx context.Context, id string) (models.Queue, error) {
	return p.deps.States.Get(ctx, id)
}

// List returns all queues, newest first.
func (p *Processor) List(ctx context.Context) ([]models.Queue, error) {
	return p.deps.States.List(ctx)
}

// Results returns the recorded outcomes of a queue keyed by "<product>_<task>".
func (p *Processor) Results(ctx context.Context, id string) (map[string]models.ItemResult, error) {
	if _, err := p.deps.States.Status(ctx, id); err != nil {
		return nil, err
	}
	return p.deps.States.Results(ctx, id)
}

// Delete cancels pending jobs, frees the lock if this queue holds it and
// removes the queue.
func (p *Processor) Delete(ctx context.Context, id string) error {
	if _, err := p.deps.States.Status(ctx, id); err != nil {
		return err
	}
	if _, err := p.deps.Scheduler.CancelGroup(ctx, Group(id)); err != nil {
		return fmt.Errorf("cancel jobs of %s: %w", id, err)
	}
	if _, err := p.deps.Lock.Release(ctx, id); err != nil {
		return err
	}
	if err := p.deps.States.Delete(ctx, id); err != nil {
		return err
	}
	if err := p.deps.Scheduler.DeleteGroup(ctx, Group(id)); err != nil {
		p.queueLogger(id).Warn("drop job group failed", "error", err)
	}
	p.audit(ctx, id, "deleted", "")
	p.queueLogger(id).Info("queue deleted")
	return nil
}

// Reset returns a finished or paused queue to Draft so it can be planned again.
func (p *Processor) Reset(ctx context.Context, id string) (models.Queue, error) {
	if err := p.deps.States.Reset(ctx, id); err != nil {
		return models.Queue{}, err
	}
	if _, err := p.deps.Scheduler.CancelGroup(ctx, Group(id)); err != nil {
		p.queueLogger(id).Warn("cancel leftover jobs failed", "error", err)
	}
	p.audit(ctx, id, "reset", "")
	return p.deps.States.Get(ctx, id)
}

// Preview runs the planner without touching run state and caches the summary.
// A plan with nothing left to do still yields a preview. Concurrent previews
// of one queue share a single planner run.
func (p *Processor) Preview(ctx context.Context, id string) (models.Preview, error) {
	v, err, _ := p.previews.Do(id, func() (any, error) {
		return p.preview(ctx, id)
	})
	if err != nil {
		return models.Preview{}, err
	}
	return v.(models.Preview), nil
}

func (p *Processor) preview(ctx context.Context, id string) (models.Preview, error) {
	q, err := p.deps.States.Get(ctx, id)
	if err != nil {
		return models.Preview{}, err
	}
	plan, err := p.deps.Planner.Plan(ctx, q.QueueConfig)
	if err != nil && !errors.Is(err, planner.ErrNoWorkRemaining) {
		return models.Preview{}, err
	}
	if err := p.deps.States.SavePreview(ctx, id, plan.Preview); err != nil {
		return models.Preview{}, fmt.Errorf("cache preview: %w", err)
	}
	return plan.Preview, nil
}

// LockState describes the single-flight slot.
type LockState struct {
	Locked  bool   `json:"locked"`
	QueueID string `json:"queue_id,omitempty"`
}

// CheckLock reports which queue, if any, holds the processing slot.
func (p *Processor) CheckLock(ctx context.Context) (LockState, error) {
	holder, locked, err := p.deps.Lock.Holder(ctx)
	if err != nil {
		return LockState{}, err
	}
	return LockState{Locked: locked, QueueID: holder}, nil
}

// ProcessingCheck reports a lock holder as active while its queue is
// Processing. A deleted queue is inactive.
func ProcessingCheck(states *queuestate.Store) lock.ActiveFunc {
	return func(ctx context.Context, queueID string) (bool, error) {
		status, err := states.Status(ctx, queueID)
		if errors.Is(err, queuestate.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return status == models.QueueProcessing, nil
	}
}
