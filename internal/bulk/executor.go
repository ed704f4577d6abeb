package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"product-data-generator/internal/logging"
	"product-data-generator/internal/models"
	"product-data-generator/internal/planner"
	"product-data-generator/internal/queue"
	"product-data-generator/internal/queuestate"
	"product-data-generator/internal/report"
	"product-data-generator/internal/store"
	"product-data-generator/internal/telemetry"
	"product-data-generator/internal/templates"
)

const generationLimitKey = "generation"

// Execute runs one work item. Generation problems become a failed result and
// never surface as an error; an error means queue state could not be read or
// written and the job should be retried by the scheduler.
func (p *Processor) Execute(ctx context.Context, args ItemArgs) error {
	ctx = logging.WithQueueID(ctx, args.QueueID)
	item := args.item()
	log := p.queueLogger(args.QueueID).With(logging.FieldProductID, args.ProductID, logging.FieldTaskID, args.TaskID)

	status, err := p.deps.States.Status(ctx, args.QueueID)
	if errors.Is(err, queuestate.ErrNotFound) {
		log.Debug("item for deleted queue")
		return nil
	}
	if err != nil {
		return err
	}
	done, err := p.deps.States.HasResult(ctx, args.QueueID, item)
	if err != nil {
		return err
	}
	if done {
		log.Debug("item already resolved")
		return nil
	}
	if status != models.QueueProcessing {
		// A paused queue keeps the item so a resume picks it up again.
		if status == models.QueuePaused {
			if err := p.deps.States.RequeueFront(ctx, args.QueueID, []models.WorkItem{item}); err != nil {
				return err
			}
			log.Info("item returned to paused queue")
		}
		return nil
	}

	if err := p.deps.States.SetCurrentProduct(ctx, args.QueueID, args.ProductID); err != nil {
		log.Warn("set current product failed", "error", err)
	}

	q, err := p.deps.States.Get(ctx, args.QueueID)
	if err != nil {
		return err
	}
	task, ok := q.Task(args.TaskID)
	if !ok {
		return p.record(ctx, log, args.QueueID, item, false, false, fmt.Sprintf("task %q is not configured on this queue", args.TaskID))
	}

	if task.SkipIfGenerated {
		recs, err := p.deps.Records.LastGenerated(ctx, []int64{args.ProductID})
		if err != nil {
			return fmt.Errorf("load generation records: %w", err)
		}
		if planner.ShouldSkip(task, recs[args.ProductID]) {
			telemetry.ItemsSkipped.Inc()
			return p.record(ctx, log, args.QueueID, item, true, true, "already generated")
		}
	}

	if deferred := p.deferForRateLimit(ctx, log, args); deferred {
		return nil
	}

	text, err := p.generate(ctx, args.TaskID, args.ProductID, p.temperature(task.Temperature, args.TaskID), nil)
	if err != nil {
		if q.RetryFailed && retryable(err) && args.Attempt+1 < p.cfg.MaxAttempts {
			next := args
			next.Attempt++
			now := p.now()
			runAt := now.Add(queue.BackoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, next.Attempt))
			serr := p.scheduleItem(ctx, next, runAt, now)
			if serr == nil {
				telemetry.ItemsRetried.Inc()
				log.Warn("generation failed, retry scheduled", "attempt", next.Attempt, "run_at", runAt, "error", err)
				return nil
			}
			log.Error("schedule retry failed", "error", serr)
		}
		telemetry.ItemsFailed.Inc()
		return p.record(ctx, log, args.QueueID, item, false, false, err.Error())
	}

	now := p.now()
	if err := p.deps.Records.MarkGenerated(ctx, args.ProductID, args.TaskID, now); err != nil {
		log.Error("write generation record failed", "error", err)
	}
	p.notify(ctx, models.GeneratedContent{
		QueueID:   args.QueueID,
		ProductID: args.ProductID,
		TaskID:    args.TaskID,
		Text:      text,
		At:        now.UTC(),
	})
	telemetry.ItemsGenerated.Inc()
	return p.record(ctx, log, args.QueueID, item, true, false, "")
}

func (p *Processor) deferForRateLimit(ctx context.Context, log *slog.Logger, args ItemArgs) bool {
	if p.deps.Limiter == nil {
		return false
	}
	allowed, _, err := p.deps.Limiter.Allow(ctx, generationLimitKey)
	if err != nil {
		log.Warn("rate limiter unavailable", "error", err)
		return false
	}
	if allowed {
		return false
	}
	now := p.now()
	if err := p.scheduleItem(ctx, args, now.Add(p.cfg.RateLimitDefer), now); err != nil {
		log.Error("defer rate limited item failed", "error", err)
		return false
	}
	telemetry.RateLimitDeferred.Inc()
	log.Info("item deferred by rate limit", "delay", p.cfg.RateLimitDefer)
	return true
}

// record stores the outcome and, when it resolved the last item, runs completion.
func (p *Processor) record(ctx context.Context, log *slog.Logger, queueID string, item models.WorkItem, success, skipped bool, message string) error {
	outcome, err := p.deps.States.RecordResult(ctx, queueID, models.ItemResult{
		ProductID: item.ProductID,
		TaskID:    item.TaskID,
		Success:   success,
		Skipped:   skipped,
		Message:   message,
		Timestamp: p.now().UTC(),
	})
	if errors.Is(err, queuestate.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch outcome {
	case queuestate.Duplicate:
		log.Debug("duplicate result ignored")
	case queuestate.Ignored:
		log.Debug("result for queue that is not running ignored")
	case queuestate.CompletedQueue:
		log.Info("item recorded", "success", success, "skipped", skipped)
		p.complete(ctx, queueID)
	default:
		log.Info("item recorded", "success", success, "skipped", skipped)
	}
	return nil
}

// complete runs the side effects of the single transition to Completed.
func (p *Processor) complete(ctx context.Context, queueID string) {
	log := p.queueLogger(queueID)
	if _, err := p.deps.Lock.Release(ctx, queueID); err != nil {
		log.Warn("lock release failed", "error", err)
	}
	if _, err := p.deps.Scheduler.CancelGroup(ctx, Group(queueID)); err != nil {
		log.Warn("cancel leftover jobs failed", "error", err)
	}

	q, err := p.deps.States.Get(ctx, queueID)
	if err != nil {
		log.Error("load completed queue failed", "error", err)
		return
	}
	telemetry.QueueEvents.WithLabelValues("completed").Inc()
	p.audit(ctx, queueID, "completed", fmt.Sprintf("completed=%d failed=%d total=%d", q.Progress.Completed, q.Progress.Failed, q.Progress.Total))
	log.Info("queue completed", "completed", q.Progress.Completed, "failed", q.Progress.Failed, "total", q.Progress.Total)

	if p.deps.Reporter == nil {
		return
	}
	results, err := p.deps.States.Results(ctx, queueID)
	if err != nil {
		log.Error("load results for report failed", "error", err)
		return
	}
	location, err := p.deps.Reporter.Publish(ctx, report.Build(q, results, p.now()))
	if err != nil {
		log.Error("publish report failed", "error", err)
		return
	}
	log.Info("report published", "location", location)
}

// temperature picks the explicit override, then the template default, then
// the configured default, clamped to [0, 2]. An explicit 0 is honoured; a
// template without a temperature falls through to the configured default.
func (p *Processor) temperature(requested *float64, taskID string) float64 {
	if requested != nil {
		return clamp(*requested, 0, 2)
	}
	t := p.cfg.DefaultTemperature
	if def, err := p.deps.Templates.Get(taskID); err == nil && def.Temperature != 0 {
		t = def.Temperature
	}
	return clamp(t, 0, 2)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (p *Processor) generate(ctx context.Context, taskID string, productID int64, temperature float64, extra map[string]string) (string, error) {
	prompt, err := p.RenderPrompt(ctx, productID, taskID, extra)
	if err != nil {
		return "", err
	}
	started := time.Now()
	text, err := p.deps.Generator.Generate(ctx, prompt.System, prompt.User, temperature, p.cfg.MaxTokens)
	telemetry.GenerationLatency.Observe(time.Since(started).Seconds())
	return text, err
}

// Product loads one catalog product.
func (p *Processor) Product(ctx context.Context, id int64) (models.Product, error) {
	return p.deps.Catalog.GetProduct(ctx, id)
}

// RenderPrompt renders the prompts a task would send for a product without
// calling the generator.
func (p *Processor) RenderPrompt(ctx context.Context, productID int64, taskID string, extra map[string]string) (templates.Prompt, error) {
	product, err := p.deps.Catalog.GetProduct(ctx, productID)
	if err != nil {
		return templates.Prompt{}, err
	}
	return p.deps.Templates.Render(taskID, product, extra)
}

// retryable excludes failures another attempt cannot fix.
func retryable(err error) bool {
	return !errors.Is(err, store.ErrProductNotFound) && !errors.Is(err, templates.ErrTemplateNotFound)
}

// GenerateRequest is a single-item generation outside of any queue.
type GenerateRequest struct {
	ProductID   int64             `json:"product_id"`
	TaskID      string            `json:"task_id"`
	Temperature *float64          `json:"temperature,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
	AutoSave    bool              `json:"auto_save"`
	Caller      string            `json:"-"`
}

// GenerateResult is the text and metadata of a single-item generation.
type GenerateResult struct {
	Text        string    `json:"text"`
	ProductID   int64     `json:"product_id"`
	TaskID      string    `json:"task_id"`
	GeneratedAt time.Time `json:"generated_at"`
}

// GenerateOne generates text for one product and task immediately. The
// Generation Record is written on success; listeners fire only when the
// request asks for auto-save.
func (p *Processor) GenerateOne(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if p.deps.Limiter != nil {
		key := "generate:" + req.Caller
		allowed, _, err := p.deps.Limiter.Allow(ctx, key)
		if err != nil {
			p.log.Warn("rate limiter unavailable", "error", err)
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			return GenerateResult{}, ErrRateLimited
		}
	}

	text, err := p.generate(ctx, req.TaskID, req.ProductID, p.temperature(req.Temperature, req.TaskID), req.Context)
	if err != nil {
		return GenerateResult{}, err
	}
	now := p.now()
	if err := p.deps.Records.MarkGenerated(ctx, req.ProductID, req.TaskID, now); err != nil {
		p.log.Error("write generation record failed", logging.FieldProductID, req.ProductID, logging.FieldTaskID, req.TaskID, "error", err)
	}
	if req.AutoSave {
		p.notify(ctx, models.GeneratedContent{ProductID: req.ProductID, TaskID: req.TaskID, Text: text, At: now.UTC()})
	}
	telemetry.ItemsGenerated.Inc()
	return GenerateResult{Text: text, ProductID: req.ProductID, TaskID: req.TaskID, GeneratedAt: now.UTC()}, nil
}
