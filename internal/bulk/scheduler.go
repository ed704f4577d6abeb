package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"product-data-generator/internal/logging"
	"product-data-generator/internal/models"
	"product-data-generator/internal/queuestate"
	"product-data-generator/internal/telemetry"
)

// BatchArgs are the arguments of a HandlerBatch job.
type BatchArgs struct {
	QueueID string `json:"queue_id"`
}

// ItemArgs are the arguments of a HandlerItem job. Attempt counts generation
// retries of the item, not scheduler redeliveries.
type ItemArgs struct {
	QueueID   string `json:"queue_id"`
	ProductID int64  `json:"product_id"`
	TaskID    string `json:"task_id"`
	Attempt   int    `json:"attempt,omitempty"`
}

func (a ItemArgs) item() models.WorkItem {
	return models.WorkItem{ProductID: a.ProductID, TaskID: a.TaskID, Attempt: a.Attempt}
}

func (p *Processor) batchDelay(q models.Queue) time.Duration {
	if d := q.Delay(); d > 0 {
		return d
	}
	return p.cfg.DefaultDelay
}

func (p *Processor) scheduleBatch(ctx context.Context, queueID string, runAt, now time.Time) error {
	args, err := json.Marshal(BatchArgs{QueueID: queueID})
	if err != nil {
		return err
	}
	_, err = p.deps.Scheduler.Schedule(ctx, models.ScheduledJob{
		Handler:  HandlerBatch,
		Group:    Group(queueID),
		Priority: "high",
		Args:     args,
		RunAt:    runAt,
	}, now)
	return err
}

func (p *Processor) scheduleItem(ctx context.Context, args ItemArgs, runAt, now time.Time) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	_, err = p.deps.Scheduler.Schedule(ctx, models.ScheduledJob{
		Handler:  HandlerItem,
		Group:    Group(args.QueueID),
		Priority: "default",
		Args:     raw,
		RunAt:    runAt,
	}, now)
	return err
}

// Start moves a Draft or Paused queue to Processing and schedules its first
// batch tick. A Draft queue is planned afresh; a Paused queue resumes from
// its persisted work items. Start fails without touching the queue when
// another queue holds the processing slot.
func (p *Processor) Start(ctx context.Context, id string) (models.Queue, error) {
	log := p.queueLogger(id)
	q, err := p.deps.States.Get(ctx, id)
	if err != nil {
		return models.Queue{}, err
	}
	if q.Status != models.QueueDraft && q.Status != models.QueuePaused {
		return q, fmt.Errorf("%w: cannot start a %s queue", queuestate.ErrInvalidTransition, q.Status)
	}

	acquired, err := p.deps.Lock.TryAcquire(ctx, id)
	if err != nil {
		return q, err
	}
	if !acquired {
		holder, _, _ := p.deps.Lock.Holder(ctx)
		return q, fmt.Errorf("%w: %s", ErrQueueAlreadyProcessing, holder)
	}
	release := func() {
		if _, err := p.deps.Lock.Release(ctx, id); err != nil {
			log.Warn("lock release failed", "error", err)
		}
	}

	switch q.Status {
	case models.QueueDraft:
		plan, err := p.deps.Planner.Plan(ctx, q.QueueConfig)
		if err != nil {
			release()
			return q, err
		}
		if err := p.deps.States.CommitPlan(ctx, id, plan.Items); err != nil {
			release()
			return q, err
		}
		if err := p.deps.States.SavePreview(ctx, id, plan.Preview); err != nil {
			log.Warn("cache preview failed", "error", err)
		}
	case models.QueuePaused:
		if _, err := p.deps.States.Transition(ctx, id, models.QueueProcessing); err != nil {
			release()
			return q, err
		}
	}

	now := p.now()
	if err := p.scheduleBatch(ctx, id, now.Add(p.batchDelay(q)), now); err != nil {
		if _, terr := p.deps.States.Transition(ctx, id, models.QueuePaused); terr != nil {
			log.Error("revert to paused failed", "error", terr)
		}
		release()
		return q, fmt.Errorf("schedule first batch: %w", err)
	}

	event := "started"
	if q.Status == models.QueuePaused {
		event = "resumed"
	}
	telemetry.QueueEvents.WithLabelValues(event).Inc()
	p.audit(ctx, id, event, "")

	q, err = p.deps.States.Get(ctx, id)
	if err != nil {
		return q, err
	}
	log.Info("queue "+event, "total", q.Progress.Total, "remaining", q.Remaining, "batch_size", q.BatchSize)
	return q, nil
}

// Pause stops a Processing queue: pending ticks and items of its group are
// cancelled, cancelled items go back to the front of the work list in plan
// order and the processing slot is freed. Items already running finish and
// record their outcome.
func (p *Processor) Pause(ctx context.Context, id string) (models.Queue, error) {
	log := p.queueLogger(id)
	if _, err := p.deps.States.Transition(ctx, id, models.QueuePaused); err != nil {
		return models.Queue{}, err
	}

	cancelled, err := p.deps.Scheduler.CancelGroup(ctx, Group(id))
	if err != nil {
		log.Error("cancel scheduled jobs failed", "error", err)
	}
	sort.SliceStable(cancelled, func(i, j int) bool { return cancelled[i].RunAt.Before(cancelled[j].RunAt) })

	var requeue []models.WorkItem
	for _, job := range cancelled {
		if job.Handler != HandlerItem {
			continue
		}
		var args ItemArgs
		if err := job.Decode(&args); err != nil {
			log.Error("drop undecodable item job", logging.FieldJobID, job.ID, "error", err)
			continue
		}
		requeue = append(requeue, args.item())
	}
	if err := p.deps.States.RequeueFront(ctx, id, requeue); err != nil {
		log.Error("requeue cancelled items failed", "items", len(requeue), "error", err)
	}

	if _, err := p.deps.Lock.Release(ctx, id); err != nil {
		log.Warn("lock release failed", "error", err)
	}
	telemetry.QueueEvents.WithLabelValues("paused").Inc()
	p.audit(ctx, id, "paused", fmt.Sprintf("requeued=%d", len(requeue)))
	log.Info("queue paused", "requeued", len(requeue))
	return p.deps.States.Get(ctx, id)
}

// RunBatchTick drains up to batch_size items from the front of the work list,
// schedules one execution per item staggered by ItemStagger and, if items
// remain, the next tick. It is a no-op unless the queue is Processing. Only
// items whose job was accepted are removed from the work list.
func (p *Processor) RunBatchTick(ctx context.Context, id string) error {
	log := p.queueLogger(id)
	status, err := p.deps.States.Status(ctx, id)
	if errors.Is(err, queuestate.ErrNotFound) {
		log.Debug("batch tick for deleted queue")
		return nil
	}
	if err != nil {
		return err
	}
	if status != models.QueueProcessing {
		log.Debug("batch tick skipped", "status", status)
		return nil
	}

	q, err := p.deps.States.Get(ctx, id)
	if err != nil {
		return p.failOnCorrupt(ctx, id, err)
	}
	items, err := p.deps.States.PeekWorkItems(ctx, id, q.BatchSize)
	if err != nil {
		return p.failOnCorrupt(ctx, id, err)
	}

	now := p.now()
	dispatched := 0
	var scheduleErr error
	for i, it := range items {
		runAt := now.Add(time.Duration(i) * p.cfg.ItemStagger)
		args := ItemArgs{QueueID: id, ProductID: it.ProductID, TaskID: it.TaskID, Attempt: it.Attempt}
		if err := p.scheduleItem(ctx, args, runAt, now); err != nil {
			scheduleErr = fmt.Errorf("schedule item %s: %w", it.Key(), err)
			break
		}
		dispatched++
	}

	remaining, err := p.deps.States.TrimWorkItems(ctx, id, items[:dispatched])
	if err != nil {
		return fmt.Errorf("persist remaining items: %w", err)
	}
	if dispatched > 0 {
		telemetry.BatchTicks.Inc()
	}
	log.Info("batch dispatched", "dispatched", dispatched, "remaining", remaining)
	if scheduleErr != nil {
		return scheduleErr
	}

	if remaining > 0 {
		if err := p.scheduleBatch(ctx, id, now.Add(p.batchDelay(q)), now); err != nil {
			return fmt.Errorf("schedule next batch: %w", err)
		}
	}
	return nil
}

// HandleBatch is the scheduled handler for HandlerBatch jobs.
func (p *Processor) HandleBatch(ctx context.Context, job models.ScheduledJob) error {
	var args BatchArgs
	if err := job.Decode(&args); err != nil {
		return fmt.Errorf("decode batch args: %w", err)
	}
	return p.RunBatchTick(ctx, args.QueueID)
}

// HandleItem is the scheduled handler for HandlerItem jobs. When the last
// delivery the scheduler will make still cannot reach queue state, the item
// is resolved as failed so the queue can finish instead of waiting on a
// dead-lettered job.
func (p *Processor) HandleItem(ctx context.Context, job models.ScheduledJob) error {
	var args ItemArgs
	if err := job.Decode(&args); err != nil {
		return fmt.Errorf("decode item args: %w", err)
	}
	err := p.Execute(ctx, args)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queuestate.ErrCorrupt):
		return p.failOnCorrupt(ctx, args.QueueID, err)
	case job.Attempts+1 < p.cfg.MaxAttempts:
		return err
	}
	log := p.queueLogger(args.QueueID).With(logging.FieldProductID, args.ProductID, logging.FieldTaskID, args.TaskID)
	log.Error("item out of deliveries, recording failure", "attempts", job.Attempts+1, "error", err)
	telemetry.ItemsFailed.Inc()
	if rerr := p.record(ctx, log, args.QueueID, args.item(), false, false, err.Error()); rerr != nil {
		return fmt.Errorf("%w (record failure: %v)", err, rerr)
	}
	return nil
}

// failOnCorrupt moves the queue to Failed when its persisted state cannot be
// decoded; retrying such a job only repeats the error. Other errors pass
// through.
func (p *Processor) failOnCorrupt(ctx context.Context, id string, err error) error {
	if !errors.Is(err, queuestate.ErrCorrupt) {
		return err
	}
	p.fail(ctx, id, err)
	return nil
}

// fail runs the side effects of the transition to Failed.
func (p *Processor) fail(ctx context.Context, id string, cause error) {
	log := p.queueLogger(id)
	if _, err := p.deps.States.Transition(ctx, id, models.QueueFailed); err != nil {
		log.Error("mark queue failed", "cause", cause, "error", err)
		return
	}
	if _, err := p.deps.Lock.Release(ctx, id); err != nil {
		log.Warn("lock release failed", "error", err)
	}
	if _, err := p.deps.Scheduler.CancelGroup(ctx, Group(id)); err != nil {
		log.Warn("cancel leftover jobs failed", "error", err)
	}
	telemetry.QueueEvents.WithLabelValues("failed").Inc()
	p.audit(ctx, id, "failed", cause.Error())
	log.Error("queue failed", "error", cause)
}
