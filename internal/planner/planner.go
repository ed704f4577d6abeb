// Package planner turns a selector and a task configuration into the ordered
// list of (product, task) work items a queue still owes.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"product-data-generator/internal/models"
	"product-data-generator/internal/selector"
)

var (
	// ErrNoMatchingProducts means the selector resolved to zero products.
	ErrNoMatchingProducts = errors.New("no products match the selector")
	// ErrNoTasksEnabled means no task of the queue is enabled.
	ErrNoTasksEnabled = errors.New("no tasks enabled")
	// ErrNoWorkRemaining means every candidate item would be skipped.
	ErrNoWorkRemaining = errors.New("no work remaining")
)

// DefaultPreviewLimit bounds the per-product rows in a preview.
const DefaultPreviewLimit = 10

// Catalog resolves selectors against the product catalog.
type Catalog interface {
	ResolveSelector(ctx context.Context, sel selector.Selector) ([]int64, error)
	ProductNames(ctx context.Context, ids []int64) (map[int64]string, error)
}

// GenerationRecords exposes last-generated timestamps per product and task.
type GenerationRecords interface {
	LastGenerated(ctx context.Context, productIDs []int64) (map[int64]map[string]time.Time, error)
}

// Plan is the result of planning: the outstanding items and a display summary.
type Plan struct {
	Items   []models.WorkItem
	Preview models.Preview
}

// Planner computes plans. It never mutates queue state.
type Planner struct {
	catalog      Catalog
	records      GenerationRecords
	previewLimit int
	now          func() time.Time
}

// New builds a planner. A non-positive previewLimit falls back to DefaultPreviewLimit.
func New(catalog Catalog, records GenerationRecords, previewLimit int) *Planner {
	if previewLimit <= 0 {
		previewLimit = DefaultPreviewLimit
	}
	return &Planner{catalog: catalog, records: records, previewLimit: previewLimit, now: time.Now}
}

// Plan resolves cfg.Selector and expands it into work items in selector order
// times task order, omitting pairs whose task skips already-generated
// products that have a Generation Record.
func (p *Planner) Plan(ctx context.Context, cfg models.QueueConfig) (Plan, error) {
	sel, err := selector.Parse(cfg.Selector)
	if err != nil {
		return Plan{}, err
	}
	tasks := cfg.EnabledTasks()
	if len(tasks) == 0 {
		return Plan{}, ErrNoTasksEnabled
	}

	// Catalog failures are not the selector's fault; keep their identity.
	ids, err := p.catalog.ResolveSelector(ctx, sel)
	if err != nil {
		return Plan{}, err
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return Plan{}, ErrNoMatchingProducts
	}

	records := map[int64]map[string]time.Time{}
	if needsRecords(tasks) {
		if records, err = p.records.LastGenerated(ctx, ids); err != nil {
			return Plan{}, fmt.Errorf("load generation records: %w", err)
		}
	}

	plan := Plan{Preview: models.Preview{
		ProductCount: len(ids),
		TaskCount:    len(tasks),
		GeneratedAt:  p.now().UTC(),
	}}
	previewIDs := ids
	if len(previewIDs) > p.previewLimit {
		previewIDs = previewIDs[:p.previewLimit]
	}
	previewTasks := make(map[int64][]string, len(previewIDs))

	if cfg.TaskOptions.GenerateContent {
		for i, id := range ids {
			for _, task := range tasks {
				if task.SkipIfGenerated && hasRecord(records, id, task.ID) {
					continue
				}
				plan.Items = append(plan.Items, models.WorkItem{ProductID: id, TaskID: task.ID})
				if i < len(previewIDs) {
					previewTasks[id] = append(previewTasks[id], task.ID)
				}
			}
		}
	}
	plan.Preview.TotalGenerations = len(plan.Items)
	if len(plan.Items) == 0 {
		return plan, ErrNoWorkRemaining
	}

	names, err := p.catalog.ProductNames(ctx, previewIDs)
	if err != nil {
		return Plan{}, fmt.Errorf("load product names: %w", err)
	}
	for _, id := range previewIDs {
		plan.Preview.PreviewProducts = append(plan.Preview.PreviewProducts, models.PreviewProduct{
			ID:    id,
			Name:  names[id],
			Tasks: previewTasks[id],
		})
	}
	return plan, nil
}

// ShouldSkip reports whether task must be skipped for productID given its records.
// The executor uses it to re-check at run time.
func ShouldSkip(task models.TaskConfig, productRecords map[string]time.Time) bool {
	if !task.SkipIfGenerated {
		return false
	}
	_, ok := productRecords[task.ID]
	return ok
}

func hasRecord(records map[int64]map[string]time.Time, id int64, task string) bool {
	_, ok := records[id][task]
	return ok
}

func needsRecords(tasks []models.TaskConfig) bool {
	for _, t := range tasks {
		if t.SkipIfGenerated {
			return true
		}
	}
	return false
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
