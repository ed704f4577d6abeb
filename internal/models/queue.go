package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QueueStatus enumerates lifecycle states of a bulk generation queue.
type QueueStatus string

const (
	QueueDraft      QueueStatus = "draft"
	QueueProcessing QueueStatus = "processing"
	QueuePaused     QueueStatus = "paused"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// Valid reports whether s is a known status.
func (s QueueStatus) Valid() bool {
	switch s {
	case QueueDraft, QueueProcessing, QueuePaused, QueueCompleted, QueueFailed:
		return true
	}
	return false
}

// TaskConfig is the per-task generation policy of a queue. Tasks are kept as an
// ordered slice because plan order follows configuration order. A nil
// Temperature falls back to the template default; 0 is a valid override.
type TaskConfig struct {
	ID              string   `json:"id"`
	Enabled         bool     `json:"enabled"`
	SkipIfGenerated bool     `json:"skip_if_generated"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

// TaskOptions are the coarse per-queue switches kept from the admin screen.
type TaskOptions struct {
	FetchData       bool `json:"fetch_data"`
	ReplaceImage    bool `json:"replace_image"`
	GenerateContent bool `json:"generate_content"`
}

// DefaultTaskOptions mirrors the admin defaults: content generation on, image replacement off.
func DefaultTaskOptions() TaskOptions {
	return TaskOptions{FetchData: true, GenerateContent: true}
}

// QueueConfig is the editable part of a queue.
type QueueConfig struct {
	Title        string       `json:"title"`
	Selector     string       `json:"selector"`
	Tasks        []TaskConfig `json:"tasks"`
	TaskOptions  TaskOptions  `json:"task_options"`
	BatchSize    int          `json:"batch_size"`
	DelaySeconds int          `json:"delay_seconds"`
	RetryFailed  bool         `json:"retry_failed"`
}

// Delay is the pause between batch ticks.
func (c QueueConfig) Delay() time.Duration {
	return time.Duration(c.DelaySeconds) * time.Second
}

// EnabledTasks returns the enabled tasks in configuration order.
func (c QueueConfig) EnabledTasks() []TaskConfig {
	out := make([]TaskConfig, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// Task looks up a task by id.
func (c QueueConfig) Task(id string) (TaskConfig, bool) {
	for _, t := range c.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskConfig{}, false
}

// Progress tracks counters of a running or finished queue.
type Progress struct {
	Total            int        `json:"total"`
	Completed        int        `json:"completed"`
	Failed           int        `json:"failed"`
	CurrentProductID int64      `json:"current_product_id,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Resolved counts items that reached a final outcome.
func (p Progress) Resolved() int {
	return p.Completed + p.Failed
}

// Outstanding counts items that still owe an outcome.
func (p Progress) Outstanding() int {
	if n := p.Total - p.Resolved(); n > 0 {
		return n
	}
	return 0
}

// HasErrors reports a completed-with-failures run; the terminal status stays Completed.
func (p Progress) HasErrors() bool {
	return p.Failed > 0
}

// WorkItem is one (product, task) pair still owed a generation attempt.
// Attempt carries the generation retries already spent so a paused item
// keeps its retry budget.
type WorkItem struct {
	ProductID int64  `json:"product_id"`
	TaskID    string `json:"task_id"`
	Attempt   int    `json:"attempt,omitempty"`
}

// Key is the results-map key for the pair.
func (w WorkItem) Key() string {
	return ResultKey(w.ProductID, w.TaskID)
}

// ResultKey builds the "<product>_<task>" key used for per-item results.
func ResultKey(productID int64, taskID string) string {
	return strconv.FormatInt(productID, 10) + "_" + taskID
}

// ParseResultKey splits a results-map key into its pair.
func ParseResultKey(key string) (WorkItem, error) {
	idx := strings.IndexByte(key, '_')
	if idx <= 0 {
		return WorkItem{}, fmt.Errorf("malformed result key %q", key)
	}
	id, err := strconv.ParseInt(key[:idx], 10, 64)
	if err != nil {
		return WorkItem{}, fmt.Errorf("malformed result key %q: %w", key, err)
	}
	return WorkItem{ProductID: id, TaskID: key[idx+1:]}, nil
}

// ItemResult is the recorded outcome for one work item.
type ItemResult struct {
	ProductID int64     `json:"product_id"`
	TaskID    string    `json:"task_id"`
	Success   bool      `json:"success"`
	Skipped   bool      `json:"skipped"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PreviewProduct is one row of the dry-run preview.
type PreviewProduct struct {
	ID    int64    `json:"id"`
	Name  string   `json:"name"`
	Tasks []string `json:"tasks"`
}

// Preview is the cached dry-run projection of a queue.
type Preview struct {
	ProductCount     int              `json:"product_count"`
	TaskCount        int              `json:"task_count"`
	TotalGenerations int              `json:"total_generations"`
	PreviewProducts  []PreviewProduct `json:"preview_products"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

// Queue is one bulk job definition plus its runtime state.
type Queue struct {
	ID        string      `json:"id"`
	Status    QueueStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	QueueConfig
	Progress  Progress `json:"progress"`
	Remaining int      `json:"remaining"`
	Preview   *Preview `json:"preview,omitempty"`
}
