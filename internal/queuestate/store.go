// Package queuestate persists bulk queues in Redis. Each queue is a hash of
// configuration, status and progress counters, a list of pending work items
// and a hash of per-item results. Counter updates and the completion
// transition run inside Lua scripts so concurrent item executions never lose
// an increment and completion fires exactly once.
package queuestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"product-data-generator/internal/models"
)

var (
	// ErrNotFound is returned for unknown queue ids.
	ErrNotFound = errors.New("queue not found")
	// ErrInvalidTransition is returned when the state machine forbids a status change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrQueueProcessing is returned when editing a queue that is running.
	ErrQueueProcessing = errors.New("queue is processing")
	// ErrCorrupt is returned when persisted configuration cannot be decoded.
	ErrCorrupt = errors.New("corrupt queue state")
	// ErrConflict is returned when a concurrent writer changed the queue mid-update.
	ErrConflict = errors.New("concurrent queue update")
)

const (
	fieldTitle        = "title"
	fieldSelector     = "query_selector"
	fieldTasks        = "task_config"
	fieldTaskOptions  = "task_options"
	fieldBatchSize    = "batch_size"
	fieldDelay        = "delay"
	fieldRetryFailed  = "retry_failed"
	fieldStatus       = "status"
	fieldCreatedAt    = "created_at"
	fieldUpdatedAt    = "updated_at"
	fieldTotal        = "progress_total"
	fieldCompleted    = "progress_completed"
	fieldFailed       = "progress_failed"
	fieldCurrent      = "progress_current_product_id"
	fieldStartedAt    = "progress_started_at"
	fieldCompletedAt  = "progress_completed_at"
	fieldPreviewCache = "preview_cache"
)

// RecordOutcome reports what RecordResult did.
type RecordOutcome int

const (
	// Duplicate means a result for the item already existed; nothing changed.
	Duplicate RecordOutcome = iota
	// Recorded means the result was stored and a counter advanced.
	Recorded
	// CompletedQueue means the result resolved the last item and the queue is now Completed.
	CompletedQueue
	// Ignored means the queue was neither Processing nor Paused; nothing changed.
	Ignored
)

// Store is the Redis-backed queue repository.
type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// New returns a store whose keys live under prefix.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "pdg"
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) indexKey() string { return s.prefix + ":queues" }

func (s *Store) queueKey(id string) string { return s.prefix + ":queue:" + id }

func (s *Store) itemsKey(id string) string { return s.queueKey(id) + ":work_items" }

func (s *Store) resultsKey(id string) string { return s.queueKey(id) + ":results" }

func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func configFields(cfg models.QueueConfig) ([]any, error) {
	tasks, err := json.Marshal(cfg.Tasks)
	if err != nil {
		return nil, err
	}
	opts, err := json.Marshal(cfg.TaskOptions)
	if err != nil {
		return nil, err
	}
	return []any{
		fieldTitle, cfg.Title,
		fieldSelector, cfg.Selector,
		fieldTasks, string(tasks),
		fieldTaskOptions, string(opts),
		fieldBatchSize, cfg.BatchSize,
		fieldDelay, cfg.DelaySeconds,
		fieldRetryFailed, boolField(cfg.RetryFailed),
	}, nil
}

// Create persists a new Draft queue.
func (s *Store) Create(ctx context.Context, cfg models.QueueConfig) (models.Queue, error) {
	id := uuid.NewString()
	now := s.now()
	fields, err := configFields(cfg)
	if err != nil {
		return models.Queue{}, fmt.Errorf("encode queue config: %w", err)
	}
	fields = append(fields,
		fieldStatus, string(models.QueueDraft),
		fieldCreatedAt, millis(now),
		fieldUpdatedAt, millis(now),
		fieldTotal, 0,
		fieldCompleted, 0,
		fieldFailed, 0,
		fieldCurrent, 0,
	)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.queueKey(id), fields...)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Queue{}, fmt.Errorf("create queue: %w", err)
	}
	return s.Get(ctx, id)
}

// Get loads a queue with its progress, remaining item count and cached preview.
func (s *Store) Get(ctx context.Context, id string) (models.Queue, error) {
	pipe := s.client.Pipeline()
	hash := pipe.HGetAll(ctx, s.queueKey(id))
	remaining := pipe.LLen(ctx, s.itemsKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Queue{}, fmt.Errorf("get queue %s: %w", id, err)
	}
	fields := hash.Val()
	if len(fields) == 0 {
		return models.Queue{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	q, err := decodeQueue(id, fields)
	if err != nil {
		return q, err
	}
	q.Remaining = int(remaining.Val())
	return q, nil
}

func decodeQueue(id string, f map[string]string) (models.Queue, error) {
	q := models.Queue{
		ID:        id,
		Status:    models.QueueStatus(f[fieldStatus]),
		CreatedAt: parseMillis(f[fieldCreatedAt]),
		UpdatedAt: parseMillis(f[fieldUpdatedAt]),
	}
	q.Title = f[fieldTitle]
	q.Selector = f[fieldSelector]
	q.BatchSize, _ = strconv.Atoi(f[fieldBatchSize])
	q.DelaySeconds, _ = strconv.Atoi(f[fieldDelay])
	q.RetryFailed = f[fieldRetryFailed] == "1"
	q.Progress = models.Progress{
		Total:            atoi(f[fieldTotal]),
		Completed:        atoi(f[fieldCompleted]),
		Failed:           atoi(f[fieldFailed]),
		CurrentProductID: int64(atoi(f[fieldCurrent])),
		StartedAt:        optionalMillis(f[fieldStartedAt]),
		CompletedAt:      optionalMillis(f[fieldCompletedAt]),
	}

	if !q.Status.Valid() {
		return q, fmt.Errorf("%w: queue %s: status %q", ErrCorrupt, id, q.Status)
	}
	if raw := f[fieldTasks]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &q.Tasks); err != nil {
			return q, fmt.Errorf("%w: queue %s: task_config: %v", ErrCorrupt, id, err)
		}
	}
	q.TaskOptions = models.DefaultTaskOptions()
	if raw := f[fieldTaskOptions]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &q.TaskOptions); err != nil {
			return q, fmt.Errorf("%w: queue %s: task_options: %v", ErrCorrupt, id, err)
		}
	}
	if raw := f[fieldPreviewCache]; raw != "" {
		var p models.Preview
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			q.Preview = &p
		}
	}
	return q, nil
}

// List returns every queue, newest first. Queues that fail to decode are
// returned with their raw status so operators can still see and delete them.
func (s *Store) List(ctx context.Context) ([]models.Queue, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	out := make([]models.Queue, 0, len(ids))
	for _, id := range ids {
		q, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.client.ZRem(ctx, s.indexKey(), id)
			continue
		}
		if err != nil && !errors.Is(err, ErrCorrupt) {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// Update replaces the editable configuration. Running queues cannot be edited.
// The preview cache is dropped because it no longer matches the config.
func (s *Store) Update(ctx context.Context, id string, cfg models.QueueConfig) (models.Queue, error) {
	fields, err := configFields(cfg)
	if err != nil {
		return models.Queue{}, fmt.Errorf("encode queue config: %w", err)
	}
	fields = append(fields, fieldUpdatedAt, millis(s.now()))

	key := s.queueKey(id)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, fieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if models.QueueStatus(status) == models.QueueProcessing {
			return fmt.Errorf("%w: %s", ErrQueueProcessing, id)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields...)
			pipe.HDel(ctx, key, fieldPreviewCache)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return models.Queue{}, fmt.Errorf("%w: %s", ErrConflict, id)
	}
	if err != nil {
		return models.Queue{}, err
	}
	return s.Get(ctx, id)
}

// Delete removes a queue and everything stored under it.
func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.client.Exists(ctx, s.queueKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.queueKey(id), s.itemsKey(id), s.resultsKey(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	_, err = pipe.Exec(ctx)
	return err
}

// allowedFrom encodes the state machine: the statuses each target may be entered from.
var allowedFrom = map[models.QueueStatus][]models.QueueStatus{
	models.QueueProcessing: {models.QueueDraft, models.QueuePaused},
	models.QueuePaused:     {models.QueueProcessing},
	models.QueueCompleted:  {models.QueueProcessing, models.QueuePaused},
	models.QueueFailed:     {models.QueueProcessing, models.QueuePaused},
}

// Transition moves the queue to status `to`. It returns the previous status.
func (s *Store) Transition(ctx context.Context, id string, to models.QueueStatus) (models.QueueStatus, error) {
	from, ok := allowedFrom[to]
	if !ok {
		return "", fmt.Errorf("%w: cannot transition to %q", ErrInvalidTransition, to)
	}
	args := []any{string(to), millis(s.now())}
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := transitionScript.Run(ctx, s.client, []string{s.queueKey(id)}, args...).Slice()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("transition queue %s: %w", id, err)
	}
	applied, _ := res[0].(int64)
	prev, _ := res[1].(string)
	if applied != 1 {
		return models.QueueStatus(prev), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, to)
	}
	return models.QueueStatus(prev), nil
}

// Status reads only the status field, without decoding the rest of the queue.
func (s *Store) Status(ctx context.Context, id string) (models.QueueStatus, error) {
	st, err := s.client.HGet(ctx, s.queueKey(id), fieldStatus).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return models.QueueStatus(st), err
}

// CommitPlan persists a freshly computed plan and moves a Draft queue to
// Processing: work items replaced, results cleared, progress reset to the
// plan size.
func (s *Store) CommitPlan(ctx context.Context, id string, items []models.WorkItem) error {
	if len(items) == 0 {
		return errors.New("commit plan: no work items")
	}
	encoded := make([]any, len(items))
	for i, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			return err
		}
		encoded[i] = string(b)
	}
	now := millis(s.now())

	key := s.queueKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, fieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if models.QueueStatus(status) != models.QueueDraft {
			return fmt.Errorf("%w: %s -> processing with a new plan", ErrInvalidTransition, status)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.itemsKey(id), s.resultsKey(id))
			pipe.RPush(ctx, s.itemsKey(id), encoded...)
			pipe.HSet(ctx, key,
				fieldStatus, string(models.QueueProcessing),
				fieldTotal, len(items),
				fieldCompleted, 0,
				fieldFailed, 0,
				fieldCurrent, 0,
				fieldStartedAt, now,
				fieldUpdatedAt, now,
			)
			pipe.HDel(ctx, key, fieldCompletedAt)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s", ErrConflict, id)
	}
	return err
}

// Reset returns a non-running queue to Draft and clears its run state.
func (s *Store) Reset(ctx context.Context, id string) error {
	key := s.queueKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, fieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if models.QueueStatus(status) == models.QueueProcessing {
			return fmt.Errorf("%w: %s", ErrQueueProcessing, id)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.itemsKey(id), s.resultsKey(id))
			pipe.HSet(ctx, key,
				fieldStatus, string(models.QueueDraft),
				fieldTotal, 0,
				fieldCompleted, 0,
				fieldFailed, 0,
				fieldCurrent, 0,
				fieldUpdatedAt, millis(s.now()),
			)
			pipe.HDel(ctx, key, fieldStartedAt, fieldCompletedAt)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s", ErrConflict, id)
	}
	return err
}

// PeekWorkItems returns up to n items from the front of the work list without removing them.
func (s *Store) PeekWorkItems(ctx context.Context, id string, n int) ([]models.WorkItem, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.itemsKey(id), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	items := make([]models.WorkItem, 0, len(raw))
	for _, r := range raw {
		var it models.WorkItem
		if err := json.Unmarshal([]byte(r), &it); err != nil {
			return nil, fmt.Errorf("%w: queue %s: work item %q", ErrCorrupt, id, r)
		}
		items = append(items, it)
	}
	return items, nil
}

// TrimWorkItems removes the given dispatched items from the work list and
// returns how many remain. Items are matched by value, so an overlapping tick
// that already removed them cannot make this call drop undispatched items.
func (s *Store) TrimWorkItems(ctx context.Context, id string, items []models.WorkItem) (int, error) {
	args := make([]any, 0, len(items))
	for _, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			return 0, err
		}
		args = append(args, string(b))
	}
	n, err := trimScript.Run(ctx, s.client, []string{s.itemsKey(id)}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("trim work items of %s: %w", id, err)
	}
	return n, nil
}

// RequeueFront puts items back at the front of the work list, preserving their order.
func (s *Store) RequeueFront(ctx context.Context, id string, items []models.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	encoded := make([]any, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		b, err := json.Marshal(items[i])
		if err != nil {
			return err
		}
		encoded = append(encoded, string(b))
	}
	return s.client.LPush(ctx, s.itemsKey(id), encoded...).Err()
}

// RemainingItems counts undispatched work items.
func (s *Store) RemainingItems(ctx context.Context, id string) (int, error) {
	n, err := s.client.LLen(ctx, s.itemsKey(id)).Result()
	return int(n), err
}

// SetCurrentProduct records which product is being worked on. Last writer wins.
func (s *Store) SetCurrentProduct(ctx context.Context, id string, productID int64) error {
	return s.client.HSet(ctx, s.queueKey(id), fieldCurrent, productID).Err()
}

// HasResult reports whether an outcome is already recorded for the item.
func (s *Store) HasResult(ctx context.Context, id string, item models.WorkItem) (bool, error) {
	return s.client.HExists(ctx, s.resultsKey(id), item.Key()).Result()
}

// RecordResult stores the outcome of one item and advances the matching
// counter. The first outcome for an item wins; later ones are ignored so
// counters always agree with the results map. Outcomes arriving after the
// queue left Processing/Paused (reset, completed, failed) are dropped. When
// the result resolves the last outstanding item the queue moves to Completed
// in the same step.
func (s *Store) RecordResult(ctx context.Context, id string, res models.ItemResult) (RecordOutcome, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return Duplicate, err
	}
	code, err := recordScript.Run(ctx, s.client,
		[]string{s.queueKey(id), s.resultsKey(id)},
		models.ResultKey(res.ProductID, res.TaskID), string(payload), boolField(res.Success), res.ProductID, millis(s.now()),
	).Int()
	if err != nil {
		return Duplicate, fmt.Errorf("record result %s/%s: %w", id, models.ResultKey(res.ProductID, res.TaskID), err)
	}
	switch code {
	case -1:
		return Duplicate, fmt.Errorf("%w: %s", ErrNotFound, id)
	case 0:
		return Duplicate, nil
	case 2:
		return CompletedQueue, nil
	case 3:
		return Ignored, nil
	default:
		return Recorded, nil
	}
}

// Results returns every recorded outcome keyed by "<product>_<task>".
func (s *Store) Results(ctx context.Context, id string) (map[string]models.ItemResult, error) {
	raw, err := s.client.HGetAll(ctx, s.resultsKey(id)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.ItemResult, len(raw))
	for k, v := range raw {
		var r models.ItemResult
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			continue
		}
		out[k] = r
	}
	return out, nil
}

// SavePreview caches a dry-run projection on the queue.
func (s *Store) SavePreview(ctx context.Context, id string, p models.Preview) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	n, err := setIfExistsScript.Run(ctx, s.client, []string{s.queueKey(id)}, fieldPreviewCache, string(b)).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ProcessingIDs scans for queues currently in Processing.
func (s *Store) ProcessingIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		st, err := s.client.HGet(ctx, s.queueKey(id), fieldStatus).Result()
		if err != nil {
			continue
		}
		if models.QueueStatus(st) == models.QueueProcessing {
			out = append(out, id)
		}
	}
	return out, nil
}

func atoi(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func optionalMillis(v string) *time.Time {
	t := parseMillis(v)
	if t.IsZero() {
		return nil
	}
	return &t
}

// ARGV[1] target, ARGV[2] now, ARGV[3..] statuses the target may be entered from.
var transitionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return nil end
for i=3,#ARGV do
  if status == ARGV[i] then
    redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
    if ARGV[1] == 'completed' or ARGV[1] == 'failed' then
      redis.call('HSET', KEYS[1], 'progress_completed_at', ARGV[2])
    end
    return {1, status}
  end
end
return {0, status}
`)

// KEYS[1] queue hash, KEYS[2] results hash.
// ARGV: result key, result json, success flag, product id, now.
// Returns -1 unknown queue, 0 duplicate, 1 recorded, 2 recorded and completed,
// 3 queue not running.
var recordScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'processing' and status ~= 'paused' then return 3 end
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then return 0 end
if ARGV[3] == '1' then
  redis.call('HINCRBY', KEYS[1], 'progress_completed', 1)
else
  redis.call('HINCRBY', KEYS[1], 'progress_failed', 1)
end
redis.call('HSET', KEYS[1], 'progress_current_product_id', ARGV[4], 'updated_at', ARGV[5])
local total = tonumber(redis.call('HGET', KEYS[1], 'progress_total') or '0')
local done = tonumber(redis.call('HGET', KEYS[1], 'progress_completed') or '0')
  + tonumber(redis.call('HGET', KEYS[1], 'progress_failed') or '0')
if total > 0 and done >= total then
  redis.call('HSET', KEYS[1], 'status', 'completed', 'progress_completed_at', ARGV[5])
  return 2
end
return 1
`)

// KEYS[1] work item list. ARGV: encoded items to remove, front first.
var trimScript = redis.NewScript(`
for i=1,#ARGV do
  if redis.call('LINDEX', KEYS[1], 0) == ARGV[i] then
    redis.call('LPOP', KEYS[1])
  else
    redis.call('LREM', KEYS[1], 1, ARGV[i])
  end
end
return redis.call('LLEN', KEYS[1])
`)

var setIfExistsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)
