package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"product-data-generator/internal/config"
	"product-data-generator/internal/models"
)

// NewRedisClient builds the shared Redis client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisQueue coordinates ready, in-flight, and scheduled jobs in Redis. Jobs
// carry a handler name, JSON arguments and an optional group so that every
// pending job of one bulk queue can be cancelled together.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	prefix         string
	visibilityTTL  time.Duration
	dlqKey         string
}

// NewRedisQueue builds a queue on top of client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "pdg"
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "dlq"
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		prefix:         prefix + ":sched:",
		visibilityTTL:  visibility,
		dlqKey:         prefix + ":sched:" + dlq,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return q.prefix + "ready:" + priority
}

func (q *RedisQueue) inflightKey() string { return q.prefix + "inflight" }
func (q *RedisQueue) scheduledKey() string { return q.prefix + "scheduled" }

func (q *RedisQueue) metaKey(jobID string) string { return q.prefix + "job:" + jobID }
func (q *RedisQueue) groupKey(group string) string { return q.prefix + "group:" + group }

func (q *RedisQueue) priority(p string) string {
	for _, known := range q.priorityQueues {
		if known == p {
			return p
		}
	}
	return q.priorityQueues[len(q.priorityQueues)-1]
}

// Schedule stores a job to run at job.RunAt. Jobs due now go straight to
// their ready list. The job id is generated when empty and returned.
func (q *RedisQueue) Schedule(ctx context.Context, job models.ScheduledJob, now time.Time) (string, error) {
	if job.Handler == "" {
		return "", errors.New("schedule: handler required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Args == nil {
		job.Args = json.RawMessage("null")
	}
	job.Priority = q.priority(job.Priority)
	if job.RunAt.IsZero() {
		job.RunAt = now
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(job.ID),
		"handler", job.Handler,
		"group", job.Group,
		"priority", job.Priority,
		"args", string(job.Args),
		"attempts", job.Attempts,
		"run_at", job.RunAt.UnixMilli(),
	)
	if job.Group != "" {
		pipe.SAdd(ctx, q.groupKey(job.Group), job.ID)
	}
	if job.RunAt.After(now) {
		pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.RPush(ctx, q.readyKey(job.Priority), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("schedule %s: %w", job.Handler, err)
	}
	return job.ID, nil
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		priority, _ := q.client.HGet(ctx, q.metaKey(id), "priority").Result()
		moved, err := promoteScript.Run(ctx, q.client,
			[]string{q.scheduledKey(), q.readyKey(q.priority(priority))}, id).Int()
		if err != nil {
			return promoted, err
		}
		promoted += moved
	}
	return promoted, nil
}

// DequeueWithLease pops a job from ready queues (priority order) and places
// it into inflight with a visibility timeout. ok is false when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, now time.Time) (job models.ScheduledJob, ok bool, err error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey())

	res, err := dequeueScript.Run(ctx, q.client, keys, now.Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return models.ScheduledJob{}, false, nil
	}
	if err != nil {
		return models.ScheduledJob{}, false, err
	}
	jobID, isString := res.(string)
	if !isString {
		return models.ScheduledJob{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	fields, err := q.client.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return models.ScheduledJob{}, false, err
	}
	if len(fields) == 0 {
		// Meta is gone: the job was acked elsewhere after a lease expiry.
		q.client.ZRem(ctx, q.inflightKey(), jobID)
		return models.ScheduledJob{}, false, nil
	}
	return jobFromFields(jobID, fields), true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, until time.Time) error {
	return q.client.ZAddXX(ctx, q.inflightKey(), redis.Z{
		Score:  float64(until.UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a finished job from in-flight tracking, its group and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, job models.ScheduledJob) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), job.ID)
	pipe.Del(ctx, q.metaKey(job.ID))
	if job.Group != "" {
		pipe.SRem(ctx, q.groupKey(job.Group), job.ID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Retry moves an in-flight job back to the scheduled set with one more attempt recorded.
func (q *RedisQueue) Retry(ctx context.Context, job models.ScheduledJob, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), job.ID)
	pipe.HSet(ctx, q.metaKey(job.ID), "attempts", job.Attempts+1, "run_at", runAt.UnixMilli())
	pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	var reclaimed []string
	for _, id := range ids {
		priority, _ := q.client.HGet(ctx, q.metaKey(id), "priority").Result()
		moved, err := promoteScript.Run(ctx, q.client,
			[]string{q.inflightKey(), q.readyKey(q.priority(priority))}, id).Int()
		if err != nil {
			return reclaimed, err
		}
		if moved > 0 {
			reclaimed = append(reclaimed, id)
		}
	}
	return reclaimed, nil
}

// CancelGroup removes every pending job of group from the scheduled set and
// ready lists and returns them. Leased jobs are left to finish.
func (q *RedisQueue) CancelGroup(ctx context.Context, group string) ([]models.ScheduledJob, error) {
	ids, err := q.client.SMembers(ctx, q.groupKey(group)).Result()
	if err != nil {
		return nil, err
	}
	keys := []string{q.scheduledKey(), "", q.groupKey(group)}
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}

	var cancelled []models.ScheduledJob
	for _, id := range ids {
		keys[1] = q.metaKey(id)
		res, err := cancelScript.Run(ctx, q.client, keys, id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return cancelled, err
		}
		flat, _ := res.([]interface{})
		fields := make(map[string]string, len(flat)/2)
		for i := 0; i+1 < len(flat); i += 2 {
			k, _ := flat[i].(string)
			v, _ := flat[i+1].(string)
			fields[k] = v
		}
		cancelled = append(cancelled, jobFromFields(id, fields))
	}
	return cancelled, nil
}

// ListGroup returns every job of group that has not been acked, in run order.
func (q *RedisQueue) ListGroup(ctx context.Context, group string) ([]models.ScheduledJob, error) {
	ids, err := q.client.SMembers(ctx, q.groupKey(group)).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]models.ScheduledJob, 0, len(ids))
	for _, id := range ids {
		fields, err := q.client.HGetAll(ctx, q.metaKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		jobs = append(jobs, jobFromFields(id, fields))
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].RunAt.Before(jobs[j].RunAt) })
	return jobs, nil
}

// GroupSize counts jobs of group that have not been acked.
func (q *RedisQueue) GroupSize(ctx context.Context, group string) (int64, error) {
	return q.client.SCard(ctx, q.groupKey(group)).Result()
}

// DeleteGroup drops the group membership set; call after CancelGroup once no job is leased.
func (q *RedisQueue) DeleteGroup(ctx context.Context, group string) error {
	return q.client.Del(ctx, q.groupKey(group)).Err()
}

// DLQPush appends a dead letter for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, dl models.DeadLetter) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.dlqKey, payload).Err()
}

// DLQPeek reads up to count dead letters, oldest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]models.DeadLetter, error) {
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl models.DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// ScheduledDepth returns the number of deferred jobs.
func (q *RedisQueue) ScheduledDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduledKey()).Result()
}

// InFlight returns the number of leased jobs.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey()).Result()
}

func jobFromFields(id string, fields map[string]string) models.ScheduledJob {
	attempts, _ := strconv.Atoi(fields["attempts"])
	runAt, _ := strconv.ParseInt(fields["run_at"], 10, 64)
	job := models.ScheduledJob{
		ID:       id,
		Handler:  fields["handler"],
		Group:    fields["group"],
		Priority: fields["priority"],
		Attempts: attempts,
		RunAt:    time.UnixMilli(runAt),
	}
	if args := fields["args"]; args != "" {
		job.Args = json.RawMessage(args)
	}
	return job
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

// KEYS[1] source zset, KEYS[2] ready list. Moves the member only if it is still in the source.
var promoteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// KEYS[1] scheduled, KEYS[2] job meta, KEYS[3] group set, KEYS[4..] ready lists.
var cancelScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
for i=4,#KEYS do
  removed = removed + redis.call('LREM', KEYS[i], 0, ARGV[1])
end
if removed == 0 then return nil end
local meta = redis.call('HGETALL', KEYS[2])
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[3], ARGV[1])
return meta
`)
