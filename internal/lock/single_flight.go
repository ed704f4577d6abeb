// Package lock provides the single-flight slot that keeps at most one bulk
// queue processing at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultGrace is how long a fresh holder is trusted before its queue status is consulted.
const DefaultGrace = time.Minute

// ActiveFunc reports whether the queue holding the slot is still running.
type ActiveFunc func(ctx context.Context, queueID string) (bool, error)

// SingleFlight is a compare-and-swap slot in Redis. The value is
// "<queue id>:<acquired unix ms>".
type SingleFlight struct {
	client *redis.Client
	key    string
	active ActiveFunc
	grace  time.Duration
	now    func() time.Time
}

// New builds the lock. active may be nil, in which case holders are never
// considered stale.
func New(client *redis.Client, prefix string, active ActiveFunc) *SingleFlight {
	if prefix == "" {
		prefix = "pdg"
	}
	return &SingleFlight{
		client: client,
		key:    prefix + ":lock:processing",
		active: active,
		grace:  DefaultGrace,
		now:    time.Now,
	}
}

// WithGrace overrides the stale-holder grace period.
func (l *SingleFlight) WithGrace(d time.Duration) *SingleFlight {
	l.grace = d
	return l
}

// WithClock overrides the time source.
func (l *SingleFlight) WithClock(now func() time.Time) *SingleFlight {
	l.now = now
	return l
}

// TryAcquire takes the slot for queueID. It succeeds when the slot is free,
// already held by queueID, or held by a queue that is no longer running and
// has held it longer than the grace period.
func (l *SingleFlight) TryAcquire(ctx context.Context, queueID string) (bool, error) {
	if queueID == "" {
		return false, errors.New("lock: queue id required")
	}
	value := queueID + ":" + strconv.FormatInt(l.now().UnixMilli(), 10)
	ok, err := l.client.SetNX(ctx, l.key, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("lock acquire: %w", err)
	}
	if ok {
		return true, nil
	}

	raw, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return l.TryAcquire(ctx, queueID)
	}
	if err != nil {
		return false, fmt.Errorf("lock read: %w", err)
	}
	holder, acquired := parseValue(raw)
	if holder == queueID {
		return true, nil
	}
	if l.active == nil || l.now().Sub(acquired) < l.grace {
		return false, nil
	}
	running, err := l.active(ctx, holder)
	if err != nil {
		return false, fmt.Errorf("lock holder %s: %w", holder, err)
	}
	if running {
		return false, nil
	}
	swapped, err := swapScript.Run(ctx, l.client, []string{l.key}, raw, value).Int()
	if err != nil {
		return false, fmt.Errorf("lock takeover: %w", err)
	}
	return swapped == 1, nil
}

// Holder returns the queue holding the slot, if any.
func (l *SingleFlight) Holder(ctx context.Context) (string, bool, error) {
	raw, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	holder, _ := parseValue(raw)
	return holder, true, nil
}

// IsLocked reports whether any queue holds the slot.
func (l *SingleFlight) IsLocked(ctx context.Context) (bool, error) {
	_, locked, err := l.Holder(ctx)
	return locked, err
}

// Release frees the slot if queueID holds it. It reports whether anything was released.
func (l *SingleFlight) Release(ctx context.Context, queueID string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, queueID+":").Int()
	if err != nil {
		return false, fmt.Errorf("lock release: %w", err)
	}
	return n == 1, nil
}

func parseValue(raw string) (string, time.Time) {
	idx := strings.LastIndexByte(raw, ':')
	if idx < 0 {
		return raw, time.Time{}
	}
	ms, err := strconv.ParseInt(raw[idx+1:], 10, 64)
	if err != nil {
		return raw, time.Time{}
	}
	return raw[:idx], time.UnixMilli(ms)
}

var swapScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// ARGV[1] is "<queue id>:"; the value must start with it.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1])) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)
