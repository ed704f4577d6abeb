package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"product-data-generator/internal/config"
	"product-data-generator/internal/models"
	"product-data-generator/internal/queue"
)

type harness struct {
	queue  *queue.RedisQueue
	runner *Runner
	now    time.Time
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Default()
	cfg.MaxAttempts = maxAttempts
	cfg.BackoffInitial = time.Second
	cfg.BackoffMax = 4 * time.Second
	cfg.VisibilityTimeout = time.Minute

	h := &harness{queue: queue.NewRedisQueue(client, cfg), now: time.Unix(1_700_000_000, 0)}
	h.runner = NewRunner(cfg, h.queue, nil).WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) schedule(t *testing.T, handler string) string {
	t.Helper()
	id, err := h.queue.Schedule(context.Background(), models.ScheduledJob{Handler: handler, Group: "queue:q1"}, h.now)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return id
}

func TestRunOnceAcksSuccessfulJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	var seen []string
	h.runner.RegisterHandler("bulk.item", func(_ context.Context, job models.ScheduledJob) error {
		seen = append(seen, job.ID)
		return nil
	})
	id := h.schedule(t, "bulk.item")

	ran, err := h.runner.RunOnce(ctx)
	if err != nil || !ran {
		t.Fatalf("run once: ran=%v err=%v", ran, err)
	}
	if len(seen) != 1 || seen[0] != id {
		t.Fatalf("handler saw %v", seen)
	}
	if n, _ := h.queue.GroupSize(ctx, "queue:q1"); n != 0 {
		t.Fatalf("acked job must leave its group, size %d", n)
	}
	if n, _ := h.queue.InFlight(ctx); n != 0 {
		t.Fatalf("expected nothing in flight, got %d", n)
	}
	if ran, _ := h.runner.RunOnce(ctx); ran {
		t.Fatal("queue should be empty")
	}
}

func TestFailingJobRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)
	calls := 0
	h.runner.RegisterHandler("bulk.batch", func(context.Context, models.ScheduledJob) error {
		calls++
		return errors.New("redis unavailable")
	})
	h.schedule(t, "bulk.batch")

	if ran, _ := h.runner.RunOnce(ctx); !ran {
		t.Fatal("expected first attempt to run")
	}
	if n, _ := h.queue.ScheduledDepth(ctx); n != 1 {
		t.Fatalf("expected retry in scheduled set, got %d", n)
	}
	if ran, _ := h.runner.RunOnce(ctx); ran {
		t.Fatal("retry must wait for its backoff")
	}

	h.now = h.now.Add(5 * time.Second)
	if ran, _ := h.runner.RunOnce(ctx); !ran {
		t.Fatal("expected second attempt after backoff")
	}
	if calls != 2 {
		t.Fatalf("expected 2 handler calls, got %d", calls)
	}

	dead, err := h.queue.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(dead) != 1 || dead[0].Error != "redis unavailable" || dead[0].Job.Attempts != 1 {
		t.Fatalf("unexpected dead letters %+v", dead)
	}
	if n, _ := h.queue.ScheduledDepth(ctx); n != 0 {
		t.Fatalf("dead job must not be rescheduled, got %d", n)
	}
}

func TestUnknownHandlerIsAFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	h.schedule(t, "mystery")

	if ran, _ := h.runner.RunOnce(ctx); !ran {
		t.Fatal("expected job to be leased")
	}
	dead, _ := h.queue.DLQPeek(ctx, 10)
	if len(dead) != 1 || dead[0].Job.Handler != "mystery" {
		t.Fatalf("expected unknown handler in DLQ, got %+v", dead)
	}
}

func TestPanickingHandlerDoesNotKillRunner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	h.runner.RegisterHandler("bulk.item", func(context.Context, models.ScheduledJob) error {
		panic("boom")
	})
	h.schedule(t, "bulk.item")

	if ran, _ := h.runner.RunOnce(ctx); !ran {
		t.Fatal("expected job to run")
	}
	if dead, _ := h.queue.DLQPeek(ctx, 10); len(dead) != 1 {
		t.Fatalf("expected panic recorded as dead letter, got %d", len(dead))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 3)
	done := make(chan struct{})
	h.runner.RegisterHandler("bulk.item", func(context.Context, models.ScheduledJob) error {
		close(done)
		return nil
	})
	h.schedule(t, "bulk.item")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.runner.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not executed")
	}
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}
