package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	l := New(newClient(t), "test", nil)

	ok, err := l.TryAcquire(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := l.TryAcquire(ctx, "a"); !ok {
		t.Fatal("holder must be able to re-acquire")
	}
	if ok, _ := l.TryAcquire(ctx, "b"); ok {
		t.Fatal("second queue must not acquire a held slot")
	}

	holder, locked, err := l.Holder(ctx)
	if err != nil || !locked || holder != "a" {
		t.Fatalf("holder=%q locked=%v err=%v", holder, locked, err)
	}
}

func TestReleaseOnlyByHolder(t *testing.T) {
	ctx := context.Background()
	l := New(newClient(t), "test", nil)
	if _, err := l.TryAcquire(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	if released, _ := l.Release(ctx, "b"); released {
		t.Fatal("non-holder must not release")
	}
	if released, _ := l.Release(ctx, "a"); !released {
		t.Fatal("holder release failed")
	}
	if locked, _ := l.IsLocked(ctx); locked {
		t.Fatal("slot should be free")
	}
	if ok, _ := l.TryAcquire(ctx, "b"); !ok {
		t.Fatal("b should acquire a free slot")
	}
}

func TestStaleHolderTakeover(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	running := map[string]bool{"a": false}
	l := New(newClient(t), "test", func(_ context.Context, id string) (bool, error) {
		return running[id], nil
	}).WithClock(func() time.Time { return now })

	if ok, _ := l.TryAcquire(ctx, "a"); !ok {
		t.Fatal("acquire a")
	}
	if ok, _ := l.TryAcquire(ctx, "b"); ok {
		t.Fatal("holder inside grace period must be trusted")
	}

	now = now.Add(2 * DefaultGrace)
	running["a"] = true
	if ok, _ := l.TryAcquire(ctx, "b"); ok {
		t.Fatal("running holder must keep the slot")
	}

	running["a"] = false
	if ok, _ := l.TryAcquire(ctx, "b"); !ok {
		t.Fatal("stale holder should be replaced")
	}
	if holder, _, _ := l.Holder(ctx); holder != "b" {
		t.Fatalf("unexpected holder %q", holder)
	}
}
