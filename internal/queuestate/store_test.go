package queuestate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"product-data-generator/internal/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return New(client, "test").WithClock(func() time.Time { return clock }), mr
}

func sampleConfig() models.QueueConfig {
	return models.QueueConfig{
		Title:    "Spring catalog",
		Selector: `{"categories":["shoes"]}`,
		Tasks: []models.TaskConfig{
			{ID: "product_description", Enabled: true, Temperature: floatPtr(0.7)},
			{ID: "product_seo", Enabled: true, SkipIfGenerated: true, Temperature: floatPtr(0)},
		},
		TaskOptions:  models.DefaultTaskOptions(),
		BatchSize:    2,
		DelaySeconds: 3,
		RetryFailed:  true,
	}
}

func floatPtr(v float64) *float64 { return &v }

func items(n int) []models.WorkItem {
	out := make([]models.WorkItem, n)
	for i := range out {
		out[i] = models.WorkItem{ProductID: int64(i + 1), TaskID: "product_description"}
	}
	return out
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	q, err := s.Create(ctx, sampleConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, q.ID)
	assert.Equal(t, models.QueueDraft, q.Status)
	assert.Equal(t, sampleConfig(), q.QueueConfig)
	assert.Equal(t, 0, q.Progress.Total)
	assert.Nil(t, q.Progress.StartedAt)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(client, "test").WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})

	first, err := s.Create(ctx, sampleConfig())
	require.NoError(t, err)
	second, err := s.Create(ctx, sampleConfig())
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestUpdateBlockedWhileProcessing(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	q, err := s.Create(ctx, sampleConfig())
	require.NoError(t, err)
	require.NoError(t, s.SavePreview(ctx, q.ID, models.Preview{ProductCount: 3}))

	cfg := sampleConfig()
	cfg.BatchSize = 10
	updated, err := s.Update(ctx, q.ID, cfg)
	require.NoError(t, err)
	assert.Equal(t, 10, updated.BatchSize)
	assert.Nil(t, updated.Preview, "edits drop the cached preview")

	require.NoError(t, s.CommitPlan(ctx, q.ID, items(2)))
	_, err = s.Update(ctx, q.ID, sampleConfig())
	assert.True(t, errors.Is(err, ErrQueueProcessing))

	got, err := s.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.BatchSize)
}

func TestTransitionStateMachine(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	q, err := s.Create(ctx, sampleConfig())
	require.NoError(t, err)

	_, err = s.Transition(ctx, q.ID, models.QueuePaused)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "draft cannot pause")

	prev, err := s.Transition(ctx, q.ID, models.QueueProcessing)
	require.NoError(t, err)
	assert.Equal(t, models.QueueDraft, prev)

	_, err = s.Transition(ctx, q.ID, models.QueuePaused)
	require.NoError(t, err)
	_, err = s.Transition(ctx, q.ID, models.QueueProcessing)
	require.NoError(t, err)

	_, err = s.Transition(ctx, q.ID, models.QueueDraft)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = s.Transition(ctx, "missing", models.QueueProcessing)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCommitPlanAndDrain(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	q, err := s.Create(ctx, sampleConfig())
	require.NoError(t, err)

	require.NoError(t, s.CommitPlan(ctx, q.ID, items(5)))
	got, err := s.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueProcessing, got.Status)
	assert.Equal(t, 5, got.Progress.Total)
	assert.Equal(t, 5, got.Remaining)
	require.NotNil(t, got.Progress.StartedAt)

	head, err := s.PeekWorkItems(ctx, q.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, items(2), head)
	left, err := s.TrimWorkItems(ctx, q.ID, head)
	require.NoError(t, err)
	assert.Equal(t, 3, left)

	require.NoError(t, s.RequeueFront(ctx, q.ID, head))
	all, err := s.PeekWorkItems(ctx, q.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, items(5), all, "requeued items return to the front in order")

	err = s.CommitPlan(ctx, q.ID, items(1))
	assert.True(t, errors.Is(err, ErrInvalidTransition), "a running queue cannot be re-planned")
}

func TestOverlappingTrimsKeepUndispatchedItems(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	q, err := s.Create(ctx, sampleConfig())
	require.NoError(t, err)
	require.NoError(t, s.CommitPlan(ctx, q.ID, items(5)))

	first, err := s.PeekWorkItems(ctx, q.ID, 2)
	require.NoError(t, err)
	second, err := s.PeekWorkItems(ctx, q.ID, 2)
	require.NoError(t, err)

	left, err := s.TrimWorkItems(ctx, q.ID, first)
	require.NoError(t, err)
	assert.Equal(t, 3, left)
	left, err = s.TrimWorkItems(ctx, q.ID, second)
	require.NoError(t, err)
	assert.Equal(t, 3, left, "a second trim of the same head removes nothing")

	rest, err := s.PeekWorkItems(ctx, q.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, items(5)[2:], rest)
}

func TestWorkItemAttemptSurvivesRequeue(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	q, err := s.Create(ctx, sampleConfig())
	require.NoError(t, err)
	require.NoError(t, s.CommitPlan(ctx, q.ID, items(2)))

	retried := models.WorkItem{ProductID: 9, TaskID: "product_description", Attempt: 2}
	require.NoError(t, s.RequeueFront(ctx, q.ID, []models.WorkItem{retried}))
	head, err := s.PeekWorkItems(ctx, q.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, []models.WorkItem{retried}, head)

	left, err := s.TrimWorkItems(ctx, q.ID, head)
	require.NoError(t, err)
	assert.Equal(t, 2, left)
}

func TestRecordResultCompletesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	q, err := s.Create(ctx, sampleConfig())
	require.NoError(t, err)
	require.NoError(t, s.CommitPlan(ctx, q.ID, items(4)))

	outcomes := map[RecordOutcome]int{}
	for i, it := range items(4) {
		out, err := s.RecordResult(ctx, q.ID, models.ItemResult{
			ProductID: it.ProductID,
			TaskID:    it.TaskID,
			Success:   i != 2,
		})
		require.NoError(t, err)
		outcomes[out]++
	}
	assert.Equal(t, 3, outcomes[Recorded])
	assert.Equal(t, 1, outcomes[CompletedQueue])

	dup, err := s.RecordResult(ctx, q.ID, models.ItemResult{ProductID: 4, TaskID: "product_description", Success: true})
	require.NoError(t, err)
	assert.Equal(t, Duplicate, dup)

	got, err := s.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueCompleted, got.Status)
	assert.Equal(t, 3, got.Progress.Completed)
	assert.Equal(t, 1, got.Progress.Failed)
	assert.True(t, got.Progress.HasErrors())
	assert.NotNil(t, got.Progress.CompletedAt)

	results, err := s.Results(ctx, q.ID)
	require.NoError(t, err)
	assert.Len(t, results, 4)
	assert.False(t, results["3_product_description"].Success)
}

func TestRecordResultConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	q, err := s.Create(ctx, sampleConfig())
	require.NoError(t, err)
	const n = 40
	require.NoError(t, s.CommitPlan(ctx, q.ID, items(n)))

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		completions int
	)
	for _, it := range items(n) {
		wg.Add(1)
		go func(it models.WorkItem) {
			defer wg.Done()
			out, err := s.RecordResult(ctx, q.ID, models.ItemResult{ProductID: it.ProductID, TaskID: it.TaskID, Success: true})
			assert.NoError(t, err)
			if out == CompletedQueue {
				mu.Lock()
				completions++
				mu.Unlock()
			}
		}(it)
	}
	wg.Wait()

	got, err := s.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.Progress.Completed)
	assert.Equal(t, 1, completions)
}

func TestPausedQueueStillCompletes(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	q, err := s.Create(ctx, sampleConfig())
	require.NoError(t, err)
	require.NoError(t, s.CommitPlan(ctx, q.ID, items(1)))
	_, err = s.Transition(ctx, q.ID, models.QueuePaused)
	require.NoError(t, err)

	out, err := s.RecordResult(ctx, q.ID, models.ItemResult{ProductID: 1, TaskID: "product_description", Success: true})
	require.NoError(t, err)
	assert.Equal(t, CompletedQueue, out)
}

func TestRecordResultIgnoredUnlessRunning(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	q, err := s.Create(ctx, sampleConfig())
	require.NoError(t, err)

	out, err := s.RecordResult(ctx, q.ID, models.ItemResult{ProductID: 1, TaskID: "product_description", Success: true})
	require.NoError(t, err)
	assert.Equal(t, Ignored, out, "a draft queue takes no results")

	require.NoError(t, s.CommitPlan(ctx, q.ID, items(2)))
	_, err = s.Transition(ctx, q.ID, models.QueuePaused)
	require.NoError(t, err)
	require.NoError(t, s.Reset(ctx, q.ID))

	out, err = s.RecordResult(ctx, q.ID, models.ItemResult{ProductID: 2, TaskID: "product_description", Success: false})
	require.NoError(t, err)
	assert.Equal(t, Ignored, out, "a late result after reset is dropped")

	got, err := s.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueDraft, got.Status)
	assert.Equal(t, models.Progress{}, got.Progress)
	results, err := s.Results(ctx, q.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestResetClearsRunState(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	q, err := s.Create(ctx, sampleConfig())
	require.NoError(t, err)
	require.NoError(t, s.CommitPlan(ctx, q.ID, items(2)))

	assert.True(t, errors.Is(s.Reset(ctx, q.ID), ErrQueueProcessing))

	_, err = s.Transition(ctx, q.ID, models.QueuePaused)
	require.NoError(t, err)
	_, err = s.RecordResult(ctx, q.ID, models.ItemResult{ProductID: 1, TaskID: "product_description", Success: true})
	require.NoError(t, err)
	require.NoError(t, s.Reset(ctx, q.ID))

	got, err := s.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueDraft, got.Status)
	assert.Equal(t, models.Progress{}, got.Progress)
	assert.Equal(t, 0, got.Remaining)
	results, err := s.Results(ctx, q.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCorruptTaskConfig(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	q, err := s.Create(ctx, sampleConfig())
	require.NoError(t, err)
	mr.HSet(s.queueKey(q.ID), fieldTasks, "{not json")

	_, err = s.Get(ctx, q.ID)
	assert.True(t, errors.Is(err, ErrCorrupt))

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1, "corrupt queues stay visible")
}

func TestDeleteAndProcessingIDs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	a, err := s.Create(ctx, sampleConfig())
	require.NoError(t, err)
	b, err := s.Create(ctx, sampleConfig())
	require.NoError(t, err)
	require.NoError(t, s.CommitPlan(ctx, a.ID, items(1)))

	ids, err := s.ProcessingIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids)

	require.NoError(t, s.Delete(ctx, b.ID))
	assert.True(t, errors.Is(s.Delete(ctx, b.ID), ErrNotFound))
	assert.True(t, errors.Is(s.SavePreview(ctx, b.ID, models.Preview{}), ErrNotFound))
}
