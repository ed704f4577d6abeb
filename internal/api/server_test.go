package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"product-data-generator/internal/bulk"
	"product-data-generator/internal/config"
	"product-data-generator/internal/lock"
	"product-data-generator/internal/logging"
	"product-data-generator/internal/models"
	"product-data-generator/internal/planner"
	"product-data-generator/internal/queue"
	"product-data-generator/internal/queuestate"
	"product-data-generator/internal/store"
	"product-data-generator/internal/templates"
)

type echoGenerator struct{}

func (echoGenerator) Generate(_ context.Context, _, user string, _ float64, _ int) (string, error) {
	return fmt.Sprintf("generated from %d prompt bytes", len(user)), nil
}

type staticLimiter bool

func (l staticLimiter) Allow(context.Context, string) (bool, float64, error) {
	return bool(l), 0, nil
}

func newTestServer(t *testing.T, limiter Limiter) (*httptest.Server, *store.Memory) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Default()
	cfg.KeyPrefix = "apitest"

	catalog := store.NewMemory()
	for i := 1; i <= 3; i++ {
		catalog.Put(models.Product{
			ID:        int64(i),
			Name:      fmt.Sprintf("Product %d", i),
			Status:    "publish",
			CreatedAt: time.Now().Add(-time.Duration(i) * time.Hour),
		})
	}
	registry, err := templates.NewRegistry()
	require.NoError(t, err)

	states := queuestate.New(client, cfg.KeyPrefix)
	sched := queue.NewRedisQueue(client, cfg)
	proc := bulk.New(cfg, bulk.Deps{
		States:    states,
		Scheduler: sched,
		Lock:      lock.New(client, cfg.KeyPrefix, bulk.ProcessingCheck(states)),
		Planner:   planner.New(catalog, catalog, cfg.PreviewLimit),
		Catalog:   catalog,
		Records:   catalog,
		Templates: registry,
		Generator: echoGenerator{},
		Audit:     catalog,
		Logger:    logging.NewNop(),
	})

	srv := New(cfg, Deps{
		Processor: proc,
		Templates: registry,
		DLQ:       sched,
		Audit:     catalog,
		Limiter:   limiter,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, catalog
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Client-ID", "tester")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

const createBody = `{"title":"Spring","selector":"{\"orderby\":\"id\",\"order\":\"asc\"}","tasks":[{"id":"product_description","enabled":true}],"batch_size":2}`

func TestQueueLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/queues", createBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "draft", body["status"])
	assert.Equal(t, true, body["task_options"].(map[string]any)["generate_content"])

	resp, body = do(t, http.MethodPost, ts.URL+"/queues/"+id+"/preview", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["product_count"])
	assert.EqualValues(t, 3, body["total_generations"])

	resp, body = do(t, http.MethodPost, ts.URL+"/queues/"+id+"/start", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "processing", body["status"])

	resp, body = do(t, http.MethodGet, ts.URL+"/lock", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["locked"])
	assert.Equal(t, id, body["queue_id"])

	resp, _ = do(t, http.MethodPut, ts.URL+"/queues/"+id, createBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, other := do(t, http.MethodPost, ts.URL+"/queues", createBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, ts.URL+"/queues/"+other["id"].(string)+"/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = do(t, http.MethodPost, ts.URL+"/queues/"+id+"/pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paused", body["status"])

	resp, body = do(t, http.MethodGet, ts.URL+"/queues", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["queues"], 2)

	resp, body = do(t, http.MethodGet, ts.URL+"/queues/"+id+"/audit", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := body["events"].([]any)
	require.NotEmpty(t, events)
	assert.Equal(t, "paused", events[0].(map[string]any)["event"])

	resp, _ = do(t, http.MethodDelete, ts.URL+"/queues/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, ts.URL+"/queues/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRejectsInvalidSelector(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, body := do(t, http.MethodPost, ts.URL+"/queues", `{"selector":"{\"bogus\":1}","tasks":[{"id":"product_description","enabled":true}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid selector")

	resp, _ = do(t, http.MethodPost, ts.URL+"/queues", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartWithoutWorkIsUnprocessable(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, body := do(t, http.MethodPost, ts.URL+"/queues", `{"selector":"{}","tasks":[]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/queues/"+body["id"].(string)+"/start", "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGenerateSingleProduct(t *testing.T) {
	ts, catalog := newTestServer(t, nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/products/2/generate", `{"task_id":"product_short_description"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["text"])
	assert.EqualValues(t, 2, body["product_id"])

	recs, err := catalog.LastGenerated(context.Background(), []int64{2})
	require.NoError(t, err)
	assert.Contains(t, recs[2], "product_short_description")

	resp, _ = do(t, http.MethodPost, ts.URL+"/products/99/generate", `{"task_id":"product_description"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, ts.URL+"/products/1/generate", `{"task_id":"no_such_template"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, ts.URL+"/products/abc/generate", `{"task_id":"product_description"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, ts.URL+"/products/1/generate", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitedMutations(t *testing.T) {
	ts, _ := newTestServer(t, staticLimiter(false))
	resp, _ := do(t, http.MethodPost, ts.URL+"/queues", createBody)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/queues", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTemplatesLockAndDLQ(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/templates", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ids []string
	for _, d := range body["templates"].([]any) {
		ids = append(ids, d.(map[string]any)["id"].(string))
	}
	assert.Contains(t, ids, "product_description")
	assert.Contains(t, ids, "product_seo")

	resp, body = do(t, http.MethodGet, ts.URL+"/lock", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["locked"])

	resp, body = do(t, http.MethodGet, ts.URL+"/dlq", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["items"])

	resp, _ = do(t, http.MethodGet, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProductAndPromptLookup(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/products/2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["id"])
	assert.Equal(t, "Product 2", body["name"])

	resp, _ = do(t, http.MethodGet, ts.URL+"/products/99", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, ts.URL+"/products/abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, ts.URL+"/products/2/prompt?task=product_description", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "product_description", body["task_id"])
	prompt := body["prompt"].(map[string]any)
	assert.NotEmpty(t, prompt["system"])
	assert.Contains(t, prompt["user"], "Product 2")

	resp, _ = do(t, http.MethodGet, ts.URL+"/products/2/prompt", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, ts.URL+"/products/2/prompt?task=no_such_template", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, ts.URL+"/products/99/prompt?task=product_description", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
