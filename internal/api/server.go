package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"product-data-generator/internal/bulk"
	"product-data-generator/internal/config"
	"product-data-generator/internal/logging"
	"product-data-generator/internal/models"
	"product-data-generator/internal/planner"
	"product-data-generator/internal/queuestate"
	"product-data-generator/internal/selector"
	"product-data-generator/internal/store"
	"product-data-generator/internal/telemetry"
	"product-data-generator/internal/templates"
)

// Limiter hands out request budget per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// TemplateLister lists registered prompt templates.
type TemplateLister interface {
	List() []templates.Definition
}

// DeadLetters reads the scheduler dead letter queue.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]models.DeadLetter, error)
}

// AuditReader lists lifecycle events of a queue, newest first.
type AuditReader interface {
	ListAudit(ctx context.Context, queueID string, limit int) ([]models.AuditLog, error)
}

// Deps are the collaborators of the API server. Limiter, DLQ and Audit are optional.
type Deps struct {
	Processor *bulk.Processor
	Templates TemplateLister
	DLQ       DeadLetters
	Audit     AuditReader
	Limiter   Limiter
	Logger    *slog.Logger
}

// Server wires HTTP handlers for the queue admin API.
type Server struct {
	cfg  config.Config
	deps Deps
	log  *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{cfg: cfg, deps: deps, log: logger.With(logging.FieldComponent, "api")}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Get("/queues", s.handleListQueues)
		r.With(s.rateLimited).Post("/queues", s.handleCreateQueue)
		r.Route("/queues/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetQueue)
			r.Put("/", s.handleUpdateQueue)
			r.Delete("/", s.handleDeleteQueue)
			r.Get("/results", s.handleResults)
			r.Get("/audit", s.handleAudit)
			r.Group(func(r chi.Router) {
				r.Use(s.rateLimited)
				r.Post("/preview", s.handlePreview)
				r.Post("/start", s.handleStart)
				r.Post("/pause", s.handlePause)
				r.Post("/reset", s.handleReset)
			})
		})
		r.Get("/lock", s.handleLock)
		r.Get("/templates", s.handleTemplates)
		r.Get("/products/{id}", s.handleGetProduct)
		r.Get("/products/{id}/prompt", s.handlePrompt)
		r.Post("/products/{id}/generate", s.handleGenerate)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.deps.Processor.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": queues})
}

// decodeConfig reads a queue configuration; omitted task options keep the admin defaults.
func decodeConfig(r *http.Request) (models.QueueConfig, error) {
	cfg := models.QueueConfig{TaskOptions: models.DefaultTaskOptions()}
	err := json.NewDecoder(r.Body).Decode(&cfg)
	return cfg, err
}

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConfig(r)
	if err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	q, err := s.deps.Processor.Create(r.Context(), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.deps.Processor.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleUpdateQueue(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConfig(r)
	if err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	q, err := s.deps.Processor.Update(r.Context(), chi.URLParam(r, "id"), cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Processor.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	preview, err := s.deps.Processor.Preview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	q, err := s.deps.Processor.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, q)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	q, err := s.deps.Processor.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	q, err := s.deps.Processor.Reset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.deps.Processor.Results(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []models.AuditLog{}})
		return
	}
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	events, err := s.deps.Audit.ListAudit(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Processor.CheckLock(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleTemplates(w http.ResponseWriter, _ *http.Request) {
	var defs []templates.Definition
	if s.deps.Templates != nil {
		defs = s.deps.Templates.List()
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": defs})
}

func productIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(r)
	if !ok {
		http.Error(w, "invalid product id", http.StatusBadRequest)
		return
	}
	product, err := s.deps.Processor.Product(r.Context(), productID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

// handlePrompt renders the prompts of ?task= for the product. Other query
// parameters are passed to the template as extra context.
func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(r)
	if !ok {
		http.Error(w, "invalid product id", http.StatusBadRequest)
		return
	}
	query := r.URL.Query()
	taskID := query.Get("task")
	if taskID == "" {
		http.Error(w, "task is required", http.StatusBadRequest)
		return
	}
	extra := make(map[string]string)
	for key := range query {
		if key != "task" {
			extra[key] = query.Get(key)
		}
	}
	prompt, err := s.deps.Processor.RenderPrompt(r.Context(), productID, taskID, extra)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_id": productID, "task_id": taskID, "prompt": prompt})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(r)
	if !ok {
		http.Error(w, "invalid product id", http.StatusBadRequest)
		return
	}
	var req bulk.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TaskID == "" {
		http.Error(w, "task_id is required", http.StatusBadRequest)
		return
	}
	req.ProductID = productID
	req.Caller = callerFromRequest(r)

	res, err := s.deps.Processor.GenerateOne(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDLQ returns the dead letters of the scheduler.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deps.DLQ == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []models.DeadLetter{}})
		return
	}
	items, err := s.deps.DLQ.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// rateLimited rejects mutating requests once the caller's bucket is empty.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.deps.Limiter.Allow(r.Context(), "api:"+callerFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queuestate.ErrNotFound),
		errors.Is(err, store.ErrProductNotFound),
		errors.Is(err, templates.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, bulk.ErrQueueAlreadyProcessing),
		errors.Is(err, queuestate.ErrInvalidTransition),
		errors.Is(err, queuestate.ErrQueueProcessing),
		errors.Is(err, queuestate.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, selector.ErrInvalidSelector),
		errors.Is(err, bulk.ErrInvalidConfig),
		errors.Is(err, planner.ErrNoMatchingProducts),
		errors.Is(err, planner.ErrNoTasksEnabled),
		errors.Is(err, planner.ErrNoWorkRemaining),
		errors.Is(err, queuestate.ErrCorrupt):
		return http.StatusUnprocessableEntity
	case errors.Is(err, bulk.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
