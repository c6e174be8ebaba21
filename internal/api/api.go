// Package api exposes the engine's trigger and inspection surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/escalate/internal/cache"
	"github.com/linnemanlabs/escalate/internal/incident"
	"github.com/linnemanlabs/escalate/internal/queue"
)

// QueueManager is the slice of the queue manager the API needs.
type QueueManager interface {
	EnqueueAnalysis(ctx context.Context, incidentID, source string, force bool, severity incident.Severity, delay time.Duration) (queue.Handle, error)
	Stats() map[string]queue.Stats
	Pause(name string) error
	Resume(name string) error
}

// CacheService is the slice of the cache service the API needs.
type CacheService interface {
	Invalidate(ctx context.Context, incidentID string) error
	GetStats(ctx context.Context) cache.Stats
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	store  incident.Store
	queues QueueManager
	cache  CacheService
}

// New creates a new API handler.
func New(logger log.Logger, store incident.Store, queues QueueManager, cacheSvc CacheService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if store == nil || queues == nil || cacheSvc == nil {
		panic(xerrors.New("store, queue manager and cache service are required"))
	}
	return &API{
		logger: logger,
		store:  store,
		queues: queues,
		cache:  cacheSvc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/incidents/{id}/analyze", a.handleAnalyze)
		r.Get("/incidents/{id}/analysis", a.handleGetAnalysis)
		r.Delete("/incidents/{id}/cache", a.handleInvalidateCache)
		r.Get("/queues/stats", a.handleQueueStats)
		r.Post("/queues/{name}/pause", a.handlePauseQueue)
		r.Post("/queues/{name}/resume", a.handleResumeQueue)
		r.Get("/patterns", a.handleListPatterns)
		r.Get("/cache/stats", a.handleCacheStats)
	})
}

type analyzeRequest struct {
	Source   string `json:"source"`
	Force    bool   `json:"force"`
	Severity string `json:"severity"`
}

func (a *API) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("escalate.incident.id", id))

	var req analyzeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
			return
		}
	}
	if req.Source == "" {
		req.Source = "api"
	}

	severity := incident.ParseSeverity(req.Severity)
	h, err := a.queues.EnqueueAnalysis(r.Context(), id, req.Source, req.Force, severity, 0)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to enqueue analysis", "incident_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"job_id": h.ID,
		"queue":  h.Queue,
	})
}

func (a *API) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("escalate.incident.id", id))

	result, ok, err := a.store.LatestAnalysis(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get latest analysis", "incident_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("escalate.analysis.status", string(result.Status)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (a *API) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := a.cache.Invalidate(r.Context(), id); err != nil {
		a.logger.Error(r.Context(), err, "failed to invalidate cache", "incident_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"invalidated": id,
	})
}

func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.queues.Stats())
}

func (a *API) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	a.setQueuePaused(w, r, true)
}

func (a *API) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	a.setQueuePaused(w, r, false)
}

func (a *API) setQueuePaused(w http.ResponseWriter, r *http.Request, paused bool) {
	name := chi.URLParam(r, "name")

	var err error
	if paused {
		err = a.queues.Pause(name)
	} else {
		err = a.queues.Resume(name)
	}
	if err != nil {
		http.Error(w, `{"error":"unknown queue"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"queue":  name,
		"paused": paused,
	})
}

func (a *API) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := a.store.ListPatterns(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list patterns")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if patterns == nil {
		patterns = []*incident.Pattern{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"patterns": patterns,
	})
}

func (a *API) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.cache.GetStats(r.Context()))
}
