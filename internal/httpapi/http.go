package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"profiler_api/internal/cache"
	"profiler_api/profiler"
	"profiler_api/queue"
)

const apiVersion = "1.0.0"

// Processor runs tier operations.
type Processor interface {
	Process(ctx context.Context, tier profiler.Tier, key profiler.Key) (profiler.Outcome, error)
}

// ResultStore reads persisted results and reports database health.
type ResultStore interface {
	GetResult(ctx context.Context, tier profiler.Tier, key profiler.Key) (json.RawMessage, bool, error)
	Health(ctx context.Context) error
}

// ResultCache is the optional read-through cache in front of ResultStore.
type ResultCache interface {
	GetResult(ctx context.Context, tier profiler.Tier, key profiler.Key) (json.RawMessage, error)
	Ping(ctx context.Context) error
}

// JobQueue accepts tier runs.
type JobQueue interface {
	Enqueue(j queue.Job) bool
	EnqueueWithRetry(ctx context.Context, j queue.Job, window, interval time.Duration) (bool, bool)
	Stats() queue.Stats
	Healthy() bool
}

// ModelInfo names the active LLM backend.
type ModelInfo interface {
	Name() string
	Model() string
}

// Metrics is implemented by metrics.Metrics.
type Metrics interface {
	ObserveHTTP(method, route string, status int, d time.Duration)
	Handler() http.Handler
}

// Options tunes the router middleware.
type Options struct {
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	// QueueWait is how long a tier request waits for room in a full queue
	// before it is rejected. Zero rejects immediately.
	QueueWait time.Duration
}

// Router builds the HTTP surface over the profiler service.
type Router struct {
	proc    Processor
	store   ResultStore
	cache   ResultCache
	jobs    JobQueue
	llm     ModelInfo
	metrics Metrics
	opts    Options
}

func NewRouter(proc Processor, store ResultStore, jobs JobQueue, llm ModelInfo) *Router {
	return &Router{proc: proc, store: store, jobs: jobs, llm: llm}
}

func (r *Router) WithCache(c ResultCache) *Router {
	r.cache = c
	return r
}

func (r *Router) WithMetrics(m Metrics) *Router {
	r.metrics = m
	return r
}

func (r *Router) WithOptions(o Options) *Router {
	r.opts = o
	return r
}

// Handler returns the chi router with middleware and routes mounted.
func (r *Router) Handler() http.Handler {
	mux := chi.NewRouter()

	mux.Use(RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.Use(AccessLog(r.metrics))
	mux.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  func(*http.Request, string) bool { return true },
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if r.opts.RateLimitEnabled && r.opts.RateLimitRequests > 0 {
		mux.Use(httprate.LimitByIP(r.opts.RateLimitRequests, r.opts.RateLimitWindow))
	}

	r.Register(mux)
	return mux
}

// Register mounts the routes on mux.
func (r *Router) Register(mux chi.Router) {
	mux.Get("/", r.root)
	mux.Get("/health", r.health)
	if r.metrics != nil {
		mux.Method(http.MethodGet, "/metrics", r.metrics.Handler())
	}
	mux.Post("/spot-profiler", r.tierHandler(profiler.TierSpot))
	mux.Post("/daily-profiler", r.tierHandler(profiler.TierDaily))
	mux.Post("/weekly-profiler", r.tierHandler(profiler.TierWeekly))
	mux.Get("/results/{tier}", r.result)
}

func (r *Router) root(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"message": "Profiler API", "version": apiVersion})
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	body := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if r.llm != nil {
		body["llm_provider"] = r.llm.Name()
		body["llm_model"] = r.llm.Model()
	}
	queueOK := true
	if r.jobs != nil {
		s := r.jobs.Stats()
		queueOK = r.jobs.Healthy()
		body["queue"] = map[string]any{
			"accepting": queueOK,
			"length":    s.Length,
			"capacity":  s.Capacity,
			"workers":   s.WorkerCount,
			"processed": s.Processed,
			"failed":    s.Failed,
		}
	}

	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	// The cache is optional; its state is reported but never fails the check.
	if r.cache != nil {
		if err := r.cache.Ping(ctx); err != nil {
			body["cache"] = "unavailable"
		} else {
			body["cache"] = "ok"
		}
	}
	if err := r.store.Health(ctx); err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	if !queueOK {
		body["status"] = "unhealthy"
		body["error"] = "job queue is not accepting work"
		respondJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "healthy"
	respondJSON(w, http.StatusOK, body)
}

type runResult struct {
	outcome profiler.Outcome
	err     error
}

func (r *Router) tierHandler(tier profiler.Tier) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		key, err := decodeTierRequest(w, req, tier)
		if err != nil {
			respondDetail(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		res, ok := r.run(w, req, tier, key)
		if !ok {
			return
		}
		if res.err != nil {
			respondError(w, tier, res.err)
			return
		}
		respondJSON(w, http.StatusOK, outcomeBody(res.outcome))
	}
}

// run executes the tier on the worker pool and waits for it. The job keeps
// running if the client goes away. ok is false when a response has already
// been written or the client is gone.
func (r *Router) run(w http.ResponseWriter, req *http.Request, tier profiler.Tier, key profiler.Key) (runResult, bool) {
	if r.jobs == nil {
		out, err := r.proc.Process(req.Context(), tier, key)
		return runResult{out, err}, true
	}

	done := make(chan runResult, 1)
	var out profiler.Outcome
	job := queue.Job{
		ID:     uuid.NewString(),
		Source: string(tier),
		Work: func(ctx context.Context) error {
			var err error
			out, err = r.proc.Process(ctx, tier, key)
			return err
		},
		// OnFinish also runs when Work panics, with the recovered panic as err.
		OnFinish: func(err error) {
			done <- runResult{out, err}
		},
	}
	if !r.enqueue(req.Context(), job) {
		if req.Context().Err() != nil {
			return runResult{}, false
		}
		zlog.Warn().Str("tier", string(tier)).Str("device_id", key.DeviceID).Msg("job queue full; rejecting tier run")
		respondDetail(w, http.StatusServiceUnavailable, "profiler is busy, retry later")
		return runResult{}, false
	}

	select {
	case res := <-done:
		return res, true
	case <-req.Context().Done():
		zlog.Warn().
			Str("tier", string(tier)).
			Str("device_id", key.DeviceID).
			Str("time_key", key.TimeKey).
			Str("job", job.ID).
			Msg("client disconnected before tier run finished; run continues")
		return runResult{}, false
	}
}

func (r *Router) enqueue(ctx context.Context, job queue.Job) bool {
	if r.opts.QueueWait <= 0 {
		return r.jobs.Enqueue(job)
	}
	interval := max(r.opts.QueueWait/10, 10*time.Millisecond)
	ok, _ := r.jobs.EnqueueWithRetry(ctx, job, r.opts.QueueWait, interval)
	return ok
}

func decodeTierRequest(w http.ResponseWriter, req *http.Request, tier profiler.Tier) (profiler.Key, error) {
	var body map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&body); err != nil {
		return profiler.Key{}, fmt.Errorf("invalid request body: %v", err)
	}
	deviceID, err := requiredString(body, "device_id")
	if err != nil {
		return profiler.Key{}, err
	}
	timeKey, err := requiredString(body, tier.TimeKeyField())
	if err != nil {
		return profiler.Key{}, err
	}
	return profiler.Key{DeviceID: deviceID, TimeKey: timeKey}, nil
}

func requiredString(body map[string]any, field string) (string, error) {
	v, ok := body[field]
	if !ok || v == nil {
		return "", fmt.Errorf("%s is required", field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", field)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%s is required", field)
	}
	return s, nil
}

func outcomeBody(out profiler.Outcome) map[string]any {
	saved := "DB save successful"
	if !out.DatabaseSave {
		saved = "DB save failed"
	}
	body := map[string]any{
		"status":          out.Status,
		"message":         fmt.Sprintf("%s profiler analysis completed (%s)", out.Tier.Title(), saved),
		"device_id":       out.Key.DeviceID,
		"analysis_result": out.Analysis,
		"database_save":   out.DatabaseSave,
		"processed_at":    out.ProcessedAt.UTC().Format(time.RFC3339Nano),
		"model_used":      out.ModelUsed,
	}
	body[out.Tier.TimeKeyField()] = out.Key.TimeKey
	return body
}

func (r *Router) result(w http.ResponseWriter, req *http.Request) {
	tier, ok := profiler.ParseTier(chi.URLParam(req, "tier"))
	if !ok {
		respondDetail(w, http.StatusNotFound, "unknown tier")
		return
	}
	q := req.URL.Query()
	key := profiler.Key{DeviceID: strings.TrimSpace(q.Get("device_id")), TimeKey: strings.TrimSpace(q.Get("time_key"))}
	if key.DeviceID == "" || key.TimeKey == "" {
		respondDetail(w, http.StatusUnprocessableEntity, "device_id and time_key are required")
		return
	}

	if r.cache != nil {
		doc, err := r.cache.GetResult(req.Context(), tier, key)
		if err == nil {
			w.Header().Set("X-Cache", "hit")
			respondRaw(w, http.StatusOK, doc)
			return
		}
		if !errors.Is(err, cache.ErrMiss) {
			zlog.Warn().Err(err).Str("tier", string(tier)).Msg("result cache read failed")
		}
	}

	doc, found, err := r.store.GetResult(req.Context(), tier, key)
	if err != nil {
		zlog.Error().Err(err).Str("tier", string(tier)).Str("device_id", key.DeviceID).Msg("result lookup failed")
		respondDetail(w, http.StatusInternalServerError, "failed to load result")
		return
	}
	if !found {
		respondDetail(w, http.StatusNotFound, fmt.Sprintf("result not found for device_id: %s, %s: %s", key.DeviceID, tier.TimeKeyField(), key.TimeKey))
		return
	}
	w.Header().Set("X-Cache", "miss")
	respondRaw(w, http.StatusOK, doc)
}
