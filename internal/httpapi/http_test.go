package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"profiler_api/internal/cache"
	"profiler_api/internal/llm"
	"profiler_api/metrics"
	"profiler_api/profiler"
	"profiler_api/queue"
)

type fakeProcessor struct {
	mu    sync.Mutex
	calls []profiler.Key
	fn    func(ctx context.Context, tier profiler.Tier, key profiler.Key) (profiler.Outcome, error)
}

func (f *fakeProcessor) Process(ctx context.Context, tier profiler.Tier, key profiler.Key) (profiler.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()
	return f.fn(ctx, tier, key)
}

type fakeStore struct {
	results   map[string]json.RawMessage
	healthErr error
}

func (s *fakeStore) GetResult(_ context.Context, tier profiler.Tier, key profiler.Key) (json.RawMessage, bool, error) {
	doc, ok := s.results[string(tier)+":"+key.DeviceID+":"+key.TimeKey]
	return doc, ok, nil
}

func (s *fakeStore) Health(context.Context) error { return s.healthErr }

type fakeCache struct {
	docs    map[string]json.RawMessage
	pingErr error
}

func (c *fakeCache) Ping(context.Context) error { return c.pingErr }

func (c *fakeCache) GetResult(_ context.Context, tier profiler.Tier, key profiler.Key) (json.RawMessage, error) {
	doc, ok := c.docs[string(tier)+":"+key.DeviceID+":"+key.TimeKey]
	if !ok {
		return nil, cache.ErrMiss
	}
	return doc, nil
}

type fullQueue struct {
	mu      sync.Mutex
	windows []time.Duration
}

func (*fullQueue) Enqueue(queue.Job) bool { return false }
func (q *fullQueue) EnqueueWithRetry(_ context.Context, _ queue.Job, window, _ time.Duration) (bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.windows = append(q.windows, window)
	return false, true
}
func (*fullQueue) Stats() queue.Stats { return queue.Stats{Capacity: 1, Length: 1} }
func (*fullQueue) Healthy() bool      { return true }

type staticModel struct{}

func (staticModel) Name() string  { return "openai" }
func (staticModel) Model() string { return "gpt-test" }

func successOutcome(tier profiler.Tier, key profiler.Key, saved bool) profiler.Outcome {
	status := profiler.OutcomeSuccess
	if !saved {
		status = profiler.OutcomePartialSuccess
	}
	return profiler.Outcome{
		Tier:         tier,
		Key:          key,
		Status:       status,
		Analysis:     profiler.Normalize(`{"vibe_score": 70, "summary": "calm"}`),
		DatabaseSave: saved,
		ProcessedAt:  time.Date(2024, 5, 2, 3, 4, 5, 0, time.UTC),
		ModelUsed:    "openai/gpt-test",
	}
}

func startQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q := queue.New(8, 2, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		q.Stop(stopCtx)
		cancel()
	})
	return q
}

func newTestRouter(t *testing.T, proc Processor, store *fakeStore) *Router {
	t.Helper()
	if store == nil {
		store = &fakeStore{}
	}
	return NewRouter(proc, store, startQueue(t), staticModel{})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestRootAndHealth(t *testing.T) {
	store := &fakeStore{}
	h := newTestRouter(t, &fakeProcessor{}, store).Handler()

	rr := do(t, h, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"message":"Profiler API","version":"1.0.0"}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get(HeaderXRequestID))

	rr = do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "openai", body["llm_provider"])
	assert.Equal(t, "gpt-test", body["llm_model"])
	assert.Contains(t, body, "timestamp")
	assert.Contains(t, body, "queue")

	store.healthErr = errors.New("database is closed")
	rr = do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body = decode(t, rr)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "database is closed", body["error"])
}

func TestSpotProfilerSuccess(t *testing.T) {
	proc := &fakeProcessor{fn: func(_ context.Context, tier profiler.Tier, key profiler.Key) (profiler.Outcome, error) {
		return successOutcome(tier, key, true), nil
	}}
	h := newTestRouter(t, proc, nil).Handler()

	req := httptest.NewRequest(http.MethodPost, "/spot-profiler", strings.NewReader(`{"device_id":"dev-1","recorded_at":"2024-05-01T09:00:00Z"}`))
	req.Header.Set(HeaderXRequestID, "req-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "req-123", rr.Header().Get(HeaderXRequestID))
	body := decode(t, rr)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "Spot profiler analysis completed (DB save successful)", body["message"])
	assert.Equal(t, "dev-1", body["device_id"])
	assert.Equal(t, "2024-05-01T09:00:00Z", body["recorded_at"])
	assert.Equal(t, true, body["database_save"])
	assert.Equal(t, "openai/gpt-test", body["model_used"])
	assert.Equal(t, "2024-05-02T03:04:05Z", body["processed_at"])
	assert.Equal(t, map[string]any{"vibe_score": 70.0, "summary": "calm"}, body["analysis_result"])

	require.Len(t, proc.calls, 1)
	assert.Equal(t, profiler.Key{DeviceID: "dev-1", TimeKey: "2024-05-01T09:00:00Z"}, proc.calls[0])
}

func TestDailyProfilerPartialSuccess(t *testing.T) {
	proc := &fakeProcessor{fn: func(_ context.Context, tier profiler.Tier, key profiler.Key) (profiler.Outcome, error) {
		return successOutcome(tier, key, false), nil
	}}
	h := newTestRouter(t, proc, nil).Handler()

	rr := do(t, h, http.MethodPost, "/daily-profiler", `{"device_id":"dev-1","local_date":"2024-05-01"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "partial_success", body["status"])
	assert.Equal(t, "Daily profiler analysis completed (DB save failed)", body["message"])
	assert.Equal(t, "2024-05-01", body["local_date"])
	assert.Equal(t, false, body["database_save"])
}

func TestTierErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		check  func(t *testing.T, body map[string]any)
	}{
		{
			name:   "not found",
			err:    profiler.ErrNotFound("prompt not found for device_id: dev-1, week_start_date: 2024-04-29"),
			status: http.StatusNotFound,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "prompt not found for device_id: dev-1, week_start_date: 2024-04-29", body["detail"])
			},
		},
		{
			name:   "validation",
			err:    profiler.ErrValidation("device_id is required"),
			status: http.StatusUnprocessableEntity,
		},
		{
			name: "processing",
			err: &profiler.Error{
				Code:      profiler.CodeProcessing,
				Message:   "openai provider error (rate_limited): slow down",
				ErrorType: "rate_limit",
				Err:       &llm.Error{Kind: llm.KindRateLimited},
			},
			status: http.StatusInternalServerError,
			check: func(t *testing.T, body map[string]any) {
				detail, ok := body["detail"].(map[string]any)
				require.True(t, ok)
				assert.Equal(t, "Error occurred during weekly profiler analysis", detail["message"])
				assert.Equal(t, map[string]any{
					"error_type":    "rate_limit",
					"error_message": "openai provider error (rate_limited): slow down",
				}, detail["error_details"])
			},
		},
		{
			name:   "untyped",
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
			check: func(t *testing.T, body map[string]any) {
				detail := body["detail"].(map[string]any)
				assert.Equal(t, "internal_error", detail["error_details"].(map[string]any)["error_type"])
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			proc := &fakeProcessor{fn: func(context.Context, profiler.Tier, profiler.Key) (profiler.Outcome, error) {
				return profiler.Outcome{}, tc.err
			}}
			h := newTestRouter(t, proc, nil).Handler()
			rr := do(t, h, http.MethodPost, "/weekly-profiler", `{"device_id":"dev-1","week_start_date":"2024-04-29"}`)
			require.Equal(t, tc.status, rr.Code, rr.Body.String())
			if tc.check != nil {
				tc.check(t, decode(t, rr))
			}
		})
	}
}

func TestTierRequestValidation(t *testing.T) {
	proc := &fakeProcessor{fn: func(context.Context, profiler.Tier, profiler.Key) (profiler.Outcome, error) {
		return profiler.Outcome{}, errors.New("processor must not be called")
	}}
	h := newTestRouter(t, proc, nil).Handler()

	cases := []struct {
		body string
		want string
	}{
		{`{not json`, "invalid request body"},
		{`{"device_id":"dev-1"}`, "local_date is required"},
		{`{"local_date":"2024-05-01"}`, "device_id is required"},
		{`{"device_id":"  ","local_date":"2024-05-01"}`, "device_id is required"},
		{`{"device_id":7,"local_date":"2024-05-01"}`, "device_id must be a string"},
		{`null`, "device_id is required"},
	}
	for _, tc := range cases {
		rr := do(t, h, http.MethodPost, "/daily-profiler", tc.body)
		require.Equal(t, http.StatusUnprocessableEntity, rr.Code, tc.body)
		assert.Contains(t, decode(t, rr)["detail"], tc.want, tc.body)
	}
	assert.Empty(t, proc.calls)
}

func TestQueueFullReturns503(t *testing.T) {
	proc := &fakeProcessor{fn: func(context.Context, profiler.Tier, profiler.Key) (profiler.Outcome, error) {
		return profiler.Outcome{}, nil
	}}
	jobs := &fullQueue{}
	h := NewRouter(proc, &fakeStore{}, jobs, staticModel{}).Handler()

	rr := do(t, h, http.MethodPost, "/spot-profiler", `{"device_id":"d","recorded_at":"t"}`)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "profiler is busy, retry later", decode(t, rr)["detail"])
	assert.Empty(t, proc.calls)
	assert.Empty(t, jobs.windows)
}

func TestQueueWaitRetriesBeforeRejecting(t *testing.T) {
	proc := &fakeProcessor{}
	jobs := &fullQueue{}
	h := NewRouter(proc, &fakeStore{}, jobs, staticModel{}).
		WithOptions(Options{QueueWait: 300 * time.Millisecond}).
		Handler()

	rr := do(t, h, http.MethodPost, "/daily-profiler", `{"device_id":"d","local_date":"2024-05-01"}`)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, []time.Duration{300 * time.Millisecond}, jobs.windows)
	assert.Empty(t, proc.calls)
}

func TestPanickingRunReturnsServerError(t *testing.T) {
	proc := &fakeProcessor{fn: func(context.Context, profiler.Tier, profiler.Key) (profiler.Outcome, error) {
		panic("nil map write")
	}}
	h := newTestRouter(t, proc, nil).Handler()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/spot-profiler", strings.NewReader(`{"device_id":"d","recorded_at":"t"}`)).WithContext(ctx)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.NoError(t, ctx.Err(), "handler waited for the request deadline")
	require.Equal(t, http.StatusInternalServerError, rr.Code, rr.Body.String())
	detail, ok := decode(t, rr)["detail"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Error occurred during spot profiler analysis", detail["message"])
	details, ok := detail["error_details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "internal_error", details["error_type"])
	assert.Contains(t, details["error_message"], "nil map write")
}

func TestHealthReportsStoppedQueue(t *testing.T) {
	q := queue.New(4, 1, time.Second)
	h := NewRouter(&fakeProcessor{}, &fakeStore{}, q, staticModel{}).Handler()

	rr := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, false, body["queue"].(map[string]any)["accepting"])
}

func TestClientDisconnectDoesNotCancelRun(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan error, 1)
	proc := &fakeProcessor{fn: func(ctx context.Context, tier profiler.Tier, key profiler.Key) (profiler.Outcome, error) {
		<-release
		finished <- ctx.Err()
		return successOutcome(tier, key, true), nil
	}}
	h := newTestRouter(t, proc, nil).Handler()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/spot-profiler", strings.NewReader(`{"device_id":"d","recorded_at":"t"}`)).WithContext(ctx)
	served := make(chan struct{})
	go func() {
		h.ServeHTTP(httptest.NewRecorder(), req)
		close(served)
	}()

	cancel()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after client disconnect")
	}

	close(release)
	select {
	case err := <-finished:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestResultsEndpoint(t *testing.T) {
	store := &fakeStore{results: map[string]json.RawMessage{
		"daily:dev-1:2024-05-01": json.RawMessage(`{"vibe_score":80}`),
	}}
	c := &fakeCache{docs: map[string]json.RawMessage{
		"spot:dev-1:t1": json.RawMessage(`{"vibe_score":10}`),
	}}
	h := newTestRouter(t, &fakeProcessor{}, store).WithCache(c).Handler()

	rr := do(t, h, http.MethodGet, "/results/spot?device_id=dev-1&time_key=t1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hit", rr.Header().Get("X-Cache"))
	assert.JSONEq(t, `{"vibe_score":10}`, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/results/daily?device_id=dev-1&time_key=2024-05-01", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "miss", rr.Header().Get("X-Cache"))
	assert.JSONEq(t, `{"vibe_score":80}`, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/results/weekly?device_id=dev-1&time_key=2024-04-29", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/results/monthly?device_id=dev-1&time_key=x", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/results/spot?device_id=dev-1", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestMetricsAndCORS(t *testing.T) {
	m := metrics.New()
	h := newTestRouter(t, &fakeProcessor{}, nil).WithMetrics(m).Handler()

	do(t, h, http.MethodGet, "/", "")
	rr := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `http_requests_total{method="GET",route="/",status="200"} 1`)

	req := httptest.NewRequest(http.MethodOptions, "/spot-profiler", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "https://dashboard.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
}

func TestRateLimit(t *testing.T) {
	h := newTestRouter(t, &fakeProcessor{}, nil).
		WithOptions(Options{RateLimitEnabled: true, RateLimitRequests: 1, RateLimitWindow: time.Minute}).
		Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/", "").Code)
}

func TestRequestIDFrom(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", bytes.NewReader(nil)))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rr.Header().Get(HeaderXRequestID))
}

func TestHealthReportsCacheWithoutFailing(t *testing.T) {
	c := &fakeCache{}
	h := newTestRouter(t, &fakeProcessor{}, nil).WithCache(c).Handler()

	rr := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode(t, rr)["cache"])

	c.pingErr = errors.New("connection refused")
	rr = do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "unavailable", body["cache"])
	assert.Equal(t, "healthy", body["status"])
}
