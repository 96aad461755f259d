package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"profiler_api/internal/llm"
)

// Metrics captures operational stats for tier runs, LLM calls, status writes,
// the job queue and HTTP traffic. Each instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry

	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	llmCalls     *prometheus.CounterVec
	llmDuration  *prometheus.HistogramVec
	statusWrites *prometheus.CounterVec
	jobs         *prometheus.CounterVec

	queueLength   prometheus.Gauge
	queueCapacity prometheus.Gauge
	workerCount   prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with every collector registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profiler_runs_total",
			Help: "Tier runs by outcome.",
		}, []string{"tier", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "profiler_run_duration_seconds",
			Help:    "Tier run duration in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"tier"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profiler_llm_calls_total",
			Help: "LLM calls by provider and result.",
		}, []string{"provider", "result"}),
		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "profiler_llm_call_duration_seconds",
			Help:    "LLM call latency in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		statusWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profiler_status_writes_total",
			Help: "Aggregator status writes by status and result.",
		}, []string{"tier", "status", "result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profiler_jobs_total",
			Help: "Queued jobs by result.",
		}, []string{"result"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiler_queue_length",
			Help: "Jobs waiting in the queue.",
		}),
		queueCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiler_queue_capacity",
			Help: "Queue capacity.",
		}),
		workerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiler_workers",
			Help: "Queue worker count.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs, m.runDuration,
		m.llmCalls, m.llmDuration,
		m.statusWrites, m.jobs,
		m.queueLength, m.queueCapacity, m.workerCount,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRun(tier, outcome string, d time.Duration) {
	m.runs.WithLabelValues(tier, outcome).Inc()
	m.runDuration.WithLabelValues(tier).Observe(d.Seconds())
}

func (m *Metrics) ObserveLLM(provider string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = llm.KindOf(err).String()
	}
	m.llmCalls.WithLabelValues(provider, result).Inc()
	m.llmDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) ObserveStatusWrite(tier, status string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.statusWrites.WithLabelValues(tier, status, result).Inc()
}

// UpdateQueue records the current queue stats.
func (m *Metrics) UpdateQueue(length, capacity, workers int) {
	m.queueLength.Set(float64(length))
	m.queueCapacity.Set(float64(capacity))
	m.workerCount.Set(float64(workers))
}

// RecordJobCompletion counts a finished queue job.
func (m *Metrics) RecordJobCompletion(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobs.WithLabelValues(result).Inc()
}

// ObserveHTTP records one served request. route is the matched pattern, not
// the raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
