package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// Job is one tier run handed to the worker pool.
type Job struct {
	ID       string
	Source   string
	Work     func(context.Context) error
	OnFinish func(error)
}

// Stats exposes current queue metrics.
type Stats struct {
	Length      int
	Capacity    int
	WorkerCount int
	Processed   uint64
	Failed      uint64
}

// Observer receives queue gauges and job completions.
type Observer interface {
	UpdateQueue(length, capacity, workers int)
	RecordJobCompletion(err error)
}

type Option func(*Queue)

func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// Queue is a bounded job queue drained by a fixed worker pool. Jobs run under
// the context passed to Start, not the context of whoever enqueued them.
type Queue struct {
	jobs        chan Job
	workerCount int
	timeout     time.Duration
	observer    Observer
	started     bool
	closed      bool
	mu          sync.RWMutex
	wg          sync.WaitGroup
	processed   uint64
	failed      uint64
}

// New creates a Queue with the given capacity, worker count and per-job timeout.
func New(capacity, workerCount int, timeout time.Duration, opts ...Option) *Queue {
	q := &Queue{
		jobs:        make(chan Job, capacity),
		workerCount: workerCount,
		timeout:     timeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.report()
}

// Enqueue queues a job without blocking. It returns false when the queue is
// full, stopped or not started.
func (q *Queue) Enqueue(j Job) bool {
	return q.tryEnqueue(j, true)
}

// EnqueueWithRetry retries a full queue until window elapses. Returns
// (enqueued, droppedFull).
func (q *Queue) EnqueueWithRetry(ctx context.Context, j Job, window time.Duration, interval time.Duration) (bool, bool) {
	deadline := time.Now().Add(window)
	if q.tryEnqueue(j, false) {
		return true, false
	}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, false
		case <-time.After(interval):
			if q.tryEnqueue(j, false) {
				return true, false
			}
		}
	}
	zlog.Warn().Str("job", j.ID).Str("job_source", j.Source).Dur("window", window).Msg("job queue full after retries")
	return false, true
}

func (q *Queue) tryEnqueue(j Job, logDrop bool) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.started || q.closed {
		if logDrop {
			zlog.Warn().Str("job", j.ID).Msg("enqueue called while queue is not running")
		}
		return false
	}
	select {
	case q.jobs <- j:
		q.reportLocked()
		return true
	default:
		if logDrop {
			zlog.Warn().Str("job", j.ID).Str("job_source", j.Source).Msg("job queue full, dropping job")
		}
		return false
	}
}

// Stop stops accepting new jobs and waits for workers to drain until ctx is done.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		zlog.Warn().Int("pending", len(q.jobs)).Msg("queue stop timed out before workers drained")
	}
}

// Stats returns current queue metrics.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() Stats {
	return Stats{
		Length:      len(q.jobs),
		Capacity:    cap(q.jobs),
		WorkerCount: q.workerCount,
		Processed:   atomic.LoadUint64(&q.processed),
		Failed:      atomic.LoadUint64(&q.failed),
	}
}

func (q *Queue) report() {
	q.mu.RLock()
	defer q.mu.RUnlock()
	q.reportLocked()
}

func (q *Queue) reportLocked() {
	if q.observer == nil {
		return
	}
	s := q.statsLocked()
	q.observer.UpdateQueue(s.Length, s.Capacity, s.WorkerCount)
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.handleJob(ctx, j)
		}
	}
}

func (q *Queue) handleJob(ctx context.Context, j Job) {
	start := time.Now()
	q.report()

	err := q.runJob(ctx, j)
	if j.OnFinish != nil {
		j.OnFinish(err)
	}
	atomic.AddUint64(&q.processed, 1)
	if err != nil {
		atomic.AddUint64(&q.failed, 1)
	}
	if q.observer != nil {
		q.observer.RecordJobCompletion(err)
	}

	ev := zlog.Info()
	if err != nil {
		ev = zlog.Warn().Err(err)
	}
	ev.Str("job_source", j.Source).
		Str("job", j.ID).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("job finished")
}

func (q *Queue) runJob(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Str("job", j.ID).Interface("panic", r).Msg("job panic recovered")
			err = fmt.Errorf("job %s panicked: %v", j.ID, r)
		}
	}()
	jobCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	return j.Work(jobCtx)
}

// Healthy reports whether the queue is accepting jobs.
func (q *Queue) Healthy() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.started && !q.closed
}
