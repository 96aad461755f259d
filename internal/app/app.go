package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	zlog "github.com/rs/zerolog/log"

	"profiler_api/config"
	"profiler_api/internal/cache"
	"profiler_api/internal/httpapi"
	"profiler_api/internal/llm"
	"profiler_api/internal/store"
	"profiler_api/internal/watch"
	"profiler_api/metrics"
	"profiler_api/profiler"
	"profiler_api/queue"
)

const shutdownTimeout = 15 * time.Second

// App wires the profiler components together.
type App struct {
	cfg     config.Config
	store   *store.Store
	cache   *cache.Cache
	llm     *llm.Switchable
	service *profiler.Service
	queue   *queue.Queue
	metrics *metrics.Metrics
	watcher *watch.Watcher
	handler http.Handler
}

type Option func(*App) error

// WithProvider installs a fixed provider instead of building one from config.
// Config reloads are disabled.
func WithProvider(p llm.Provider) Option {
	return func(a *App) error {
		a.llm = llm.NewSwitchable(p)
		return nil
	}
}

func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, metrics: metrics.New()}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}

	dsn := cfg.DBPath
	if cfg.DBDriver == store.DriverPostgres {
		dsn = cfg.DatabaseURL
	}
	st, err := store.Open(ctx, cfg.DBDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st

	fixedProvider := a.llm != nil
	if !fixedProvider {
		p, err := llm.New(ctx, cfg.LLM)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("build llm provider: %w", err)
		}
		a.llm = llm.NewSwitchable(p)
	}

	inv, err := profiler.NewInvoker(a.llm, a.metrics)
	if err != nil {
		st.Close()
		return nil, err
	}

	svcOpts := []profiler.Option{profiler.WithRecorder(a.metrics)}
	if cfg.RedisURL != "" {
		c, err := cache.New(ctx, cfg.RedisURL, time.Duration(cfg.ResultCacheTTLSec)*time.Second)
		if err != nil {
			zlog.Warn().Err(err).Msg("result cache unavailable; continuing without it")
		} else {
			a.cache = c
			svcOpts = append(svcOpts, profiler.WithCache(c))
		}
	}

	a.service, err = profiler.NewService(st, inv, svcOpts...)
	if err != nil {
		a.close()
		return nil, err
	}

	a.queue = queue.New(cfg.JobQueueSize, cfg.WorkerCount, time.Duration(cfg.JobTimeoutSec)*time.Second, queue.WithObserver(a.metrics))

	router := httpapi.NewRouter(a.service, st, a.queue, a.llm).
		WithMetrics(a.metrics).
		WithOptions(httpapi.Options{
			RateLimitEnabled:  cfg.RateLimitEnabled,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   time.Duration(cfg.RateLimitWindowSec) * time.Second,
			QueueWait:         time.Duration(cfg.QueueWaitMs) * time.Millisecond,
		})
	if a.cache != nil {
		router = router.WithCache(a.cache)
	}
	a.handler = router.Handler()

	if cfg.WatchConfig && cfg.ConfigPath != "" && !fixedProvider {
		a.watcher = watch.New(cfg.ConfigPath, a.reloadLLM)
	}

	zlog.Info().
		Str("environment", cfg.Environment).
		Str("db_driver", cfg.DBDriver).
		Str("model", a.service.Model()).
		Int("workers", cfg.WorkerCount).
		Int("queue_size", cfg.JobQueueSize).
		Bool("cache", a.cache != nil).
		Msg("profiler initialised")
	return a, nil
}

// reloadLLM rebuilds the provider from the changed config file. Runs already
// in flight keep the provider they started with.
func (a *App) reloadLLM(path string) {
	cfg, err := config.LoadLLMFile(path)
	if err != nil {
		zlog.Warn().Err(err).Str("path", path).Msg("config reload rejected; keeping current llm provider")
		return
	}
	p, err := llm.New(context.Background(), cfg)
	if err != nil {
		zlog.Warn().Err(err).Str("provider", cfg.Provider).Msg("llm provider rebuild failed; keeping current provider")
		return
	}
	old := a.llm.Swap(p)
	zlog.Info().
		Str("from", profiler.ModelIdentifier(old.Name(), old.Model())).
		Str("to", profiler.ModelIdentifier(p.Name(), p.Model())).
		Msg("llm provider reloaded")
}

// Run starts workers, the config watcher and the HTTP server, and blocks
// until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()
	a.queue.Start(workerCtx)
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			zlog.Warn().Err(err).Msg("config watcher not started")
		}
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPPort,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		zlog.Info().Str("addr", a.cfg.HTTPPort).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn().Err(err).Msg("http shutdown")
	}
	a.queue.Stop(shutdownCtx)
	cancelWorkers()
	a.close()
	zlog.Info().Msg("profiler stopped")
	return runErr
}

func (a *App) close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *App) Handler() http.Handler      { return a.handler }
func (a *App) Service() *profiler.Service { return a.service }
func (a *App) Store() *store.Store        { return a.store }
func (a *App) Queue() *queue.Queue        { return a.queue }
func (a *App) LLM() *llm.Switchable       { return a.llm }
