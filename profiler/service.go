package profiler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

const statusWriteTimeout = 10 * time.Second

// Store is the persistence contract the tier processors depend on.
type Store interface {
	FetchSource(ctx context.Context, tier Tier, key Key) (Source, bool, error)
	UpdateStatus(ctx context.Context, tier Tier, key Key, update StatusUpdate) error
	UpsertSpotResult(ctx context.Context, result SpotResult) error
	UpsertDailyResult(ctx context.Context, result DailyResult) error
	UpsertWeeklyResult(ctx context.Context, result WeeklyResult) error
	ListSpotScores(ctx context.Context, deviceID, localDate string) ([]SpotScore, error)
}

// ResultCache receives every successfully persisted result.
type ResultCache interface {
	PutResult(ctx context.Context, tier Tier, key Key, result any) error
}

// Recorder receives operational measurements.
type Recorder interface {
	ObserveRun(tier, outcome string, d time.Duration)
	ObserveLLM(provider string, err error, d time.Duration)
	ObserveStatusWrite(tier, status string, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRun(string, string, time.Duration) {}
func (nopRecorder) ObserveLLM(string, error, time.Duration)  {}
func (nopRecorder) ObserveStatusWrite(string, string, error) {}

// Service runs the spot, daily and weekly tiers against one store and one
// invoker. It holds no per-request state and is safe for concurrent use.
type Service struct {
	store   Store
	invoker *Invoker
	cache   ResultCache
	rec     Recorder
	now     func() time.Time
}

type Option func(*Service)

func WithCache(c ResultCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.rec = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(store Store, invoker *Invoker, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("profiler service requires a store")
	}
	if invoker == nil {
		return nil, errors.New("profiler service requires an invoker")
	}
	s := &Service{store: store, invoker: invoker, rec: nopRecorder{}, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Model reports the identifier of the model currently used for new runs.
func (s *Service) Model() string { return s.invoker.Identifier() }

// persistFunc derives the tier result from a normalized payload and upserts it.
// The returned error is a persistence failure only.
type persistFunc func(ctx context.Context, src Source, payload Payload, model string, processedAt time.Time) (any, error)

func (s *Service) run(ctx context.Context, tier Tier, key Key, persist persistFunc) (Outcome, error) {
	start := time.Now()
	outcome := "failed"
	defer func() { s.rec.ObserveRun(string(tier), outcome, time.Since(start)) }()

	key.DeviceID = strings.TrimSpace(key.DeviceID)
	key.TimeKey = strings.TrimSpace(key.TimeKey)
	if key.DeviceID == "" {
		outcome = "invalid"
		return Outcome{}, ErrValidation("device_id is required")
	}
	if key.TimeKey == "" {
		outcome = "invalid"
		return Outcome{}, ErrValidation(tier.TimeKeyField() + " is required")
	}

	logger := zlog.With().
		Str("tier", string(tier)).
		Str("device_id", key.DeviceID).
		Str("time_key", key.TimeKey).
		Logger()

	src, found, err := s.store.FetchSource(ctx, tier, key)
	if err != nil {
		return Outcome{}, s.fail(ctx, logger, tier, key, fmt.Errorf("fetch %s prompt: %w", tier, err))
	}
	if !found {
		outcome = "not_found"
		return Outcome{}, ErrNotFound(fmt.Sprintf("prompt not found for device_id: %s, %s: %s", key.DeviceID, tier.TimeKeyField(), key.TimeKey))
	}
	if strings.TrimSpace(src.Prompt) == "" {
		outcome = "not_found"
		return Outcome{}, ErrNotFound(fmt.Sprintf("prompt is empty for device_id: %s, %s: %s", key.DeviceID, tier.TimeKeyField(), key.TimeKey))
	}
	src.Key = key

	payload, model, err := s.invoker.Invoke(ctx, src.Prompt)
	if err != nil {
		return Outcome{}, s.fail(ctx, logger, tier, key, err)
	}
	if payload.Degraded {
		logger.Warn().Str("model", model).Msg("llm response could not be parsed as json; storing degraded payload")
	}

	processedAt := s.now().UTC()
	result, saveErr := persist(ctx, src, payload, model, processedAt)
	out := Outcome{
		Tier:         tier,
		Key:          key,
		Analysis:     payload,
		DatabaseSave: saveErr == nil,
		ProcessedAt:  processedAt,
		ModelUsed:    model,
		Result:       result,
	}
	if saveErr != nil {
		outcome = string(OutcomePartialSuccess)
		out.Status = OutcomePartialSuccess
		logger.Error().Err(saveErr).Str("model", model).Msg("result upsert failed")
		return out, nil
	}

	outcome = string(OutcomeSuccess)
	out.Status = OutcomeSuccess
	s.cacheResult(ctx, logger, tier, key, result)
	s.notifyStatus(ctx, logger, tier, key, StatusUpdate{Status: StatusCompleted, ProcessedAt: processedAt})
	logger.Info().
		Str("model", model).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("tier run completed")
	return out, nil
}

// fail records the classified error on the aggregator record and returns the
// caller-facing processing error. The original cause is kept in full.
func (s *Service) fail(ctx context.Context, logger zerolog.Logger, tier Tier, key Key, cause error) error {
	c := Classify(cause)
	logger.Error().Err(cause).Str("status", c.Status).Str("error_type", c.ErrorType).Msg("tier run failed")
	s.notifyStatus(ctx, logger, tier, key, StatusUpdate{
		Status:       c.Status,
		ErrorType:    c.ErrorType,
		ErrorMessage: c.Message,
		ProcessedAt:  s.now().UTC(),
	})
	return &Error{Code: CodeProcessing, Message: cause.Error(), ErrorType: c.ErrorType, Err: cause}
}

// notifyStatus writes the status fields back onto the aggregator record. The
// result is logged and measured but never returned: a failed status write
// does not change the outcome of the run it reports on. The write is detached
// from caller cancellation so a timed-out run can still be recorded.
func (s *Service) notifyStatus(ctx context.Context, logger zerolog.Logger, tier Tier, key Key, update StatusUpdate) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	err := s.store.UpdateStatus(writeCtx, tier, key, update)
	s.rec.ObserveStatusWrite(string(tier), update.Status, err)
	if err != nil {
		logger.Warn().Err(err).Str("status", update.Status).Msg("status update failed")
		return
	}
	logger.Debug().Str("status", update.Status).Msg("status updated")
}

func (s *Service) cacheResult(ctx context.Context, logger zerolog.Logger, tier Tier, key Key, result any) {
	if s.cache == nil {
		return
	}
	if err := s.cache.PutResult(ctx, tier, key, result); err != nil {
		logger.Warn().Err(err).Msg("result cache write failed")
	}
}
