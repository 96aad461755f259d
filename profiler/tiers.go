package profiler

import (
	"context"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// ProcessSpot analyses a single recording identified by recorded_at.
func (s *Service) ProcessSpot(ctx context.Context, deviceID, recordedAt string) (Outcome, error) {
	return s.run(ctx, TierSpot, Key{DeviceID: deviceID, TimeKey: recordedAt}, s.persistSpot)
}

// ProcessDaily summarises one local calendar day. The narrative comes from the
// daily prompt; the score series is rolled up from stored spot results.
func (s *Service) ProcessDaily(ctx context.Context, deviceID, localDate string) (Outcome, error) {
	return s.run(ctx, TierDaily, Key{DeviceID: deviceID, TimeKey: localDate}, s.persistDaily)
}

// ProcessWeekly summarises the week starting at weekStartDate.
func (s *Service) ProcessWeekly(ctx context.Context, deviceID, weekStartDate string) (Outcome, error) {
	return s.run(ctx, TierWeekly, Key{DeviceID: deviceID, TimeKey: weekStartDate}, s.persistWeekly)
}

// Process dispatches to the tier's operation.
func (s *Service) Process(ctx context.Context, tier Tier, key Key) (Outcome, error) {
	switch tier {
	case TierSpot:
		return s.ProcessSpot(ctx, key.DeviceID, key.TimeKey)
	case TierDaily:
		return s.ProcessDaily(ctx, key.DeviceID, key.TimeKey)
	case TierWeekly:
		return s.ProcessWeekly(ctx, key.DeviceID, key.TimeKey)
	default:
		return Outcome{}, ErrValidation("unknown tier " + string(tier))
	}
}

func (s *Service) persistSpot(ctx context.Context, src Source, payload Payload, model string, processedAt time.Time) (any, error) {
	result := SpotResult{
		Key:             src.Key,
		LocalDate:       src.LocalDate,
		LocalTime:       src.LocalTime,
		VibeScore:       payload.Fields.VibeScore,
		Summary:         payload.Fields.Summary,
		Behavior:        payload.Fields.Behavior,
		ProfileResult:   payload.Raw,
		ModelIdentifier: model,
		ProcessedAt:     processedAt,
	}
	return result, s.store.UpsertSpotResult(ctx, result)
}

func (s *Service) persistDaily(ctx context.Context, src Source, payload Payload, model string, processedAt time.Time) (any, error) {
	series, average := s.rollupDay(ctx, src.Key)
	result := DailyResult{
		Key:             src.Key,
		VibeScore:       average,
		VibeScores:      series,
		Summary:         payload.Fields.Summary,
		BurstEvents:     payload.Fields.BurstEvents,
		ProfileResult:   payload.Raw,
		ProcessedCount:  len(series),
		ModelIdentifier: model,
		ProcessedAt:     processedAt,
	}
	return result, s.store.UpsertDailyResult(ctx, result)
}

// rollupDay reads the day's spot results. A read failure degrades to an empty
// series and a zero average.
func (s *Service) rollupDay(ctx context.Context, key Key) ([]ScorePoint, float64) {
	scores, err := s.store.ListSpotScores(ctx, key.DeviceID, key.TimeKey)
	if err != nil {
		zlog.Warn().Err(err).
			Str("device_id", key.DeviceID).
			Str("local_date", key.TimeKey).
			Msg("spot results unavailable for daily rollup; using empty series")
		return []ScorePoint{}, 0
	}
	return RollupSpotScores(scores)
}

func (s *Service) persistWeekly(ctx context.Context, src Source, payload Payload, model string, processedAt time.Time) (any, error) {
	var count *int
	if src.Context != nil {
		count = src.Context.RecordingCount
	}
	result := WeeklyResult{
		Key:             src.Key,
		Summary:         payload.Fields.WeekSummary,
		MemorableEvents: payload.Fields.MemorableEvents,
		ProfileResult:   payload.Raw,
		ProcessedCount:  count,
		ModelIdentifier: model,
		ProcessedAt:     processedAt,
	}
	return result, s.store.UpsertWeeklyResult(ctx, result)
}
