package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	zlog "github.com/rs/zerolog/log"

	"profiler_api/profiler"
)

// Seeder is the write side used to load aggregator records.
type Seeder interface {
	SeedSource(ctx context.Context, tier profiler.Tier, src profiler.Source) error
}

type seedFile struct {
	Spot []struct {
		DeviceID   string `json:"device_id"`
		RecordedAt string `json:"recorded_at"`
		LocalDate  string `json:"local_date"`
		LocalTime  string `json:"local_time"`
		Prompt     string `json:"prompt"`
	} `json:"spot"`
	Daily []struct {
		DeviceID  string `json:"device_id"`
		LocalDate string `json:"local_date"`
		Prompt    string `json:"prompt"`
	} `json:"daily"`
	Weekly []struct {
		DeviceID      string                  `json:"device_id"`
		WeekStartDate string                  `json:"week_start_date"`
		Prompt        string                  `json:"prompt"`
		Context       *profiler.SourceContext `json:"context"`
	} `json:"weekly"`
}

type seedRecord struct {
	tier profiler.Tier
	src  profiler.Source
}

// LoadSeedFile upserts the aggregator records in a JSON seed file and returns
// how many were written. Every seeded record is reset to pending.
func LoadSeedFile(ctx context.Context, s Seeder, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var doc seedFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("parse seed file %s: %w", path, err)
	}

	var records []seedRecord
	add := func(tier profiler.Tier, src profiler.Source) {
		records = append(records, seedRecord{tier: tier, src: src})
	}
	for _, r := range doc.Spot {
		add(profiler.TierSpot, profiler.Source{
			Key:       profiler.Key{DeviceID: r.DeviceID, TimeKey: r.RecordedAt},
			Prompt:    r.Prompt,
			LocalDate: r.LocalDate,
			LocalTime: r.LocalTime,
		})
	}
	for _, r := range doc.Daily {
		add(profiler.TierDaily, profiler.Source{
			Key:       profiler.Key{DeviceID: r.DeviceID, TimeKey: r.LocalDate},
			Prompt:    r.Prompt,
			LocalDate: r.LocalDate,
		})
	}
	for _, r := range doc.Weekly {
		add(profiler.TierWeekly, profiler.Source{
			Key:     profiler.Key{DeviceID: r.DeviceID, TimeKey: r.WeekStartDate},
			Prompt:  r.Prompt,
			Context: r.Context,
		})
	}

	for i, r := range records {
		if r.src.Key.DeviceID == "" || r.src.Key.TimeKey == "" {
			return i, fmt.Errorf("seed %s record %d: device id and time key are required", r.tier, i)
		}
		if err := s.SeedSource(ctx, r.tier, r.src); err != nil {
			return i, err
		}
	}
	zlog.Info().Str("path", path).
		Int("spot", len(doc.Spot)).
		Int("daily", len(doc.Daily)).
		Int("weekly", len(doc.Weekly)).
		Msg("seed file loaded")
	return len(records), nil
}
