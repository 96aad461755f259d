package profiler

import (
	"encoding/json"
	"time"
)

// Tier names an aggregation granularity. Each tier owns one aggregator table
// and one result table.
type Tier string

const (
	TierSpot   Tier = "spot"
	TierDaily  Tier = "daily"
	TierWeekly Tier = "weekly"
)

// Tiers lists every tier in processing order.
var Tiers = []Tier{TierSpot, TierDaily, TierWeekly}

// ParseTier maps a path or config value to a Tier.
func ParseTier(v string) (Tier, bool) {
	switch Tier(v) {
	case TierSpot, TierDaily, TierWeekly:
		return Tier(v), true
	default:
		return "", false
	}
}

// TimeKeyField is the column and request field that holds the tier's time key.
func (t Tier) TimeKeyField() string {
	switch t {
	case TierSpot:
		return "recorded_at"
	case TierDaily:
		return "local_date"
	case TierWeekly:
		return "week_start_date"
	default:
		return "time_key"
	}
}

// Title is used in operator-facing messages.
func (t Tier) Title() string {
	switch t {
	case TierSpot:
		return "Spot"
	case TierDaily:
		return "Daily"
	case TierWeekly:
		return "Weekly"
	default:
		return string(t)
	}
}

// Aggregator status values written back onto source records.
const (
	StatusPending     = "pending"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusRateLimited = "rate_limited"
)

// OutcomeStatus is the caller-visible result of a tier run.
type OutcomeStatus string

const (
	OutcomeSuccess        OutcomeStatus = "success"
	OutcomePartialSuccess OutcomeStatus = "partial_success"
)

// Key identifies one unit of work: a device and a tier-specific time key
// (recorded_at, local_date or week_start_date). Keys are matched exactly.
type Key struct {
	DeviceID string `json:"device_id"`
	TimeKey  string `json:"time_key"`
}

// SourceContext is the small summary object upstream attaches to weekly
// aggregator rows.
type SourceContext struct {
	RecordingCount *int `json:"recording_count,omitempty"`
}

// Source is an aggregator record as read for processing.
type Source struct {
	Key       Key
	Prompt    string
	LocalDate string
	LocalTime string
	Context   *SourceContext
	Status    string
}

// StatusUpdate is the partial update applied to an aggregator record.
// Empty ErrorType/ErrorMessage clear the previous values.
type StatusUpdate struct {
	Status       string
	ErrorType    string
	ErrorMessage string
	ProcessedAt  time.Time
}

// SourceState is the status summary of one aggregator record.
type SourceState struct {
	Key         Key
	Status      string
	ProcessedAt time.Time
}

// ScorePoint is one entry of the daily vibe score series.
type ScorePoint struct {
	Time  string  `json:"time"`
	Score float64 `json:"score"`
}

// SpotScore is the subset of a spot result the daily rollup reads.
type SpotScore struct {
	RecordedAt string
	LocalTime  string
	VibeScore  *float64
}

type SpotResult struct {
	Key             Key             `json:"key"`
	LocalDate       string          `json:"local_date,omitempty"`
	LocalTime       string          `json:"local_time,omitempty"`
	VibeScore       *float64        `json:"vibe_score"`
	Summary         *string         `json:"summary"`
	Behavior        *string         `json:"behavior"`
	ProfileResult   json.RawMessage `json:"profile_result"`
	ModelIdentifier string          `json:"llm_model"`
	ProcessedAt     time.Time       `json:"processed_at"`
}

type DailyResult struct {
	Key             Key             `json:"key"`
	VibeScore       float64         `json:"vibe_score"`
	VibeScores      []ScorePoint    `json:"vibe_scores"`
	Summary         *string         `json:"summary"`
	BurstEvents     json.RawMessage `json:"burst_events"`
	ProfileResult   json.RawMessage `json:"profile_result"`
	ProcessedCount  int             `json:"processed_count"`
	ModelIdentifier string          `json:"llm_model"`
	ProcessedAt     time.Time       `json:"processed_at"`
}

type WeeklyResult struct {
	Key             Key             `json:"key"`
	Summary         *string         `json:"summary"`
	MemorableEvents json.RawMessage `json:"memorable_events"`
	ProfileResult   json.RawMessage `json:"profile_result"`
	ProcessedCount  *int            `json:"processed_count"`
	ModelIdentifier string          `json:"llm_model"`
	ProcessedAt     time.Time       `json:"processed_at"`
}

// Outcome is returned by every tier operation that got as far as an LLM
// response.
type Outcome struct {
	Tier         Tier
	Key          Key
	Status       OutcomeStatus
	Analysis     Payload
	DatabaseSave bool
	ProcessedAt  time.Time
	ModelUsed    string
	Result       any
}
