package profiler

import (
	"sort"
	"strings"
	"time"
)

// RollupSpotScores pairs each spot score with its HH:MM time of day, drops
// entries missing either, sorts by time and averages the remaining scores.
// An empty input yields an empty series and 0.
func RollupSpotScores(scores []SpotScore) ([]ScorePoint, float64) {
	series := make([]ScorePoint, 0, len(scores))
	for _, sc := range scores {
		if sc.VibeScore == nil {
			continue
		}
		label, ok := clockLabel(sc.LocalTime)
		if !ok {
			continue
		}
		series = append(series, ScorePoint{Time: label, Score: *sc.VibeScore})
	}
	sort.SliceStable(series, func(i, j int) bool { return series[i].Time < series[j].Time })

	if len(series) == 0 {
		return series, 0
	}
	var sum float64
	for _, p := range series {
		sum += p.Score
	}
	return series, sum / float64(len(series))
}

// clockLabel extracts HH:MM from "HH:MM", "HH:MM:SS[.fff]" or a full
// timestamp using 'T' or ' ' as the date/time separator.
func clockLabel(localTime string) (string, bool) {
	v := strings.TrimSpace(localTime)
	if i := strings.IndexAny(v, "T "); i >= 0 {
		v = v[i+1:]
	}
	if len(v) < 5 {
		return "", false
	}
	hhmm := v[:5]
	if _, err := time.Parse("15:04", hhmm); err != nil {
		return "", false
	}
	return hhmm, true
}
