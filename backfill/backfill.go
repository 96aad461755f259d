package backfill

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"profiler_api/profiler"
)

// Record is one aggregator record considered for reprocessing.
type Record struct {
	Tier profiler.Tier
	profiler.SourceState
}

// Summary captures backfill execution counts.
type Summary struct {
	Total            int `json:"total"`
	AlreadyProcessed int `json:"already_processed"`
	Unprocessed      int `json:"unprocessed"`
	Selected         int `json:"selected"`
	Submitted        int `json:"submitted"`
	Failed           int `json:"failed"`
	Busy             int `json:"busy"`
}

// Options controls which records are selected and how many run at once.
type Options struct {
	Limit         int
	IncludeFailed bool
	Concurrency   int
}

// ErrBusy reports that the service refused the run because its queue is full.
var ErrBusy = errors.New("profiler queue is full")

// Submitter triggers one tier run.
type Submitter interface {
	Submit(ctx context.Context, tier profiler.Tier, key profiler.Key) error
}

var tierOrder = map[profiler.Tier]int{profiler.TierSpot: 0, profiler.TierDaily: 1, profiler.TierWeekly: 2}

// SelectPending picks the records that still need a run. Pending and
// rate-limited records are always selected; failed ones only when
// IncludeFailed is set. The result is ordered spot, daily, weekly and newest
// first within a tier, then cut to Limit when Limit is positive.
func SelectPending(records []Record, opts Options) ([]Record, Summary) {
	sorted := append([]Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Tier != sorted[j].Tier {
			return tierOrder[sorted[i].Tier] < tierOrder[sorted[j].Tier]
		}
		return sorted[i].Key.TimeKey > sorted[j].Key.TimeKey
	})

	summary := Summary{Total: len(sorted)}
	selected := make([]Record, 0, len(sorted))
	for _, r := range sorted {
		switch r.Status {
		case profiler.StatusCompleted:
			summary.AlreadyProcessed++
			continue
		case profiler.StatusFailed:
			summary.Unprocessed++
			if !opts.IncludeFailed {
				continue
			}
		default:
			summary.Unprocessed++
		}
		selected = append(selected, r)
	}
	if opts.Limit > 0 && opts.Limit < len(selected) {
		selected = selected[:opts.Limit]
	}
	summary.Selected = len(selected)
	return selected, summary
}

// Run selects pending records and submits them. Tiers run one after another
// so a daily rollup sees the spot results submitted before it.
func Run(ctx context.Context, records []Record, sub Submitter, opts Options) Summary {
	selected, summary := SelectPending(records, opts)
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 4
	}

	var mu sync.Mutex
	for start := 0; start < len(selected); {
		end := start
		for end < len(selected) && selected[end].Tier == selected[start].Tier {
			end++
		}

		var wg sync.WaitGroup
		slots := make(chan struct{}, workers)
		for _, rec := range selected[start:end] {
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			slots <- struct{}{}
			go func(rec Record) {
				defer wg.Done()
				defer func() { <-slots }()
				err := sub.Submit(ctx, rec.Tier, rec.Key)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					summary.Submitted++
				case errors.Is(err, ErrBusy):
					summary.Busy++
				default:
					summary.Failed++
				}
				logEvt := zlog.Info()
				if err != nil {
					logEvt = zlog.Warn().Err(err)
				}
				logEvt.Str("tier", string(rec.Tier)).
					Str("device_id", rec.Key.DeviceID).
					Str("time_key", rec.Key.TimeKey).
					Msg("backfill submit")
			}(rec)
		}
		wg.Wait()
		start = end
	}

	zlog.Info().
		Int("total", summary.Total).
		Int("unprocessed", summary.Unprocessed).
		Int("selected", summary.Selected).
		Int("submitted", summary.Submitted).
		Int("failed", summary.Failed).
		Int("busy", summary.Busy).
		Int("already_processed", summary.AlreadyProcessed).
		Msg("backfill summary")
	return summary
}

// HTTPSubmitter posts runs to a profiler service.
type HTTPSubmitter struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPSubmitter(baseURL string, timeout time.Duration) *HTTPSubmitter {
	return &HTTPSubmitter{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPSubmitter) Submit(ctx context.Context, tier profiler.Tier, key profiler.Key) error {
	body, err := json.Marshal(map[string]string{
		"device_id":         key.DeviceID,
		tier.TimeKeyField(): key.TimeKey,
	})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/%s-profiler", h.BaseURL, tier)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return ErrBusy
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s: %s", endpoint, resp.Status)
	}
	return nil
}
