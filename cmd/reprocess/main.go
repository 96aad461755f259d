// Command reprocess submits aggregator records that have not completed to a
// running profiler service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"

	"profiler_api/backfill"
	"profiler_api/config"
	"profiler_api/internal/logger"
	"profiler_api/internal/store"
	"profiler_api/profiler"
)

func main() {
	tierFlag := flag.String("tier", "all", "tier to reprocess: spot, daily, weekly or all")
	limit := flag.Int("limit", 0, "maximum records to submit (0 means no limit)")
	concurrency := flag.Int("concurrency", 8, "parallel submissions")
	includeFailed := flag.Bool("failed", false, "also resubmit records that failed permanently")
	baseURL := flag.String("url", os.Getenv("SERVICE_BASE_URL"), "profiler service base URL")
	flag.Parse()

	logger.Init()
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("load config")
	}
	tiers, err := parseTiers(*tierFlag)
	if err != nil {
		zlog.Fatal().Err(err).Msg("parse -tier")
	}
	if *baseURL == "" {
		*baseURL = "http://localhost" + cfg.HTTPPort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	dsn := cfg.DBPath
	if cfg.DBDriver == store.DriverPostgres {
		dsn = cfg.DatabaseURL
	}
	st, err := store.Open(ctx, cfg.DBDriver, dsn)
	if err != nil {
		zlog.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	records, err := listRecords(ctx, st, tiers)
	if err != nil {
		zlog.Fatal().Err(err).Msg("list records")
	}
	zlog.Info().Str("url", *baseURL).Int("records", len(records)).Msg("submitting runs")

	sub := backfill.NewHTTPSubmitter(*baseURL, time.Duration(cfg.JobTimeoutSec)*time.Second)
	backfill.Run(ctx, records, sub, backfill.Options{
		Limit:         *limit,
		IncludeFailed: *includeFailed,
		Concurrency:   *concurrency,
	})
}

type stateLister interface {
	ListSourceStates(ctx context.Context, tier profiler.Tier) ([]profiler.SourceState, error)
}

func parseTiers(v string) ([]profiler.Tier, error) {
	if strings.EqualFold(strings.TrimSpace(v), "all") {
		return append([]profiler.Tier(nil), profiler.Tiers...), nil
	}
	var out []profiler.Tier
	for _, part := range strings.Split(v, ",") {
		tier, ok := profiler.ParseTier(strings.TrimSpace(part))
		if !ok {
			return nil, fmt.Errorf("unknown tier %q", part)
		}
		out = append(out, tier)
	}
	return out, nil
}

func listRecords(ctx context.Context, l stateLister, tiers []profiler.Tier) ([]backfill.Record, error) {
	var out []backfill.Record
	for _, tier := range tiers {
		states, err := l.ListSourceStates(ctx, tier)
		if err != nil {
			return nil, err
		}
		for _, s := range states {
			out = append(out, backfill.Record{Tier: tier, SourceState: s})
		}
	}
	return out, nil
}
