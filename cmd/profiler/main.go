package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	zlog "github.com/rs/zerolog/log"

	"profiler_api/config"
	"profiler_api/internal/app"
	"profiler_api/internal/logger"
)

func main() {
	seedPath := flag.String("seed", "", "load aggregator records from a JSON file before serving")
	flag.Parse()

	logger.Init()
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("init")
	}
	if *seedPath != "" {
		if _, err := app.LoadSeedFile(ctx, application.Store(), *seedPath); err != nil {
			zlog.Fatal().Err(err).Msg("seed")
		}
	}
	if err := application.Run(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("run")
	}
}
