// Package main hosts the processor worker binary. It drains the results
// topic, normalizes scraped stat rows, and upserts them into the store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/courtdata/statpipe/internal/api"
	"github.com/courtdata/statpipe/internal/app"
	"github.com/courtdata/statpipe/internal/config"
	"github.com/courtdata/statpipe/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("processor failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	deps, err := app.Build(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer deps.Close(context.Background())

	pool := deps.ProcessorPool()

	ops := api.NewOpsServer(
		deps.Broker,
		deps.Store,
		func() any { return pool.Stats().Snapshot() },
		api.OpsConfig{Topic: cfg.Topics.Results, Group: cfg.Groups.Processors},
		logger.Named("ops"),
	)
	go func() {
		if err := app.ServeHTTP(ctx, cfg.Server.Port, ops.Handler(), logger.Named("ops")); err != nil {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	logger.Info("processor workers started",
		zap.Int("workers", cfg.Processor.Workers),
		zap.String("topic", cfg.Topics.Results),
	)
	if err := pool.Run(ctx); err != nil {
		return fmt.Errorf("processor pool: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
