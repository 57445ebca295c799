// Package app assembles the pipeline's long-lived collaborators from
// configuration. Each binary builds one Deps and layers its own worker pools
// and HTTP surfaces on top.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	systemclock "github.com/courtdata/statpipe/internal/clock/system"
	"github.com/courtdata/statpipe/internal/config"
	uuidgen "github.com/courtdata/statpipe/internal/id/uuid"
	"github.com/courtdata/statpipe/internal/metrics"
	"github.com/courtdata/statpipe/internal/pipeline"
	"github.com/courtdata/statpipe/internal/progress"
	"github.com/courtdata/statpipe/internal/progress/sinks"
	memoryq "github.com/courtdata/statpipe/internal/queue/memory"
	"github.com/courtdata/statpipe/internal/queue/redisstream"
	memorystore "github.com/courtdata/statpipe/internal/storage/memory"
	"github.com/courtdata/statpipe/internal/storage/postgres"
)

// Deps holds the shared services behind every binary: the broker, the store,
// the progress hub, and the ambient helpers.
type Deps struct {
	Cfg    config.Config
	Broker pipeline.Broker
	Store  pipeline.Store
	Hub    *progress.Hub
	Clock  pipeline.Clock
	IDs    pipeline.IDGenerator
	Logger *zap.Logger
}

// Build constructs the broker and store named by cfg and starts the progress
// hub. A nil registerer uses the Prometheus default; tests pass their own to
// avoid duplicate collector registration.
func Build(ctx context.Context, cfg config.Config, reg prometheus.Registerer, logger *zap.Logger) (*Deps, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	broker, err := buildBroker(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		_ = broker.Close()
		return nil, err
	}

	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		_ = broker.Close()
		store.Close()
		return nil, err
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	)

	return &Deps{
		Cfg:    cfg,
		Broker: broker,
		Store:  store,
		Hub:    hub,
		Clock:  systemclock.New(),
		IDs:    uuidgen.New(),
		Logger: logger,
	}, nil
}

// Close flushes the progress hub and releases the broker and store. Safe to
// call once after the pools have stopped.
func (d *Deps) Close(ctx context.Context) {
	if d.Hub != nil {
		if err := d.Hub.Close(ctx); err != nil {
			d.Logger.Warn("progress hub close", zap.Error(err))
		}
	}
	if d.Broker != nil {
		if err := d.Broker.Close(); err != nil {
			d.Logger.Warn("broker close", zap.Error(err))
		}
	}
	if d.Store != nil {
		d.Store.Close()
	}
}

func buildBroker(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.Broker, error) {
	switch cfg.Broker.Kind {
	case "memory":
		return memoryq.New(cfg.Broker.Partitions, cfg.ClaimIdle()), nil
	case "redis":
		broker, err := redisstream.New(ctx, redisstream.Config{
			Addr:       cfg.Broker.Addr,
			Password:   cfg.Broker.Password,
			DB:         cfg.Broker.DB,
			Partitions: cfg.Broker.Partitions,
			ClaimIdle:  cfg.ClaimIdle(),
			Block:      cfg.BrokerBlock(),
		}, logger.Named("broker"))
		if err != nil {
			return nil, fmt.Errorf("redis broker: %w", err)
		}
		return broker, nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}

func buildStore(ctx context.Context, cfg config.Config) (pipeline.Store, error) {
	switch cfg.Storage.Kind {
	case "memory":
		return memorystore.New(), nil
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Storage.DSN,
			MaxConns: cfg.Storage.MaxConns,
			MinConns: cfg.Storage.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Storage.Kind)
	}
}
