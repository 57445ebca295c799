package app

import (
	"context"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/courtdata/statpipe/internal/config"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestBuildMemoryDeps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	deps, err := Build(ctx, memoryConfig(t), prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { deps.Close(ctx) })

	require.NotNil(t, deps.Broker)
	require.NotNil(t, deps.Store)
	require.NotNil(t, deps.Hub)
	require.NotNil(t, deps.Clock)
	require.NotNil(t, deps.IDs)
}

func TestBuildRejectsUnknownBrokerKind(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.Broker.Kind = "kafka"
	_, err := Build(context.Background(), cfg, prometheus.NewRegistry(), zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown broker kind")
}

func TestBuildRejectsUnknownStorageKind(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.Storage.Kind = "mysql"
	_, err := Build(context.Background(), cfg, prometheus.NewRegistry(), zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown storage kind")
}

func TestDepsBuildPoolsAndService(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	deps, err := Build(ctx, memoryConfig(t), prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { deps.Close(ctx) })

	pool, err := deps.ScraperPool()
	require.NoError(t, err)
	require.NotNil(t, pool)
	require.NotNil(t, deps.ProcessorPool())
	require.NotNil(t, deps.Orchestrator())
}

func TestServeHTTPStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ServeHTTP(ctx, 0, http.NotFoundHandler(), zap.NewNop())
	require.NoError(t, err)
}

func TestServeHTTPListenFailure(t *testing.T) {
	t.Parallel()

	err := ServeHTTP(context.Background(), -1, http.NotFoundHandler(), zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "http server")
}
