package processor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	uuidgen "github.com/courtdata/statpipe/internal/id/uuid"
	"github.com/courtdata/statpipe/internal/metrics"
	"github.com/courtdata/statpipe/internal/pipeline"
	memoryq "github.com/courtdata/statpipe/internal/queue/memory"
	memorystore "github.com/courtdata/statpipe/internal/storage/memory"
)

func TestPool_DrainsAllPartitions(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := memoryq.New(4, time.Minute)
	t.Cleanup(func() { _ = broker.Close() })
	store := memorystore.New()

	urls := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		url := fmt.Sprintf("https://stats.example.com/page/%d", i)
		urls = append(urls, url)
		storePage(t, store, url,
			fmt.Sprintf(`{"data":[{"PLAYER":"Player %d","GP":"10","PTS":"100"}]}`, i))
	}

	pool := NewPool(
		broker,
		store,
		nil,
		nil,
		&fakeClock{now: time.Unix(2000, 0)},
		uuidgen.New(),
		nil,
		PoolConfig{
			Workers:     2,
			ResultTopic: testResultTopic,
			Group:       testGroup,
		},
		zap.NewNop(),
	)

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	for _, url := range urls {
		publishResult(t, broker, pipeline.Result{
			URL:      url,
			Status:   pipeline.FetchSucceeded,
			WorkerID: "scraper-1",
		})
	}

	require.Eventually(t, func() bool {
		return pool.Stats().Succeeded.Load() == int64(len(urls))
	}, 5*time.Second, 20*time.Millisecond)
	requireAcked(t, broker, testResultTopic, testGroup)

	count, err := store.CountRecords(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(len(urls)), count)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop on cancel")
	}
}

func TestPool_RejectsMoreWorkersThanPartitions(t *testing.T) {
	t.Parallel()
	metrics.Init()

	broker := memoryq.New(2, time.Minute)
	t.Cleanup(func() { _ = broker.Close() })

	pool := NewPool(
		broker,
		memorystore.New(),
		nil,
		nil,
		&fakeClock{now: time.Unix(2000, 0)},
		uuidgen.New(),
		nil,
		PoolConfig{
			Workers:     3,
			ResultTopic: testResultTopic,
			Group:       testGroup,
		},
		zap.NewNop(),
	)

	err := pool.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "3 workers for 2 partitions")
}
