package indexer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courtdata/statpipe/internal/pipeline"
)

func sampleBatch() []pipeline.StatLine {
	return []pipeline.StatLine{
		{
			PlayerName: "Nikola Jokic",
			SeasonType: "Regular Season",
			Stats:      map[string]any{"points": int64(20778)},
			SourceURL:  "https://stats.example.com/alltime",
			ScrapedAt:  time.Unix(1000, 0).UTC(),
		},
	}
}

func TestHTTPIndexPostsBatch(t *testing.T) {
	t.Parallel()

	var got batchEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	idx := NewHTTP(Config{Endpoint: srv.URL}, nil)
	require.NoError(t, idx.Index(context.Background(), sampleBatch()))

	require.Len(t, got.Lines, 1)
	require.Equal(t, "Nikola Jokic", got.Lines[0].PlayerName)
	require.Equal(t, "Regular Season", got.Lines[0].SeasonType)
}

func TestHTTPIndexErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "index unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	idx := NewHTTP(Config{Endpoint: srv.URL, RetryCount: 0}, nil)
	err := idx.Index(context.Background(), sampleBatch())
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
}

func TestHTTPIndexSkipsEmptyBatch(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	idx := NewHTTP(Config{Endpoint: srv.URL}, nil)
	require.NoError(t, idx.Index(context.Background(), nil))
	require.Zero(t, requests.Load())
}

func TestHTTPIndexUnreachableEndpoint(t *testing.T) {
	t.Parallel()

	idx := NewHTTP(Config{Endpoint: "http://127.0.0.1:1", Timeout: time.Second}, nil)
	require.Error(t, idx.Index(context.Background(), sampleBatch()))
}

func TestNoopIndexAlwaysSucceeds(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewNoop().Index(context.Background(), sampleBatch()))
}

func TestMemoryIndexRecordsBatches(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	require.NoError(t, m.Index(context.Background(), sampleBatch()))
	require.NoError(t, m.Index(context.Background(), sampleBatch()))

	batches := m.Batches()
	require.Len(t, batches, 2)
	require.Equal(t, "Nikola Jokic", batches[0][0].PlayerName)
}
