package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	systemclock "github.com/courtdata/statpipe/internal/clock/system"
	uuidgen "github.com/courtdata/statpipe/internal/id/uuid"
	"github.com/courtdata/statpipe/internal/metrics"
	"github.com/courtdata/statpipe/internal/orchestrator"
	"github.com/courtdata/statpipe/internal/pipeline"
	"github.com/courtdata/statpipe/internal/queue"
	memoryq "github.com/courtdata/statpipe/internal/queue/memory"
	memorystore "github.com/courtdata/statpipe/internal/storage/memory"
)

const (
	testTaskTopic    = "scraping-tasks"
	testResultTopic  = "scraping-results"
	testScraperGroup = "scraper-workers"
	testProcessGroup = "processor-workers"
)

func TestServer_SubmitJobAccepted(t *testing.T) {
	t.Parallel()
	metrics.Init()

	broker := memoryq.New(1, time.Minute)
	t.Cleanup(func() { _ = broker.Close() })
	store := memorystore.New()
	server := newTestServer(store, broker)

	body := []byte(`{"urls":["https://stats.example.com/players/career"],"metadata":{"season_type":"Playoffs"},"priority":1}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var receipt orchestrator.Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	require.Equal(t, orchestrator.StatusSubmitted, receipt.Status)
	require.Equal(t, 1, receipt.Submitted)
	require.NotEmpty(t, receipt.JobID)

	pending, err := broker.PendingCount(context.Background(), testTaskTopic, testScraperGroup)
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)
}

func TestServer_SubmitJobInvalidJSON(t *testing.T) {
	t.Parallel()
	metrics.Init()

	server, cleanup := newDefaultServer(t)
	defer cleanup()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewBufferString("{invalid"))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid JSON")
}

func TestServer_SubmitJobMissingURLs(t *testing.T) {
	t.Parallel()
	metrics.Init()

	server, cleanup := newDefaultServer(t)
	defer cleanup()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewBufferString(`{"urls":[]}`))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "urls required")
}

func TestServer_SubmitJobInvalidURL(t *testing.T) {
	t.Parallel()
	metrics.Init()

	server, cleanup := newDefaultServer(t)
	defer cleanup()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewBufferString(`{"urls":["not a url"]}`))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "not absolute")
}

func TestServer_QueueBacklog(t *testing.T) {
	t.Parallel()
	metrics.Init()

	broker := memoryq.New(1, time.Minute)
	t.Cleanup(func() { _ = broker.Close() })
	store := memorystore.New()
	server := newTestServer(store, broker)

	ctx := context.Background()
	for _, url := range []string{"https://stats.example.com/a", "https://stats.example.com/b"} {
		payload, err := queue.EncodeTask(pipeline.Task{URL: url})
		require.NoError(t, err)
		require.NoError(t, broker.Publish(ctx, testTaskTopic, url, payload))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/backlog", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap orchestrator.BacklogSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.EqualValues(t, 2, snap.Tasks)
	require.Zero(t, snap.Results)
}

func TestServer_DeadLetters(t *testing.T) {
	t.Parallel()
	metrics.Init()

	broker := memoryq.New(1, time.Minute)
	t.Cleanup(func() { _ = broker.Close() })
	store := memorystore.New()
	server := newTestServer(store, broker)

	ctx := context.Background()
	base := time.Unix(5000, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveDeadLetter(ctx, pipeline.DeadLetterRecord{
			URL:        "https://stats.example.com/dead",
			Error:      "fetch failed",
			RetryCount: 3,
			FailedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/deadletters?limit=2", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		DeadLetters []pipeline.DeadLetterRecord `json:"dead_letters"`
		Count       int                         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	require.Len(t, resp.DeadLetters, 2)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/deadletters?limit=abc", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_HealthzHealthy(t *testing.T) {
	t.Parallel()
	metrics.Init()

	server, cleanup := newDefaultServer(t)
	defer cleanup()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "healthy")
}

func TestServer_HealthzDegradedStore(t *testing.T) {
	t.Parallel()
	metrics.Init()

	broker := memoryq.New(1, time.Minute)
	t.Cleanup(func() { _ = broker.Close() })
	store := &failingStore{Store: memorystore.New(), countErr: errors.New("connection refused")}
	server := newTestServer(store, broker)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "degraded")
	require.Contains(t, rec.Body.String(), "store")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()
	metrics.Init()

	server, cleanup := newDefaultServer(t)
	defer cleanup()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "statpipe_dead_letters_total")
}

func newTestServer(store pipeline.Store, broker pipeline.Broker) *Server {
	svc := orchestrator.New(store, broker, nil, systemclock.New(), uuidgen.New(), orchestrator.Config{
		TaskTopic:      testTaskTopic,
		ResultTopic:    testResultTopic,
		ScraperGroup:   testScraperGroup,
		ProcessorGroup: testProcessGroup,
	}, zap.NewNop())
	return NewServer(svc, store, zap.NewNop())
}

func newDefaultServer(t *testing.T) (*Server, func()) {
	t.Helper()
	broker := memoryq.New(1, time.Minute)
	return newTestServer(memorystore.New(), broker), func() { _ = broker.Close() }
}

type failingStore struct {
	*memorystore.Store
	countErr error
}

func (s *failingStore) CountRecords(ctx context.Context) (int64, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	return s.Store.CountRecords(ctx)
}
