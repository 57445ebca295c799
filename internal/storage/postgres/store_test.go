package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/courtdata/statpipe/internal/pipeline"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return mock, store
}

func TestExistsQueriesByURL(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("https://stats.example.com/leaders").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.Exists(context.Background(), "https://stats.example.com/leaders")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePageUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	page := pipeline.PageDocument{
		URL:         "https://stats.example.com/leaders",
		Body:        []byte(`{"data":[]}`),
		ContentType: "application/json",
		StatusCode:  200,
		Status:      "success",
		ContentHash: "abc123",
		FetchedAt:   now,
		DurationMs:  42,
		Metadata:    map[string]any{"season_type": "Regular Season"},
	}

	mock.ExpectExec(`INSERT INTO scraped_pages`).
		WithArgs(
			page.URL,
			page.Body,
			page.ContentType,
			page.StatusCode,
			page.UsedHeadless,
			page.Status,
			page.ContentHash,
			page.FetchedAt,
			page.DurationMs,
			[]byte(`{"season_type":"Regular Season"}`),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.StorePage(context.Background(), page))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePageRequiresURL(t *testing.T) {
	t.Parallel()

	_, store := newMockStore(t)
	err := store.StorePage(context.Background(), pipeline.PageDocument{})
	require.Error(t, err)
}

func TestGetPageMissingIsNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	mock.ExpectQuery(`SELECT url, body`).
		WithArgs("https://stats.example.com/missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetPage(context.Background(), "https://stats.example.com/missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPageScansRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows([]string{
		"url", "body", "content_type", "status_code", "used_headless",
		"status", "content_hash", "fetched_at", "duration_ms", "metadata",
	}).AddRow(
		"https://stats.example.com/leaders",
		[]byte(`{"data":[["Ava Jordan"]]}`),
		"application/json",
		200,
		false,
		"success",
		"abc123",
		now,
		int64(42),
		[]byte(`{"season_type":"Playoffs"}`),
	)

	mock.ExpectQuery(`SELECT url, body`).
		WithArgs("https://stats.example.com/leaders").
		WillReturnRows(rows)

	page, err := store.GetPage(context.Background(), "https://stats.example.com/leaders")
	require.NoError(t, err)
	require.Equal(t, "success", page.Status)
	require.Equal(t, "Playoffs", page.Metadata["season_type"])
	require.Equal(t, int64(42), page.DurationMs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRecordInsertsOnConflict(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	line := pipeline.StatLine{
		PlayerName: "Ava Jordan",
		SeasonType: "Regular Season",
		Stats:      map[string]any{"points": 1280},
		PerGame:    map[string]float64{"points": 18.3},
		RawStats:   map[string]string{"PTS": "1,280"},
		SourceURL:  "https://stats.example.com/leaders",
		ScrapedAt:  now,
	}

	mock.ExpectExec(`INSERT INTO stat_lines`).
		WithArgs(
			line.PlayerName,
			line.SeasonType,
			[]byte(`{"points":1280}`),
			[]byte(`{"points":18.3}`),
			[]byte(`{"PTS":"1,280"}`),
			line.SourceURL,
			line.ScrapedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertRecord(context.Background(), line))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRecordRequiresKey(t *testing.T) {
	t.Parallel()

	_, store := newMockStore(t)
	err := store.UpsertRecord(context.Background(), pipeline.StatLine{PlayerName: "Ava Jordan"})
	require.Error(t, err)
}

func TestCountRecords(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(7)))

	count, err := store.CountRecords(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 7, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAndListDeadLetters(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	rec := pipeline.DeadLetterRecord{
		URL:        "https://stats.example.com/broken",
		Error:      "connection refused",
		WorkerID:   "scraper-1",
		FailedAt:   now,
		RetryCount: 3,
	}

	mock.ExpectExec(`INSERT INTO dead_letters`).
		WithArgs(rec.URL, rec.Error, []byte(`null`), rec.WorkerID, rec.FailedAt, rec.RetryCount).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.SaveDeadLetter(context.Background(), rec))

	rows := pgxmock.NewRows([]string{"url", "error", "metadata", "worker_id", "failed_at", "retry_count"}).
		AddRow(rec.URL, rec.Error, []byte(`{"season_type":"Playoffs"}`), rec.WorkerID, rec.FailedAt, rec.RetryCount)
	mock.ExpectQuery(`SELECT url, error, metadata`).
		WithArgs(25).
		WillReturnRows(rows)

	got, err := store.ListDeadLetters(context.Background(), 25)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "connection refused", got[0].Error)
	require.Equal(t, "Playoffs", got[0].Metadata["season_type"])
	require.Equal(t, 3, got[0].RetryCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaCreatesTables(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS scraped_pages`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS stat_lines`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS dead_letters`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS dead_letters_failed_at_idx`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
