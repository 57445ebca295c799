package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courtdata/statpipe/internal/pipeline"
)

func TestStorePageRoundTrip(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	ok, err := s.Exists(ctx, "https://stats.example.com/leaders")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.GetPage(ctx, "https://stats.example.com/leaders")
	require.ErrorIs(t, err, pipeline.ErrNotFound)

	page := pipeline.PageDocument{
		URL:       "https://stats.example.com/leaders",
		Body:      []byte(`{"data":[]}`),
		Status:    "success",
		FetchedAt: time.Now().UTC(),
	}
	require.NoError(t, s.StorePage(ctx, page))

	ok, err = s.Exists(ctx, page.URL)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetPage(ctx, page.URL)
	require.NoError(t, err)
	require.Equal(t, page.Body, got.Body)
}

func TestUpsertRecordCollapsesOnKey(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	first := pipeline.StatLine{
		PlayerName: "Ava Jordan",
		SeasonType: "Regular Season",
		Stats:      map[string]any{"points": int64(1200)},
	}
	require.NoError(t, s.UpsertRecord(ctx, first))

	second := first
	second.Stats = map[string]any{"points": int64(1320)}
	require.NoError(t, s.UpsertRecord(ctx, second))

	count, err := s.CountRecords(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count, "same key must not add a second row")

	got, err := s.GetRecord(ctx, first.Key())
	require.NoError(t, err)
	require.Equal(t, int64(1320), got.Stats["points"])

	playoffs := first
	playoffs.SeasonType = "Playoffs"
	require.NoError(t, s.UpsertRecord(ctx, playoffs))

	count, err = s.CountRecords(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, count, "different season type is a distinct record")
}

func TestListDeadLettersNewestFirst(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveDeadLetter(ctx, pipeline.DeadLetterRecord{
			URL:        "https://stats.example.com/page",
			Error:      "connection refused",
			FailedAt:   base.Add(time.Duration(i) * time.Minute),
			RetryCount: 3,
		}))
	}

	got, err := s.ListDeadLetters(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[0].FailedAt.After(got[1].FailedAt))

	all, err := s.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
}
