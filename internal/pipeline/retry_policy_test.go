package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicy_ShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()

	require.False(t, p.ShouldRetry(nil, 1), "nil error is never retried")
	require.True(t, p.ShouldRetry(errors.New("boom"), 1))
	require.True(t, p.ShouldRetry(errors.New("boom"), 2))
	require.False(t, p.ShouldRetry(errors.New("boom"), 3), "attempts are capped at three")
	require.False(t, p.ShouldRetry(errors.New("boom"), 7))
}

func TestExponentialRetryPolicy_ShouldRetryCancellation(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()

	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 1))

	wrapped := fmt.Errorf("fetch https://stats.example.com: %w", context.Canceled)
	require.False(t, p.ShouldRetry(wrapped, 1))
}

func TestExponentialRetryPolicy_BackoffWindows(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()

	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		base := time.Duration(math.Min(
			float64(5*time.Second)*math.Pow(2, float64(attempt)),
			float64(300*time.Second),
		))
		got := p.Backoff(attempt)
		require.GreaterOrEqual(t, got, base, "attempt %d below window", attempt)
		require.LessOrEqual(t, got, base+base/10, "attempt %d jitter exceeds 10%%", attempt)
		require.GreaterOrEqual(t, base, prev, "delay must not shrink between attempts")
		prev = base
	}
}

func TestExponentialRetryPolicy_BackoffCapped(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy()

	got := p.Backoff(30)
	require.GreaterOrEqual(t, got, 300*time.Second)
	require.LessOrEqual(t, got, 330*time.Second)
}
