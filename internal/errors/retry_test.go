package errors

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastRetryConfig(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  maxAttempts,
		BaseDelay:    time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		JitterFactor: 0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result, err := RetryWithResult(context.Background(), fastRetryConfig(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(stderrors.New("flaky"), "")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 3, calls)
}

func TestRetryStopsOnNonTransient(t *testing.T) {
	calls := 0
	structural := NewStructuralError("f.txt", "escapes root")
	err := Retry(context.Background(), fastRetryConfig(5), func(ctx context.Context) error {
		calls++
		return structural
	})

	require.Equal(t, 1, calls)
	require.True(t, IsStructural(err))
}

func TestRetryExhaustionWrapsLastError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(2), func(ctx context.Context) error {
		calls++
		return NewTransientError(stderrors.New("always down"), "")
	})

	require.Error(t, err)
	require.Equal(t, 3, calls) // first try plus two retries
	var transient *TransientError
	require.True(t, stderrors.As(err, &transient))
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastRetryConfig(3), func(ctx context.Context) error {
		calls++
		return NewTransientError(stderrors.New("flaky"), "")
	})

	require.Error(t, err)
	require.Equal(t, 0, calls)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoffCapsAndGrows(t *testing.T) {
	config := RetryConfig{
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		JitterFactor: 0,
	}

	require.Equal(t, 100*time.Millisecond, calculateBackoff(0, config))
	require.Equal(t, 200*time.Millisecond, calculateBackoff(1, config))
	require.Equal(t, 300*time.Millisecond, calculateBackoff(2, config)) // capped
	require.Equal(t, 300*time.Millisecond, calculateBackoff(5, config))
}

func TestCalculateBackoffJitterStaysBounded(t *testing.T) {
	config := DefaultRetryConfig()
	for i := 0; i < 50; i++ {
		delay := calculateBackoff(2, config)
		require.Greater(t, delay, time.Duration(0))
		require.LessOrEqual(t, delay, config.MaxDelay)
	}
}
