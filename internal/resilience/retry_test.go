package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ordercore/internal/resilience"
)

func fastPolicy(attempts int) resilience.RetryPolicy {
	return resilience.RetryPolicy{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: attempts}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	err := resilience.Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	t.Parallel()
	boom := errors.New("down")
	calls := 0
	err := resilience.Retry(context.Background(), fastPolicy(3), func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	t.Parallel()
	boom := errors.New("bad request")
	calls := 0
	err := resilience.Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		return resilience.Permanent(boom)
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := resilience.Retry(ctx, resilience.RetryPolicy{Base: 50 * time.Millisecond, Cap: time.Second, MaxAttempts: 10}, func() error {
		calls++
		cancel()
		return errors.New("still failing")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
