package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

func fastRetry() RetryConfig {
	return RetryConfig{InitialInterval: time.Millisecond, MaxElapsedTime: time.Second}
}

func TestRetryWithBackoff_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	err := RetryWithBackoff(context.Background(), logger.Noop(), "dial", fastRetry(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_PermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	authErr := errors.New("unable to authenticate")
	calls := 0
	err := RetryWithBackoff(context.Background(), logger.Noop(), "dial", fastRetry(), func(context.Context) error {
		calls++
		return Permanent(authErr)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, authErr)
	assert.Equal(t, 1, calls)
}

func TestRateLimiter_NonPositiveRateIsUnlimited(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	for i := 0; i < 1000; i++ {
		require.NoError(t, rl.Wait(ctx))
	}
}

func TestRateLimiter_PacesConcurrentWaiters(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(20, 1)
	ctx := context.Background()

	start := time.Now()
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { errs <- rl.Wait(ctx) }()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-errs)
	}
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, rl.Wait(cancelled))
}
