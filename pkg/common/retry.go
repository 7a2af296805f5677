package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

// RetryConfig controls the exponential backoff used by RetryWithBackoff.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig mirrors the startup retry policy used for infrastructure
// connections: 5s initial interval, give up after 5 minutes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{InitialInterval: 5 * time.Second, MaxElapsedTime: 5 * time.Minute}
}

// Permanent wraps err so RetryWithBackoff stops immediately and returns it.
func Permanent(err error) error { return backoff.Permanent(err) }

// RetryWithBackoff runs op until it succeeds, returns a Permanent error, the
// context is done, or the elapsed-time budget is spent.
func RetryWithBackoff(
	ctx context.Context,
	log *logger.Logger,
	name string,
	cfg RetryConfig,
	op func(ctx context.Context) error,
) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cfg.InitialInterval
	expBackoff.MaxElapsedTime = cfg.MaxElapsedTime

	attempt := 0
	operation := func() error {
		attempt++
		if err := op(ctx); err != nil {
			log.Warn(ctx, "operation failed, will retry", "operation", name, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return fmt.Errorf("%s failed after %d attempts: %w", name, attempt, err)
	}
	return nil
}
