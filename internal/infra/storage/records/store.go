// Package records is a small keyed document store with per-key expiry. Task
// records and upload sessions are persisted through it as JSON values.
package records

import (
	"context"
	"time"
)

// Store persists JSON-encoded values by key. A zero ttl means the value never
// expires. Expired keys behave as if absent.
type Store interface {
	// Get decodes the value stored at key into dest. It reports false when the
	// key is absent or expired.
	Get(ctx context.Context, key string, dest any) (bool, error)

	// Set encodes value and stores it at key, replacing any previous value and
	// resetting its expiry.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Has reports whether a live value exists at key.
	Has(ctx context.Context, key string) (bool, error)

	// Expire changes the expiry of a live key. It reports false if the key is
	// absent.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
