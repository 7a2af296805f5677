package task

import (
	"context"
	"time"
)

// Repository persists task records. Save overwrites the whole record and
// refreshes its retention window.
type Repository interface {
	// Get returns the record for id or an error wrapping ErrTaskNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// Save writes rec, expiring it ttl after this call. A zero ttl keeps the
	// record until deleted.
	Save(ctx context.Context, rec *Record, ttl time.Duration) error
}
