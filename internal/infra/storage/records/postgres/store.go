package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/fleet-armada/internal/db"
	"github.com/ahrav/fleet-armada/internal/infra/storage"
	"github.com/ahrav/fleet-armada/internal/infra/storage/records"
)

var _ records.Store = (*Store)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// Store is a records.Store over the records table. Expiry is evaluated by
// the database clock so that every node agrees on it.
type Store struct {
	q      *db.Queries
	tracer trace.Tracer
}

// NewStore creates a Store using pool.
func NewStore(pool *pgxpool.Pool, tracer trace.Tracer) *Store {
	return &Store{q: db.New(pool), tracer: tracer}
}

func expiresAt(ttl time.Duration) pgtype.Timestamptz {
	if ttl <= 0 {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: time.Now().Add(ttl), Valid: true}
}

func keyAttrs(key string) []attribute.KeyValue {
	return append(defaultDBAttributes, attribute.String("record_key", key))
}

// Get decodes the live value at key into dest.
func (s *Store) Get(ctx context.Context, key string, dest any) (bool, error) {
	var found bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_record", keyAttrs(key), func(ctx context.Context) error {
		row, err := s.q.GetRecord(ctx, key)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("get record query error: %w", err)
		}
		if err := json.Unmarshal(row.Value, dest); err != nil {
			return fmt.Errorf("failed to decode record %s: %w", key, err)
		}
		found = true
		return nil
	})
	return found, err
}

// Set upserts value at key with a fresh expiry.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	attrs := append(keyAttrs(key), attribute.String("ttl", ttl.String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_record", attrs, func(ctx context.Context) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", key, err)
		}
		if err := s.q.UpsertRecord(ctx, db.UpsertRecordParams{
			Key:       key,
			Value:     data,
			ExpiresAt: expiresAt(ttl),
		}); err != nil {
			return fmt.Errorf("upsert record query error: %w", err)
		}
		return nil
	})
}

// Has reports whether a live value exists at key.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.has_record", keyAttrs(key), func(ctx context.Context) error {
		var err error
		exists, err = s.q.RecordExists(ctx, key)
		if err != nil {
			return fmt.Errorf("record exists query error: %w", err)
		}
		return nil
	})
	return exists, err
}

// Expire resets the expiry of a live key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var updated bool
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.expire_record", keyAttrs(key), func(ctx context.Context) error {
		rows, err := s.q.SetRecordExpiry(ctx, db.SetRecordExpiryParams{Key: key, ExpiresAt: expiresAt(ttl)})
		if err != nil {
			return fmt.Errorf("set record expiry query error: %w", err)
		}
		updated = rows > 0
		return nil
	})
	return updated, err
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_record", keyAttrs(key), func(ctx context.Context) error {
		if err := s.q.DeleteRecord(ctx, key); err != nil {
			return fmt.Errorf("delete record query error: %w", err)
		}
		return nil
	})
}

// DeleteExpired removes every expired row and returns the count.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	var removed int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_expired_records", defaultDBAttributes, func(ctx context.Context) error {
		var err error
		removed, err = s.q.DeleteExpiredRecords(ctx)
		if err != nil {
			return fmt.Errorf("delete expired records query error: %w", err)
		}
		return nil
	})
	return removed, err
}

// RunSweeper calls DeleteExpired every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration, onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.DeleteExpired(ctx); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
