// Package sqlite serves machine credentials from a SQLite inventory database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/ahrav/fleet-armada/internal/config"
	"github.com/ahrav/fleet-armada/internal/config/credentials"
	"github.com/ahrav/fleet-armada/internal/domain/remote"
	"github.com/ahrav/fleet-armada/internal/infra/storage"
)

const schema = `CREATE TABLE IF NOT EXISTS machines (
	machine_id  TEXT PRIMARY KEY,
	host        TEXT NOT NULL,
	port        INTEGER NOT NULL DEFAULT 22,
	username    TEXT NOT NULL,
	auth_method TEXT NOT NULL DEFAULT 'password',
	secret      TEXT NOT NULL,
	passphrase  TEXT NOT NULL DEFAULT ''
)`

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "sqlite"),
	attribute.String("db.table", "machines"),
}

var _ credentials.Store = (*Store)(nil)

// Store is a credentials.Store backed by a SQLite database.
type Store struct {
	db     *sql.DB
	tracer trace.Tracer
}

// Open opens (creating if needed) the inventory database at dsn and ensures
// the machines table exists. Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, dsn string, tracer trace.Tracer) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open inventory db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises writes.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create machines table: %w", err)
	}
	return &Store{db: db, tracer: tracer}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Lookup returns the target for machineID.
func (s *Store) Lookup(ctx context.Context, machineID string) (remote.Target, error) {
	var t remote.Target
	attrs := append(defaultDBAttributes, attribute.String("machine_id", machineID))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.lookup_machine", attrs, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx,
			`SELECT machine_id, host, port, username, auth_method, secret, passphrase
			 FROM machines WHERE machine_id = ?`, machineID)
		var method string
		if err := row.Scan(&t.MachineID, &t.Host, &t.Port, &t.Username, &method, &t.Secret, &t.Passphrase); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", remote.ErrMachineNotFound, machineID)
			}
			return fmt.Errorf("query machine: %w", err)
		}
		t.AuthMethod = remote.AuthMethod(method)
		return nil
	})
	return t, err
}

// Machines returns every machine id in ascending order.
func (s *Store) Machines(ctx context.Context) ([]string, error) {
	var ids []string
	err := storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.list_machines", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `SELECT machine_id FROM machines ORDER BY machine_id`)
		if err != nil {
			return fmt.Errorf("list machines: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// Import upserts every machine of inv in one transaction. It is how an
// inventory file is loaded into a fresh database.
func (s *Store) Import(ctx context.Context, inv *config.Inventory) error {
	attrs := append(defaultDBAttributes, attribute.Int("machines", len(inv.Machines)))
	return storage.ExecuteAndTrace(ctx, s.tracer, "sqlite.import_machines", attrs, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO machines (machine_id, host, port, username, auth_method, secret, passphrase)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(machine_id) DO UPDATE SET
				host = excluded.host,
				port = excluded.port,
				username = excluded.username,
				auth_method = excluded.auth_method,
				secret = excluded.secret,
				passphrase = excluded.passphrase`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range inv.Machines {
			if _, err := stmt.ExecContext(ctx,
				m.MachineID, m.Host, m.Port, m.Username, string(m.AuthMethod), m.Secret, m.Passphrase,
			); err != nil {
				return fmt.Errorf("import machine %s: %w", m.MachineID, err)
			}
		}
		return tx.Commit()
	})
}
