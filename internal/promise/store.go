package promise

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is stamped into user_version. Layout changes bump it and
// add a step to applySchema.
const schemaVersion = 1

// Store is the durable at-most-once promise table.
//
// Only one connection is opened, so every delivery is serialized through
// SQLite's single writer.
type Store struct {
	db *sql.DB
}

// Open creates or opens the promise database at path.
// Applies required pragmas and the schema automatically.
//
// Durability is relaxed (synchronous=OFF, journal_mode=OFF): the promise
// table is derived from the legacy database, which stays authoritative
// until the final emission.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open promise database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to promise database: %w", err)
	}

	// Pragmas are per connection; keep exactly one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// HasPromise reports whether (kind, id) has been delivered.
func (s *Store) HasPromise(ctx context.Context, kind Kind, id string) (bool, error) {
	_, found, err := s.FetchPromise(ctx, kind, id)
	return found, err
}

// DeliverPromise records value for (kind, id).
//
// A promise is delivered at most once. Redelivery logs a warning and
// returns false; the stored value is never overwritten. The check and the
// insert are a single statement, so concurrent callers cannot both win.
func (s *Store) DeliverPromise(ctx context.Context, kind Kind, id, value string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO promises (foreign_key, id, value)
		VALUES (?, ?, ?)
		ON CONFLICT(foreign_key, id) DO NOTHING
	`, string(kind), id, value)
	if err != nil {
		return false, fmt.Errorf("deliver promise %s/%s: %w", kind, id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deliver promise %s/%s: rows affected: %w", kind, id, err)
	}
	if rows == 0 {
		slog.Warn("promise already delivered, skipped",
			"kind", string(kind),
			"id", id,
			"value", value,
		)
		return false, nil
	}

	return true, nil
}

// FetchPromise returns the delivered value for (kind, id).
// found is false when the promise has not been delivered.
func (s *Store) FetchPromise(ctx context.Context, kind Kind, id string) (value string, found bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM promises WHERE foreign_key = ? AND id = ?`,
		string(kind), id,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("fetch promise %s/%s: %w", kind, id, err)
	}
	return value, true, nil
}

// Count returns the number of delivered promises, optionally restricted to
// one kind (pass "" for all kinds).
func (s *Store) Count(ctx context.Context, kind Kind) (int, error) {
	var n int
	var err error
	if kind == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM promises`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM promises WHERE foreign_key = ?`, string(kind),
		).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count promises: %w", err)
	}
	return n, nil
}

// applyPragmas sets the relaxed-durability SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA synchronous = OFF",
		"PRAGMA journal_mode = OFF",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables and indexes if they don't exist and stamps
// the schema version. This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
