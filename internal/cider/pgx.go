package cider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const collectionsQuery = `
SELECT c.id, o.number, o.title, COALESCE(c.processing_status, 0),
       c.permanent_url, c.bulk_date_from::text, c.bulk_date_to::text,
       c.organization, c.history, c.processing_notes, c.scope
FROM collection c
JOIN object o ON o.id = c.id
ORDER BY c.id`

// An archival object is a series or an item, not a collection, and not an
// item linked to a digital object.
const archivalObjectsQuery = `
SELECT o.id, o.number, o.title, p.number,
       EXISTS (SELECT 1 FROM collection pc WHERE pc.id = o.parent),
       s.id IS NOT NULL,
       COALESCE(s.bulk_date_from, i.item_date_from)::text,
       COALESCE(s.bulk_date_to, i.item_date_to)::text,
       (SELECT count(*) FROM file_folder f WHERE f.item = o.id),
       (SELECT count(*) FROM container k WHERE k.item = o.id)
FROM object o
LEFT JOIN object p ON p.id = o.parent
LEFT JOIN series s ON s.id = o.id
LEFT JOIN item i ON i.id = o.id
WHERE (s.id IS NOT NULL OR i.id IS NOT NULL)
  AND NOT EXISTS (SELECT 1 FROM collection c WHERE c.id = o.id)
  AND NOT EXISTS (SELECT 1 FROM digital_object d WHERE d.item = o.id)
ORDER BY o.id`

// PgxSource reads CIDER from PostgreSQL.
type PgxSource struct {
	pool *pgxpool.Pool
}

// Open connects to the CIDER database at databaseURL and verifies the
// connection.
func Open(ctx context.Context, databaseURL string) (*PgxSource, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	// Reads only; a handful of connections is plenty.
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PgxSource{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PgxSource) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Collections returns every collection ordered by id.
func (s *PgxSource) Collections(ctx context.Context) ([]Collection, error) {
	rows, err := s.pool.Query(ctx, collectionsQuery)
	if err != nil {
		return nil, fmt.Errorf("querying collections: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Collection, error) {
		var c Collection
		err := row.Scan(
			&c.ID, &c.Number, &c.Title, &c.ProcessingStatus,
			&c.PermanentURL, &c.BulkDateFrom, &c.BulkDateTo,
			&c.Organization, &c.History, &c.ProcessingNotes, &c.Scope,
		)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning collections: %w", err)
	}
	slog.Info("loaded collections", "count", len(out))
	return out, nil
}

// ArchivalObjects returns every archival object candidate ordered by id.
func (s *PgxSource) ArchivalObjects(ctx context.Context) ([]ArchivalObject, error) {
	rows, err := s.pool.Query(ctx, archivalObjectsQuery)
	if err != nil {
		return nil, fmt.Errorf("querying archival objects: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ArchivalObject, error) {
		var ao ArchivalObject
		err := row.Scan(
			&ao.ID, &ao.Number, &ao.Title, &ao.ParentNumber,
			&ao.ParentIsCollection, &ao.IsSeries,
			&ao.DateFrom, &ao.DateTo,
			&ao.FileFolders, &ao.Containers,
		)
		return ao, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning archival objects: %w", err)
	}
	slog.Info("loaded archival objects", "count", len(out))
	return out, nil
}
