// Package migrator runs the conversion pipeline: source rows in, resolved
// NDJSON records out.
package migrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/cidermigrate/internal/cider"
	"github.com/roach88/cidermigrate/internal/config"
	"github.com/roach88/cidermigrate/internal/convert"
	"github.com/roach88/cidermigrate/internal/export"
	"github.com/roach88/cidermigrate/internal/idgen"
	"github.com/roach88/cidermigrate/internal/metrics"
	"github.com/roach88/cidermigrate/internal/migration"
	"github.com/roach88/cidermigrate/internal/record"
	"github.com/roach88/cidermigrate/internal/transform"
	"github.com/roach88/cidermigrate/internal/tree"
)

// storeDirName is the migration store's directory inside the work dir.
const storeDirName = "migration"

// Summary counts what a run produced.
type Summary struct {
	Resources       int
	ArchivalObjects int
	Emitted         int
}

// Migrator converts one source into NDJSON.
type Migrator struct {
	cfg     config.Config
	src     cider.Source
	metrics *metrics.Metrics
	ids     idgen.Generator
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithMetrics records run counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mg *Migrator) { mg.metrics = m }
}

// WithIDGenerator fixes the URI tokens, for reproducible output.
func WithIDGenerator(g idgen.Generator) Option {
	return func(mg *Migrator) { mg.ids = g }
}

// New returns a migrator reading from src.
func New(cfg config.Config, src cider.Source, opts ...Option) *Migrator {
	m := &Migrator{cfg: cfg, src: src}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run converts every record, resolves the hierarchy and writes each
// resolved record to out as one JSON line. Any existing store in the work
// dir is moved aside first.
func (m *Migrator) Run(ctx context.Context, out io.Writer) (Summary, error) {
	var sum Summary

	dir, err := prepareStoreDir(m.cfg.WorkDir)
	if err != nil {
		return sum, err
	}

	store, err := migration.Open(dir, migration.Options{
		BufferSize: m.cfg.BufferSize,
		CacheSize:  m.cfg.CacheSize,
		RepoID:     m.cfg.RepoID,
		Roles:      m.cfg.AgentRoles,
		IDs:        m.ids,
		Metrics:    m.metrics,
	})
	if err != nil {
		return sum, err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			slog.Error("closing migration store", "dir", dir, "error", cerr)
		}
	}()

	edges := tree.New(store, m.metrics)
	pool := transform.Options{Workers: m.cfg.Workers, ChunkSize: m.cfg.ChunkSize}

	err = m.step("Extracting resource records from collections", edges, func() error {
		n, err := convert.Resources(ctx, m.src, store, pool)
		sum.Resources = n
		return err
	})
	if err != nil {
		return sum, err
	}

	err = m.step("Extracting archival object records from objects", edges, func() error {
		n, err := convert.ArchivalObjects(ctx, m.src, store, edges, pool)
		sum.ArchivalObjects = n
		return err
	})
	if err != nil {
		return sum, err
	}

	err = m.step("Resolving all parent/child relationships", edges, func() error {
		return edges.DeliverAllPromises(ctx)
	})
	if err != nil {
		return sum, err
	}

	err = m.step("Storing records", edges, func() error {
		if err := store.Commit(); err != nil {
			return err
		}
		opts := migration.EmitOptions{DiscardFailedPromises: m.cfg.DiscardFailedPromises}
		return store.AllRecords(ctx, opts, func(_ migration.Category, rec record.Object) error {
			if err := export.WriteNDJSON(out, rec); err != nil {
				return err
			}
			sum.Emitted++
			m.metrics.Emitted()
			return nil
		})
	})
	return sum, err
}

func (m *Migrator) step(description string, edges *tree.Store, fn func() error) error {
	slog.Info(description)
	start := time.Now()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", strings.ToLower(description), err)
	}
	slog.Info("finished", "step", description, "elapsed", time.Since(start).Round(time.Millisecond), "tree_bytes", edges.ByteSize())
	return nil
}

// prepareStoreDir returns a fresh store directory under workDir, renaming
// any previous one out of the way.
func prepareStoreDir(workDir string) (string, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("creating work dir: %w", err)
	}
	dir := filepath.Join(workDir, storeDirName)

	if _, err := os.Stat(dir); err == nil {
		aside := dir + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
		if err := os.Rename(dir, aside); err != nil {
			return "", fmt.Errorf("moving previous store aside: %w", err)
		}
		slog.Info("moved previous migration store aside", "from", dir, "to", aside)
	} else if !os.IsNotExist(err) {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating store dir: %w", err)
	}
	return dir, nil
}
