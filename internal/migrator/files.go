package migrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/cidermigrate/internal/export"
	"github.com/roach88/cidermigrate/internal/metrics"
	"github.com/roach88/cidermigrate/internal/record"
)

// ExportFile runs the migrator into a timestamped NDJSON file in dir and
// returns its path.
func (m *Migrator) ExportFile(ctx context.Context, dir string) (string, Summary, error) {
	path := timestamped(dir, "exported", "ndjson")
	f, err := os.Create(path)
	if err != nil {
		return "", Summary{}, err
	}

	sum, err := m.Run(ctx, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return path, sum, err
}

// ValidateFile filters the NDJSON file in into a JSON array file out,
// keeping only records v accepts.
func ValidateFile(in, out string, v export.Validator, m *metrics.Metrics) (export.Counts, error) {
	src, err := os.Open(in)
	if err != nil {
		return export.Counts{}, err
	}
	defer src.Close()

	dst, err := os.Create(out)
	if err != nil {
		return export.Counts{}, err
	}

	counts, err := export.FilterValid(src, dst, countingValidator{v: v, metrics: m})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return counts, fmt.Errorf("validating %s: %w", in, err)
	}
	return counts, nil
}

// ValidatedPath returns the name of a validated batch file in dir.
func ValidatedPath(dir string) string {
	return timestamped(dir, "validated", "json")
}

func timestamped(dir, prefix, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d.%s", prefix, time.Now().Unix(), ext))
}

type countingValidator struct {
	v       export.Validator
	metrics *metrics.Metrics
}

func (c countingValidator) Validate(rec record.Object) error {
	err := c.v.Validate(rec)
	if err != nil {
		c.metrics.Rejected()
	}
	return err
}
