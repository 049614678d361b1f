// Package transform runs row conversions on a bounded pool of goroutines
// while keeping store writes on the calling goroutine.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// DefaultChunkSize is the number of rows handed to a worker at once.
const DefaultChunkSize = 500

// Options configures Run.
type Options struct {
	// Workers is the number of chunks transformed concurrently.
	// Defaults to GOMAXPROCS.
	Workers int
	// ChunkSize is the number of rows per chunk. Defaults to DefaultChunkSize.
	ChunkSize int
	// Name labels progress logs.
	Name string
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	return o
}

// Run converts rows with fn and hands every result to apply.
//
// Rows are split into chunks of ChunkSize. Up to Workers chunks are
// converted concurrently; once a wave of chunks is done, apply is called for
// each of its results on the calling goroutine, in row order. apply may
// therefore write to stores that are not safe for concurrent use.
//
// The first error from fn or apply stops the run and is returned.
func Run[In, Out any](
	ctx context.Context,
	rows []In,
	opts Options,
	fn func(ctx context.Context, row In) (Out, error),
	apply func(row In, out Out) error,
) error {
	opts = opts.withDefaults()
	wave := opts.Workers * opts.ChunkSize

	for start := 0; start < len(rows); start += wave {
		end := min(start+wave, len(rows))
		batch := rows[start:end]

		results, err := convertWave(ctx, batch, opts, fn)
		if err != nil {
			return err
		}
		for i, row := range batch {
			if err := apply(row, results[i]); err != nil {
				return err
			}
		}
		slog.Debug("transformed rows", "name", opts.Name, "done", end, "total", len(rows))
	}
	return nil
}

// convertWave converts batch concurrently, one goroutine per chunk.
func convertWave[In, Out any](
	ctx context.Context,
	batch []In,
	opts Options,
	fn func(ctx context.Context, row In) (Out, error),
) ([]Out, error) {
	out := make([]Out, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for start := 0; start < len(batch); start += opts.ChunkSize {
		end := min(start+opts.ChunkSize, len(batch))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				v, err := fn(gctx, batch[i])
				if err != nil {
					return fmt.Errorf("%s row %d: %w", opts.Name, i, err)
				}
				out[i] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
