package convert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/cidermigrate/internal/cider"
	"github.com/roach88/cidermigrate/internal/migration"
	"github.com/roach88/cidermigrate/internal/promise"
	"github.com/roach88/cidermigrate/internal/record"
	"github.com/roach88/cidermigrate/internal/transform"
	"github.com/roach88/cidermigrate/internal/tree"
)

// TreeRecorder receives hierarchy edges. *tree.Store implements it.
type TreeRecorder interface {
	RecordParent(child, parent string) error
	RecordCollection(child, collection string) error
}

var _ TreeRecorder = (*tree.Store)(nil)

// ArchivalObjectResult is a converted archival object plus its edge.
type ArchivalObjectResult struct {
	Record record.Object

	Parent             string
	ParentIsCollection bool
}

// ArchivalObject converts a series or item row. The record refers to its
// resource through a collection_uri placeholder keyed by its own number,
// which the tree store fills in once the hierarchy is resolved.
func ArchivalObject(ao cider.ArchivalObject) (ArchivalObjectResult, error) {
	if ao.Number == "" {
		return ArchivalObjectResult{}, fmt.Errorf("object %d has no number", ao.ID)
	}
	parent := trim(ao.ParentNumber)
	if parent == "" {
		return ArchivalObjectResult{}, fmt.Errorf("object %s has no parent", ao.Number)
	}

	rec := record.Object{
		"id":           record.String(ao.Number),
		"title":        record.String(ao.Title),
		"component_id": record.String(componentID(ao.Number)),
		"level":        record.String(level(ao)),
		"language":     record.String("eng"),
		"dates":        buildDates(ao.DateFrom, ao.DateTo),
		"resource":     record.Object{"ref": record.Promise(promise.CollectionURI, ao.Number)},
	}
	if !ao.ParentIsCollection {
		rec["parent"] = record.Object{"ref": record.Promise(promise.ArchivalObjectURI, parent)}
	}

	return ArchivalObjectResult{
		Record:             rec,
		Parent:             parent,
		ParentIsCollection: ao.ParentIsCollection,
	}, nil
}

// componentID is the last dot-separated segment of an object number.
func componentID(number string) string {
	return number[strings.LastIndex(number, ".")+1:]
}

func level(ao cider.ArchivalObject) string {
	switch {
	case ao.IsSeries:
		return "series"
	case ao.FileFolders > 0:
		return "file"
	case ao.Containers > 0:
		return "container"
	default:
		return "item"
	}
}

// ArchivalObjects converts every archival object, records its tree edge and
// stores it. Returns the number of objects stored. Tree errors are fatal.
func ArchivalObjects(ctx context.Context, src cider.Source, store *migration.Store, edges TreeRecorder, opts transform.Options) (int, error) {
	rows, err := src.ArchivalObjects(ctx)
	if err != nil {
		return 0, err
	}
	slog.Info("going to process archival object records", "count", len(rows))

	opts.Name = "archival_objects"
	stored := 0
	err = transform.Run(ctx, rows, opts,
		func(_ context.Context, row cider.ArchivalObject) (*ArchivalObjectResult, error) {
			res, err := ArchivalObject(row)
			if err != nil {
				slog.Warn("skipping archival object", "object", row.ID, "error", err)
				return nil, nil
			}
			return &res, nil
		},
		func(_ cider.ArchivalObject, res *ArchivalObjectResult) error {
			if res == nil {
				return nil
			}
			child := res.Record.Str("id")
			var err error
			if res.ParentIsCollection {
				err = edges.RecordCollection(child, res.Parent)
			} else {
				err = edges.RecordParent(child, res.Parent)
			}
			if err != nil {
				return err
			}

			_, ok, err := store.PutArchivalObject(ctx, res.Record)
			if ok {
				stored++
			}
			return err
		})
	return stored, err
}
