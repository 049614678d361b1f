// Package convert maps CIDER rows onto migration records.
//
// Conversions run on the transform pool; the resulting puts and tree edges
// are applied on the calling goroutine.
package convert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/cidermigrate/internal/cider"
	"github.com/roach88/cidermigrate/internal/migration"
	"github.com/roach88/cidermigrate/internal/record"
	"github.com/roach88/cidermigrate/internal/transform"
)

// Processing statuses at or above statusRestricted are published;
// statusRestricted itself carries restrictions.
const statusRestricted = 3

// Resource converts a collection row into a resource record.
func Resource(c cider.Collection) (record.Object, error) {
	if c.Number == "" {
		return nil, fmt.Errorf("collection %d has no number", c.ID)
	}

	dates := buildDates(c.BulkDateFrom, c.BulkDateTo)
	if len(dates) == 0 {
		dates = record.Array{singleDate(placeholderDate)}
	}

	return record.Object{
		"title":         record.String(c.Title),
		"id":            record.String(c.Number),
		"id_0":          record.String(c.Number),
		"published":     record.Bool(c.ProcessingStatus >= statusRestricted),
		"restrictions":  record.Bool(c.ProcessingStatus == statusRestricted),
		"level":         record.String("collection"),
		"resource_type": record.String("collection"),
		"language":      record.String("eng"),
		"dates":         dates,
		"ead_id":        record.String(c.Number),
		"ead_location":  optional(c.PermanentURL),
		"extents":       record.Array{placeholderExtent()},
		"notes":         resourceNotes(c),
	}, nil
}

// placeholderExtent satisfies the required extent; CIDER derives extents
// from locations, which are not migrated here.
func placeholderExtent() record.Object {
	return record.Object{
		"jsonmodel_type": record.String("extent"),
		"portion":        record.String("whole"),
		"number":         record.String("1"),
		"extent_type":    record.String("volumes"),
	}
}

func resourceNotes(c cider.Collection) record.Array {
	notes := record.Array{}
	add := func(noteType string, content *string, publish bool) {
		text := trim(content)
		if text == "" {
			return
		}
		note := record.Object{
			"jsonmodel_type": record.String("note_singlepart"),
			"type":           record.String(noteType),
			"content":        record.Array{record.String(text)},
		}
		if !publish {
			note["publish"] = record.Bool(false)
		}
		notes = append(notes, note)
	}

	add("arrangement", c.Organization, true)
	add("custodhist", c.History, false)
	add("processinfo", c.ProcessingNotes, true)
	add("scopecontent", c.Scope, true)
	return notes
}

// Resources converts every collection and stores it. Returns the number of
// resources stored.
func Resources(ctx context.Context, src cider.Source, store *migration.Store, opts transform.Options) (int, error) {
	rows, err := src.Collections(ctx)
	if err != nil {
		return 0, err
	}
	slog.Info("going to process resource records", "count", len(rows))

	opts.Name = "resources"
	stored := 0
	err = transform.Run(ctx, rows, opts,
		func(_ context.Context, c cider.Collection) (record.Object, error) {
			rec, err := Resource(c)
			if err != nil {
				slog.Warn("skipping collection", "collection", c.ID, "error", err)
				return nil, nil
			}
			return rec, nil
		},
		func(_ cider.Collection, rec record.Object) error {
			if rec == nil {
				return nil
			}
			_, ok, err := store.PutResource(ctx, rec)
			if ok {
				stored++
			}
			return err
		})
	return stored, err
}
