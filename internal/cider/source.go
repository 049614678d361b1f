// Package cider reads the legacy CIDER schema.
package cider

import "context"

// Collection is a CIDER collection joined with its object row. Collections
// and objects share ids.
type Collection struct {
	ID               int64
	Number           string
	Title            string
	ProcessingStatus int
	PermanentURL     *string
	BulkDateFrom     *string
	BulkDateTo       *string
	Organization     *string
	History          *string
	ProcessingNotes  *string
	Scope            *string
}

// ArchivalObject is a series or item object that is neither a collection
// nor linked to a digital object.
type ArchivalObject struct {
	ID     int64
	Number string
	Title  string

	// ParentNumber is the number of the parent object; nil when the object
	// has no parent.
	ParentNumber *string
	// ParentIsCollection is true for top-level objects.
	ParentIsCollection bool

	IsSeries bool
	// DateFrom and DateTo are the series bulk dates or the item dates.
	DateFrom *string
	DateTo   *string

	FileFolders int
	Containers  int
}

// Source is a read-only view of the legacy database.
type Source interface {
	Collections(ctx context.Context) ([]Collection, error)
	ArchivalObjects(ctx context.Context) ([]ArchivalObject, error)
}
