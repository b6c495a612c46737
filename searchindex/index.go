// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package searchindex declares the artist search index that the query
// path reads and the projector writes.
package searchindex

import (
	"context"

	"github.com/zeebo/errs"
)

var (
	// Error is the default error class of the package.
	Error = errs.Class("searchindex")

	// ErrPreconditionFailed is returned by Upsert when the stored
	// document already carries an equal or higher version.
	ErrPreconditionFailed = errs.Class("precondition failed")

	// ErrInvalidQuery is returned for malformed queries and cursors.
	ErrInvalidQuery = errs.Class("invalid query")
)

// Query selects and pages through artist documents.
type Query struct {
	Style         string
	City          string
	GeohashPrefix string
	Text          string
	MinRating     float64
	Cursor        string
	Limit         int
}

// Result is one page of matching documents.
type Result struct {
	Documents  []Document
	NextCursor string
	Total      int64
}

// Index answers artist searches. Upsert is guarded by the document
// version so replayed and reordered projections never overwrite newer
// state.
type Index interface {
	// Upsert writes doc unless the stored document has an equal or
	// higher version, in which case it fails with
	// ErrPreconditionFailed.
	Upsert(ctx context.Context, doc Document) error
	// Delete removes the document of an artist. Deleting a missing
	// document is not an error.
	Delete(ctx context.Context, artistID string) error
	// Search returns one page of documents matching query.
	Search(ctx context.Context, query Query) (Result, error)
	// Healthy reports whether the index can serve queries.
	Healthy(ctx context.Context) bool
}
