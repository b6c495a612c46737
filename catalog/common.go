// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package catalog implements the single-table store of record for
// studios, artists, portfolio images, takedown requests and run
// reports, together with its ordered change log.
package catalog

import (
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

var (
	// Error is the default catalog error class.
	Error = errs.Class("catalog")

	// ErrNotFound is returned when a record does not exist or is
	// opted out.
	ErrNotFound = errs.Class("not found")

	// ErrAlreadyApplied is returned when a write carries the same
	// scrape run id as the stored record.
	ErrAlreadyApplied = errs.Class("already applied")

	// ErrOptedOut is returned when a write would resurrect an opted
	// out record.
	ErrOptedOut = errs.Class("opted out")

	// ErrHandleConflict is returned when an instagram handle is
	// already claimed by another artist.
	ErrHandleConflict = errs.Class("instagram handle conflict")

	// ErrInvalidRecord is returned when a record fails validation.
	ErrInvalidRecord = errs.Class("invalid record")
)
