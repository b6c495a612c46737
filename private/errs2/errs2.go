// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package errs2 collects common error handling functionality.
package errs2

import (
	"context"
	"errors"

	"github.com/zeebo/errs"
)

var (
	// Transient marks failures that are expected to succeed on retry,
	// such as timeouts, throttling and 5xx responses.
	Transient = errs.Class("transient")

	// Permanent marks failures caused by the input itself; retrying
	// them can never succeed.
	Permanent = errs.Class("permanent")
)

// IsTransient returns true when the error chain was marked transient.
func IsTransient(err error) bool {
	return Transient.Has(err)
}

// IsPermanent returns true when the error chain was marked permanent.
func IsPermanent(err error) bool {
	return Permanent.Has(err)
}

// IsCanceled returns true when the error is caused by a canceled context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
