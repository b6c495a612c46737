// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package webapi

import (
	"context"

	"github.com/zeebo/errs"
)

// ErrKeyConflict is returned when an idempotency key is reused with a
// different payload.
var ErrKeyConflict = errs.Class("idempotency key conflict")

// KeyStore remembers takedown idempotency keys together with the
// payload hash and the response to replay.
type KeyStore interface {
	// Begin reserves key for payloadHash. When the key is already
	// reserved with the same hash it returns the stored response and
	// existing true; the response is empty while the first request is
	// still being processed. A different hash fails with
	// ErrKeyConflict.
	Begin(ctx context.Context, key string, payloadHash []byte) (response []byte, existing bool, err error)
	// Complete stores the response to replay for the key.
	Complete(ctx context.Context, key string, payloadHash, response []byte) error
	// Abort releases the reservation so the client can retry after a
	// processing failure.
	Abort(ctx context.Context, key string) error
}
