// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package correlation propagates request correlation IDs through
// context, so every log line and error document produced on behalf of
// one request can be tied together.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

type contextKey int

const idKey contextKey = 0

// With returns a context carrying the given correlation ID.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey, id)
}

// ID returns the correlation ID carried by ctx, or empty when there
// is none.
func ID(ctx context.Context) string {
	id, _ := ctx.Value(idKey).(string)
	return id
}

// Ensure returns a context that carries a correlation ID, minting a
// fresh one when ctx has none.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return With(ctx, id), id
}
