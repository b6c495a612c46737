// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package boltstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"inkdex.io/inkdex/private/kvstore/boltstore"
	"inkdex.io/inkdex/private/kvstore/testsuite"
	"inkdex.io/inkdex/private/testcontext"
)

func TestSuite(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := boltstore.New(ctx.File("catalog.db"))
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	testsuite.RunTests(t, store)
}

func TestReopen(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("catalog.db")

	store, err := boltstore.New(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, []byte("persisted/key"), []byte("value")))
	require.NoError(t, store.Close())

	store, err = boltstore.New(path)
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	value, err := store.Get(ctx, []byte("persisted/key"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), []byte(value))
}
