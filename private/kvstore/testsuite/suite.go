// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package testsuite contains a suite of tests that every kvstore.Store
// implementation has to pass.
package testsuite

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"inkdex.io/inkdex/private/kvstore"
	"inkdex.io/inkdex/private/testcontext"
	"inkdex.io/inkdex/private/testrand"
)

// RunTests runs the common kvstore.Store test suite against store.
func RunTests(t *testing.T, store kvstore.Store) {
	t.Run("Basic", func(t *testing.T) { testBasic(t, store) })
	t.Run("IteratePrefix", func(t *testing.T) { testIteratePrefix(t, store) })
	t.Run("IterateOrdering", func(t *testing.T) { testIterateOrdering(t, store) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, store) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, store) })
}

func testBasic(t *testing.T, store kvstore.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	key := kvstore.Key("basic/alpha")
	value := kvstore.Value("one")

	require.Error(t, store.Put(ctx, nil, value), "empty key should fail")

	require.NoError(t, store.Put(ctx, key, value))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, value, got)

	_, err = store.Get(ctx, kvstore.Key("basic/missing"))
	require.True(t, kvstore.ErrKeyNotFound.Has(err))

	require.NoError(t, store.Put(ctx, key, kvstore.Value("two")))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, kvstore.Value("two"), got)

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	require.True(t, kvstore.ErrKeyNotFound.Has(err))

	// deleting a missing key is not an error
	require.NoError(t, store.Delete(ctx, key))
}

func testIteratePrefix(t *testing.T, store kvstore.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	puts := map[string]string{
		"iterate/a/1": "a1",
		"iterate/a/2": "a2",
		"iterate/b/1": "b1",
		"other/c/1":   "c1",
	}
	for key, value := range puts {
		require.NoError(t, store.Put(ctx, kvstore.Key(key), kvstore.Value(value)))
	}

	var keys []string
	err := store.IteratePrefix(ctx, kvstore.Key("iterate/a/"),
		func(ctx context.Context, item kvstore.Item) error {
			keys = append(keys, item.Key.String())
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, []string{"iterate/a/1", "iterate/a/2"}, keys)

	// iteration is in ascending key order across nested prefixes
	keys = nil
	err = store.IteratePrefix(ctx, kvstore.Key("iterate/"),
		func(ctx context.Context, item kvstore.Item) error {
			keys = append(keys, item.Key.String())
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, []string{"iterate/a/1", "iterate/a/2", "iterate/b/1"}, keys)
}

// testIterateOrdering puts arbitrary keys and checks prefix iteration
// comes back in ascending key order. Readers of ordered ranges (the
// change log, cursors) depend on this holding for every backend.
func testIterateOrdering(t *testing.T, store kvstore.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	keys := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		key := "ordering/" + testrand.UUID().String()
		value := testrand.BytesN(16 + testrand.Intn(48))
		require.NoError(t, store.Put(ctx, kvstore.Key(key), kvstore.Value(value)))
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var got []string
	err := store.IteratePrefix(ctx, kvstore.Key("ordering/"),
		func(ctx context.Context, item kvstore.Item) error {
			got = append(got, item.Key.String())
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, keys, got)
}

func testCompareAndSwap(t *testing.T, store kvstore.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	key := kvstore.Key("cas/key")

	// expect-absent creates
	require.NoError(t, store.CompareAndSwap(ctx, key, nil, kvstore.Value("one")))

	// expect-absent on an existing key fails
	err := store.CompareAndSwap(ctx, key, nil, kvstore.Value("two"))
	require.True(t, kvstore.ErrValueChanged.Has(err))

	// swap with the wrong old value fails
	err = store.CompareAndSwap(ctx, key, kvstore.Value("wrong"), kvstore.Value("two"))
	require.True(t, kvstore.ErrValueChanged.Has(err))

	// swap with the right old value succeeds
	require.NoError(t, store.CompareAndSwap(ctx, key, kvstore.Value("one"), kvstore.Value("two")))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, kvstore.Value("two"), got)

	// nil new value deletes
	require.NoError(t, store.CompareAndSwap(ctx, key, kvstore.Value("two"), nil))
	_, err = store.Get(ctx, key)
	require.True(t, kvstore.ErrKeyNotFound.Has(err))

	// missing key with an expected old value
	err = store.CompareAndSwap(ctx, kvstore.Key("cas/missing"), kvstore.Value("x"), kvstore.Value("y"))
	require.True(t, kvstore.ErrKeyNotFound.Has(err))
}

func testUpdate(t *testing.T, store kvstore.Store) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	require.NoError(t, store.Put(ctx, kvstore.Key("update/counter"), kvstore.Value("1")))

	// a committed transaction keeps all writes
	err := store.Update(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		current, err := tx.Get(kvstore.Key("update/counter"))
		if err != nil {
			return err
		}
		require.Equal(t, kvstore.Value("1"), current)

		if err := tx.Put(kvstore.Key("update/counter"), kvstore.Value("2")); err != nil {
			return err
		}
		return tx.Put(kvstore.Key("update/note"), kvstore.Value("set"))
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, kvstore.Key("update/counter"))
	require.NoError(t, err)
	require.Equal(t, kvstore.Value("2"), got)

	// a failed transaction keeps none
	boom := kvstore.ErrValueChanged.New("boom")
	err = store.Update(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		if err := tx.Put(kvstore.Key("update/counter"), kvstore.Value("3")); err != nil {
			return err
		}
		if err := tx.Delete(kvstore.Key("update/note")); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)

	got, err = store.Get(ctx, kvstore.Key("update/counter"))
	require.NoError(t, err)
	require.Equal(t, kvstore.Value("2"), got)

	_, err = store.Get(ctx, kvstore.Key("update/note"))
	require.NoError(t, err)
}
