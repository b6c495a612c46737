// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package teststore implements an in-memory kvstore.Store for tests.
package teststore

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"inkdex.io/inkdex/private/kvstore"
)

// Client implements an in-memory key/value store.
type Client struct {
	mu sync.Mutex

	items kvstore.Items

	CallCount struct {
		Get            int
		Put            int
		Delete         int
		IteratePrefix  int
		CompareAndSwap int
		Update         int
		Close          int
	}
}

// New creates a new in-memory key/value store.
func New() *Client { return &Client{} }

// indexOf finds the index of key or where it could be inserted.
func (store *Client) indexOf(key kvstore.Key) (int, bool) {
	i := sort.Search(len(store.items), func(k int) bool {
		return !store.items[k].Key.Less(key)
	})

	if i >= len(store.items) {
		return i, false
	}
	return i, store.items[i].Key.Equal(key)
}

func (store *Client) locked() func() {
	store.mu.Lock()
	return store.mu.Unlock
}

// Put adds a value to the store.
func (store *Client) Put(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
	defer store.locked()()

	store.CallCount.Put++
	return store.put(key, value)
}

func (store *Client) put(key kvstore.Key, value kvstore.Value) error {
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}

	keyIndex, found := store.indexOf(key)
	if found {
		store.items[keyIndex].Value = value.Clone()
		return nil
	}

	store.items = append(store.items, kvstore.Item{})
	copy(store.items[keyIndex+1:], store.items[keyIndex:])
	store.items[keyIndex] = kvstore.Item{
		Key:   key.Clone(),
		Value: value.Clone(),
	}
	return nil
}

// Get gets a value from the store.
func (store *Client) Get(ctx context.Context, key kvstore.Key) (kvstore.Value, error) {
	defer store.locked()()

	store.CallCount.Get++
	return store.get(key)
}

func (store *Client) get(key kvstore.Key) (kvstore.Value, error) {
	if key.IsZero() {
		return nil, kvstore.ErrEmptyKey.New("")
	}

	keyIndex, found := store.indexOf(key)
	if !found {
		return nil, kvstore.ErrKeyNotFound.New("%q", key)
	}
	return store.items[keyIndex].Value.Clone(), nil
}

// Delete deletes key and the value.
func (store *Client) Delete(ctx context.Context, key kvstore.Key) error {
	defer store.locked()()

	store.CallCount.Delete++
	return store.delete(key)
}

func (store *Client) delete(key kvstore.Key) error {
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}

	keyIndex, found := store.indexOf(key)
	if !found {
		return nil
	}

	copy(store.items[keyIndex:], store.items[keyIndex+1:])
	store.items = store.items[:len(store.items)-1]
	return nil
}

// IteratePrefix calls fn for every item whose key starts with prefix,
// in ascending key order.
func (store *Client) IteratePrefix(ctx context.Context, prefix kvstore.Key, fn func(context.Context, kvstore.Item) error) error {
	store.mu.Lock()
	store.CallCount.IteratePrefix++
	// iterate over a snapshot so fn may modify the store
	snapshot := append(kvstore.Items{}, store.items...)
	store.mu.Unlock()

	for _, item := range snapshot {
		if !bytes.HasPrefix(item.Key, prefix) {
			continue
		}
		if err := fn(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// CompareAndSwap atomically compares and swaps oldValue with newValue.
func (store *Client) CompareAndSwap(ctx context.Context, key kvstore.Key, oldValue, newValue kvstore.Value) error {
	defer store.locked()()

	store.CallCount.CompareAndSwap++
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}

	keyIndex, found := store.indexOf(key)
	if !found {
		if oldValue != nil {
			return kvstore.ErrKeyNotFound.New("%q", key)
		}
		if newValue == nil {
			return nil
		}
		return store.put(key, newValue)
	}

	if !bytes.Equal(store.items[keyIndex].Value, oldValue) {
		return kvstore.ErrValueChanged.New("%q", key)
	}
	if newValue == nil {
		return store.delete(key)
	}

	store.items[keyIndex].Value = newValue.Clone()
	return nil
}

// Update runs fn inside a transaction; on error all of its writes are
// rolled back.
func (store *Client) Update(ctx context.Context, fn func(ctx context.Context, tx kvstore.Tx) error) error {
	defer store.locked()()

	store.CallCount.Update++
	snapshot := append(kvstore.Items{}, store.items...)

	if err := fn(ctx, (*storeTx)(store)); err != nil {
		store.items = snapshot
		return err
	}
	return nil
}

// Close closes the store.
func (store *Client) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Close++
	return nil
}

// storeTx operates on the already locked store.
type storeTx Client

func (tx *storeTx) Get(key kvstore.Key) (kvstore.Value, error) {
	return (*Client)(tx).get(key)
}

func (tx *storeTx) Put(key kvstore.Key, value kvstore.Value) error {
	return (*Client)(tx).put(key, value)
}

func (tx *storeTx) Delete(key kvstore.Key) error {
	return (*Client)(tx).delete(key)
}

func (tx *storeTx) IteratePrefix(prefix kvstore.Key, fn func(kvstore.Item) error) error {
	store := (*Client)(tx)
	snapshot := append(kvstore.Items{}, store.items...)
	for _, item := range snapshot {
		if !bytes.HasPrefix(item.Key, prefix) {
			continue
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}
