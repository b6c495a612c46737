// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package testkeys implements the idempotency key store in memory for
// tests.
package testkeys

import (
	"bytes"
	"context"
	"sync"

	"inkdex.io/inkdex/webapi"
)

type record struct {
	hash     []byte
	response []byte
}

// Store implements webapi.KeyStore in memory.
type Store struct {
	mu   sync.Mutex
	keys map[string]record
}

// New creates an empty key store.
func New() *Store {
	return &Store{keys: map[string]record{}}
}

// Len returns how many keys are stored.
func (store *Store) Len() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.keys)
}

// Begin implements webapi.KeyStore.
func (store *Store) Begin(ctx context.Context, key string, payloadHash []byte) ([]byte, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	existing, ok := store.keys[key]
	if !ok {
		store.keys[key] = record{hash: append([]byte(nil), payloadHash...)}
		return nil, false, nil
	}
	if !bytes.Equal(existing.hash, payloadHash) {
		return nil, true, webapi.ErrKeyConflict.New("key %q was used with a different payload", key)
	}
	return append([]byte(nil), existing.response...), true, nil
}

// Complete implements webapi.KeyStore.
func (store *Store) Complete(ctx context.Context, key string, payloadHash, response []byte) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.keys[key] = record{
		hash:     append([]byte(nil), payloadHash...),
		response: append([]byte(nil), response...),
	}
	return nil
}

// Abort implements webapi.KeyStore.
func (store *Store) Abort(ctx context.Context, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.keys, key)
	return nil
}
