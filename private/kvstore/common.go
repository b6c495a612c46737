// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package kvstore declares the ordered key/value store the catalog is
// built on.
package kvstore

import (
	"bytes"
	"context"

	"github.com/zeebo/errs"
)

// Delimiter separates nested paths in keys.
const Delimiter = '/'

var (
	// ErrKeyNotFound is used when a key doesn't exist.
	ErrKeyNotFound = errs.Class("key not found")

	// ErrEmptyKey is returned when an empty key is used in Put or in
	// CompareAndSwap.
	ErrEmptyKey = errs.Class("empty key")

	// ErrValueChanged is returned when the current value of the key does
	// not match the old value in CompareAndSwap.
	ErrValueChanged = errs.Class("value changed")
)

// Key is the type for the keys in a Store.
type Key []byte

// Value is the type for the values in a Store.
type Value []byte

// Items keeps all Item.
type Items []Item

// Item is a single key/value pair.
type Item struct {
	Key   Key
	Value Value
}

// Store describes an ordered key/value store with atomic multi-key
// transactions, like bolt and the in-memory test store.
type Store interface {
	// Put adds a value to store.
	Put(context.Context, Key, Value) error
	// Get gets a value from the store. Missing keys return
	// ErrKeyNotFound.
	Get(context.Context, Key) (Value, error)
	// Delete deletes key and the value. Deleting a missing key is not
	// an error.
	Delete(context.Context, Key) error
	// IteratePrefix calls fn for every item whose key starts with
	// prefix, in ascending key order. The Key and Value are valid only
	// for the duration of the callback.
	IteratePrefix(ctx context.Context, prefix Key, fn func(context.Context, Item) error) error
	// CompareAndSwap atomically compares and swaps oldValue with
	// newValue. A nil oldValue means the key must not exist yet, a nil
	// newValue deletes the key.
	CompareAndSwap(ctx context.Context, key Key, oldValue, newValue Value) error
	// Update runs fn inside a serializable read/write transaction. When
	// fn returns an error none of its writes are kept.
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// Close closes the store.
	Close() error
}

// Tx provides reads and writes inside an Update transaction.
type Tx interface {
	// Get gets a value. Missing keys return ErrKeyNotFound.
	Get(key Key) (Value, error)
	// Put adds a value.
	Put(key Key, value Value) error
	// Delete deletes key and the value. Deleting a missing key is not
	// an error.
	Delete(key Key) error
	// IteratePrefix calls fn for every item whose key starts with
	// prefix, in ascending key order.
	IteratePrefix(prefix Key, fn func(Item) error) error
}

// IsZero returns true if the value struct is a zero value.
func (value Value) IsZero() bool {
	return len(value) == 0
}

// IsZero returns true if the key struct is a zero value.
func (key Key) IsZero() bool {
	return len(key) == 0
}

// String implements the Stringer interface.
func (key Key) String() string { return string(key) }

// Clone creates a copy of the key.
func (key Key) Clone() Key { return append(Key{}, key...) }

// Clone creates a copy of the value.
func (value Value) Clone() Value { return append(Value{}, value...) }

// Len is the number of elements in the collection.
func (items Items) Len() int { return len(items) }

// Less reports whether the element with
// index i should sort before the element with index k.
func (items Items) Less(i, k int) bool { return items[i].Less(items[k]) }

// Swap swaps the elements with indexes i and k.
func (items Items) Swap(i, k int) { items[i], items[k] = items[k], items[i] }

// Less returns whether item should be sorted before b.
func (item Item) Less(b Item) bool { return item.Key.Less(b.Key) }

// Less returns whether key should be sorted before b.
func (key Key) Less(b Key) bool { return bytes.Compare([]byte(key), []byte(b)) < 0 }

// Equal returns whether key and b are equal.
func (key Key) Equal(b Key) bool { return bytes.Equal([]byte(key), []byte(b)) }
