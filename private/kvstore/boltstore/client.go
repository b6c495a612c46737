// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package boltstore implements a kvstore.Store backed by a bolt
// database file.
package boltstore

import (
	"bytes"
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	bolt "go.etcd.io/bbolt"

	"inkdex.io/inkdex/private/kvstore"
)

var mon = monkit.Package()

// Error is the default boltstore error class.
var Error = errs.Class("boltstore")

const (
	// fileMode sets the permission bits for the database file.
	fileMode = 0o600

	// lockTimeout bounds waiting on the file lock of an already open
	// database.
	lockTimeout = time.Second
)

var defaultBucket = []byte("catalog")

// Client implements kvstore.Store on a bolt database file.
type Client struct {
	db     *bolt.DB
	Path   string
	Bucket []byte
}

// New opens the bolt database at path, creating the file and the
// bucket when missing.
func New(path string) (*Client, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(defaultBucket)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}

	return &Client{
		db:     db,
		Path:   path,
		Bucket: defaultBucket,
	}, nil
}

// Put adds a value to the store.
func (client *Client) Put(ctx context.Context, key kvstore.Key, value kvstore.Value) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}

	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(client.Bucket).Put(key, value)
	}))
}

// Get gets a value from the store.
func (client *Client) Get(ctx context.Context, key kvstore.Key) (value kvstore.Value, err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return nil, kvstore.ErrEmptyKey.New("")
	}

	err = client.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(client.Bucket).Get(key)
		if data == nil {
			return kvstore.ErrKeyNotFound.New("%q", key)
		}
		value = kvstore.Value(data).Clone()
		return nil
	})
	return value, err
}

// Delete deletes key and the value.
func (client *Client) Delete(ctx context.Context, key kvstore.Key) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}

	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(client.Bucket).Delete(key)
	}))
}

// IteratePrefix calls fn for every item whose key starts with prefix,
// in ascending key order.
func (client *Client) IteratePrefix(ctx context.Context, prefix kvstore.Key, fn func(context.Context, kvstore.Item) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	return client.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(client.Bucket).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			err := fn(ctx, kvstore.Item{Key: kvstore.Key(k), Value: kvstore.Value(v)})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// CompareAndSwap atomically compares and swaps oldValue with newValue.
func (client *Client) CompareAndSwap(ctx context.Context, key kvstore.Key, oldValue, newValue kvstore.Value) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}

	return client.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(client.Bucket)
		current := bucket.Get(key)

		if current == nil {
			if oldValue != nil {
				return kvstore.ErrKeyNotFound.New("%q", key)
			}
			if newValue == nil {
				return nil
			}
			return Error.Wrap(bucket.Put(key, newValue))
		}

		if !bytes.Equal(current, oldValue) {
			return kvstore.ErrValueChanged.New("%q", key)
		}
		if newValue == nil {
			return Error.Wrap(bucket.Delete(key))
		}
		return Error.Wrap(bucket.Put(key, newValue))
	})
}

// Update runs fn inside a single bolt read/write transaction. When fn
// returns an error the transaction is rolled back.
func (client *Client) Update(ctx context.Context, fn func(ctx context.Context, tx kvstore.Tx) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	return client.db.Update(func(btx *bolt.Tx) error {
		return fn(ctx, &boltTx{bucket: btx.Bucket(client.Bucket)})
	})
}

// Close closes the store.
func (client *Client) Close() error {
	return Error.Wrap(client.db.Close())
}

// boltTx adapts a bolt bucket to kvstore.Tx.
type boltTx struct {
	bucket *bolt.Bucket
}

func (tx *boltTx) Get(key kvstore.Key) (kvstore.Value, error) {
	if key.IsZero() {
		return nil, kvstore.ErrEmptyKey.New("")
	}
	data := tx.bucket.Get(key)
	if data == nil {
		return nil, kvstore.ErrKeyNotFound.New("%q", key)
	}
	return kvstore.Value(data).Clone(), nil
}

func (tx *boltTx) Put(key kvstore.Key, value kvstore.Value) error {
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}
	return Error.Wrap(tx.bucket.Put(key, value))
}

func (tx *boltTx) Delete(key kvstore.Key) error {
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}
	return Error.Wrap(tx.bucket.Delete(key))
}

func (tx *boltTx) IteratePrefix(prefix kvstore.Key, fn func(kvstore.Item) error) error {
	cursor := tx.bucket.Cursor()
	for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
		if err := fn(kvstore.Item{Key: kvstore.Key(k), Value: kvstore.Value(v)}); err != nil {
			return err
		}
	}
	return nil
}
