// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package rediskeys keeps takedown idempotency keys in redis with a
// TTL, so replays across api instances return the original response.
package rediskeys

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"inkdex.io/inkdex/webapi"
)

var (
	mon = monkit.Package()

	// Error is the default error class of the package.
	Error = errs.Class("rediskeys")
)

const keyPrefix = "idem:"

// record is the stored value of one idempotency key.
type record struct {
	PayloadHash string `json:"payload_hash"`
	Response    []byte `json:"response,omitempty"`
}

// Store implements webapi.KeyStore on redis.
type Store struct {
	db  *redis.Client
	ttl time.Duration
}

// Open connects to redis and verifies the connection.
func Open(ctx context.Context, address, password string, db int, ttl time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}
	return NewWith(client, ttl), nil
}

// NewWith wraps an existing redis client, used by tests.
func NewWith(db *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{db: db, ttl: ttl}
}

// Close closes the redis connection.
func (store *Store) Close() error { return Error.Wrap(store.db.Close()) }

// Begin implements webapi.KeyStore.
func (store *Store) Begin(ctx context.Context, key string, payloadHash []byte) (_ []byte, _ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	hash := hex.EncodeToString(payloadHash)
	raw, err := json.Marshal(record{PayloadHash: hash})
	if err != nil {
		return nil, false, Error.Wrap(err)
	}

	reserved, err := store.db.SetNX(ctx, keyPrefix+key, raw, store.ttl).Result()
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	if reserved {
		return nil, false, nil
	}

	stored, err := store.db.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// the reservation expired between SETNX and GET; retry wins
		return nil, false, webapi.ErrKeyConflict.New("key expired mid-flight, retry")
	}
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	var existing record
	if err := json.Unmarshal(stored, &existing); err != nil {
		return nil, false, Error.Wrap(err)
	}
	if existing.PayloadHash != hash {
		return nil, true, webapi.ErrKeyConflict.New("key %q was used with a different payload", key)
	}
	return existing.Response, true, nil
}

// Complete implements webapi.KeyStore.
func (store *Store) Complete(ctx context.Context, key string, payloadHash, response []byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err := json.Marshal(record{
		PayloadHash: hex.EncodeToString(payloadHash),
		Response:    response,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	err = store.db.SetArgs(ctx, keyPrefix+key, raw, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if errors.Is(err, redis.Nil) {
		// the reservation already expired; nothing to replay against
		return nil
	}
	return Error.Wrap(err)
}

// Abort implements webapi.KeyStore.
func (store *Store) Abort(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(store.db.Del(ctx, keyPrefix+key).Err())
}
