// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"inkdex.io/inkdex/private/kvstore"
)

// CreateTakedown stores a new takedown request in the received state.
// The request id must not be in use yet.
func (db *DB) CreateTakedown(ctx context.Context, request TakedownRequest) (err error) {
	defer mon.Task()(&ctx)(&err)

	if request.RequestID == "" || request.SubjectID == "" {
		return ErrInvalidRecord.New("request id and subject id are required")
	}
	switch request.SubjectType {
	case SubjectArtist, SubjectStudio:
	default:
		return ErrInvalidRecord.New("unknown subject type %q", request.SubjectType)
	}

	request.Status = TakedownReceived
	if request.ReceivedAt.IsZero() {
		request.ReceivedAt = db.nowFn()
	}
	raw, err := json.Marshal(request)
	if err != nil {
		return Error.Wrap(err)
	}

	err = db.store.CompareAndSwap(ctx, takedownKey(request.RequestID), nil, raw)
	if kvstore.ErrValueChanged.Has(err) {
		return ErrAlreadyApplied.New("takedown %s already exists", request.RequestID)
	}
	return Error.Wrap(err)
}

// GetTakedown returns a takedown request by id.
func (db *DB) GetTakedown(ctx context.Context, requestID string) (_ TakedownRequest, err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err := db.store.Get(ctx, takedownKey(requestID))
	if kvstore.ErrKeyNotFound.Has(err) {
		return TakedownRequest{}, ErrNotFound.New("takedown %s", requestID)
	}
	if err != nil {
		return TakedownRequest{}, Error.Wrap(err)
	}
	var request TakedownRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		return TakedownRequest{}, ErrInvalidRecord.Wrap(err)
	}
	return request, nil
}

// ListTakedownsByStatus returns the takedown requests in the given
// status, oldest first.
func (db *DB) ListTakedownsByStatus(ctx context.Context, status TakedownStatus) (_ []TakedownRequest, err error) {
	defer mon.Task()(&ctx)(&err)

	var requests []TakedownRequest
	err = db.store.IteratePrefix(ctx, kvstore.Key(takedownScanPrefix), func(ctx context.Context, item kvstore.Item) error {
		var request TakedownRequest
		if err := json.Unmarshal(item.Value, &request); err != nil {
			return ErrInvalidRecord.Wrap(err)
		}
		if request.Status == status {
			requests = append(requests, request)
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].ReceivedAt.Before(requests[j].ReceivedAt) })
	return requests, nil
}

// CompleteTakedown transitions a takedown request to completed.
// Completing an already completed request is not an error.
func (db *DB) CompleteTakedown(ctx context.Context, requestID string, completedAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.store.Update(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		raw, err := tx.Get(takedownKey(requestID))
		if kvstore.ErrKeyNotFound.Has(err) {
			return ErrNotFound.New("takedown %s", requestID)
		}
		if err != nil {
			return Error.Wrap(err)
		}
		var request TakedownRequest
		if err := json.Unmarshal(raw, &request); err != nil {
			return ErrInvalidRecord.Wrap(err)
		}
		if request.Status == TakedownCompleted {
			return nil
		}
		request.Status = TakedownCompleted
		request.CompletedAt = completedAt
		newRaw, err := json.Marshal(request)
		if err != nil {
			return Error.Wrap(err)
		}
		return Error.Wrap(tx.Put(takedownKey(requestID), newRaw))
	})
}
