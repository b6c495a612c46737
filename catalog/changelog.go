// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"inkdex.io/inkdex/private/kvstore"
)

// EventType classifies a change event.
type EventType string

// Change event types.
const (
	EventInsert EventType = "INSERT"
	EventModify EventType = "MODIFY"
	EventRemove EventType = "REMOVE"
)

// EventKey identifies the record a change event applies to.
type EventKey struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

// ArtistID returns the artist id the key refers to, and false when the
// key is not an artist profile record.
func (k EventKey) ArtistID() (string, bool) {
	prefix := artistPK("")
	if k.SK != metaSK || !strings.HasPrefix(k.PK, prefix) {
		return "", false
	}
	return strings.TrimPrefix(k.PK, prefix), true
}

// ChangeEvent is one entry of the ordered change log. NewImage and
// OldImage are snapshots of the record after and before the write;
// REMOVE events carry only OldImage, INSERT events only NewImage.
type ChangeEvent struct {
	EventType EventType       `json:"event_type"`
	Key       EventKey        `json:"key"`
	NewImage  json.RawMessage `json:"new_image,omitempty"`
	OldImage  json.RawMessage `json:"old_image,omitempty"`
	WrittenAt time.Time       `json:"written_at"`
}

// ChangeRecord is a change event together with its position in the
// log. When the stored bytes could not be parsed, DecodeErr is set,
// Event is zero and Raw holds the bytes; consumers park such records
// instead of failing the shard.
type ChangeRecord struct {
	Shard     int
	Seq       uint64
	Event     ChangeEvent
	Raw       []byte
	DecodeErr error
}

// appendChange writes ev to the change log inside tx. The per-shard
// sequence counter is read and bumped in the same transaction, so
// committed events are dense and strictly ordered within a shard.
func (db *DB) appendChange(tx kvstore.Tx, ev ChangeEvent) error {
	shard := changelogShard(ev.Key.PK, db.shards)

	var seq uint64
	raw, err := tx.Get(seqKey(shard))
	switch {
	case kvstore.ErrKeyNotFound.Has(err):
		seq = 1
	case err != nil:
		return Error.Wrap(err)
	default:
		seq = binary.BigEndian.Uint64(raw) + 1
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	if err := tx.Put(seqKey(shard), buf[:]); err != nil {
		return Error.Wrap(err)
	}

	ev.WrittenAt = db.nowFn()
	data, err := json.Marshal(ev)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(tx.Put(changelogKey(shard, seq), data))
}

// Shards returns the number of change log shards the catalog writes
// to.
func (db *DB) Shards() int { return db.shards }

// ReadChangelog returns up to limit change records of shard with
// sequence numbers strictly greater than afterSeq, in order.
func (db *DB) ReadChangelog(ctx context.Context, shard int, afterSeq uint64, limit int) (_ []ChangeRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 100
	}

	var records []ChangeRecord
	err = db.store.IteratePrefix(ctx, changelogShardPrefix(shard), func(ctx context.Context, item kvstore.Item) error {
		seq, err := parseChangelogSeq(item.Key)
		if err != nil {
			return err
		}
		if seq <= afterSeq {
			return nil
		}
		var ev ChangeEvent
		if err := json.Unmarshal(item.Value, &ev); err != nil {
			records = append(records, ChangeRecord{
				Shard:     shard,
				Seq:       seq,
				Raw:       append([]byte(nil), item.Value...),
				DecodeErr: ErrInvalidRecord.Wrap(err),
			})
		} else {
			records = append(records, ChangeRecord{Shard: shard, Seq: seq, Event: ev})
		}
		if len(records) >= limit {
			return errStopIteration
		}
		return nil
	})
	if err != nil && err != errStopIteration {
		return nil, Error.Wrap(err)
	}
	return records, nil
}

// errStopIteration terminates a prefix scan early. Never returned to
// callers.
var errStopIteration = Error.New("stop iteration")

// parseChangelogSeq extracts the sequence number from a change log or
// dead letter key. This is the only place composite keys are parsed;
// the padded decimal suffix is internal to this package.
func parseChangelogSeq(key kvstore.Key) (uint64, error) {
	s := key.String()
	idx := strings.LastIndexByte(s, '/')
	if idx < 0 {
		return 0, ErrInvalidRecord.New("malformed changelog key %q", s)
	}
	seq, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return 0, ErrInvalidRecord.New("malformed changelog key %q: %v", s, err)
	}
	return seq, nil
}

// Cursor returns the stored position of consumer on shard, or zero
// when the consumer has not saved one yet.
func (db *DB) Cursor(ctx context.Context, consumer string, shard int) (_ uint64, err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err := db.store.Get(ctx, cursorKey(consumer, shard))
	if kvstore.ErrKeyNotFound.Has(err) {
		return 0, nil
	}
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if len(raw) != 8 {
		return 0, ErrInvalidRecord.New("malformed cursor for %s/%d", consumer, shard)
	}
	return binary.BigEndian.Uint64(raw), nil
}

// SaveCursor records that consumer has finished shard up to and
// including seq.
func (db *DB) SaveCursor(ctx context.Context, consumer string, shard int, seq uint64) (err error) {
	defer mon.Task()(&ctx)(&err)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return Error.Wrap(db.store.Put(ctx, cursorKey(consumer, shard), buf[:]))
}

// DeadLetter is a change event that exhausted its delivery attempts,
// together with the terminal error. Raw is set instead of Event when
// the stored bytes never parsed.
type DeadLetter struct {
	Shard    int         `json:"shard"`
	Seq      uint64      `json:"seq"`
	Event    ChangeEvent `json:"event"`
	Raw      string      `json:"raw,omitempty"`
	Reason   string      `json:"reason"`
	FailedAt time.Time   `json:"failed_at"`
}

// DeadLetterEvent parks rec in the dead letter space so the consumer
// cursor can advance past it.
func (db *DB) DeadLetterEvent(ctx context.Context, rec ChangeRecord, reason error) (err error) {
	defer mon.Task()(&ctx)(&err)
	mon.Counter("changelog_dead_letters").Inc(1)

	dead := DeadLetter{
		Shard:    rec.Shard,
		Seq:      rec.Seq,
		Event:    rec.Event,
		Reason:   reason.Error(),
		FailedAt: db.nowFn(),
	}
	if rec.DecodeErr != nil {
		dead.Raw = string(rec.Raw)
	}
	data, err := json.Marshal(dead)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(db.store.Put(ctx, deadKey(rec.Shard, rec.Seq), data))
}

// ListDeadEvents returns the parked events of shard in sequence
// order.
func (db *DB) ListDeadEvents(ctx context.Context, shard int) (_ []DeadLetter, err error) {
	defer mon.Task()(&ctx)(&err)

	var dead []DeadLetter
	err = db.store.IteratePrefix(ctx, deadShardPrefix(shard), func(ctx context.Context, item kvstore.Item) error {
		var d DeadLetter
		if err := json.Unmarshal(item.Value, &d); err != nil {
			return ErrInvalidRecord.Wrap(err)
		}
		dead = append(dead, d)
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return dead, nil
}
