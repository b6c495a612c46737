// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package projector keeps the search index in step with the catalog
// change log.
package projector

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/private/backoff"
	"inkdex.io/inkdex/private/errs2"
	"inkdex.io/inkdex/private/sync2"
	"inkdex.io/inkdex/searchindex"
	"inkdex.io/inkdex/styles"
)

var (
	// Error is the default error class of the package.
	Error = errs.Class("projector")

	mon = monkit.Package()
)

// consumerName namespaces the change log cursors of this service.
const consumerName = "projector"

// Config contains configurable values for the projector.
type Config struct {
	Enabled   bool          `help:"whether change log projection runs" default:"true"`
	Interval  time.Duration `help:"how often each shard is polled for new events" default:"2s" testDefault:"10ms"`
	BatchSize int           `help:"how many events are read per shard and poll" default:"100" testDefault:"10"`

	Retry backoff.Config
}

// Service consumes the catalog change log shard by shard and applies
// artist events to the search index.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	db       *catalog.DB
	index    searchindex.Index
	registry *styles.Registry
	config   Config
	retrier  *backoff.Retrier

	Loop *sync2.Cycle
}

// New creates a projector consuming db's change log into index.
func New(log *zap.Logger, db *catalog.DB, index searchindex.Index, registry *styles.Registry, config Config) *Service {
	return &Service{
		log:      log,
		db:       db,
		index:    index,
		registry: registry,
		config:   config,
		retrier:  backoff.NewRetrier(config.Retry),
		Loop:     sync2.NewCycle(config.Interval),
	}
}

// Run polls the change log until ctx is done.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !service.config.Enabled {
		return nil
	}
	return service.Loop.Run(ctx, service.RunOnce)
}

// Close stops the polling loop.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

// RunOnce drains every shard once, one goroutine per shard. Events of
// one record always share a shard, so this preserves their order while
// shards proceed independently. Shard failures are logged and retried
// on the next poll rather than aborting the other shards.
func (service *Service) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, groupCtx := errgroup.WithContext(ctx)
	for shard := 0; shard < service.db.Shards(); shard++ {
		shard := shard
		group.Go(func() error {
			err := service.drainShard(groupCtx, shard)
			if err != nil {
				if errs2.IsCanceled(err) {
					return err
				}
				mon.Counter("projector_shard_errors").Inc(1)
				service.log.Error("shard projection failed",
					zap.Int("shard", shard),
					zap.Error(err))
			}
			return nil
		})
	}
	return group.Wait()
}

// drainShard applies batches from one shard until it is caught up. The
// cursor is saved after every batch, so a crash replays at most one
// batch; the version guard on the index makes the replay harmless.
func (service *Service) drainShard(ctx context.Context, shard int) (err error) {
	defer mon.Task()(&ctx)(&err)

	for {
		cursor, err := service.db.Cursor(ctx, consumerName, shard)
		if err != nil {
			return err
		}
		records, err := service.db.ReadChangelog(ctx, shard, cursor, service.config.BatchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		for _, rec := range records {
			if err := service.apply(ctx, rec); err != nil {
				return err
			}
		}

		last := records[len(records)-1].Seq
		if err := service.db.SaveCursor(ctx, consumerName, shard, last); err != nil {
			return err
		}
		mon.IntVal("projector_batch_size").Observe(int64(len(records)))

		if len(records) < service.config.BatchSize {
			return nil
		}
	}
}

// apply brings the index up to date with one change record. Every
// return path except catalog and context failures consumes the event,
// so the caller can advance the cursor past it.
func (service *Service) apply(ctx context.Context, rec catalog.ChangeRecord) (err error) {
	defer mon.Task()(&ctx)(&err)

	if rec.DecodeErr != nil {
		return service.deadLetter(ctx, rec, errs2.Permanent.Wrap(rec.DecodeErr))
	}

	artistID, ok := rec.Event.Key.ArtistID()
	if !ok {
		// studio and image rows are folded into the artist profile on
		// re-read, nothing to project
		return nil
	}

	switch rec.Event.EventType {
	case catalog.EventRemove:
		err = service.retrier.Run(ctx, func(ctx context.Context) error {
			return service.index.Delete(ctx, artistID)
		})
	case catalog.EventInsert, catalog.EventModify:
		err = service.retrier.Run(ctx, func(ctx context.Context) error {
			return service.project(ctx, artistID)
		})
	default:
		return service.deadLetter(ctx, rec, errs2.Permanent.New("unknown event type %q", rec.Event.EventType))
	}

	switch {
	case err == nil:
		return nil
	case searchindex.ErrPreconditionFailed.Has(err):
		// the index already holds this state or newer, replays and
		// races with later events end up here
		mon.Meter("precondition_failed_total").Mark(1)
		service.log.Debug("stale projection dropped",
			zap.String("artist_id", artistID),
			zap.Uint64("seq", rec.Seq))
		return nil
	case errs2.IsCanceled(err):
		return err
	case catalog.Error.Has(err):
		// the strong read failed; leave the cursor so the next poll
		// retries the whole event
		return err
	default:
		return service.deadLetter(ctx, rec, err)
	}
}

// project re-reads the artist and upserts the resulting document. The
// catalog is the source of truth: event images only tell us that
// something changed, not what is current.
func (service *Service) project(ctx context.Context, artistID string) error {
	artist, images, err := service.db.GetArtist(ctx, artistID)
	if catalog.ErrNotFound.Has(err) {
		// deleted or opted out since the event was written
		return service.index.Delete(ctx, artistID)
	}
	if err != nil {
		return err
	}
	return service.index.Upsert(ctx, searchindex.NewDocument(artist, images, service.registry))
}

func (service *Service) deadLetter(ctx context.Context, rec catalog.ChangeRecord, reason error) error {
	if err := service.db.DeadLetterEvent(ctx, rec, reason); err != nil {
		return err
	}
	mon.Counter("projector_dead_lettered").Inc(1)
	service.log.Warn("change event dead lettered",
		zap.Int("shard", rec.Shard),
		zap.Uint64("seq", rec.Seq),
		zap.String("pk", rec.Event.Key.PK),
		zap.Error(reason))
	return nil
}
