// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package hub

import (
	"context"
	"runtime/pprof"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inkdex.io/inkdex/geo"
	"inkdex.io/inkdex/jobq"
	"inkdex.io/inkdex/jobq/redisq"
	"inkdex.io/inkdex/orchestrator"
	"inkdex.io/inkdex/private/lifecycle"
	"inkdex.io/inkdex/projector"
	"inkdex.io/inkdex/scraper"
	"inkdex.io/inkdex/searchindex"
	"inkdex.io/inkdex/styles"
	"inkdex.io/inkdex/takedown"
)

// Core is the peer that runs the crawl pipeline: the run orchestrator,
// the change log projector, the takedown sweep and the queue reaper.
// The queue and the index are shared handles owned by the caller.
//
// architecture: Peer
type Core struct {
	Log *zap.Logger
	DB  DB

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Queue jobq.Queue
	Index searchindex.Index

	Reaper struct {
		Service *redisq.Reaper
	}

	Projector struct {
		Service *projector.Service
	}

	Takedown struct {
		Chore *takedown.Chore
	}

	Orchestrator struct {
		Source  orchestrator.StudioSource
		Finder  orchestrator.ArtistFinder
		Service *orchestrator.Service
	}
}

// NewCore creates the chore peer.
func NewCore(log *zap.Logger, db DB, queue jobq.Queue, index searchindex.Index,
	registry *styles.Registry, config Config) (*Core, error) {

	peer := &Core{
		Log: log,
		DB:  db,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),

		Queue: queue,
		Index: index,
	}

	{ // setup queue reaper
		// only a redis queue has deliveries to reap, the in memory
		// queue used in tests expires them on read
		if queue, ok := queue.(*redisq.Queue); ok {
			peer.Reaper.Service = redisq.NewReaper(log.Named("reaper"), queue, config.Queue.Reaper)
			peer.Services.Add(lifecycle.Item{
				Name:  "queue:reaper",
				Run:   peer.Reaper.Service.Run,
				Close: peer.Reaper.Service.Close,
			})
		}
	}

	{ // setup projector
		peer.Projector.Service = projector.New(log.Named("projector"),
			db.Catalog(), index, registry, config.Projector)
		peer.Services.Add(lifecycle.Item{
			Name:  "projector",
			Run:   peer.Projector.Service.Run,
			Close: peer.Projector.Service.Close,
		})
	}

	{ // setup takedown sweep
		peer.Takedown.Chore = takedown.NewChore(log.Named("takedown"),
			db.Catalog(), index, config.Takedown)
		peer.Services.Add(lifecycle.Item{
			Name:  "takedown:chore",
			Run:   peer.Takedown.Chore.Run,
			Close: peer.Takedown.Chore.Close,
		})
	}

	{ // setup orchestrator
		if config.Orchestrator.Enabled {
			fetcher, err := scraper.NewFetcher(log.Named("orchestrator:fetch"), config.Worker.Fetch)
			if err != nil {
				return nil, errs.Combine(Error.Wrap(err), peer.Close())
			}
			peer.Orchestrator.Source, err = orchestrator.NewSource(config.Orchestrator, fetcher)
			if err != nil {
				return nil, errs.Combine(Error.Wrap(err), peer.Close())
			}
			peer.Orchestrator.Finder = orchestrator.NewLinkFinder(fetcher, config.Orchestrator.MaxPerStudio)
			postcodes, err := geo.NewPostcodeIndex(config.Geo.PostcodesFile)
			if err != nil {
				return nil, errs.Combine(Error.Wrap(err), peer.Close())
			}

			peer.Orchestrator.Service = orchestrator.New(log.Named("orchestrator"),
				db.Catalog(), queue, peer.Orchestrator.Source, peer.Orchestrator.Finder,
				postcodes, config.Orchestrator)
			peer.Services.Add(lifecycle.Item{
				Name:  "orchestrator",
				Run:   peer.Orchestrator.Service.Run,
				Close: peer.Orchestrator.Service.Close,
			})
		}
	}

	return peer, nil
}

// Run runs the core until the context is canceled.
func (peer *Core) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "core"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close closes all the resources.
func (peer *Core) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}
