// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package hub

import (
	"context"
	"runtime/pprof"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inkdex.io/inkdex/jobq"
	"inkdex.io/inkdex/private/lifecycle"
	"inkdex.io/inkdex/scraper"
	"inkdex.io/inkdex/styles"
)

// Worker is the peer that runs the scrape pool. It can be scaled out
// horizontally, every instance polls the same queue.
//
// architecture: Peer
type Worker struct {
	Log *zap.Logger
	DB  DB

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Queue jobq.Queue

	Scraper struct {
		Fetcher *scraper.Fetcher
		Parser  *scraper.Parser
		Service *scraper.Service
	}
}

// NewWorker creates the scrape peer.
func NewWorker(log *zap.Logger, db DB, queue jobq.Queue,
	registry *styles.Registry, config Config) (*Worker, error) {

	peer := &Worker{
		Log: log,
		DB:  db,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),

		Queue: queue,
	}

	{ // setup scrape pool
		var err error
		peer.Scraper.Fetcher, err = scraper.NewFetcher(log.Named("fetch"), config.Worker.Fetch)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
		peer.Scraper.Parser = scraper.NewParser(registry, config.Worker.Parse)

		peer.Scraper.Service = scraper.New(log.Named("scraper"),
			db.Catalog(), queue, peer.Scraper.Fetcher, peer.Scraper.Parser, config.Worker)
		peer.Services.Add(lifecycle.Item{
			Name:  "scraper",
			Run:   peer.Scraper.Service.Run,
			Close: peer.Scraper.Service.Close,
		})
	}

	return peer, nil
}

// Run runs the worker until the context is canceled.
func (peer *Worker) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "worker"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close closes all the resources.
func (peer *Worker) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}
