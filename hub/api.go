// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package hub

import (
	"context"
	"net"
	"runtime/pprof"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inkdex.io/inkdex/geo"
	"inkdex.io/inkdex/jobq"
	"inkdex.io/inkdex/private/lifecycle"
	"inkdex.io/inkdex/searchindex"
	"inkdex.io/inkdex/styles"
	"inkdex.io/inkdex/webapi"
)

// API is the peer that serves the public and operator HTTP API.
//
// architecture: Peer
type API struct {
	Log *zap.Logger
	DB  DB

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Queue jobq.Queue
	Index searchindex.Index

	Geo struct {
		Postcodes *geo.PostcodeIndex
	}

	API struct {
		Listener net.Listener
		Server   *webapi.Server
	}
}

// NewAPI creates the api peer. The keys store backs takedown
// idempotency. runs and sweeper are handles into a colocated core,
// nil when the api runs alone.
func NewAPI(log *zap.Logger, db DB, queue jobq.Queue, index searchindex.Index,
	keys webapi.KeyStore, runs webapi.RunTrigger, sweeper webapi.Sweeper,
	registry *styles.Registry, config Config) (*API, error) {

	peer := &API{
		Log: log,
		DB:  db,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),

		Queue: queue,
		Index: index,
	}

	{ // setup postcode resolution
		var err error
		peer.Geo.Postcodes, err = geo.NewPostcodeIndex(config.Geo.PostcodesFile)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
	}

	{ // setup api server
		listener, err := net.Listen("tcp", config.API.Address)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
		peer.API.Listener = listener
		peer.API.Server = webapi.NewServer(log.Named("api"), listener,
			db.Catalog(), index, queue, keys, runs, sweeper,
			peer.Geo.Postcodes, registry, config.API.Config)
		peer.Servers.Add(lifecycle.Item{
			Name:  "api",
			Run:   peer.API.Server.Run,
			Close: peer.API.Server.Close,
		})
	}

	return peer, nil
}

// Run runs the api peer until the context is canceled.
func (peer *API) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "api"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close closes all the resources.
func (peer *API) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}

// Address returns the address the api listens on, usable after NewAPI
// returned.
func (peer *API) Address() string {
	return peer.API.Listener.Addr().String()
}
