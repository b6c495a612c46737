// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package hub composes the inkdex subsystems into runnable peers. The
// Core runs the crawl pipeline, the API serves HTTP, the Worker
// scrapes. All three share one Config so a single config file can
// drive any mix of them.
package hub

import (
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/jobq/redisq"
	"inkdex.io/inkdex/orchestrator"
	"inkdex.io/inkdex/private/kvstore"
	"inkdex.io/inkdex/private/kvstore/boltstore"
	"inkdex.io/inkdex/projector"
	"inkdex.io/inkdex/scraper"
	"inkdex.io/inkdex/searchindex/elasticindex"
	"inkdex.io/inkdex/styles"
	"inkdex.io/inkdex/takedown"
	"inkdex.io/inkdex/webapi"
)

var (
	// Error is the hub peer error class.
	Error = errs.Class("hub")

	mon = monkit.Package()
)

// Config is the complete configuration of every inkdex peer.
type Config struct {
	Catalog CatalogConfig
	Queue   QueueConfig
	Index   elasticindex.Config
	Geo     GeoConfig

	API          APIConfig
	Worker       scraper.Config
	Orchestrator orchestrator.Config
	Projector    projector.Config
	Takedown     takedown.Config
}

// CatalogConfig configures the embedded catalog database.
type CatalogConfig struct {
	Path string `help:"path of the catalog database file" default:"$CONFDIR/catalog.db"`

	catalog.Config
}

// QueueConfig configures the redis job queue and its reaper.
type QueueConfig struct {
	redisq.Config

	Reaper redisq.ReaperConfig
}

// GeoConfig configures postcode resolution.
type GeoConfig struct {
	PostcodesFile string `help:"csv file overriding the built in postcode district table" default:""`
}

// APIConfig configures the http api peer.
type APIConfig struct {
	webapi.Config

	Idempotency IdempotencyConfig
}

// IdempotencyConfig configures the redis store holding takedown
// idempotency keys. An empty address reuses the queue redis.
type IdempotencyConfig struct {
	Address  string `help:"redis address of the idempotency key store, empty reuses the queue redis" default:""`
	Password string `help:"redis password" default:""`
	DB       int    `help:"redis database number" default:"1"`
}

// DB is the master database of a peer.
//
// architecture: Database
type DB interface {
	// Catalog returns the store of record.
	Catalog() *catalog.DB
	// Close closes the underlying store.
	Close() error
}

// OpenDB opens the bolt backed catalog database at the configured
// path.
func OpenDB(log *zap.Logger, registry *styles.Registry, config CatalogConfig) (DB, error) {
	store, err := boltstore.New(config.Path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return NewDBWith(store, catalog.New(log, store, registry, config.Config)), nil
}

// NewDBWith assembles a DB from an already open store. Tests use it
// with an in memory store.
func NewDBWith(store kvstore.Store, catalogDB *catalog.DB) DB {
	return &db{store: store, catalog: catalogDB}
}

type db struct {
	store   kvstore.Store
	catalog *catalog.DB
}

func (db *db) Catalog() *catalog.DB { return db.catalog }

func (db *db) Close() error { return Error.Wrap(db.store.Close()) }
