// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package webapi implements the public REST API: artist search and
// profile reads, takedown intake, and the operator routes.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/geo"
	"inkdex.io/inkdex/jobq"
	"inkdex.io/inkdex/private/errs2"
	"inkdex.io/inkdex/private/logging"
	"inkdex.io/inkdex/searchindex"
	"inkdex.io/inkdex/styles"
)

var (
	// Error is the default error class of the package.
	Error = errs.Class("webapi")

	// ErrCircuitOpen is returned by index calls while the circuit
	// breaker rejects them.
	ErrCircuitOpen = errs.Class("circuit open")

	mon = monkit.Package()
)

// Config contains configurable values for the api server.
type Config struct {
	Address           string        `help:"address the api server listens on" default:":10080" testDefault:"127.0.0.1:0"`
	CorrelationHeader string        `help:"header carrying the request correlation id" default:"X-Correlation-Id"`
	DefaultLimit      int           `help:"artist page size when the request does not set one" default:"20"`
	MaxLimit          int           `help:"largest allowed artist page size" default:"50"`
	BreakerThreshold  uint32        `help:"consecutive index failures before the circuit opens" default:"5"`
	BreakerCooldown   time.Duration `help:"how long an open circuit waits before probing" default:"30s" testDefault:"100ms"`
	IdempotencyTTL    time.Duration `help:"how long takedown idempotency keys are kept" default:"24h"`
	MaxBodyBytes      int64         `help:"largest accepted request body" default:"65536"`
}

// RunTrigger requests a crawl run outside the schedule.
type RunTrigger interface {
	Trigger() error
}

// Sweeper nudges the takedown sweep chore.
type Sweeper interface {
	Trigger()
}

// Server serves the public and operator HTTP API.
//
// architecture: Service
type Server struct {
	log       *zap.Logger
	db        *catalog.DB
	index     *indexBreaker
	queue     jobq.Queue
	keys      KeyStore
	runs      RunTrigger
	sweeper   Sweeper
	postcodes *geo.PostcodeIndex
	registry  *styles.Registry
	redactor  *logging.Redactor
	config    Config

	listener net.Listener
	server   http.Server

	// Handler is exported so tests can drive the router directly.
	Handler http.Handler
}

// NewServer creates the api server on top of listener. The index is
// wrapped with a circuit breaker; catalog reads bypass it.
func NewServer(log *zap.Logger, listener net.Listener, db *catalog.DB, index searchindex.Index,
	queue jobq.Queue, keys KeyStore, runs RunTrigger, sweeper Sweeper,
	postcodes *geo.PostcodeIndex, registry *styles.Registry, config Config) *Server {

	if config.DefaultLimit <= 0 {
		config.DefaultLimit = 20
	}
	if config.MaxLimit <= 0 {
		config.MaxLimit = 50
	}
	if config.BreakerThreshold == 0 {
		config.BreakerThreshold = 5
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = 30 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 64 << 10
	}

	server := &Server{
		log:       log,
		db:        db,
		index:     newIndexBreaker(log.Named("breaker"), index, config.BreakerThreshold, config.BreakerCooldown),
		queue:     queue,
		keys:      keys,
		runs:      runs,
		sweeper:   sweeper,
		postcodes: postcodes,
		registry:  registry,
		redactor:  logging.NewRedactor(),
		config:    config,
		listener:  listener,
	}

	router := mux.NewRouter()
	router.Use(server.correlate, server.logRequests)

	router.HandleFunc("/v1/artists", server.handleListArtists).Methods(http.MethodGet)
	router.HandleFunc("/v1/artists/{id}", server.handleGetArtist).Methods(http.MethodGet)
	router.HandleFunc("/v1/styles", server.handleListStyles).Methods(http.MethodGet)
	router.HandleFunc("/v1/takedowns", server.handleCreateTakedown).Methods(http.MethodPost)
	router.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)

	internal := router.PathPrefix("/internal").Subrouter()
	internal.HandleFunc("/runs", server.handleListRuns).Methods(http.MethodGet)
	internal.HandleFunc("/runs/trigger", server.handleTriggerRun).Methods(http.MethodPost)
	internal.HandleFunc("/runs/{id}", server.handleGetRun).Methods(http.MethodGet)
	internal.HandleFunc("/deadletters", server.handleDeadLetters).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.problem(w, r, http.StatusNotFound, "not-found", "no such route")
	})

	server.Handler = router
	server.server = http.Server{Handler: router}
	return server
}

// Run serves requests until ctx is done.
func (server *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return server.server.Shutdown(context.Background())
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	})
	return group.Wait()
}

// Close stops the server.
func (server *Server) Close() error {
	return server.server.Close()
}

// TestGetAddress returns the address of this server for tests.
func (server *Server) TestGetAddress() string {
	return server.listener.Addr().String()
}

// handleHealth reports componentwise health, 503 when any component is
// down.
func (server *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	components := map[string]bool{
		"catalog": server.db.Healthy(ctx),
		"index":   server.index.Healthy(ctx),
		"queue":   server.queueHealthy(ctx),
	}
	healthy := true
	for _, ok := range components {
		healthy = healthy && ok
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err = json.NewEncoder(w).Encode(components)
	if err != nil {
		server.log.Error("failed to encode health response", zap.Error(err))
	}
}

func (server *Server) queueHealthy(ctx context.Context) bool {
	_, err := server.queue.Stats(ctx)
	return err == nil
}

func (server *Server) jsonResponse(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	raw, err := json.Marshal(body)
	if err != nil {
		server.problem(w, r, http.StatusInternalServerError, "internal", "encoding response failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}
