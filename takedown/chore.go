// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package takedown implements the sweep chore that finishes takedown
// requests: it repairs interrupted intakes, removes leftover search
// documents and prunes old run reports.
package takedown

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/private/errs2"
	"inkdex.io/inkdex/private/sync2"
	"inkdex.io/inkdex/searchindex"
)

var (
	// Error is the default error class of the package.
	Error = errs.Class("takedown chore")

	mon = monkit.Package()
)

// Config contains configurable values for the takedown sweep.
type Config struct {
	Enabled         bool          `help:"set if the takedown sweep is enabled or not" default:"true"`
	Interval        time.Duration `help:"the time between sweeps" default:"1h" testDefault:"1m"`
	ListLimit       int           `help:"how many received takedowns to process per sweep" default:"100"`
	ReportRetention time.Duration `help:"how long run reports are kept, 0 disables pruning" default:"720h"`
}

// Chore completes received takedown requests and reconciles the
// search index against the opt out flags.
//
// architecture: Chore
type Chore struct {
	log    *zap.Logger
	db     *catalog.DB
	index  searchindex.Index
	config Config

	nowFn func() time.Time
	Loop  *sync2.Cycle
}

// NewChore creates a new takedown sweep chore.
func NewChore(log *zap.Logger, db *catalog.DB, index searchindex.Index, config Config) *Chore {
	return &Chore{
		log:    log,
		db:     db,
		index:  index,
		config: config,

		nowFn: time.Now,
		Loop:  sync2.NewCycle(config.Interval),
	}
}

// Run starts the sweep loop. Sweep failures are logged and retried on
// the next cycle.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !chore.config.Enabled {
		return nil
	}
	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.sweep(ctx); err != nil {
			if errs2.IsCanceled(err) {
				return err
			}
			chore.log.Error("sweep failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the sweep loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}

// Trigger schedules a sweep without waiting for it. The api calls
// this right after accepting a takedown.
func (chore *Chore) Trigger() {
	go chore.Loop.Trigger()
}

// TestingSetNow allows tests to have the chore act as if the current
// time is whatever they want.
func (chore *Chore) TestingSetNow(nowFn func() time.Time) {
	chore.nowFn = nowFn
}

func (chore *Chore) sweep(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	chore.log.Debug("sweeping takedowns")

	var group errs.Group

	completed, err := chore.applyReceived(ctx)
	group.Add(err)
	reconciled, err := chore.reconcileIndex(ctx)
	group.Add(err)
	pruned, err := chore.pruneReports(ctx)
	group.Add(err)

	if completed > 0 || reconciled > 0 || pruned > 0 {
		chore.log.Info("sweep finished",
			zap.Int("takedowns_completed", completed),
			zap.Int("documents_reconciled", reconciled),
			zap.Int("reports_pruned", pruned))
	}
	return group.Err()
}

// applyReceived finishes takedown requests still in the received
// state. Re-flagging the subject is idempotent and repairs intakes
// that crashed between flagging and responding.
func (chore *Chore) applyReceived(ctx context.Context) (completed int, err error) {
	defer mon.Task()(&ctx)(&err)

	requests, err := chore.db.ListTakedownsByStatus(ctx, catalog.TakedownReceived)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if limit := chore.config.ListLimit; limit > 0 && len(requests) > limit {
		requests = requests[:limit]
	}

	var group errs.Group
	for _, request := range requests {
		if err := chore.apply(ctx, request); err != nil {
			group.Add(err)
			continue
		}
		completed++
	}
	mon.IntVal("takedowns_completed").Observe(int64(completed))
	return completed, group.Err()
}

func (chore *Chore) apply(ctx context.Context, request catalog.TakedownRequest) error {
	switch request.SubjectType {
	case catalog.SubjectArtist:
		if err := chore.db.MarkArtistOptedOut(ctx, request.SubjectID); err != nil {
			return Error.Wrap(err)
		}
		if err := chore.index.Delete(ctx, request.SubjectID); err != nil {
			return Error.Wrap(err)
		}
	case catalog.SubjectStudio:
		if err := chore.db.MarkStudioOptedOut(ctx, request.SubjectID); err != nil {
			return Error.Wrap(err)
		}
	default:
		return Error.New("unknown subject type %q", request.SubjectType)
	}

	if err := chore.db.CompleteTakedown(ctx, request.RequestID, chore.nowFn()); err != nil {
		return Error.Wrap(err)
	}
	chore.log.Info("takedown completed",
		zap.String("request_id", request.RequestID),
		zap.String("subject_type", string(request.SubjectType)),
		zap.String("subject_id", request.SubjectID))
	return nil
}

// reconcileIndex deletes search documents of opted out artists. A
// document can leak back when the projector races an opt out.
func (chore *Chore) reconcileIndex(ctx context.Context) (reconciled int, err error) {
	defer mon.Task()(&ctx)(&err)

	artistIDs, err := chore.db.ListOptedOutArtists(ctx)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	var group errs.Group
	for _, artistID := range artistIDs {
		if err := chore.index.Delete(ctx, artistID); err != nil {
			group.Add(Error.Wrap(err))
			continue
		}
		reconciled++
	}
	mon.IntVal("takedowns_reconciled").Observe(int64(reconciled))
	return reconciled, group.Err()
}

func (chore *Chore) pruneReports(ctx context.Context) (pruned int, err error) {
	defer mon.Task()(&ctx)(&err)

	if chore.config.ReportRetention <= 0 {
		return 0, nil
	}
	cutoff := chore.nowFn().Add(-chore.config.ReportRetention)
	pruned, err = chore.db.DeleteRunReportsBefore(ctx, cutoff)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	mon.IntVal("run_reports_pruned").Observe(int64(pruned))
	return pruned, nil
}
