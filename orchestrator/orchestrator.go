// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package orchestrator runs staged crawl runs: discover studios, find
// their artists, enqueue scrape jobs, wait for the queue to drain and
// persist a run report.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/geo"
	"inkdex.io/inkdex/jobq"
	"inkdex.io/inkdex/private/errs2"
	"inkdex.io/inkdex/private/sync2"
)

var (
	// Error is the default error class of the package.
	Error = errs.Class("orchestrator")

	// ErrRunActive is returned when a run is requested while another
	// one is still executing.
	ErrRunActive = errs.Class("run active")

	mon = monkit.Package()
)

// Stage identifies where in a crawl run the orchestrator is.
type Stage string

// Run stages, in order. Failed is terminal for the run; the service
// itself returns to idle for the next cycle.
const (
	StageIdle           Stage = "idle"
	StageDiscovering    Stage = "discovering"
	StageFindingArtists Stage = "finding_artists"
	StageEnqueuing      Stage = "enqueuing"
	StageDraining       Stage = "draining"
	StageReporting      Stage = "reporting"
	StageFailed         Stage = "failed"
)

// Config contains configurable values for the run orchestrator.
type Config struct {
	Enabled       bool          `help:"whether scheduled crawl runs happen" default:"true"`
	Interval      time.Duration `help:"time between scheduled crawl runs" default:"24h" testDefault:"1h"`
	Parallelism   int           `help:"studios having their artists found at once" default:"4"`
	PollInterval  time.Duration `help:"how often the drain stage checks queue progress" default:"5s" testDefault:"10ms"`
	DrainDeadline time.Duration `help:"longest a run waits for the queue to drain" default:"30m" testDefault:"30s"`
	RetryDelay    time.Duration `help:"pause before retrying jobs that failed to enqueue" default:"2s" testDefault:"5ms"`
	MaxPerStudio  int           `help:"most artist pages taken from one studio site" default:"100"`
	DirectoryURL  string        `help:"url of the curated studio directory page" default:""`
	SeedFile      string        `help:"yaml file with seed studios, used when no directory url is configured" default:""`
}

// Service executes crawl runs on a schedule and on demand.
//
// architecture: Service
type Service struct {
	log       *zap.Logger
	db        *catalog.DB
	queue     jobq.Queue
	source    StudioSource
	finder    ArtistFinder
	postcodes *geo.PostcodeIndex
	config    Config
	nowFn     func() time.Time

	running atomic.Bool
	stage   atomic.Value

	Loop *sync2.Cycle
}

// New creates an orchestrator service. postcodes stamps a geohash onto
// discovered studios that only carry a postcode.
func New(log *zap.Logger, db *catalog.DB, queue jobq.Queue, source StudioSource, finder ArtistFinder, postcodes *geo.PostcodeIndex, config Config) *Service {
	if config.Parallelism <= 0 {
		config.Parallelism = 4
	}
	service := &Service{
		log:       log,
		db:        db,
		queue:     queue,
		source:    source,
		finder:    finder,
		postcodes: postcodes,
		config:    config,
		nowFn:     time.Now,
		Loop:      sync2.NewCycle(config.Interval),
	}
	service.stage.Store(StageIdle)
	return service
}

// TestingSetNow makes the service act as if the current time is
// whatever the test wants.
func (service *Service) TestingSetNow(now func() time.Time) {
	service.nowFn = now
}

// Stage returns what the service is doing right now.
func (service *Service) Stage() Stage {
	return service.stage.Load().(Stage)
}

// Run executes crawl runs on the configured interval until ctx is
// done.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !service.config.Enabled {
		return nil
	}
	return service.Loop.Run(ctx, func(ctx context.Context) error {
		err := service.RunOnce(ctx)
		switch {
		case err == nil:
		case ErrRunActive.Has(err):
			// a manual trigger raced the schedule
		case errs2.IsCanceled(err):
			return err
		default:
			service.log.Error("crawl run failed", zap.Error(Error.Wrap(err)))
		}
		return nil
	})
}

// Close halts the service.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

// Trigger requests a run outside the schedule. The run itself executes
// on the service loop; ErrRunActive reports that one is already going.
func (service *Service) Trigger() error {
	if !service.config.Enabled {
		return Error.New("crawl runs are disabled")
	}
	if service.running.Load() {
		return ErrRunActive.New("a crawl run is already executing")
	}
	service.Loop.Trigger()
	return nil
}

// runState accumulates what one run has done so far.
type runState struct {
	runID   string
	started time.Time

	stage   Stage
	stageAt time.Time
	stages  []catalog.StageTiming

	studios         int
	artistsQueued   int
	enqueueFailures int
	failure         string
}

// RunOnce executes one complete crawl run. A second concurrent call
// fails with ErrRunActive.
func (service *Service) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !service.running.CompareAndSwap(false, true) {
		return ErrRunActive.New("a crawl run is already executing")
	}
	defer service.running.Store(false)

	run := &runState{runID: uuid.NewString(), started: service.nowFn()}
	log := service.log.With(zap.String("scrape_run_id", run.runID))
	log.Info("crawl run starting")

	service.advance(run, StageDiscovering)
	studios, err := service.discover(ctx, log, run.runID)
	if err != nil {
		return service.finish(ctx, log, run, err)
	}
	run.studios = len(studios)
	if len(studios) == 0 {
		run.failure = "discovery yielded no studios"
		return service.finish(ctx, log, run, nil)
	}

	service.advance(run, StageFindingArtists)
	targets, err := service.findArtists(ctx, log, studios)
	if err != nil {
		return service.finish(ctx, log, run, err)
	}

	service.advance(run, StageEnqueuing)
	queued, failures, err := service.enqueue(ctx, log, run.runID, targets)
	run.artistsQueued = queued
	run.enqueueFailures = failures
	if err != nil {
		return service.finish(ctx, log, run, err)
	}

	service.advance(run, StageDraining)
	outstanding, err := service.drain(ctx, run.runID)
	if err != nil {
		return service.finish(ctx, log, run, err)
	}
	if outstanding > 0 {
		run.failure = fmt.Sprintf("%d jobs still outstanding at the drain deadline", outstanding)
	}

	return service.finish(ctx, log, run, nil)
}

// advance closes the timing of the current stage and enters the next.
// Only pipeline stages get timing entries; reporting itself does not.
func (service *Service) advance(run *runState, stage Stage) {
	now := service.nowFn()
	if run.stage != "" && run.stage != StageReporting {
		run.stages = append(run.stages, catalog.StageTiming{
			Stage:     string(run.stage),
			StartedAt: run.stageAt,
			Duration:  now.Sub(run.stageAt),
		})
	}
	run.stage = stage
	run.stageAt = now
	service.stage.Store(stage)
}

// discover pulls studios from the source and records them in the
// catalog. Opted out and malformed entries are skipped; duplicates
// collapse onto their first occurrence.
func (service *Service) discover(ctx context.Context, log *zap.Logger, runID string) (_ []catalog.Studio, err error) {
	defer mon.Task()(&ctx)(&err)

	found, err := service.source.Studios(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	seen := make(map[string]struct{}, len(found))
	kept := make([]catalog.Studio, 0, len(found))
	for _, studio := range found {
		if _, dup := seen[studio.StudioID]; dup {
			continue
		}
		seen[studio.StudioID] = struct{}{}

		if studio.Geohash == "" && studio.Postcode != "" && service.postcodes != nil {
			lat, lng, err := service.postcodes.LatLng(studio.Postcode)
			if err != nil {
				log.Debug("studio postcode did not resolve",
					zap.String("studio_id", studio.StudioID),
					zap.String("postcode", studio.Postcode))
			} else {
				studio.Geohash = geo.EncodeLatLng(lat, lng)
			}
		}

		err := service.db.PutStudio(ctx, studio, runID)
		switch {
		case err == nil:
			kept = append(kept, studio)
		case catalog.ErrOptedOut.Has(err):
			log.Info("skipping opted out studio", zap.String("studio_id", studio.StudioID))
		case catalog.ErrInvalidRecord.Has(err):
			log.Warn("skipping malformed studio entry",
				zap.String("studio_id", studio.StudioID), zap.Error(err))
		default:
			return nil, Error.Wrap(err)
		}
	}

	mon.IntVal("orchestrator_studios").Observe(int64(len(kept)))
	return kept, nil
}

// findArtists fans the artist finder out over the studios with bounded
// parallelism. A studio whose lookup fails is skipped, not fatal.
func (service *Service) findArtists(ctx context.Context, log *zap.Logger, studios []catalog.Studio) (_ []ArtistTarget, err error) {
	defer mon.Task()(&ctx)(&err)

	limiter := sync2.NewLimiter(service.config.Parallelism)

	var mu sync.Mutex
	var found []ArtistTarget
	for _, studio := range studios {
		studio := studio
		started := limiter.Go(ctx, func() {
			targets, err := service.finder.FindArtists(ctx, studio)
			if err != nil {
				mon.Counter("orchestrator_studio_failures").Inc(1)
				log.Warn("finding artists failed, skipping studio",
					zap.String("studio_id", studio.StudioID),
					zap.String("website", studio.Website),
					zap.Error(err))
				return
			}
			mu.Lock()
			found = append(found, targets...)
			mu.Unlock()
		})
		if !started {
			limiter.Wait()
			return nil, ctx.Err()
		}
	}
	limiter.Wait()

	seen := make(map[string]struct{}, len(found))
	targets := found[:0]
	for _, target := range found {
		if _, dup := seen[target.ArtistID]; dup {
			continue
		}
		seen[target.ArtistID] = struct{}{}
		targets = append(targets, target)
	}

	mon.IntVal("orchestrator_artist_targets").Observe(int64(len(targets)))
	return targets, nil
}

// enqueue pushes scrape jobs in queue-sized batches. Jobs that fail
// individually get one more try after a pause; what still fails is
// counted, not fatal.
func (service *Service) enqueue(ctx context.Context, log *zap.Logger, runID string, targets []ArtistTarget) (queued, failures int, err error) {
	defer mon.Task()(&ctx)(&err)

	for start := 0; start < len(targets); start += jobq.MaxBatch {
		end := start + jobq.MaxBatch
		if end > len(targets) {
			end = len(targets)
		}

		batch := make([]jobq.Job, 0, end-start)
		for _, target := range targets[start:end] {
			batch = append(batch, jobq.Job{
				JobID:       uuid.NewString(),
				ScrapeRunID: runID,
				ArtistID:    target.ArtistID,
				StudioID:    target.StudioID,
				TargetURL:   target.TargetURL,
			})
		}

		results, err := service.queue.EnqueueBatch(ctx, batch)
		if err != nil {
			return queued, failures, Error.Wrap(err)
		}
		var retry []jobq.Job
		for i, result := range results {
			if result.Err != nil {
				retry = append(retry, batch[i])
			}
		}
		queued += len(batch) - len(retry)

		if len(retry) == 0 {
			continue
		}
		if !sync2.Sleep(ctx, service.config.RetryDelay) {
			return queued, failures, ctx.Err()
		}
		results, err = service.queue.EnqueueBatch(ctx, retry)
		if err != nil {
			return queued, failures, Error.Wrap(err)
		}
		for i, result := range results {
			if result.Err != nil {
				failures++
				log.Warn("job could not be enqueued",
					zap.String("artist_id", retry[i].ArtistID),
					zap.String("target_url", retry[i].TargetURL),
					zap.Error(result.Err))
				continue
			}
			queued++
		}
	}

	mon.IntVal("orchestrator_jobs_queued").Observe(int64(queued))
	return queued, failures, nil
}

// drain waits for the queue to work through the run, polling until
// nothing is outstanding or the deadline passes. It returns how many
// jobs were still outstanding when it gave up.
func (service *Service) drain(ctx context.Context, runID string) (outstanding int64, err error) {
	defer mon.Task()(&ctx)(&err)

	deadline := service.nowFn().Add(service.config.DrainDeadline)
	for {
		outstanding, err := service.queue.OutstandingForRun(ctx, runID)
		if err != nil {
			return 0, Error.Wrap(err)
		}
		if outstanding == 0 {
			return 0, nil
		}
		if !service.nowFn().Before(deadline) {
			return outstanding, nil
		}
		if !sync2.Sleep(ctx, service.config.PollInterval) {
			return outstanding, ctx.Err()
		}
	}
}

// finish assembles and persists the run report and logs the summary.
// The visible stage ends up idle, or failed until the next run starts.
// Cancellation skips reporting.
func (service *Service) finish(ctx context.Context, log *zap.Logger, run *runState, runErr error) error {
	final := StageIdle
	defer func() { service.stage.Store(final) }()

	if errs2.IsCanceled(runErr) {
		return runErr
	}
	if runErr != nil && run.failure == "" {
		run.failure = runErr.Error()
	}

	service.advance(run, StageReporting)
	counts, err := service.queue.RunCounts(ctx, run.runID)
	if err != nil {
		return errs.Combine(runErr, Error.Wrap(err))
	}

	handled := counts.Published + counts.Empty
	if run.failure == "" && counts.Queued > 0 && handled*2 < counts.Queued {
		run.failure = fmt.Sprintf("only %d of %d queued jobs were handled", handled, counts.Queued)
	}
	if run.failure == "" && run.enqueueFailures > 0 && run.artistsQueued == 0 {
		run.failure = "no jobs could be enqueued"
	}

	report := catalog.RunReport{
		ScrapeRunID:     run.runID,
		StartedAt:       run.started,
		FinishedAt:      service.nowFn(),
		Stages:          run.stages,
		Studios:         run.studios,
		ArtistsQueued:   run.artistsQueued,
		EnqueueFailures: run.enqueueFailures,
		Succeeded:       int(counts.Published),
		Empty:           int(counts.Empty),
		DeadLettered:    int(counts.DeadLettered),
		Outstanding:     int(counts.Outstanding),
		Outcome:         catalog.RunSucceeded,
		Failure:         run.failure,
	}
	if run.failure != "" {
		report.Outcome = catalog.RunFailed
	}

	if err := service.db.SaveRunReport(ctx, report); err != nil {
		return errs.Combine(runErr, Error.Wrap(err))
	}

	if report.Outcome == catalog.RunFailed {
		final = StageFailed
		mon.Counter("orchestrator_runs_failed").Inc(1)
		log.Warn("crawl run failed", zap.String("failure", run.failure))
	} else {
		mon.Counter("orchestrator_runs_succeeded").Inc(1)
	}
	log.Info("crawl run finished",
		zap.String("outcome", string(report.Outcome)),
		zap.Int("studios", report.Studios),
		zap.Int("artists_queued", report.ArtistsQueued),
		zap.Int("enqueue_failures", report.EnqueueFailures),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("empty", report.Empty),
		zap.Int("dead_lettered", report.DeadLettered),
		zap.Int("outstanding", report.Outstanding),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))

	return runErr
}
