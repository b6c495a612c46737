// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package orchestrator_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/geo"
	"inkdex.io/inkdex/jobq"
	"inkdex.io/inkdex/jobq/testqueue"
	"inkdex.io/inkdex/orchestrator"
	"inkdex.io/inkdex/private/kvstore/teststore"
	"inkdex.io/inkdex/private/testcontext"
	"inkdex.io/inkdex/styles"
)

type fakeSource struct {
	mu      sync.Mutex
	studios []catalog.Studio
	err     error
}

func (source *fakeSource) Studios(ctx context.Context) ([]catalog.Studio, error) {
	source.mu.Lock()
	defer source.mu.Unlock()
	if source.err != nil {
		return nil, source.err
	}
	return append([]catalog.Studio(nil), source.studios...), nil
}

type fakeFinder struct {
	mu      sync.Mutex
	targets map[string][]orchestrator.ArtistTarget
	fail    map[string]error
}

func (finder *fakeFinder) FindArtists(ctx context.Context, studio catalog.Studio) ([]orchestrator.ArtistTarget, error) {
	finder.mu.Lock()
	defer finder.mu.Unlock()
	if err := finder.fail[studio.StudioID]; err != nil {
		return nil, err
	}
	return append([]orchestrator.ArtistTarget(nil), finder.targets[studio.StudioID]...), nil
}

type runFixture struct {
	db      *catalog.DB
	queue   jobq.Queue
	source  *fakeSource
	finder  *fakeFinder
	service *orchestrator.Service
}

func newRun(t *testing.T, queue jobq.Queue, config orchestrator.Config) *runFixture {
	log := zaptest.NewLogger(t)
	db := catalog.New(log.Named("catalog"), teststore.New(), styles.NewRegistry(),
		catalog.Config{ChangelogShards: 1})
	source := &fakeSource{}
	finder := &fakeFinder{targets: map[string][]orchestrator.ArtistTarget{}}
	postcodes, err := geo.NewPostcodeIndex("")
	require.NoError(t, err)
	return &runFixture{
		db:      db,
		queue:   queue,
		source:  source,
		finder:  finder,
		service: orchestrator.New(log.Named("orchestrator"), db, queue, source, finder, postcodes, config),
	}
}

func runConfig() orchestrator.Config {
	return orchestrator.Config{
		Enabled:       true,
		Interval:      time.Hour,
		Parallelism:   2,
		PollInterval:  time.Millisecond,
		DrainDeadline: 10 * time.Second,
		RetryDelay:    time.Millisecond,
		MaxPerStudio:  10,
	}
}

func studio(id string) catalog.Studio {
	return catalog.Studio{
		StudioID: id,
		Name:     "Studio " + id,
		Website:  "https://" + id + ".test",
		City:     "london",
	}
}

func target(studioID, slug string) orchestrator.ArtistTarget {
	return orchestrator.ArtistTarget{
		ArtistID:  studioID + "-" + slug,
		StudioID:  studioID,
		TargetURL: "https://" + studioID + ".test/artists/" + slug,
	}
}

// pump handles exactly count deliveries and then exits, standing in
// for the scrape workers while a run drains.
func pump(ctx *testcontext.Context, queue jobq.Queue, count int, handle func(jobq.Delivery) error) {
	ctx.Go(func() error {
		for done := 0; done < count; {
			deliveries, err := queue.Receive(ctx, jobq.MaxBatch, time.Minute)
			if err != nil {
				return err
			}
			if len(deliveries) == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Millisecond):
				}
				continue
			}
			for _, delivery := range deliveries {
				if err := handle(delivery); err != nil {
					return err
				}
				done++
			}
		}
		return nil
	})
}

func publishAll(ctx *testcontext.Context, queue jobq.Queue, count int) {
	pump(ctx, queue, count, func(delivery jobq.Delivery) error {
		return queue.Acknowledge(ctx, delivery.Receipt, jobq.OutcomePublished)
	})
}

func lastReport(ctx *testcontext.Context, t *testing.T, db *catalog.DB) catalog.RunReport {
	t.Helper()
	reports, err := db.ListRunReports(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, reports)
	return reports[0]
}

func TestRunPublishesReport(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := testqueue.New(3)
	f := newRun(t, queue, runConfig())
	f.source.studios = []catalog.Studio{studio("s-1"), studio("s-2")}
	f.finder.targets["s-1"] = []orchestrator.ArtistTarget{
		target("s-1", "maya"), target("s-1", "jonas"), target("s-1", "ada"),
	}
	f.finder.targets["s-2"] = []orchestrator.ArtistTarget{
		target("s-2", "iris"), target("s-2", "kenji"),
	}

	publishAll(ctx, queue, 5)
	require.NoError(t, f.service.RunOnce(ctx))

	report := lastReport(ctx, t, f.db)
	require.Equal(t, catalog.RunSucceeded, report.Outcome)
	require.Empty(t, report.Failure)
	require.Equal(t, 2, report.Studios)
	require.Equal(t, 5, report.ArtistsQueued)
	require.Equal(t, 5, report.Succeeded)
	require.Zero(t, report.Empty)
	require.Zero(t, report.DeadLettered)
	require.Zero(t, report.Outstanding)
	require.False(t, report.FinishedAt.Before(report.StartedAt))

	var stages []string
	for _, timing := range report.Stages {
		stages = append(stages, timing.Stage)
	}
	require.Equal(t, []string{"discovering", "finding_artists", "enqueuing", "draining"}, stages)

	for _, id := range []string{"s-1", "s-2"} {
		persisted, err := f.db.GetStudio(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "Studio "+id, persisted.Name)
	}
	require.Equal(t, orchestrator.StageIdle, f.service.Stage())
}

func TestRunDedupesStudiosAndTargets(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := testqueue.New(3)
	f := newRun(t, queue, runConfig())
	f.source.studios = []catalog.Studio{studio("s-1"), studio("s-1")}
	f.finder.targets["s-1"] = []orchestrator.ArtistTarget{
		target("s-1", "maya"), target("s-1", "maya"), target("s-1", "jonas"),
	}

	publishAll(ctx, queue, 2)
	require.NoError(t, f.service.RunOnce(ctx))

	report := lastReport(ctx, t, f.db)
	require.Equal(t, catalog.RunSucceeded, report.Outcome)
	require.Equal(t, 1, report.Studios)
	require.Equal(t, 2, report.ArtistsQueued)
	require.Equal(t, 2, report.Succeeded)
}

func TestRunStampsStudioGeohash(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := testqueue.New(3)
	f := newRun(t, queue, runConfig())

	eastLondon := studio("s-1")
	eastLondon.Postcode = "E2 7DG"
	nowhere := studio("s-2")
	nowhere.Postcode = "ZZ9 9ZZ"
	f.source.studios = []catalog.Studio{eastLondon, nowhere}

	require.NoError(t, f.service.RunOnce(ctx))

	stamped, err := f.db.GetStudio(ctx, "s-1")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(stamped.Geohash, "gcpv"),
		"geohash %q should be in east london", stamped.Geohash)

	// unknown postcodes are left for the operator to fix, not fatal
	unstamped, err := f.db.GetStudio(ctx, "s-2")
	require.NoError(t, err)
	require.Empty(t, unstamped.Geohash)
}

func TestRunWithNoStudiosFails(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newRun(t, testqueue.New(3), runConfig())

	require.NoError(t, f.service.RunOnce(ctx))

	report := lastReport(ctx, t, f.db)
	require.Equal(t, catalog.RunFailed, report.Outcome)
	require.Contains(t, report.Failure, "no studios")
	require.Zero(t, report.Studios)
	require.Zero(t, report.ArtistsQueued)
	require.Equal(t, orchestrator.StageFailed, f.service.Stage())
}

func TestRunSkipsFailingStudio(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := testqueue.New(3)
	f := newRun(t, queue, runConfig())
	f.source.studios = []catalog.Studio{studio("s-1"), studio("s-2")}
	f.finder.targets["s-1"] = []orchestrator.ArtistTarget{target("s-1", "maya")}
	f.finder.fail = map[string]error{"s-2": errs.New("site unreachable")}

	publishAll(ctx, queue, 1)
	require.NoError(t, f.service.RunOnce(ctx))

	report := lastReport(ctx, t, f.db)
	require.Equal(t, catalog.RunSucceeded, report.Outcome)
	require.Equal(t, 2, report.Studios)
	require.Equal(t, 1, report.ArtistsQueued)
	require.Equal(t, 1, report.Succeeded)
}

func TestRunSkipsOptedOutStudio(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := testqueue.New(3)
	f := newRun(t, queue, runConfig())
	f.source.studios = []catalog.Studio{studio("s-1"), studio("s-2")}
	f.finder.targets["s-1"] = []orchestrator.ArtistTarget{target("s-1", "maya")}
	f.finder.targets["s-2"] = []orchestrator.ArtistTarget{target("s-2", "iris")}

	require.NoError(t, f.db.MarkStudioOptedOut(ctx, "s-2"))

	publishAll(ctx, queue, 1)
	require.NoError(t, f.service.RunOnce(ctx))

	report := lastReport(ctx, t, f.db)
	require.Equal(t, catalog.RunSucceeded, report.Outcome)
	require.Equal(t, 1, report.Studios)
	require.Equal(t, 1, report.ArtistsQueued)

	_, err := f.db.GetStudio(ctx, "s-2")
	require.True(t, catalog.ErrNotFound.Has(err))
}

func TestRunCountsDeadLetters(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := testqueue.New(1)
	f := newRun(t, queue, runConfig())
	f.source.studios = []catalog.Studio{studio("s-1")}
	f.finder.targets["s-1"] = []orchestrator.ArtistTarget{
		target("s-1", "maya"), target("s-1", "jonas"),
	}

	pump(ctx, queue, 2, func(delivery jobq.Delivery) error {
		return queue.Fail(ctx, delivery.Receipt, "page kept timing out")
	})
	require.NoError(t, f.service.RunOnce(ctx))

	report := lastReport(ctx, t, f.db)
	require.Equal(t, catalog.RunFailed, report.Outcome)
	require.Contains(t, report.Failure, "only 0 of 2")
	require.Equal(t, 2, report.DeadLettered)
	require.Zero(t, report.Succeeded)
}

func TestRunDrainTimeout(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := runConfig()
	config.DrainDeadline = 50 * time.Millisecond

	queue := testqueue.New(3)
	f := newRun(t, queue, config)
	f.source.studios = []catalog.Studio{studio("s-1")}
	f.finder.targets["s-1"] = []orchestrator.ArtistTarget{
		target("s-1", "maya"), target("s-1", "jonas"),
	}

	// nothing consumes the queue
	require.NoError(t, f.service.RunOnce(ctx))

	report := lastReport(ctx, t, f.db)
	require.Equal(t, catalog.RunFailed, report.Outcome)
	require.Contains(t, report.Failure, "outstanding")
	require.Equal(t, 2, report.Outstanding)
	require.Equal(t, orchestrator.StageFailed, f.service.Stage())
}

// flakyQueue makes a configured number of EnqueueBatch calls fail
// per-item before behaving normally.
type flakyQueue struct {
	jobq.Queue
	fails atomic.Int32
}

func (queue *flakyQueue) EnqueueBatch(ctx context.Context, jobs []jobq.Job) ([]jobq.BatchResult, error) {
	if queue.fails.Add(-1) >= 0 {
		results := make([]jobq.BatchResult, len(jobs))
		for i, job := range jobs {
			results[i] = jobq.BatchResult{JobID: job.JobID, Err: errs.New("queue hiccup")}
		}
		return results, nil
	}
	return queue.Queue.EnqueueBatch(ctx, jobs)
}

func TestRunRetriesEnqueueFailures(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	inner := testqueue.New(3)
	queue := &flakyQueue{Queue: inner}
	queue.fails.Store(1)

	f := newRun(t, queue, runConfig())
	f.source.studios = []catalog.Studio{studio("s-1")}
	f.finder.targets["s-1"] = []orchestrator.ArtistTarget{
		target("s-1", "maya"), target("s-1", "jonas"),
	}

	publishAll(ctx, inner, 2)
	require.NoError(t, f.service.RunOnce(ctx))

	report := lastReport(ctx, t, f.db)
	require.Equal(t, catalog.RunSucceeded, report.Outcome)
	require.Equal(t, 2, report.ArtistsQueued)
	require.Zero(t, report.EnqueueFailures)
	require.Equal(t, 2, report.Succeeded)
}

func TestRunReportsExhaustedEnqueue(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := &flakyQueue{Queue: testqueue.New(3)}
	queue.fails.Store(2)

	f := newRun(t, queue, runConfig())
	f.source.studios = []catalog.Studio{studio("s-1")}
	f.finder.targets["s-1"] = []orchestrator.ArtistTarget{target("s-1", "maya")}

	require.NoError(t, f.service.RunOnce(ctx))

	report := lastReport(ctx, t, f.db)
	require.Equal(t, catalog.RunFailed, report.Outcome)
	require.Contains(t, report.Failure, "enqueued")
	require.Zero(t, report.ArtistsQueued)
	require.Equal(t, 1, report.EnqueueFailures)
}

// gateSource blocks inside discovery until the test releases it.
type gateSource struct {
	entered chan struct{}
	release chan struct{}
}

func (source *gateSource) Studios(ctx context.Context) ([]catalog.Studio, error) {
	close(source.entered)
	select {
	case <-source.release:
	case <-ctx.Done():
	}
	return nil, nil
}

func TestRunSingleFlight(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	db := catalog.New(log.Named("catalog"), teststore.New(), styles.NewRegistry(),
		catalog.Config{ChangelogShards: 1})
	source := &gateSource{entered: make(chan struct{}), release: make(chan struct{})}
	finder := &fakeFinder{}
	service := orchestrator.New(log, db, testqueue.New(3), source, finder, nil, runConfig())

	done := make(chan struct{})
	ctx.Go(func() error {
		defer close(done)
		return service.RunOnce(ctx)
	})
	<-source.entered

	err := service.RunOnce(ctx)
	require.True(t, orchestrator.ErrRunActive.Has(err))
	err = service.Trigger()
	require.True(t, orchestrator.ErrRunActive.Has(err))

	close(source.release)
	<-done
}

func TestTriggerDisabled(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := runConfig()
	config.Enabled = false
	f := newRun(t, testqueue.New(3), config)

	err := f.service.Trigger()
	require.Error(t, err)
	require.False(t, orchestrator.ErrRunActive.Has(err))

	// a disabled service's loop exits immediately
	require.NoError(t, f.service.Run(ctx))
}

func TestRunLoopAndTrigger(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := testqueue.New(3)
	f := newRun(t, queue, runConfig())
	f.source.studios = []catalog.Studio{studio("s-1")}
	f.finder.targets["s-1"] = []orchestrator.ArtistTarget{target("s-1", "maya")}

	publishAll(ctx, queue, 2)
	ctx.Go(func() error {
		return f.service.Run(ctx)
	})
	defer ctx.Check(f.service.Close)

	// the loop runs once at start, the trigger forces a second run;
	// the report lands moments before the run flag clears, so retry
	waitReports(ctx, t, f.db, 1)
	require.Eventually(t, func() bool {
		return f.service.Trigger() == nil
	}, 10*time.Second, 5*time.Millisecond)
	waitReports(ctx, t, f.db, 2)
}

func waitReports(ctx *testcontext.Context, t *testing.T, db *catalog.DB, want int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		reports, err := db.ListRunReports(ctx, 10)
		require.NoError(t, err)
		if len(reports) >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d run reports, have %d", want, len(reports))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
