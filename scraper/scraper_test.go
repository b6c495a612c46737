// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package scraper_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/jobq"
	"inkdex.io/inkdex/jobq/testqueue"
	"inkdex.io/inkdex/private/kvstore/teststore"
	"inkdex.io/inkdex/private/testcontext"
	"inkdex.io/inkdex/scraper"
	"inkdex.io/inkdex/scraper/hostlimit"
	"inkdex.io/inkdex/styles"
)

type workerFixture struct {
	db      *catalog.DB
	queue   *testqueue.Queue
	service *scraper.Service
}

func newWorker(t *testing.T, queue *testqueue.Queue, config scraper.Config) *workerFixture {
	log := zaptest.NewLogger(t)
	registry := styles.NewRegistry()
	db := catalog.New(log.Named("catalog"), teststore.New(), registry,
		catalog.Config{ChangelogShards: 1})

	fetcher, err := scraper.NewFetcher(log.Named("fetch"), config.Fetch)
	require.NoError(t, err)
	parser := scraper.NewParser(registry, config.Parse)

	return &workerFixture{
		db:      db,
		queue:   queue,
		service: scraper.New(log.Named("scraper"), db, queue, fetcher, parser, config),
	}
}

func workerConfig() scraper.Config {
	return scraper.Config{
		Concurrency: 2,
		Visibility:  30 * time.Second,
		RateIdle:    time.Millisecond,
		HostLimit: hostlimit.Config{
			RatePerSecond: 1000,
			Burst:         1000,
			ReserveWindow: 500 * time.Millisecond,
		},
	}
}

func scrapeJob(jobID, artistID, target string) jobq.Job {
	return jobq.Job{
		JobID:       jobID,
		ScrapeRunID: "run-1",
		ArtistID:    artistID,
		StudioID:    "studio-1",
		TargetURL:   target,
	}
}

func enqueue(ctx *testcontext.Context, t *testing.T, queue jobq.Queue, jobs ...jobq.Job) {
	results, err := queue.EnqueueBatch(ctx, jobs)
	require.NoError(t, err)
	for _, result := range results {
		require.NoError(t, result.Err)
	}
}

// drain runs scrape passes until nothing is ready or in flight.
func drain(ctx *testcontext.Context, t *testing.T, w *workerFixture) {
	for i := 0; i < 10; i++ {
		require.NoError(t, w.service.RunOnce(ctx))
		stats, err := w.queue.Stats(ctx)
		require.NoError(t, err)
		if stats.Ready == 0 && stats.Inflight == 0 {
			return
		}
	}
	t.Fatal("queue did not settle")
}

func servePage(page string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	}))
}

func TestScrapePublishesArtist(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := servePage(artistPage)
	defer server.Close()

	queue := testqueue.New(3)
	w := newWorker(t, queue, workerConfig())

	enqueue(ctx, t, queue, scrapeJob("job-1", "a-1", server.URL+"/artists/maya"))
	require.NoError(t, w.service.RunOnce(ctx))

	artist, images, err := w.db.GetArtist(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, "Maya Voss", artist.Name)
	require.Equal(t, "maya.voss.ink", artist.InstagramHandle)
	require.Contains(t, artist.Styles, "fine-line")
	require.InDelta(t, 4.8, artist.Rating, 0.001)
	require.Equal(t, uint64(1), artist.Version)
	require.Equal(t, "run-1", artist.LastScrapeRunID)
	require.Equal(t, server.URL+"/artists/maya", artist.PortfolioURL)
	require.False(t, artist.LastScrapedAt.IsZero())
	require.Len(t, images, 4)
	for _, image := range images {
		require.False(t, image.IngestedAt.IsZero())
	}

	counts, err := queue.RunCounts(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, jobq.RunCounts{Queued: 1, Published: 1}, counts)
}

func TestScrapeEmptyPageAcksEmpty(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := servePage(`<html><body><p>Open Tuesday to Saturday, walk-ins welcome.</p></body></html>`)
	defer server.Close()

	queue := testqueue.New(3)
	w := newWorker(t, queue, workerConfig())

	enqueue(ctx, t, queue, scrapeJob("job-1", "a-1", server.URL+"/opening-hours"))
	require.NoError(t, w.service.RunOnce(ctx))

	_, _, err := w.db.GetArtist(ctx, "a-1")
	require.True(t, catalog.ErrNotFound.Has(err))

	counts, err := queue.RunCounts(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, jobq.RunCounts{Queued: 1, Empty: 1}, counts)
}

func TestScrapeMissingPageDeadLetters(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	queue := testqueue.New(2)
	w := newWorker(t, queue, workerConfig())

	enqueue(ctx, t, queue, scrapeJob("job-1", "a-1", server.URL+"/artists/gone"))
	drain(ctx, t, w)

	dead, err := queue.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "a-1", dead[0].Job.ArtistID)
	require.Equal(t, 2, dead[0].Attempts)
	require.Contains(t, dead[0].Reason, "unexpected status 404")

	counts, err := queue.RunCounts(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, jobq.RunCounts{Queued: 1, DeadLettered: 1}, counts)

	_, _, err = w.db.GetArtist(ctx, "a-1")
	require.True(t, catalog.ErrNotFound.Has(err))
}

func TestScrapeTransientFailureRedelivers(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(artistPage))
	}))
	defer server.Close()

	queue := testqueue.New(3)
	clock := &fakeClock{now: time.Now()}
	queue.TestingSetNow(clock.Now)
	w := newWorker(t, queue, workerConfig())

	enqueue(ctx, t, queue, scrapeJob("job-1", "a-1", server.URL+"/artists/maya"))
	require.NoError(t, w.service.RunOnce(ctx))

	// the upstream error consumed no attempt path: the delivery is
	// still in flight, waiting out its visibility window
	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, jobq.Stats{Inflight: 1}, stats)

	healthy.Store(true)
	clock.Advance(31 * time.Second)
	require.NoError(t, w.service.RunOnce(ctx))

	artist, _, err := w.db.GetArtist(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, "Maya Voss", artist.Name)

	counts, err := queue.RunCounts(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, jobq.RunCounts{Queued: 1, Published: 1}, counts)
}

func TestScrapeRateLimitedJobGoesBack(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := servePage(artistPage)
	defer server.Close()

	config := workerConfig()
	config.HostLimit = hostlimit.Config{
		RatePerSecond: 0.001,
		Burst:         1,
		ReserveWindow: time.Millisecond,
	}

	queue := testqueue.New(3)
	w := newWorker(t, queue, config)

	enqueue(ctx, t, queue,
		scrapeJob("job-1", "a-1", server.URL+"/artists/a-1"),
		scrapeJob("job-2", "a-2", server.URL+"/artists/a-2"))
	require.NoError(t, w.service.RunOnce(ctx))

	// both targets share one host budget, so exactly one was fetched
	// and the other went back to the queue
	counts, err := queue.RunCounts(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, jobq.RunCounts{Queued: 2, Published: 1, Outstanding: 1}, counts)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, jobq.Stats{Ready: 1}, stats)

	// giving the job back did not burn its attempt
	deliveries, err := queue.Receive(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, 1, deliveries[0].Job.Attempt)
}

func TestScrapeShutdownFinishesInflightPublish(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := servePage(artistPage)
	defer server.Close()

	queue := testqueue.New(3)
	w := newWorker(t, queue, workerConfig())

	// nowFn runs once when the job starts and again before the write
	// phase; cancelling on the second call simulates shutdown arriving
	// after the fetch but before the publish
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	base := time.Now()
	var calls atomic.Int32
	w.service.TestingSetNow(func() time.Time {
		if calls.Add(1) == 2 {
			cancel()
		}
		return base
	})

	enqueue(ctx, t, queue, scrapeJob("job-1", "a-1", server.URL+"/artists/maya"))
	_ = w.service.RunOnce(runCtx)

	// the fetched page was still published instead of going back for
	// redelivery
	artist, _, err := w.db.GetArtist(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, "Maya Voss", artist.Name)

	counts, err := queue.RunCounts(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, jobq.RunCounts{Queued: 1, Published: 1}, counts)
}

func TestScrapeDuplicateDeliveryIsNoOp(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := servePage(artistPage)
	defer server.Close()

	config := workerConfig()
	config.Concurrency = 1

	queue := testqueue.New(3)
	w := newWorker(t, queue, config)

	// two jobs for the same artist in the same run: the second write
	// is dropped by the catalog and the job is still acknowledged
	enqueue(ctx, t, queue,
		scrapeJob("job-1", "a-1", server.URL+"/artists/maya"),
		scrapeJob("job-2", "a-1", server.URL+"/artists/maya"))
	drain(ctx, t, w)

	artist, _, err := w.db.GetArtist(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), artist.Version)

	counts, err := queue.RunCounts(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, jobq.RunCounts{Queued: 2, Published: 2}, counts)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (clock *fakeClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(d time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(d)
}
