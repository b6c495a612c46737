// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package scraper fetches artist pages from the job queue and
// publishes what they yield to the catalog.
package scraper

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/jobq"
	"inkdex.io/inkdex/private/errs2"
	"inkdex.io/inkdex/private/sync2"
	"inkdex.io/inkdex/scraper/hostlimit"
)

var (
	// Error is the default error class of the package.
	Error = errs.Class("scraper")

	// errHostBusy tells the drain pass that a job went back to the
	// queue because its host has no fetch budget.
	errHostBusy = errs.New("host budget exhausted")

	mon = monkit.Package()
)

// publishGrace bounds the write phase of a job once its page is
// fetched. It has to fit inside the process shutdown grace so a
// stopping worker still exits on time.
const publishGrace = 15 * time.Second

// Config contains configurable values for the scrape worker.
type Config struct {
	Enabled      bool          `help:"whether the scrape worker runs" default:"true"`
	PollInterval time.Duration `help:"how often the queue is polled when idle" default:"2s" testDefault:"10ms"`
	Concurrency  int           `help:"scrape tasks running at once" default:"8" testDefault:"2"`
	Visibility   time.Duration `help:"how long a received job stays invisible" default:"2m" testDefault:"30s"`
	RateIdle     time.Duration `help:"pause after giving a rate limited job back" default:"250ms" testDefault:"1ms"`

	Fetch     FetchConfig
	Parse     ParseConfig
	HostLimit hostlimit.Config
}

// Service is the scrape worker pool.
//
// architecture: Worker
type Service struct {
	log     *zap.Logger
	db      *catalog.DB
	queue   jobq.Queue
	fetcher *Fetcher
	parser  *Parser
	hosts   *hostlimit.Limiter
	config  Config
	nowFn   func() time.Time

	Loop *sync2.Cycle
}

// New creates a scrape worker pool.
func New(log *zap.Logger, db *catalog.DB, queue jobq.Queue, fetcher *Fetcher, parser *Parser, config Config) *Service {
	if config.Concurrency <= 0 {
		config.Concurrency = 8
	}
	return &Service{
		log:     log,
		db:      db,
		queue:   queue,
		fetcher: fetcher,
		parser:  parser,
		hosts:   hostlimit.New(config.HostLimit),
		config:  config,
		nowFn:   time.Now,
		Loop:    sync2.NewCycle(config.PollInterval),
	}
}

// TestingSetNow makes the worker act as if the current time is
// whatever the test wants.
func (service *Service) TestingSetNow(now func() time.Time) {
	service.nowFn = now
}

// Run polls the queue until ctx is done.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !service.config.Enabled {
		return nil
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return service.hosts.Run(ctx)
	})
	group.Go(func() error {
		return service.Loop.Run(ctx, func(ctx context.Context) error {
			err := service.RunOnce(ctx)
			if err != nil {
				service.log.Error("process", zap.Error(Error.Wrap(err)))
			}
			return nil
		})
	})
	return group.Wait()
}

// Close halts the worker.
func (service *Service) Close() error {
	service.Loop.Close()
	service.hosts.Close()
	return nil
}

// RunOnce drains the queue, running up to Concurrency scrapes at once,
// and returns when the queue is empty.
func (service *Service) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	limiter := sync2.NewLimiter(service.config.Concurrency)
	defer limiter.Wait()

	var hostBusy atomic.Bool
	for {
		if hostBusy.Load() {
			// a host ran out of fetch budget; its released jobs wait
			// for the next poll instead of spinning through this pass
			return nil
		}

		batch := service.config.Concurrency
		if batch > jobq.MaxBatch {
			batch = jobq.MaxBatch
		}
		deliveries, err := service.queue.Receive(ctx, batch, service.config.Visibility)
		if err != nil {
			return err
		}
		if len(deliveries) == 0 {
			return nil
		}

		for _, delivery := range deliveries {
			delivery := delivery
			started := limiter.Go(ctx, func() {
				err := service.work(ctx, delivery)
				switch {
				case err == nil:
				case errors.Is(err, errHostBusy):
					hostBusy.Store(true)
				case errs2.IsCanceled(err):
				default:
					service.log.Error("scrape failed",
						zap.String("job_id", delivery.Job.JobID),
						zap.String("scrape_run_id", delivery.Job.ScrapeRunID),
						zap.String("artist_id", delivery.Job.ArtistID),
						zap.Error(err))
				}
			})
			if !started {
				return ctx.Err()
			}
		}
	}
}

// work runs one scrape job end to end. Transient failures leave the
// delivery to expire so the queue redelivers it with attempt
// accounting; permanent ones fail the job explicitly.
func (service *Service) work(ctx context.Context, delivery jobq.Delivery) (err error) {
	defer mon.Task()(&ctx)(&err)

	job := delivery.Job
	started := service.nowFn()

	key, err := hostlimit.Key(job.TargetURL)
	if err != nil {
		return service.fail(ctx, delivery, errs2.Permanent.Wrap(err))
	}

	delay, ok := service.hosts.Allow(key)
	if !ok {
		// the host has no budget right now; give the job back without
		// burning the attempt and let the slot breathe
		mon.Counter("scrape_rate_released").Inc(1)
		if err := service.queue.Release(ctx, delivery.Receipt); err != nil {
			service.log.Warn("release failed", zap.String("job_id", job.JobID), zap.Error(err))
		}
		sync2.Sleep(ctx, service.config.RateIdle)
		return errHostBusy
	}
	if delay > 0 && !sync2.Sleep(ctx, delay) {
		return ctx.Err()
	}

	// the fetch may use at most half the visibility window, the rest is
	// reserved for parse and publish
	budget := service.config.Fetch.Timeout
	if budget <= 0 {
		budget = 30 * time.Second
	}
	if half := service.config.Visibility / 2; half > 0 && budget > half {
		budget = half
	}
	fetchCtx, cancel := context.WithTimeout(ctx, budget)
	page, err := service.fetcher.Fetch(fetchCtx, job.TargetURL)
	cancel()
	if err != nil {
		return service.dispose(ctx, delivery, err)
	}

	result, err := service.parser.Parse(page)
	if err != nil {
		return service.dispose(ctx, delivery, err)
	}

	// the page is fetched and parsed; finish the write phase even when
	// shutdown cancels the poll loop, so a stopping worker publishes
	// what it already holds instead of leaving it for redelivery
	ctx, cancelPublish := context.WithTimeout(context.WithoutCancel(ctx), publishGrace)
	defer cancelPublish()

	if result.Empty {
		mon.Counter("scrape_empty").Inc(1)
		service.log.Debug("page yields no artist",
			zap.String("job_id", job.JobID),
			zap.String("target_url", job.TargetURL))
		return service.ack(ctx, delivery, jobq.OutcomeEmpty)
	}

	// a slow fetch can eat most of the visibility window; extend before
	// the write phase so the publish never races the redelivery
	if service.nowFn().Sub(started) > service.config.Visibility/2 {
		if err := service.queue.Extend(ctx, delivery.Receipt, service.config.Visibility); err != nil {
			if jobq.ErrStaleReceipt.Has(err) {
				// already redelivered; the catalog guard makes whichever
				// delivery lands second a no-op, so keep going
				mon.Counter("scrape_stale_extends").Inc(1)
			} else {
				service.log.Warn("extend failed", zap.String("job_id", job.JobID), zap.Error(err))
			}
		}
	}

	artist := catalog.Artist{
		ArtistID:        job.ArtistID,
		StudioID:        job.StudioID,
		Name:            result.Name,
		InstagramHandle: result.InstagramHandle,
		Styles:          result.Styles,
		Rating:          result.Rating,
		PortfolioURL:    job.TargetURL,
		LastScrapedAt:   started,
	}
	for i := range result.Images {
		result.Images[i].IngestedAt = started
	}
	err = service.db.PutArtist(ctx, artist, result.Images, job.ScrapeRunID)
	switch {
	case err == nil:
	case catalog.ErrAlreadyApplied.Has(err):
		// duplicate delivery finished the work already
		mon.Counter("scrape_already_applied").Inc(1)
	case catalog.ErrOptedOut.Has(err):
		mon.Counter("scrape_opted_out").Inc(1)
		return service.ack(ctx, delivery, jobq.OutcomeEmpty)
	case catalog.ErrInvalidRecord.Has(err):
		return service.fail(ctx, delivery, errs2.Permanent.Wrap(err))
	default:
		// catalog trouble: let the delivery expire and retry
		return err
	}

	mon.Counter("scrape_published").Inc(1)
	return service.ack(ctx, delivery, jobq.OutcomePublished)
}

// dispose routes a fetch or parse failure: permanent input failures
// consume the job, everything else leaves it to be redelivered.
func (service *Service) dispose(ctx context.Context, delivery jobq.Delivery, err error) error {
	switch {
	case errs2.IsCanceled(err):
		return err
	case errs2.IsPermanent(err):
		mon.Counter("scrape_permanent_failures").Inc(1)
		return service.fail(ctx, delivery, err)
	default:
		mon.Counter("scrape_transient_failures").Inc(1)
		service.log.Warn("scrape hit a transient failure, leaving the job for redelivery",
			zap.String("job_id", delivery.Job.JobID),
			zap.String("target_url", delivery.Job.TargetURL),
			zap.Int("attempt", delivery.Job.Attempt),
			zap.Error(err))
		return nil
	}
}

func (service *Service) fail(ctx context.Context, delivery jobq.Delivery, reason error) error {
	service.log.Info("job failed permanently",
		zap.String("job_id", delivery.Job.JobID),
		zap.String("target_url", delivery.Job.TargetURL),
		zap.Int("attempt", delivery.Job.Attempt),
		zap.Error(reason))
	err := service.queue.Fail(ctx, delivery.Receipt, reason.Error())
	if jobq.ErrStaleReceipt.Has(err) {
		mon.Counter("scrape_stale_receipts").Inc(1)
		return nil
	}
	return err
}

func (service *Service) ack(ctx context.Context, delivery jobq.Delivery, outcome jobq.AckOutcome) error {
	err := service.queue.Acknowledge(ctx, delivery.Receipt, outcome)
	if jobq.ErrStaleReceipt.Has(err) {
		mon.Counter("scrape_stale_receipts").Inc(1)
		return nil
	}
	return err
}
