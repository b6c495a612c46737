// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package testqueue implements an in-memory jobq.Queue for tests with
// an injectable clock. Expired deliveries are reaped inline whenever
// the queue is read.
package testqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"inkdex.io/inkdex/jobq"
)

type jobState struct {
	job     jobq.Job
	attempt int
	nonce   string
}

// Queue is an in-memory job queue.
type Queue struct {
	mu          sync.Mutex
	maxAttempts int
	nowFn       func() time.Time

	ready    []string
	jobs     map[string]*jobState
	inflight map[string]time.Time
	dead     []jobq.DeadLetterEntry
	runs     map[string]*jobq.RunCounts
}

// New creates an empty queue with the given attempt cap.
func New(maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Queue{
		maxAttempts: maxAttempts,
		nowFn:       time.Now,
		jobs:        make(map[string]*jobState),
		inflight:    make(map[string]time.Time),
		runs:        make(map[string]*jobq.RunCounts),
	}
}

// TestingSetNow replaces the queue clock.
func (queue *Queue) TestingSetNow(now func() time.Time) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.nowFn = now
}

func (queue *Queue) run(runID string) *jobq.RunCounts {
	counts, ok := queue.runs[runID]
	if !ok {
		counts = &jobq.RunCounts{}
		queue.runs[runID] = counts
	}
	return counts
}

// reap requeues or dead letters expired deliveries. Callers hold the
// mutex.
func (queue *Queue) reap() {
	now := queue.nowFn()
	for id, deadline := range queue.inflight {
		if deadline.After(now) {
			continue
		}
		delete(queue.inflight, id)
		state, ok := queue.jobs[id]
		if !ok {
			continue
		}
		if state.attempt >= queue.maxAttempts {
			queue.deadLetter(state, "visibility timeout expired")
			continue
		}
		state.nonce = ""
		queue.ready = append(queue.ready, id)
	}
}

// deadLetter moves a job to the dead letter list. Callers hold the
// mutex.
func (queue *Queue) deadLetter(state *jobState, reason string) {
	job := state.job
	job.Attempt = state.attempt
	queue.dead = append([]jobq.DeadLetterEntry{{
		Job:      job,
		Attempts: state.attempt,
		Reason:   reason,
		DiedAt:   queue.nowFn(),
	}}, queue.dead...)
	delete(queue.jobs, job.JobID)
	counts := queue.run(job.ScrapeRunID)
	counts.Outstanding--
	counts.DeadLettered++
}

// EnqueueBatch enqueues up to jobq.MaxBatch jobs.
func (queue *Queue) EnqueueBatch(ctx context.Context, jobs []jobq.Job) ([]jobq.BatchResult, error) {
	if len(jobs) > jobq.MaxBatch {
		return nil, jobq.ErrBatchTooLarge.New("%d jobs, at most %d", len(jobs), jobq.MaxBatch)
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()

	results := make([]jobq.BatchResult, len(jobs))
	for i, job := range jobs {
		if job.JobID == "" {
			job.JobID = uuid.NewString()
		}
		results[i].JobID = job.JobID
		if job.ScrapeRunID == "" || job.TargetURL == "" || job.ArtistID == "" {
			results[i].Err = jobq.ErrInvalidJob.New("scrape run id, artist id and target url are required")
			continue
		}
		job.Attempt = 0
		queue.jobs[job.JobID] = &jobState{job: job}
		queue.ready = append(queue.ready, job.JobID)
		counts := queue.run(job.ScrapeRunID)
		counts.Queued++
		counts.Outstanding++
	}
	return results, nil
}

// Receive delivers up to maxJobs ready jobs.
func (queue *Queue) Receive(ctx context.Context, maxJobs int, visibility time.Duration) ([]jobq.Delivery, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.reap()

	var deliveries []jobq.Delivery
	deadline := queue.nowFn().Add(visibility)
	for len(deliveries) < maxJobs && len(queue.ready) > 0 {
		id := queue.ready[0]
		queue.ready = queue.ready[1:]
		state, ok := queue.jobs[id]
		if !ok {
			continue
		}
		state.attempt++
		state.nonce = uuid.NewString()
		queue.inflight[id] = deadline

		job := state.job
		job.Attempt = state.attempt
		deliveries = append(deliveries, jobq.Delivery{
			Job:     job,
			Receipt: jobq.Receipt{JobID: id, Nonce: state.nonce},
		})
	}
	return deliveries, nil
}

// lookup resolves a receipt to its live job state. Callers hold the
// mutex.
func (queue *Queue) lookup(receipt jobq.Receipt) (*jobState, error) {
	state, ok := queue.jobs[receipt.JobID]
	if !ok {
		return nil, nil
	}
	if state.nonce == "" || state.nonce != receipt.Nonce {
		return nil, jobq.ErrStaleReceipt.New("job %s", receipt.JobID)
	}
	return state, nil
}

// Acknowledge removes a delivered job.
func (queue *Queue) Acknowledge(ctx context.Context, receipt jobq.Receipt, outcome jobq.AckOutcome) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.reap()

	state, err := queue.lookup(receipt)
	if err != nil || state == nil {
		return err
	}
	delete(queue.inflight, receipt.JobID)
	delete(queue.jobs, receipt.JobID)
	counts := queue.run(state.job.ScrapeRunID)
	counts.Outstanding--
	if outcome == jobq.OutcomeEmpty {
		counts.Empty++
	} else {
		counts.Published++
	}
	return nil
}

// Extend pushes the visibility deadline of a live delivery out.
func (queue *Queue) Extend(ctx context.Context, receipt jobq.Receipt, visibility time.Duration) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.reap()

	state, err := queue.lookup(receipt)
	if err != nil {
		return err
	}
	if state == nil {
		return jobq.ErrStaleReceipt.New("job %s", receipt.JobID)
	}
	queue.inflight[receipt.JobID] = queue.nowFn().Add(visibility)
	return nil
}

// Release returns a job to the queue without consuming the attempt.
func (queue *Queue) Release(ctx context.Context, receipt jobq.Receipt) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.reap()

	state, err := queue.lookup(receipt)
	if err != nil {
		return err
	}
	if state == nil {
		return jobq.ErrStaleReceipt.New("job %s", receipt.JobID)
	}
	delete(queue.inflight, receipt.JobID)
	state.attempt--
	state.nonce = ""
	queue.ready = append(queue.ready, receipt.JobID)
	return nil
}

// Fail records a failed attempt.
func (queue *Queue) Fail(ctx context.Context, receipt jobq.Receipt, reason string) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.reap()

	state, err := queue.lookup(receipt)
	if err != nil {
		return err
	}
	if state == nil {
		return jobq.ErrStaleReceipt.New("job %s", receipt.JobID)
	}
	delete(queue.inflight, receipt.JobID)
	if state.attempt >= queue.maxAttempts {
		queue.deadLetter(state, reason)
		return nil
	}
	state.nonce = ""
	queue.ready = append(queue.ready, receipt.JobID)
	return nil
}

// OutstandingForRun returns the outstanding counter of a run.
func (queue *Queue) OutstandingForRun(ctx context.Context, runID string) (int64, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.reap()
	return queue.run(runID).Outstanding, nil
}

// RunCounts returns the progress counters of a run.
func (queue *Queue) RunCounts(ctx context.Context, runID string) (jobq.RunCounts, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.reap()
	return *queue.run(runID), nil
}

// Stats returns the queue depths.
func (queue *Queue) Stats(ctx context.Context) (jobq.Stats, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.reap()
	return jobq.Stats{
		Ready:    int64(len(queue.ready)),
		Inflight: int64(len(queue.inflight)),
		Dead:     int64(len(queue.dead)),
	}, nil
}

// DeadLetters returns up to limit dead letter entries, newest first.
func (queue *Queue) DeadLetters(ctx context.Context, limit int) ([]jobq.DeadLetterEntry, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.reap()

	if limit <= 0 || limit > len(queue.dead) {
		limit = len(queue.dead)
	}
	return append([]jobq.DeadLetterEntry(nil), queue.dead[:limit]...), nil
}
