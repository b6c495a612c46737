// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package jobq declares the at-least-once scrape job queue.
package jobq

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// MaxBatch is the most jobs a single EnqueueBatch call accepts.
const MaxBatch = 10

var (
	// Error is the default error class of the package.
	Error = errs.Class("jobq")

	// ErrBatchTooLarge is returned when EnqueueBatch is called with
	// more than MaxBatch jobs.
	ErrBatchTooLarge = errs.Class("batch too large")

	// ErrInvalidJob marks per-job validation failures in a batch.
	ErrInvalidJob = errs.Class("invalid job")

	// ErrStaleReceipt is returned when a receipt refers to a delivery
	// that has been superseded by a redelivery.
	ErrStaleReceipt = errs.Class("stale receipt")
)

// Job is a single scrape target.
type Job struct {
	JobID       string `json:"job_id"`
	ScrapeRunID string `json:"scrape_run_id"`
	ArtistID    string `json:"artist_id"`
	StudioID    string `json:"studio_id"`
	TargetURL   string `json:"target_url"`
	// Attempt counts deliveries and is set by the queue.
	Attempt int `json:"attempt"`
}

// Receipt identifies one delivery of a job. The nonce changes on
// every delivery, so a receipt kept across a visibility timeout
// cannot acknowledge the newer delivery.
type Receipt struct {
	JobID string
	Nonce string
}

// Delivery is a received job together with its receipt.
type Delivery struct {
	Job     Job
	Receipt Receipt
}

// BatchResult reports the outcome of one job in an enqueue batch.
type BatchResult struct {
	JobID string
	Err   error
}

// AckOutcome annotates an acknowledgement so run reports can split
// published artists from pages that parsed empty.
type AckOutcome string

// Ack outcomes.
const (
	OutcomePublished AckOutcome = "published"
	OutcomeEmpty     AckOutcome = "empty"
)

// DeadLetterEntry is a job that exhausted its attempts, kept with
// full context.
type DeadLetterEntry struct {
	Job      Job       `json:"job"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason"`
	DiedAt   time.Time `json:"died_at"`
}

// RunCounts are the per-run progress counters the orchestrator's
// reports are assembled from.
type RunCounts struct {
	Queued       int64
	Published    int64
	Empty        int64
	DeadLettered int64
	Outstanding  int64
}

// Stats are the queue depths.
type Stats struct {
	Ready    int64
	Inflight int64
	Dead     int64
}

// Queue is an at-least-once job queue with visibility timeouts.
type Queue interface {
	// EnqueueBatch enqueues up to MaxBatch jobs. Malformed jobs fail
	// individually in the returned results without affecting the
	// rest.
	EnqueueBatch(ctx context.Context, jobs []Job) ([]BatchResult, error)
	// Receive returns up to maxJobs jobs, each invisible to other
	// consumers for the visibility duration.
	Receive(ctx context.Context, maxJobs int, visibility time.Duration) ([]Delivery, error)
	// Acknowledge removes a delivered job. Acknowledging a job that
	// is already gone is not an error; a receipt from a superseded
	// delivery fails with ErrStaleReceipt.
	Acknowledge(ctx context.Context, receipt Receipt, outcome AckOutcome) error
	// Extend pushes the visibility deadline of a live delivery out.
	Extend(ctx context.Context, receipt Receipt, visibility time.Duration) error
	// Release returns a job to the queue without consuming the
	// attempt, for consumers that could not start working on it.
	Release(ctx context.Context, receipt Receipt) error
	// Fail records a failed attempt. The job returns to the queue, or
	// moves to the dead letter list once its attempts are exhausted.
	Fail(ctx context.Context, receipt Receipt, reason string) error
	// OutstandingForRun returns how many jobs of a run have been
	// enqueued but not yet acknowledged or dead lettered.
	OutstandingForRun(ctx context.Context, runID string) (int64, error)
	// RunCounts returns the progress counters of a run.
	RunCounts(ctx context.Context, runID string) (RunCounts, error)
	// Stats returns the queue depths.
	Stats(ctx context.Context) (Stats, error)
	// DeadLetters returns up to limit dead letter entries, newest
	// first.
	DeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error)
}
