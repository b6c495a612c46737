// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package redisq implements the job queue on redis. Every multi-key
// transition runs as a Lua script so deliveries, requeues and counter
// updates stay atomic.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"inkdex.io/inkdex/jobq"
)

var (
	mon = monkit.Package()

	// Error is the default error class of the package.
	Error = errs.Class("redisq")
)

const (
	readyKey    = "jobq:ready"
	inflightKey = "jobq:inflight"
	deadKey     = "jobq:dead"
	jobPrefix   = "jobq:job:"
	runPrefix   = "jobq:run:"
)

// Config holds job queue configuration.
type Config struct {
	Address     string `help:"redis address of the job queue" default:"localhost:6379"`
	Password    string `help:"redis password" default:""`
	DB          int    `help:"redis database number" default:"0"`
	MaxAttempts int    `help:"deliveries before a job is dead lettered" default:"5" testDefault:"3"`
}

// Queue implements jobq.Queue on redis.
type Queue struct {
	log         *zap.Logger
	db          *redis.Client
	maxAttempts int

	nowFn func() time.Time
}

// Open connects to redis and verifies the connection.
func Open(ctx context.Context, log *zap.Logger, config Config) (*Queue, error) {
	db := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := db.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}
	return NewWith(log, db, config.MaxAttempts), nil
}

// NewWith wraps an existing redis client, used by tests.
func NewWith(log *zap.Logger, db *redis.Client, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Queue{
		log:         log,
		db:          db,
		maxAttempts: maxAttempts,
		nowFn:       time.Now,
	}
}

// TestingSetNow replaces the clock used for visibility deadlines.
func (queue *Queue) TestingSetNow(now func() time.Time) { queue.nowFn = now }

// Close closes the redis connection.
func (queue *Queue) Close() error { return Error.Wrap(queue.db.Close()) }

func jobKey(id string) string { return jobPrefix + id }

func runKey(runID string) string { return runPrefix + runID }

func deadlineMillis(t time.Time) int64 { return t.UnixMilli() }

// EnqueueBatch enqueues up to jobq.MaxBatch jobs atomically.
// Malformed jobs fail in their result slot without blocking the rest.
func (queue *Queue) EnqueueBatch(ctx context.Context, jobs []jobq.Job) (_ []jobq.BatchResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(jobs) > jobq.MaxBatch {
		return nil, jobq.ErrBatchTooLarge.New("%d jobs, at most %d", len(jobs), jobq.MaxBatch)
	}

	results := make([]jobq.BatchResult, len(jobs))
	var accepted []jobq.Job
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
		accepted = append(accepted, job)
	}
	if len(accepted) == 0 {
		return results, nil
	}

	_, err = queue.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, job := range accepted {
			data, err := json.Marshal(job)
			if err != nil {
				return Error.Wrap(err)
			}
			pipe.HSet(ctx, jobKey(job.JobID), "data", data, "attempt", 0, "run", job.ScrapeRunID)
			pipe.LPush(ctx, readyKey, job.JobID)
			pipe.HIncrBy(ctx, runKey(job.ScrapeRunID), "queued", 1)
			pipe.HIncrBy(ctx, runKey(job.ScrapeRunID), "outstanding", 1)
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	mon.Counter("jobq_enqueued").Inc(int64(len(accepted)))
	return results, nil
}

// Receive delivers up to maxJobs ready jobs, each invisible until
// now+visibility.
func (queue *Queue) Receive(ctx context.Context, maxJobs int, visibility time.Duration) (_ []jobq.Delivery, err error) {
	defer mon.Task()(&ctx)(&err)

	if maxJobs <= 0 {
		return nil, nil
	}
	deadline := deadlineMillis(queue.nowFn().Add(visibility))

	args := make([]interface{}, 0, maxJobs+2)
	args = append(args, deadline, maxJobs)
	for i := 0; i < maxJobs; i++ {
		args = append(args, uuid.NewString())
	}

	raw, err := receiveScript.Run(ctx, queue.db, []string{readyKey, inflightKey}, args...).Slice()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(raw)%4 != 0 {
		return nil, Error.New("unexpected receive reply of %d elements", len(raw))
	}

	deliveries := make([]jobq.Delivery, 0, len(raw)/4)
	for i := 0; i < len(raw); i += 4 {
		id, _ := raw[i].(string)
		nonce, _ := raw[i+1].(string)
		attempt, _ := raw[i+2].(int64)
		data, _ := raw[i+3].(string)

		var job jobq.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, Error.New("malformed job %s: %v", id, err)
		}
		job.JobID = id
		job.Attempt = int(attempt)
		deliveries = append(deliveries, jobq.Delivery{
			Job:     job,
			Receipt: jobq.Receipt{JobID: id, Nonce: nonce},
		})
	}
	mon.Counter("jobq_received").Inc(int64(len(deliveries)))
	return deliveries, nil
}

// Acknowledge removes a delivered job and settles the run counters.
func (queue *Queue) Acknowledge(ctx context.Context, receipt jobq.Receipt, outcome jobq.AckOutcome) (err error) {
	defer mon.Task()(&ctx)(&err)

	field := "published"
	if outcome == jobq.OutcomeEmpty {
		field = "empty"
	}
	verdict, err := ackScript.Run(ctx, queue.db, []string{inflightKey}, receipt.JobID, receipt.Nonce, field).Text()
	if err != nil {
		return Error.Wrap(err)
	}
	if verdict == "stale" {
		mon.Counter("jobq_stale_receipts").Inc(1)
		return jobq.ErrStaleReceipt.New("job %s", receipt.JobID)
	}
	return nil
}

// Extend pushes the visibility deadline of a live delivery out.
func (queue *Queue) Extend(ctx context.Context, receipt jobq.Receipt, visibility time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	deadline := deadlineMillis(queue.nowFn().Add(visibility))
	verdict, err := extendScript.Run(ctx, queue.db, []string{inflightKey}, receipt.JobID, receipt.Nonce, deadline).Text()
	if err != nil {
		return Error.Wrap(err)
	}
	if verdict == "stale" {
		mon.Counter("jobq_stale_receipts").Inc(1)
		return jobq.ErrStaleReceipt.New("job %s", receipt.JobID)
	}
	return nil
}

// Release returns a job to the queue without consuming the attempt.
func (queue *Queue) Release(ctx context.Context, receipt jobq.Receipt) (err error) {
	defer mon.Task()(&ctx)(&err)

	verdict, err := releaseScript.Run(ctx, queue.db, []string{readyKey, inflightKey}, receipt.JobID, receipt.Nonce).Text()
	if err != nil {
		return Error.Wrap(err)
	}
	if verdict == "stale" {
		mon.Counter("jobq_stale_receipts").Inc(1)
		return jobq.ErrStaleReceipt.New("job %s", receipt.JobID)
	}
	mon.Counter("jobq_released").Inc(1)
	return nil
}

// Fail records a failed attempt, requeueing or dead lettering the
// job.
func (queue *Queue) Fail(ctx context.Context, receipt jobq.Receipt, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)

	diedAt := queue.nowFn().UTC().Format(time.RFC3339Nano)
	verdict, err := failScript.Run(ctx, queue.db,
		[]string{readyKey, inflightKey, deadKey},
		receipt.JobID, receipt.Nonce, reason, queue.maxAttempts, diedAt).Text()
	if err != nil {
		return Error.Wrap(err)
	}
	switch verdict {
	case "stale":
		mon.Counter("jobq_stale_receipts").Inc(1)
		return jobq.ErrStaleReceipt.New("job %s", receipt.JobID)
	case "dead":
		mon.Counter("jobq_dead_lettered").Inc(1)
		queue.log.Warn("job dead lettered",
			zap.String("job_id", receipt.JobID),
			zap.String("reason", reason))
	}
	return nil
}

// ReapExpired requeues or dead letters every delivery whose
// visibility deadline has passed.
func (queue *Queue) ReapExpired(ctx context.Context) (requeued, deadLettered int, err error) {
	defer mon.Task()(&ctx)(&err)

	diedAt := queue.nowFn().UTC().Format(time.RFC3339Nano)
	raw, err := reapScript.Run(ctx, queue.db,
		[]string{readyKey, inflightKey, deadKey},
		deadlineMillis(queue.nowFn()), queue.maxAttempts, diedAt).Slice()
	if err != nil {
		return 0, 0, Error.Wrap(err)
	}
	if len(raw) == 2 {
		if n, ok := raw[0].(int64); ok {
			requeued = int(n)
		}
		if n, ok := raw[1].(int64); ok {
			deadLettered = int(n)
		}
	}
	mon.Counter("jobq_reaped_requeued").Inc(int64(requeued))
	mon.Counter("jobq_dead_lettered").Inc(int64(deadLettered))
	return requeued, deadLettered, nil
}

// OutstandingForRun returns the outstanding counter of a run.
func (queue *Queue) OutstandingForRun(ctx context.Context, runID string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := queue.db.HGet(ctx, runKey(runID), "outstanding").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return value, nil
}

// RunCounts returns the progress counters of a run.
func (queue *Queue) RunCounts(ctx context.Context, runID string) (_ jobq.RunCounts, err error) {
	defer mon.Task()(&ctx)(&err)

	fields, err := queue.db.HGetAll(ctx, runKey(runID)).Result()
	if err != nil {
		return jobq.RunCounts{}, Error.Wrap(err)
	}
	parse := func(field string) int64 {
		n, _ := strconv.ParseInt(fields[field], 10, 64)
		return n
	}
	return jobq.RunCounts{
		Queued:       parse("queued"),
		Published:    parse("published"),
		Empty:        parse("empty"),
		DeadLettered: parse("dead"),
		Outstanding:  parse("outstanding"),
	}, nil
}

// Stats returns the queue depths.
func (queue *Queue) Stats(ctx context.Context) (_ jobq.Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	ready, err := queue.db.LLen(ctx, readyKey).Result()
	if err != nil {
		return jobq.Stats{}, Error.Wrap(err)
	}
	inflight, err := queue.db.ZCard(ctx, inflightKey).Result()
	if err != nil {
		return jobq.Stats{}, Error.Wrap(err)
	}
	dead, err := queue.db.LLen(ctx, deadKey).Result()
	if err != nil {
		return jobq.Stats{}, Error.Wrap(err)
	}
	return jobq.Stats{Ready: ready, Inflight: inflight, Dead: dead}, nil
}

// DeadLetters returns up to limit dead letter entries, newest first.
func (queue *Queue) DeadLetters(ctx context.Context, limit int) (_ []jobq.DeadLetterEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 100
	}
	raw, err := queue.db.LRange(ctx, deadKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	entries := make([]jobq.DeadLetterEntry, 0, len(raw))
	for _, item := range raw {
		var entry jobq.DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, Error.New("malformed dead letter: %v", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
