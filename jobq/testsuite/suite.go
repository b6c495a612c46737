// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package testsuite runs the same behavioral tests against every
// jobq.Queue implementation.
package testsuite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"inkdex.io/inkdex/jobq"
	"inkdex.io/inkdex/private/testcontext"
)

// Hooks adapt implementation details the suite needs: time control
// and, for queues with an external reaper, a way to trigger a reap
// pass. Reap may be nil when the implementation reaps inline.
type Hooks struct {
	SetNow func(func() time.Time)
	Reap   func(ctx context.Context) error
}

// RunTests runs the queue test suite. newQueue must return a fresh,
// empty queue with the given attempt cap.
func RunTests(t *testing.T, newQueue func(t *testing.T, maxAttempts int) (jobq.Queue, Hooks)) {
	t.Run("EnqueueReceiveAck", func(t *testing.T) { testEnqueueReceiveAck(t, newQueue) })
	t.Run("BatchValidation", func(t *testing.T) { testBatchValidation(t, newQueue) })
	t.Run("FIFO", func(t *testing.T) { testFIFO(t, newQueue) })
	t.Run("VisibilityTimeout", func(t *testing.T) { testVisibilityTimeout(t, newQueue) })
	t.Run("StaleReceipt", func(t *testing.T) { testStaleReceipt(t, newQueue) })
	t.Run("Extend", func(t *testing.T) { testExtend(t, newQueue) })
	t.Run("Release", func(t *testing.T) { testRelease(t, newQueue) })
	t.Run("FailAndDeadLetter", func(t *testing.T) { testFailAndDeadLetter(t, newQueue) })
	t.Run("TimeoutDeadLetter", func(t *testing.T) { testTimeoutDeadLetter(t, newQueue) })
}

type clock struct {
	now time.Time
}

func newClock(hooks Hooks) *clock {
	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	hooks.SetNow(func() time.Time { return c.now })
	return c
}

func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

func job(runID, artistID string) jobq.Job {
	return jobq.Job{
		ScrapeRunID: runID,
		ArtistID:    artistID,
		StudioID:    "s-1",
		TargetURL:   "https://studio.test/artists/" + artistID,
	}
}

func reap(ctx context.Context, t *testing.T, hooks Hooks) {
	if hooks.Reap != nil {
		require.NoError(t, hooks.Reap(ctx))
	}
}

func testEnqueueReceiveAck(t *testing.T, newQueue func(t *testing.T, maxAttempts int) (jobq.Queue, Hooks)) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queue, hooks := newQueue(t, 5)
	newClock(hooks)

	results, err := queue.EnqueueBatch(ctx, []jobq.Job{
		job("run-1", "a-1"), job("run-1", "a-2"), job("run-1", "a-3"),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, result := range results {
		require.NoError(t, result.Err)
		require.NotEmpty(t, result.JobID)
	}

	outstanding, err := queue.OutstandingForRun(ctx, "run-1")
	require.NoError(t, err)
	require.EqualValues(t, 3, outstanding)

	deliveries, err := queue.Receive(ctx, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	require.Equal(t, 1, deliveries[0].Job.Attempt)
	require.Equal(t, "run-1", deliveries[0].Job.ScrapeRunID)

	require.NoError(t, queue.Acknowledge(ctx, deliveries[0].Receipt, jobq.OutcomePublished))
	require.NoError(t, queue.Acknowledge(ctx, deliveries[1].Receipt, jobq.OutcomeEmpty))

	counts, err := queue.RunCounts(ctx, "run-1")
	require.NoError(t, err)
	require.EqualValues(t, 3, counts.Queued)
	require.EqualValues(t, 1, counts.Published)
	require.EqualValues(t, 1, counts.Empty)
	require.EqualValues(t, 1, counts.Outstanding)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Ready)
	require.EqualValues(t, 0, stats.Inflight)
}

func testBatchValidation(t *testing.T, newQueue func(t *testing.T, maxAttempts int) (jobq.Queue, Hooks)) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queue, hooks := newQueue(t, 5)
	newClock(hooks)

	jobs := make([]jobq.Job, 10)
	for i := range jobs {
		jobs[i] = job("run-1", "a-"+string(rune('0'+i)))
	}
	jobs[4].TargetURL = ""

	results, err := queue.EnqueueBatch(ctx, jobs)
	require.NoError(t, err)
	require.Len(t, results, 10)
	for i, result := range results {
		if i == 4 {
			require.True(t, jobq.ErrInvalidJob.Has(result.Err))
		} else {
			require.NoError(t, result.Err)
		}
	}

	outstanding, err := queue.OutstandingForRun(ctx, "run-1")
	require.NoError(t, err)
	require.EqualValues(t, 9, outstanding)

	_, err = queue.EnqueueBatch(ctx, make([]jobq.Job, 11))
	require.True(t, jobq.ErrBatchTooLarge.Has(err))
}

func testFIFO(t *testing.T, newQueue func(t *testing.T, maxAttempts int) (jobq.Queue, Hooks)) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queue, hooks := newQueue(t, 5)
	newClock(hooks)

	_, err := queue.EnqueueBatch(ctx, []jobq.Job{
		job("run-1", "a-1"), job("run-1", "a-2"), job("run-1", "a-3"),
	})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		deliveries, err := queue.Receive(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		order = append(order, deliveries[0].Job.ArtistID)
	}
	require.Equal(t, []string{"a-1", "a-2", "a-3"}, order)
}

func testVisibilityTimeout(t *testing.T, newQueue func(t *testing.T, maxAttempts int) (jobq.Queue, Hooks)) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queue, hooks := newQueue(t, 5)
	clock := newClock(hooks)

	_, err := queue.EnqueueBatch(ctx, []jobq.Job{job("run-1", "a-1")})
	require.NoError(t, err)

	deliveries, err := queue.Receive(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, 1, deliveries[0].Job.Attempt)

	// invisible while the deadline has not passed
	again, err := queue.Receive(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, again)

	clock.advance(31 * time.Second)
	reap(ctx, t, hooks)

	again, err = queue.Receive(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, 2, again[0].Job.Attempt)

	require.NoError(t, queue.Acknowledge(ctx, again[0].Receipt, jobq.OutcomePublished))
	outstanding, err := queue.OutstandingForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Zero(t, outstanding)
}

func testStaleReceipt(t *testing.T, newQueue func(t *testing.T, maxAttempts int) (jobq.Queue, Hooks)) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queue, hooks := newQueue(t, 5)
	clock := newClock(hooks)

	_, err := queue.EnqueueBatch(ctx, []jobq.Job{job("run-1", "a-1")})
	require.NoError(t, err)

	first, err := queue.Receive(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock.advance(31 * time.Second)
	reap(ctx, t, hooks)

	second, err := queue.Receive(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, second, 1)

	// the slow worker's receipt must not ack the newer delivery
	err = queue.Acknowledge(ctx, first[0].Receipt, jobq.OutcomePublished)
	require.True(t, jobq.ErrStaleReceipt.Has(err))
	err = queue.Extend(ctx, first[0].Receipt, time.Minute)
	require.True(t, jobq.ErrStaleReceipt.Has(err))

	require.NoError(t, queue.Acknowledge(ctx, second[0].Receipt, jobq.OutcomePublished))
	// acknowledging a job that is already gone is a no-op
	require.NoError(t, queue.Acknowledge(ctx, second[0].Receipt, jobq.OutcomePublished))

	counts, err := queue.RunCounts(ctx, "run-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Published)
	require.Zero(t, counts.Outstanding)
}

func testExtend(t *testing.T, newQueue func(t *testing.T, maxAttempts int) (jobq.Queue, Hooks)) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queue, hooks := newQueue(t, 5)
	clock := newClock(hooks)

	_, err := queue.EnqueueBatch(ctx, []jobq.Job{job("run-1", "a-1")})
	require.NoError(t, err)

	deliveries, err := queue.Receive(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	clock.advance(20 * time.Second)
	require.NoError(t, queue.Extend(ctx, deliveries[0].Receipt, 30*time.Second))

	// past the original deadline, still inside the extension
	clock.advance(15 * time.Second)
	reap(ctx, t, hooks)

	again, err := queue.Receive(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, queue.Acknowledge(ctx, deliveries[0].Receipt, jobq.OutcomePublished))
}

func testRelease(t *testing.T, newQueue func(t *testing.T, maxAttempts int) (jobq.Queue, Hooks)) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queue, hooks := newQueue(t, 5)
	newClock(hooks)

	_, err := queue.EnqueueBatch(ctx, []jobq.Job{job("run-1", "a-1"), job("run-1", "a-2")})
	require.NoError(t, err)

	deliveries, err := queue.Receive(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, "a-1", deliveries[0].Job.ArtistID)
	require.Equal(t, 1, deliveries[0].Job.Attempt)

	// the worker had no rate budget, so the attempt is not consumed
	// and the job goes to the back of the line
	require.NoError(t, queue.Release(ctx, deliveries[0].Receipt))

	deliveries, err = queue.Receive(ctx, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	require.Equal(t, "a-2", deliveries[0].Job.ArtistID)
	require.Equal(t, "a-1", deliveries[1].Job.ArtistID)
	require.Equal(t, 1, deliveries[1].Job.Attempt)
}

func testFailAndDeadLetter(t *testing.T, newQueue func(t *testing.T, maxAttempts int) (jobq.Queue, Hooks)) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queue, hooks := newQueue(t, 3)
	newClock(hooks)

	_, err := queue.EnqueueBatch(ctx, []jobq.Job{job("run-1", "a-1")})
	require.NoError(t, err)

	// two failed attempts requeue
	for i := 1; i <= 2; i++ {
		deliveries, err := queue.Receive(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		require.Equal(t, i, deliveries[0].Job.Attempt)
		require.NoError(t, queue.Fail(ctx, deliveries[0].Receipt, "http 500"))
	}

	// the third hits the cap and dead letters
	deliveries, err := queue.Receive(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, 3, deliveries[0].Job.Attempt)
	require.NoError(t, queue.Fail(ctx, deliveries[0].Receipt, "http 500"))

	deliveries, err = queue.Receive(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Empty(t, deliveries)

	dead, err := queue.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "a-1", dead[0].Job.ArtistID)
	require.Equal(t, 3, dead[0].Attempts)
	require.Equal(t, "http 500", dead[0].Reason)

	counts, err := queue.RunCounts(ctx, "run-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.DeadLettered)
	require.Zero(t, counts.Outstanding)
}

func testTimeoutDeadLetter(t *testing.T, newQueue func(t *testing.T, maxAttempts int) (jobq.Queue, Hooks)) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queue, hooks := newQueue(t, 2)
	clock := newClock(hooks)

	_, err := queue.EnqueueBatch(ctx, []jobq.Job{job("run-1", "a-1")})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		deliveries, err := queue.Receive(ctx, 1, 30*time.Second)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		clock.advance(31 * time.Second)
		reap(ctx, t, hooks)
	}

	deliveries, err := queue.Receive(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, deliveries)

	dead, err := queue.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "visibility timeout expired", dead[0].Reason)
	require.Equal(t, 2, dead[0].Attempts)
}
