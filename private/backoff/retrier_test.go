// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package backoff_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"inkdex.io/inkdex/private/backoff"
	"inkdex.io/inkdex/private/errs2"
	"inkdex.io/inkdex/private/testcontext"
)

func TestRetrier_SucceedsAfterTransientFailures(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	retrier := backoff.NewRetrier(backoff.Config{
		InitialDelay: time.Microsecond,
		MaxDelay:     time.Millisecond,
		MaxAttempts:  5,
	})

	calls := 0
	err := retrier.Run(ctx, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errs2.Transient.New("index unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetrier_StopsOnPermanentError(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	retrier := backoff.NewRetrier(backoff.Config{
		InitialDelay: time.Microsecond,
		MaxDelay:     time.Millisecond,
		MaxAttempts:  5,
	})

	calls := 0
	err := retrier.Run(ctx, func(ctx context.Context) error {
		calls++
		return errs2.Permanent.New("malformed document")
	})
	require.Error(t, err)
	require.True(t, errs2.IsPermanent(err))
	require.Equal(t, 1, calls)
}

func TestRetrier_AttemptCap(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	retrier := backoff.NewRetrier(backoff.Config{
		InitialDelay: time.Microsecond,
		MaxDelay:     time.Millisecond,
		MaxAttempts:  3,
	})

	calls := 0
	err := retrier.Run(ctx, func(ctx context.Context) error {
		calls++
		return errs2.Transient.New("still down")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
	// the final error keeps the transient cause visible
	require.True(t, errs2.IsTransient(err))
}

func TestRetrier_ContextCancel(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	retrier := backoff.NewRetrier(backoff.Config{
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
	})

	runCtx, cancel := context.WithCancel(ctx)
	calls := 0
	done := make(chan error, 1)
	ctx.Go(func() error {
		done <- retrier.Run(runCtx, func(ctx context.Context) error {
			calls++
			return errs2.Transient.New("still down")
		})
		return nil
	})

	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
		require.Equal(t, 1, calls)
	case <-time.After(10 * time.Second):
		t.Fatal("retrier did not stop on cancellation")
	}
}
