// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package backoff implements retrying with capped exponential delays
// and full jitter.
package backoff

import (
	"context"
	"math/rand"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"inkdex.io/inkdex/private/errs2"
	"inkdex.io/inkdex/private/sync2"
)

var mon = monkit.Package()

// Error is the default backoff error class.
var Error = errs.Class("backoff")

// Config determines the retry schedule.
type Config struct {
	InitialDelay time.Duration `help:"upper bound of the delay before the first retry" default:"50ms"`
	MaxDelay     time.Duration `help:"cap applied to the computed delay" default:"5s"`
	MaxAttempts  int           `help:"total attempts before giving up, 0 means budget bound only" default:"5"`
	Budget       time.Duration `help:"maximum elapsed time across all attempts, 0 means no budget" default:"2m"`
}

// Retrier retries an operation while it keeps failing with transient
// errors, sleeping between attempts for a random duration in
// [0, min(MaxDelay, InitialDelay*2^attempt)).
type Retrier struct {
	config Config

	retryable func(error) bool
	sleep     func(ctx context.Context, d time.Duration) bool
}

// NewRetrier creates a Retrier with the given schedule. Errors are
// retried when errs2.IsTransient reports them as such.
func NewRetrier(config Config) *Retrier {
	if config.InitialDelay <= 0 {
		config.InitialDelay = 50 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	return &Retrier{
		config:    config,
		retryable: errs2.IsTransient,
		sleep:     sync2.Sleep,
	}
}

// WithRetryable overrides which errors are considered retryable.
func (retrier *Retrier) WithRetryable(fn func(error) bool) *Retrier {
	retrier.retryable = fn
	return retrier
}

// Run calls fn until it succeeds, fails with a non-retryable error,
// exhausts the attempt cap or the elapsed budget, or the context is
// done.
func (retrier *Retrier) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	start := time.Now()
	delay := retrier.config.InitialDelay

	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !retrier.retryable(err) {
			return err
		}
		mon.Counter("backoff_retries").Inc(1)

		if retrier.config.MaxAttempts > 0 && attempt >= retrier.config.MaxAttempts {
			return Error.New("%d attempts exhausted: %w", attempt, err)
		}
		if retrier.config.Budget > 0 && time.Since(start) >= retrier.config.Budget {
			return Error.New("budget exhausted after %d attempts: %w", attempt, err)
		}

		pause := time.Duration(rand.Int63n(int64(delay) + 1))
		if !retrier.sleep(ctx, pause) {
			return errs.Combine(ctx.Err(), err)
		}

		delay *= 2
		if delay > retrier.config.MaxDelay {
			delay = retrier.config.MaxDelay
		}
	}
}
