// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package webapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"inkdex.io/inkdex/searchindex"
)

// indexBreaker guards search index calls with a circuit breaker so a
// downed index fails fast instead of stacking timeouts. Invalid
// queries pass through without counting as failures.
type indexBreaker struct {
	log      *zap.Logger
	index    searchindex.Index
	breaker  *gobreaker.CircuitBreaker
	cooldown time.Duration

	mu       sync.Mutex
	openedAt time.Time
}

func newIndexBreaker(log *zap.Logger, index searchindex.Index, threshold uint32, cooldown time.Duration) *indexBreaker {
	guard := &indexBreaker{
		log:      log,
		index:    index,
		cooldown: cooldown,
	}
	guard.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "searchindex",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || searchindex.ErrInvalidQuery.Has(err)
		},
		OnStateChange: guard.onStateChange,
	})
	return guard
}

func (guard *indexBreaker) onStateChange(name string, from, to gobreaker.State) {
	if to == gobreaker.StateOpen {
		guard.mu.Lock()
		guard.openedAt = time.Now()
		guard.mu.Unlock()
		mon.Event("index_breaker_opened")
	}
	if to == gobreaker.StateClosed {
		mon.Event("index_breaker_closed")
	}
	guard.log.Info("circuit state changed",
		zap.String("name", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

// RetryAfter returns how long the circuit stays open from now.
func (guard *indexBreaker) RetryAfter() time.Duration {
	guard.mu.Lock()
	defer guard.mu.Unlock()
	remaining := guard.cooldown - time.Since(guard.openedAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Search queries the index through the breaker. While the circuit is
// open it fails immediately with ErrCircuitOpen.
func (guard *indexBreaker) Search(ctx context.Context, query searchindex.Query) (searchindex.Result, error) {
	value, err := guard.breaker.Execute(func() (interface{}, error) {
		return guard.index.Search(ctx, query)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return searchindex.Result{}, ErrCircuitOpen.Wrap(err)
	}
	if err != nil {
		return searchindex.Result{}, err
	}
	return value.(searchindex.Result), nil
}

// Healthy reports index health; an open circuit is unhealthy without
// probing.
func (guard *indexBreaker) Healthy(ctx context.Context) bool {
	if guard.breaker.State() == gobreaker.StateOpen {
		return false
	}
	return guard.index.Healthy(ctx)
}
