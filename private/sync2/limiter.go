// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package sync2

import (
	"context"
	"sync"
)

// Limiter implements concurrent goroutine limiting.
//
// After calling Wait or Close, no new goroutines are allowed to start.
type Limiter struct {
	limit   chan struct{}
	close   sync.Once
	closed  chan struct{}
	working sync.WaitGroup
}

// NewLimiter creates a new limiter with limit set to n.
func NewLimiter(n int) *Limiter {
	return &Limiter{
		limit:  make(chan struct{}, n),
		closed: make(chan struct{}),
	}
}

// Go tries to start fn as a goroutine.
// When the limit is reached it will wait until it can run it
// or the context is canceled.
func (limiter *Limiter) Go(ctx context.Context, fn func()) bool {
	if ctx.Err() != nil {
		return false
	}

	select {
	case limiter.limit <- struct{}{}:
	case <-limiter.closed:
		return false
	case <-ctx.Done():
		return false
	}

	limiter.working.Add(1)
	go func() {
		defer func() {
			<-limiter.limit
			limiter.working.Done()
		}()
		fn()
	}()

	return true
}

// Wait waits for all the goroutines to finish and disallows starting
// new ones.
func (limiter *Limiter) Wait() {
	limiter.close.Do(func() {
		close(limiter.closed)
	})
	limiter.working.Wait()
}
