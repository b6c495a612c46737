// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package sync2

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Cycle implements a controllable recurring event.
//
// Cycle control methods don't have any effect after the cycle has
// completed.
type Cycle struct {
	interval time.Duration

	ticker  *time.Ticker
	control chan interface{}

	stopsent int32
	runexec  int32

	stopping chan struct{}
	stopped  chan struct{}

	init sync.Once
}

type (
	// cycle control messages.
	cyclePause    struct{}
	cycleContinue struct{}
	cycleChangeInterval struct {
		Interval time.Duration
	}
	cycleTrigger struct {
		done chan struct{}
	}
)

// NewCycle creates a new cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	cycle := &Cycle{}
	cycle.SetInterval(interval)
	return cycle
}

// SetInterval allows to change the interval before starting.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.interval = interval
}

func (cycle *Cycle) initialize() {
	cycle.init.Do(func() {
		cycle.stopped = make(chan struct{})
		cycle.stopping = make(chan struct{})
		cycle.control = make(chan interface{})
	})
}

// Run runs the specified function with an interval.
//
// When context is canceled from the outside it will return the context
// error, when `Close` is called it will return nil. The function is
// called once immediately and after that on every tick.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.initialize()
	atomic.StoreInt32(&cycle.runexec, 1)
	defer close(cycle.stopped)

	currentInterval := cycle.interval
	cycle.ticker = time.NewTicker(currentInterval)
	defer cycle.ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}

	for {
		// prioritize stopping to avoid running a tick after Close
		select {
		case <-cycle.stopping:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		select {
		case <-cycle.stopping:
			return nil

		case <-ctx.Done():
			return ctx.Err()

		case <-cycle.ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}

		case message := <-cycle.control:
			switch message := message.(type) {
			case cycleChangeInterval:
				currentInterval = message.Interval
				cycle.ticker.Stop()
				cycle.ticker = time.NewTicker(currentInterval)

			case cyclePause:
				cycle.ticker.Stop()
				// ensure we don't have ticks left
				select {
				case <-cycle.ticker.C:
				default:
				}

			case cycleContinue:
				cycle.ticker.Stop()
				cycle.ticker = time.NewTicker(currentInterval)

			case cycleTrigger:
				if err := fn(ctx); err != nil {
					return err
				}
				if message.done != nil {
					close(message.done)
				}
			}
		}
	}
}

// sendControl sends a control message, giving up when the cycle has
// been stopped.
func (cycle *Cycle) sendControl(message interface{}) {
	cycle.initialize()
	select {
	case cycle.control <- message:
	case <-cycle.stopping:
	case <-cycle.stopped:
	}
}

// Stop requests the cycle to stop, without waiting for the current
// iteration to complete.
func (cycle *Cycle) Stop() {
	cycle.initialize()
	if atomic.CompareAndSwapInt32(&cycle.stopsent, 0, 1) {
		close(cycle.stopping)
	}
}

// Close stops the cycle permanently and waits for the loop to exit.
func (cycle *Cycle) Close() {
	cycle.Stop()
	if atomic.LoadInt32(&cycle.runexec) == 1 {
		<-cycle.stopped
	}
}

// ChangeInterval allows to change the ticker interval after it has started.
func (cycle *Cycle) ChangeInterval(interval time.Duration) {
	cycle.sendControl(cycleChangeInterval{interval})
}

// Pause pauses the cycle.
func (cycle *Cycle) Pause() {
	cycle.sendControl(cyclePause{})
}

// Restart restarts the ticker from 0.
func (cycle *Cycle) Restart() {
	cycle.sendControl(cycleContinue{})
}

// Trigger ensures that the loop is done at least once.
// If it's currently running it waits for the previous to complete and
// then runs.
func (cycle *Cycle) Trigger() {
	cycle.sendControl(cycleTrigger{})
}

// TriggerWait ensures that the loop is done at least once and waits
// for completion. If it's currently running it waits for the previous
// to complete and then runs.
func (cycle *Cycle) TriggerWait() {
	done := make(chan struct{})
	cycle.sendControl(cycleTrigger{done})
	select {
	case <-done:
	case <-cycle.stopping:
	case <-cycle.stopped:
	}
}
