// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package redisq

import (
	"context"
	"time"

	"go.uber.org/zap"

	"inkdex.io/inkdex/private/sync2"
)

// ReaperConfig holds reaper configuration.
type ReaperConfig struct {
	Enabled  bool          `help:"whether expired deliveries are reaped" default:"true"`
	Interval time.Duration `help:"how often expired deliveries are reaped" default:"30s" testDefault:"1s"`
}

// Reaper periodically returns expired deliveries to the queue, dead
// lettering the ones that exhausted their attempts.
//
// architecture: Chore
type Reaper struct {
	log    *zap.Logger
	queue  *Queue
	config ReaperConfig

	Loop *sync2.Cycle
}

// NewReaper creates a reaper over queue.
func NewReaper(log *zap.Logger, queue *Queue, config ReaperConfig) *Reaper {
	return &Reaper{
		log:    log,
		queue:  queue,
		config: config,
		Loop:   sync2.NewCycle(config.Interval),
	}
}

// Run runs the reaper loop until ctx is canceled.
func (reaper *Reaper) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !reaper.config.Enabled {
		return nil
	}
	return reaper.Loop.Run(ctx, reaper.RunOnce)
}

// RunOnce performs a single reap pass.
func (reaper *Reaper) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	requeued, deadLettered, err := reaper.queue.ReapExpired(ctx)
	if err != nil {
		reaper.log.Error("reap pass failed", zap.Error(err))
		return nil
	}
	if requeued > 0 || deadLettered > 0 {
		reaper.log.Info("reaped expired deliveries",
			zap.Int("requeued", requeued),
			zap.Int("dead_lettered", deadLettered))
	}

	stats, err := reaper.queue.Stats(ctx)
	if err != nil {
		reaper.log.Error("unable to read queue stats", zap.Error(err))
		return nil
	}
	mon.IntVal("jobq_ready_depth").Observe(stats.Ready)
	mon.IntVal("jobq_inflight_depth").Observe(stats.Inflight)
	mon.IntVal("jobq_dead_depth").Observe(stats.Dead)
	return nil
}

// Close stops the reaper loop.
func (reaper *Reaper) Close() error {
	reaper.Loop.Close()
	return nil
}
