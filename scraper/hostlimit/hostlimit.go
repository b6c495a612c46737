// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package hostlimit enforces per-host request budgets shared by all
// scrape tasks in the process.
package hostlimit

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"inkdex.io/inkdex/private/sync2"
)

var (
	// Error is the default error class of the package.
	Error = errs.Class("hostlimit")

	mon = monkit.Package()
)

// Config contains configurable values for the per-host limiter.
type Config struct {
	RatePerSecond float64       `help:"sustained requests per second against one host" default:"1"`
	Burst         int           `help:"burst allowance per host" default:"3"`
	ReserveWindow time.Duration `help:"longest acceptable wait for a token before the job is given back" default:"500ms"`
	IdleExpiry    time.Duration `help:"how long an unused host entry is kept" default:"10m"`
	SweepInterval time.Duration `help:"how often unused host entries are dropped" default:"5m" testDefault:"1m"`
}

type host struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out send slots per registrable host. Tasks that cannot
// get a slot within the reserve window are expected to give their job
// back instead of waiting.
type Limiter struct {
	config Config
	nowFn  func() time.Time

	mu    sync.Mutex
	hosts map[string]*host

	Loop *sync2.Cycle
}

// New creates a host limiter.
func New(config Config) *Limiter {
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 1
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	return &Limiter{
		config: config,
		nowFn:  time.Now,
		hosts:  map[string]*host{},
		Loop:   sync2.NewCycle(config.SweepInterval),
	}
}

// TestingSetNow makes the limiter act as if the current time is
// whatever the test wants.
func (limiter *Limiter) TestingSetNow(now func() time.Time) {
	limiter.nowFn = now
}

// Key reduces a target URL to the host its budget is shared under: the
// registrable domain when there is one, otherwise the bare hostname.
func Key(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", Error.Wrap(err)
	}
	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", Error.New("no host in %q", target)
	}
	if domain, err := publicsuffix.EffectiveTLDPlusOne(hostname); err == nil {
		return domain, nil
	}
	return hostname, nil
}

// Allow reserves a send slot for key. It returns how long the caller
// must wait before sending, and false when no slot frees up within the
// reserve window.
func (limiter *Limiter) Allow(key string) (time.Duration, bool) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := limiter.nowFn()
	entry, ok := limiter.hosts[key]
	if !ok {
		entry = &host{
			limiter: rate.NewLimiter(rate.Limit(limiter.config.RatePerSecond), limiter.config.Burst),
		}
		limiter.hosts[key] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return 0, false
	}
	delay := reservation.DelayFrom(now)
	if delay > limiter.config.ReserveWindow {
		reservation.CancelAt(now)
		mon.Counter("hostlimit_rejected").Inc(1)
		return 0, false
	}
	return delay, true
}

// Run drops idle host entries until ctx is done.
func (limiter *Limiter) Run(ctx context.Context) error {
	return limiter.Loop.Run(ctx, func(ctx context.Context) error {
		limiter.sweep()
		return nil
	})
}

func (limiter *Limiter) sweep() {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	cutoff := limiter.nowFn().Add(-limiter.config.IdleExpiry)
	for key, entry := range limiter.hosts {
		if entry.lastSeen.Before(cutoff) {
			delete(limiter.hosts, key)
		}
	}
	mon.IntVal("hostlimit_tracked_hosts").Observe(int64(len(limiter.hosts)))
}

// Len returns how many hosts currently have an entry.
func (limiter *Limiter) Len() int {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	return len(limiter.hosts)
}

// Close stops the sweep loop.
func (limiter *Limiter) Close() {
	limiter.Loop.Close()
}
