// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package hostlimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	for _, tt := range []struct {
		target string
		want   string
	}{
		{"https://www.inkstudio.co.uk/artists/jo", "inkstudio.co.uk"},
		{"https://inkstudio.co.uk/artists/jo", "inkstudio.co.uk"},
		{"https://booking.inkstudio.co.uk/", "inkstudio.co.uk"},
		{"http://localhost:8080/page", "localhost"},
		{"https://10.0.0.8/page", "10.0.0.8"},
	} {
		got, err := Key(tt.target)
		require.NoError(t, err, tt.target)
		require.Equal(t, tt.want, got, tt.target)
	}

	_, err := Key("https:///nohost")
	require.Error(t, err)
}

func TestAllowSharesBudgetPerHost(t *testing.T) {
	limiter := New(Config{
		RatePerSecond: 1,
		Burst:         2,
		ReserveWindow: 500 * time.Millisecond,
		IdleExpiry:    10 * time.Minute,
		SweepInterval: time.Minute,
	})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.TestingSetNow(func() time.Time { return now })

	// burst drains, then the window is too short for the next token
	delay, ok := limiter.Allow("inkstudio.co.uk")
	require.True(t, ok)
	require.Zero(t, delay)
	_, ok = limiter.Allow("inkstudio.co.uk")
	require.True(t, ok)
	_, ok = limiter.Allow("inkstudio.co.uk")
	require.False(t, ok)

	// other hosts have their own budget
	_, ok = limiter.Allow("otherstudio.com")
	require.True(t, ok)

	// a second later there is budget again
	now = now.Add(time.Second)
	delay, ok = limiter.Allow("inkstudio.co.uk")
	require.True(t, ok)
	require.LessOrEqual(t, delay, 500*time.Millisecond)
}

func TestSweepDropsIdleHosts(t *testing.T) {
	limiter := New(Config{
		RatePerSecond: 1,
		Burst:         1,
		ReserveWindow: time.Millisecond,
		IdleExpiry:    10 * time.Minute,
		SweepInterval: time.Minute,
	})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.TestingSetNow(func() time.Time { return now })

	_, ok := limiter.Allow("a.com")
	require.True(t, ok)
	_, ok = limiter.Allow("b.com")
	require.True(t, ok)
	require.Equal(t, 2, limiter.Len())

	now = now.Add(5 * time.Minute)
	_, _ = limiter.Allow("b.com")
	now = now.Add(6 * time.Minute)
	limiter.sweep()

	// only the host seen recently survives
	require.Equal(t, 1, limiter.Len())
}
