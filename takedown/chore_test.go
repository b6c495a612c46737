// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package takedown_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/private/kvstore/teststore"
	"inkdex.io/inkdex/private/testcontext"
	"inkdex.io/inkdex/searchindex"
	"inkdex.io/inkdex/searchindex/testindex"
	"inkdex.io/inkdex/styles"
	"inkdex.io/inkdex/takedown"
)

type choreFixture struct {
	db    *catalog.DB
	index *testindex.Client
	chore *takedown.Chore
}

func newChoreFixture(t *testing.T, config takedown.Config) *choreFixture {
	log := zaptest.NewLogger(t)
	db := catalog.New(log.Named("catalog"), teststore.New(), styles.NewRegistry(),
		catalog.Config{ChangelogShards: 1})
	index := testindex.New()
	chore := takedown.NewChore(log.Named("takedown"), db, index, config)
	return &choreFixture{db: db, index: index, chore: chore}
}

func (f *choreFixture) start(ctx *testcontext.Context) {
	ctx.Go(func() error { return f.chore.Run(ctx) })
}

func choreConfig() takedown.Config {
	return takedown.Config{
		Enabled:         true,
		Interval:        time.Hour,
		ListLimit:       100,
		ReportRetention: 30 * 24 * time.Hour,
	}
}

func TestSweepCompletesArtistTakedown(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newChoreFixture(t, choreConfig())
	defer ctx.Check(f.chore.Close)

	artist := catalog.Artist{
		ArtistID: "a-1", StudioID: "s-1", Name: "Maya Voss",
		Styles: []string{"fine-line"}, City: "london",
	}
	require.NoError(t, f.db.PutArtist(ctx, artist, nil, "run-1"))
	require.NoError(t, f.index.Upsert(ctx, searchindex.Document{
		ArtistID: "a-1", Name: "Maya Voss", Version: 1,
	}))

	// an intake that crashed after persisting the request: the
	// subject is not flagged yet and the document is still indexed
	require.NoError(t, f.db.CreateTakedown(ctx, catalog.TakedownRequest{
		RequestID:   "td-1",
		SubjectType: catalog.SubjectArtist,
		SubjectID:   "a-1",
	}))

	f.start(ctx)
	f.chore.Loop.TriggerWait()

	request, err := f.db.GetTakedown(ctx, "td-1")
	require.NoError(t, err)
	require.Equal(t, catalog.TakedownCompleted, request.Status)
	require.False(t, request.CompletedAt.IsZero())

	optedOut, err := f.db.ListOptedOutArtists(ctx)
	require.NoError(t, err)
	require.Contains(t, optedOut, "a-1")

	_, found := f.index.Get("a-1")
	require.False(t, found)

	_, _, err = f.db.GetArtist(ctx, "a-1")
	require.True(t, catalog.ErrNotFound.Has(err))

	// sweeping again is a no-op
	f.chore.Loop.TriggerWait()
	request, err = f.db.GetTakedown(ctx, "td-1")
	require.NoError(t, err)
	require.Equal(t, catalog.TakedownCompleted, request.Status)
}

func TestSweepCompletesStudioTakedown(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newChoreFixture(t, choreConfig())
	defer ctx.Check(f.chore.Close)

	require.NoError(t, f.db.CreateTakedown(ctx, catalog.TakedownRequest{
		RequestID:   "td-1",
		SubjectType: catalog.SubjectStudio,
		SubjectID:   "s-1",
	}))

	f.start(ctx)
	f.chore.Loop.TriggerWait()

	request, err := f.db.GetTakedown(ctx, "td-1")
	require.NoError(t, err)
	require.Equal(t, catalog.TakedownCompleted, request.Status)

	// the opt out marker blocks future ingestion
	err = f.db.PutStudio(ctx, catalog.Studio{
		StudioID: "s-1", Name: "Black Lotus",
	}, "run-1")
	require.True(t, catalog.ErrOptedOut.Has(err))
}

func TestSweepReconcilesLeakedDocuments(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newChoreFixture(t, choreConfig())
	defer ctx.Check(f.chore.Close)

	require.NoError(t, f.db.MarkArtistOptedOut(ctx, "a-1"))

	// a projector racing the opt out can reinsert the document
	require.NoError(t, f.index.Upsert(ctx, searchindex.Document{
		ArtistID: "a-1", Name: "Maya Voss", Version: 7,
	}))
	require.Equal(t, 1, f.index.Len())

	f.start(ctx)
	f.chore.Loop.TriggerWait()
	require.Equal(t, 0, f.index.Len())
}

func TestSweepPrunesOldReports(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newChoreFixture(t, choreConfig())
	defer ctx.Check(f.chore.Close)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	f.chore.TestingSetNow(func() time.Time { return now })

	require.NoError(t, f.db.SaveRunReport(ctx, catalog.RunReport{
		ScrapeRunID: "run-old",
		StartedAt:   now.Add(-40 * 24 * time.Hour),
		FinishedAt:  now.Add(-40 * 24 * time.Hour).Add(time.Hour),
		Outcome:     catalog.RunSucceeded,
	}))
	require.NoError(t, f.db.SaveRunReport(ctx, catalog.RunReport{
		ScrapeRunID: "run-recent",
		StartedAt:   now.Add(-time.Hour),
		FinishedAt:  now,
		Outcome:     catalog.RunSucceeded,
	}))

	f.start(ctx)
	f.chore.Loop.TriggerWait()

	reports, err := f.db.ListRunReports(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "run-recent", reports[0].ScrapeRunID)
}

func TestSweepKeepsReportsWithoutRetention(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := choreConfig()
	config.ReportRetention = 0
	f := newChoreFixture(t, config)
	defer ctx.Check(f.chore.Close)

	require.NoError(t, f.db.SaveRunReport(ctx, catalog.RunReport{
		ScrapeRunID: "run-old",
		StartedAt:   time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		FinishedAt:  time.Date(2020, 1, 1, 1, 0, 0, 0, time.UTC),
		Outcome:     catalog.RunSucceeded,
	}))

	f.start(ctx)
	f.chore.Loop.TriggerWait()

	reports, err := f.db.ListRunReports(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
}

func TestTriggerSchedulesSweep(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newChoreFixture(t, choreConfig())
	defer ctx.Check(f.chore.Close)

	require.NoError(t, f.db.CreateTakedown(ctx, catalog.TakedownRequest{
		RequestID:   "td-1",
		SubjectType: catalog.SubjectArtist,
		SubjectID:   "a-1",
	}))

	f.start(ctx)
	f.chore.Trigger()

	require.Eventually(t, func() bool {
		request, err := f.db.GetTakedown(ctx, "td-1")
		return err == nil && request.Status == catalog.TakedownCompleted
	}, 10*time.Second, 10*time.Millisecond)
}

func TestChoreDisabled(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := choreConfig()
	config.Enabled = false

	f := newChoreFixture(t, config)
	require.NoError(t, f.chore.Run(ctx))
	require.NoError(t, f.chore.Close())
}
