// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package projector_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/private/backoff"
	"inkdex.io/inkdex/private/errs2"
	"inkdex.io/inkdex/private/kvstore"
	"inkdex.io/inkdex/private/kvstore/teststore"
	"inkdex.io/inkdex/private/testcontext"
	"inkdex.io/inkdex/projector"
	"inkdex.io/inkdex/searchindex/testindex"
	"inkdex.io/inkdex/styles"
)

type fixture struct {
	store   *teststore.Client
	db      *catalog.DB
	index   *testindex.Client
	service *projector.Service
}

func newFixture(t *testing.T) *fixture {
	log := zaptest.NewLogger(t)
	store := teststore.New()
	db := catalog.New(log, store, styles.NewRegistry(), catalog.Config{ChangelogShards: 1})
	index := testindex.New()
	service := projector.New(log, db, index, styles.NewRegistry(), projector.Config{
		Enabled:   true,
		Interval:  time.Second,
		BatchSize: 100,
		Retry: backoff.Config{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			MaxAttempts:  5,
			Budget:       time.Second,
		},
	})
	return &fixture{store: store, db: db, index: index, service: service}
}

func testArtist(id, studioID string) catalog.Artist {
	return catalog.Artist{
		ArtistID: id,
		StudioID: studioID,
		Name:     "Artist " + id,
		Styles:   []string{"realism"},
		Geohash:  "gcpvj0du",
		City:     "London",
	}
}

func TestProjectsArtistLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t)

	images := []catalog.PortfolioImage{{ImageID: "i-1", URL: "https://cdn.test/i-1.jpg"}}
	require.NoError(t, f.db.PutArtist(ctx, testArtist("a-1", "s-1"), images, "run-1"))
	require.NoError(t, f.service.RunOnce(ctx))

	doc, ok := f.index.Get("a-1")
	require.True(t, ok)
	require.EqualValues(t, 1, doc.Version)
	require.Equal(t, "Artist a-1", doc.Name)
	require.Equal(t, []string{"realism"}, doc.Styles)
	require.Equal(t, []string{"https://cdn.test/i-1.jpg"}, doc.ImageURLs)
	require.Equal(t, "London", doc.City)

	// an update projects the new state under the bumped version
	updated := testArtist("a-1", "s-1")
	updated.Styles = []string{"realism", "fine-line"}
	require.NoError(t, f.db.PutArtist(ctx, updated, nil, "run-2"))
	require.NoError(t, f.service.RunOnce(ctx))

	doc, ok = f.index.Get("a-1")
	require.True(t, ok)
	require.EqualValues(t, 2, doc.Version)
	require.Contains(t, doc.Styles, "fine-line")
	require.Empty(t, doc.ImageURLs)

	// opting out removes the document on the next poll
	require.NoError(t, f.db.MarkArtistOptedOut(ctx, "a-1"))
	require.NoError(t, f.service.RunOnce(ctx))

	_, ok = f.index.Get("a-1")
	require.False(t, ok)
}

func TestSkipsStudioEvents(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t)

	require.NoError(t, f.db.PutStudio(ctx, catalog.Studio{
		StudioID: "s-1",
		Name:     "Black Lotus",
		City:     "London",
		Geohash:  "gcpvj0du",
	}, "run-1"))
	require.NoError(t, f.service.RunOnce(ctx))

	require.Zero(t, f.index.Len())
	require.Zero(t, f.index.CallCount.Upsert)

	// the cursor still moves past skipped events
	cursor, err := f.db.Cursor(ctx, "projector", 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, cursor)
}

func TestReplayDropsStaleVersions(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t)

	require.NoError(t, f.db.PutArtist(ctx, testArtist("a-1", "s-1"), nil, "run-1"))
	require.NoError(t, f.service.RunOnce(ctx))
	require.Equal(t, 1, f.index.CallCount.Upsert)

	// rewind the cursor to force a replay of the same event
	require.NoError(t, f.db.SaveCursor(ctx, "projector", 0, 0))
	require.NoError(t, f.service.RunOnce(ctx))

	require.Equal(t, 2, f.index.CallCount.Upsert)
	doc, ok := f.index.Get("a-1")
	require.True(t, ok)
	require.EqualValues(t, 1, doc.Version)

	dead, err := f.db.ListDeadEvents(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, dead)
}

func TestRetriesTransientIndexErrors(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t)
	f.index.FailNext(2, errs2.Transient.New("search backend returned 503"))

	require.NoError(t, f.db.PutArtist(ctx, testArtist("a-1", "s-1"), nil, "run-1"))
	require.NoError(t, f.service.RunOnce(ctx))

	require.Equal(t, 3, f.index.CallCount.Upsert)
	_, ok := f.index.Get("a-1")
	require.True(t, ok)

	dead, err := f.db.ListDeadEvents(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, dead)
}

func TestPermanentIndexErrorDeadLetters(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t)

	require.NoError(t, f.db.PutArtist(ctx, testArtist("a-1", "s-1"), nil, "run-1"))
	require.NoError(t, f.db.PutArtist(ctx, testArtist("a-2", "s-1"), nil, "run-1"))

	f.index.FailNext(1, errs.New("mapping rejected the document"))
	require.NoError(t, f.service.RunOnce(ctx))

	// the poisoned event is parked, the shard keeps moving
	_, ok := f.index.Get("a-1")
	require.False(t, ok)
	_, ok = f.index.Get("a-2")
	require.True(t, ok)

	dead, err := f.db.ListDeadEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Contains(t, dead[0].Reason, "mapping rejected")

	cursor, err := f.db.Cursor(ctx, "projector", 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, cursor)
}

func TestMalformedEventDeadLetters(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t)

	require.NoError(t, f.db.PutArtist(ctx, testArtist("a-1", "s-1"), nil, "run-1"))

	// corrupt bytes at the next sequence, then keep writing after them
	require.NoError(t, f.store.Put(ctx, kvstore.Key("changelog/0/00000000000000000002"), kvstore.Value("{boom")))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], 2)
	require.NoError(t, f.store.Put(ctx, kvstore.Key("meta/changelog-seq/0"), buf[:]))
	require.NoError(t, f.db.PutArtist(ctx, testArtist("a-2", "s-1"), nil, "run-1"))

	require.NoError(t, f.service.RunOnce(ctx))

	_, ok := f.index.Get("a-1")
	require.True(t, ok)
	_, ok = f.index.Get("a-2")
	require.True(t, ok)

	dead, err := f.db.ListDeadEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "{boom", dead[0].Raw)
	require.Contains(t, dead[0].Reason, "invalid record")

	cursor, err := f.db.Cursor(ctx, "projector", 0)
	require.NoError(t, err)
	require.EqualValues(t, 3, cursor)
}

func TestRemoveEventDeletesDocument(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t)

	require.NoError(t, f.db.PutArtist(ctx, testArtist("a-1", "s-1"), nil, "run-1"))
	require.NoError(t, f.service.RunOnce(ctx))
	require.Equal(t, 1, f.index.Len())

	event := `{"event_type":"REMOVE","key":{"pk":"ARTIST#a-1","sk":"META"},"written_at":"2024-03-01T12:00:00Z"}`
	require.NoError(t, f.store.Put(ctx, kvstore.Key("changelog/0/00000000000000000002"), kvstore.Value(event)))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], 2)
	require.NoError(t, f.store.Put(ctx, kvstore.Key("meta/changelog-seq/0"), buf[:]))

	require.NoError(t, f.service.RunOnce(ctx))
	require.Zero(t, f.index.Len())

	// deleting an already missing document on replay is fine
	require.NoError(t, f.db.SaveCursor(ctx, "projector", 0, 1))
	require.NoError(t, f.service.RunOnce(ctx))
	require.Zero(t, f.index.Len())
}

func TestDrainsInBatches(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	store := teststore.New()
	db := catalog.New(log, store, styles.NewRegistry(), catalog.Config{ChangelogShards: 1})
	index := testindex.New()
	service := projector.New(log, db, index, styles.NewRegistry(), projector.Config{
		Enabled:   true,
		Interval:  time.Second,
		BatchSize: 2,
		Retry:     backoff.Config{InitialDelay: time.Millisecond, MaxAttempts: 2},
	})

	for _, id := range []string{"a-1", "a-2", "a-3", "a-4", "a-5"} {
		require.NoError(t, db.PutArtist(ctx, testArtist(id, "s-1"), nil, "run-1"))
	}

	// one poll drains everything even when it spans several batches
	require.NoError(t, service.RunOnce(ctx))
	require.Equal(t, 5, index.Len())

	cursor, err := db.Cursor(ctx, "projector", 0)
	require.NoError(t, err)
	require.EqualValues(t, 5, cursor)
}
