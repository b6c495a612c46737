// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package catalog_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/private/kvstore/teststore"
	"inkdex.io/inkdex/private/testcontext"
	"inkdex.io/inkdex/styles"
)

func newTestDB(t *testing.T) *catalog.DB {
	return catalog.New(zaptest.NewLogger(t), teststore.New(), styles.NewRegistry(),
		catalog.Config{ChangelogShards: 1})
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

func TestPutArtistIdempotent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newTestDB(t)
	artist := testArtist("a-1", "s-1")

	require.NoError(t, db.PutArtist(ctx, artist, nil, "run-1"))

	got, _, err := db.GetArtist(ctx, "a-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Version)
	require.Equal(t, "run-1", got.LastScrapeRunID)

	// replaying the same run must not bump the version
	err = db.PutArtist(ctx, artist, nil, "run-1")
	require.True(t, catalog.ErrAlreadyApplied.Has(err))

	got, _, err = db.GetArtist(ctx, "a-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Version)

	// a later run does
	require.NoError(t, db.PutArtist(ctx, artist, nil, "run-2"))
	got, _, err = db.GetArtist(ctx, "a-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, got.Version)
}

func TestPutArtistConcurrentSameRun(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newTestDB(t)
	artist := testArtist("a-1", "s-1")

	const writers = 8
	var group sync.WaitGroup
	errch := make(chan error, writers)
	for i := 0; i < writers; i++ {
		group.Add(1)
		go func() {
			defer group.Done()
			errch <- db.PutArtist(ctx, artist, nil, "run-1")
		}()
	}
	group.Wait()
	close(errch)

	var succeeded, dropped int
	for err := range errch {
		switch {
		case err == nil:
			succeeded++
		case catalog.ErrAlreadyApplied.Has(err):
			dropped++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, writers-1, dropped)

	got, _, err := db.GetArtist(ctx, "a-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, got.Version)

	records, err := db.ReadChangelog(ctx, 0, 0, 100)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestOptOutNeverResurrected(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newTestDB(t)
	artist := testArtist("a-1", "s-1")
	require.NoError(t, db.PutArtist(ctx, artist, nil, "run-1"))

	require.NoError(t, db.MarkArtistOptedOut(ctx, "a-1"))
	// opting out twice is fine
	require.NoError(t, db.MarkArtistOptedOut(ctx, "a-1"))

	_, _, err := db.GetArtist(ctx, "a-1")
	require.True(t, catalog.ErrNotFound.Has(err))

	err = db.PutArtist(ctx, artist, nil, "run-2")
	require.True(t, catalog.ErrOptedOut.Has(err))

	// an artist that was never written can opt out ahead of any crawl
	require.NoError(t, db.MarkArtistOptedOut(ctx, "a-2"))
	err = db.PutArtist(ctx, testArtist("a-2", "s-1"), nil, "run-2")
	require.True(t, catalog.ErrOptedOut.Has(err))

	optedOut, err := db.ListOptedOutArtists(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a-1", "a-2"}, optedOut)
}

func TestPutArtistUnknownStyle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newTestDB(t)
	artist := testArtist("a-1", "s-1")
	artist.Styles = []string{"realism", "glitchcore"}

	err := db.PutArtist(ctx, artist, nil, "run-1")
	require.True(t, catalog.ErrInvalidRecord.Has(err))
	require.True(t, styles.ErrUnknownStyle.Has(err))
}

func TestPutArtistCanonicalizesStyles(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newTestDB(t)
	artist := testArtist("a-1", "s-1")
	artist.Styles = []string{"Old School", "trad", "Fineline"}

	require.NoError(t, db.PutArtist(ctx, artist, nil, "run-1"))
	got, _, err := db.GetArtist(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, []string{"fine-line", "traditional"}, got.Styles)
}

func TestImageSetReplacement(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newTestDB(t)
	artist := testArtist("a-1", "s-1")

	first := []catalog.PortfolioImage{
		{ImageID: "img-1", URL: "https://cdn.test/1.jpg"},
		{ImageID: "img-2", URL: "https://cdn.test/2.jpg"},
		{ImageID: "img-3", URL: "https://cdn.test/3.jpg"},
	}
	require.NoError(t, db.PutArtist(ctx, artist, first, "run-1"))

	_, images, err := db.GetArtist(ctx, "a-1")
	require.NoError(t, err)
	require.Len(t, images, 3)
	for i, image := range images {
		require.Equal(t, i, image.Position)
		require.Equal(t, "a-1", image.ArtistID)
	}

	// the second crawl saw a different portfolio; the stored set is
	// replaced, not merged
	second := []catalog.PortfolioImage{
		{ImageID: "img-3", URL: "https://cdn.test/3.jpg"},
		{ImageID: "img-9", URL: "https://cdn.test/9.jpg"},
	}
	require.NoError(t, db.PutArtist(ctx, artist, second, "run-2"))

	_, images, err = db.GetArtist(ctx, "a-1")
	require.NoError(t, err)
	require.Len(t, images, 2)
	require.Equal(t, "img-3", images[0].ImageID)
	require.Equal(t, "img-9", images[1].ImageID)
}

func TestArtistInheritsStudioLocation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newTestDB(t)
	studio := catalog.Studio{
		StudioID: "s-1",
		Name:     "Good Times",
		City:     "London",
		Postcode: "EC1V 9LT",
		Geohash:  "gcpvjm8u",
	}
	require.NoError(t, db.PutStudio(ctx, studio, "run-1"))

	artist := testArtist("a-1", "s-1")
	artist.City = "ignored"
	artist.Geohash = "ignored"
	require.NoError(t, db.PutArtist(ctx, artist, nil, "run-1"))

	got, _, err := db.GetArtist(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, "London", got.City)
	require.Equal(t, "gcpvjm8u", got.Geohash)

	// the studio moved; the next crawl of the artist moves its
	// listing rows along
	studio.Geohash = "gcw2j3d1"
	studio.City = "Manchester"
	require.NoError(t, db.PutStudio(ctx, studio, "run-2"))
	require.NoError(t, db.PutArtist(ctx, artist, nil, "run-2"))

	page, err := db.ListArtistsByStyleAndGeo(ctx, "realism", "gcw2", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Artists, 1)
	require.Equal(t, "a-1", page.Artists[0].ArtistID)

	page, err = db.ListArtistsByStyleAndGeo(ctx, "realism", "gcpv", "", 10)
	require.NoError(t, err)
	require.Empty(t, page.Artists)
}

func TestInstagramHandleUniqueness(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newTestDB(t)

	first := testArtist("a-1", "s-1")
	first.InstagramHandle = "inky_mcneedle"
	require.NoError(t, db.PutArtist(ctx, first, nil, "run-1"))

	// rewriting the owner is fine
	require.NoError(t, db.PutArtist(ctx, first, nil, "run-2"))

	second := testArtist("a-2", "s-1")
	second.InstagramHandle = "inky_mcneedle"
	err := db.PutArtist(ctx, second, nil, "run-1")
	require.True(t, catalog.ErrHandleConflict.Has(err))

	// the loser's write left nothing behind
	_, _, err = db.GetArtist(ctx, "a-2")
	require.True(t, catalog.ErrNotFound.Has(err))

	// once the owner gives the handle up it can be claimed
	first.InstagramHandle = "inky_revised"
	require.NoError(t, db.PutArtist(ctx, first, nil, "run-3"))
	require.NoError(t, db.PutArtist(ctx, second, nil, "run-2"))
}

func TestChangelogOrderingPerKey(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newTestDB(t)
	artist := testArtist("a-1", "s-1")

	require.NoError(t, db.PutArtist(ctx, artist, nil, "run-1"))
	require.NoError(t, db.PutArtist(ctx, artist, nil, "run-2"))
	err := db.PutArtist(ctx, artist, nil, "run-2")
	require.True(t, catalog.ErrAlreadyApplied.Has(err))
	require.NoError(t, db.PutArtist(ctx, artist, nil, "run-3"))

	// dropped writes emit no events; committed ones emit exactly one,
	// in write order
	records, err := db.ReadChangelog(ctx, 0, 0, 100)
	require.NoError(t, err)
	require.Len(t, records, 3)

	require.Equal(t, catalog.EventInsert, records[0].Event.EventType)
	require.Equal(t, catalog.EventModify, records[1].Event.EventType)
	require.Equal(t, catalog.EventModify, records[2].Event.EventType)
	for i, rec := range records {
		require.Equal(t, "ARTIST#a-1", rec.Event.Key.PK)
		require.EqualValues(t, i+1, rec.Seq)
	}

	// reading after a cursor skips what was already consumed
	records, err = db.ReadChangelog(ctx, 0, records[1].Seq, 100)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.EqualValues(t, 3, records[0].Seq)
}

func TestChangelogCursors(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newTestDB(t)

	seq, err := db.Cursor(ctx, "projector", 0)
	require.NoError(t, err)
	require.Zero(t, seq)

	require.NoError(t, db.SaveCursor(ctx, "projector", 0, 42))
	seq, err = db.Cursor(ctx, "projector", 0)
	require.NoError(t, err)
	require.EqualValues(t, 42, seq)
}

func TestDeadLetterEvents(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newTestDB(t)
	require.NoError(t, db.PutArtist(ctx, testArtist("a-1", "s-1"), nil, "run-1"))

	records, err := db.ReadChangelog(ctx, 0, 0, 100)
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, db.DeadLetterEvent(ctx, records[0], catalog.Error.New("index rejected the document")))

	dead, err := db.ListDeadEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, records[0].Seq, dead[0].Seq)
	require.Contains(t, dead[0].Reason, "index rejected")
}

func TestListArtistsByStyleAndGeoPagination(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newTestDB(t)

	geohashes := []string{"gcpvj0d1", "gcpvj0d2", "gcpvj0d3", "gcpvj0d4", "gcpvj0d5"}
	for i, geohash := range geohashes {
		artist := testArtist("a-"+string(rune('1'+i)), "s-1")
		artist.Geohash = geohash
		require.NoError(t, db.PutArtist(ctx, artist, nil, "run-1"))
	}

	var seen []string
	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5, "pagination does not terminate")
		page, err := db.ListArtistsByStyleAndGeo(ctx, "realism", "gcpv", cursor, 2)
		require.NoError(t, err)
		for _, artist := range page.Artists {
			seen = append(seen, artist.Geohash)
		}
		if page.NextCursor == "" {
			break
		}
		require.Len(t, page.Artists, 2)
		cursor = page.NextCursor
	}
	require.Equal(t, geohashes, seen)

	// styles resolve through their aliases on the read path too
	page, err := db.ListArtistsByStyleAndGeo(ctx, "photorealism", "gcpv", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Artists, 5)

	// a narrower prefix narrows the result
	page, err = db.ListArtistsByStyleAndGeo(ctx, "realism", "gcpvj0d5", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Artists, 1)

	// opted out artists disappear from listings
	require.NoError(t, db.MarkArtistOptedOut(ctx, "a-3"))
	page, err = db.ListArtistsByStyleAndGeo(ctx, "realism", "gcpv", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Artists, 4)

	_, err = db.ListArtistsByStyleAndGeo(ctx, "glitchcore", "gcpv", "", 10)
	require.True(t, catalog.ErrInvalidRecord.Has(err))
}

func TestRunReports(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newTestDB(t)

	base := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.SaveRunReport(ctx, catalog.RunReport{
			ScrapeRunID: []string{"run-a", "run-b", "run-c"}[i],
			StartedAt:   base.Add(time.Duration(i) * time.Hour),
			FinishedAt:  base.Add(time.Duration(i)*time.Hour + 20*time.Minute),
			Outcome:     catalog.RunSucceeded,
		}))
	}

	reports, err := db.ListRunReports(ctx, 2)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, "run-c", reports[0].ScrapeRunID)
	require.Equal(t, "run-b", reports[1].ScrapeRunID)

	report, err := db.GetRunReport(ctx, "run-a")
	require.NoError(t, err)
	require.Equal(t, catalog.RunSucceeded, report.Outcome)

	_, err = db.GetRunReport(ctx, "run-x")
	require.True(t, catalog.ErrNotFound.Has(err))

	deleted, err := db.DeleteRunReportsBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	reports, err = db.ListRunReports(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "run-c", reports[0].ScrapeRunID)
}

func TestTakedownLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newTestDB(t)

	request := catalog.TakedownRequest{
		RequestID:   "td-1",
		SubjectType: catalog.SubjectArtist,
		SubjectID:   "a-1",
		Reason:      "does not want to be listed",
	}
	require.NoError(t, db.CreateTakedown(ctx, request))

	err := db.CreateTakedown(ctx, request)
	require.True(t, catalog.ErrAlreadyApplied.Has(err))

	pending, err := db.ListTakedownsByStatus(ctx, catalog.TakedownReceived)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "td-1", pending[0].RequestID)

	completedAt := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	require.NoError(t, db.CompleteTakedown(ctx, "td-1", completedAt))
	require.NoError(t, db.CompleteTakedown(ctx, "td-1", completedAt.Add(time.Hour)))

	got, err := db.GetTakedown(ctx, "td-1")
	require.NoError(t, err)
	require.Equal(t, catalog.TakedownCompleted, got.Status)
	require.True(t, got.CompletedAt.Equal(completedAt))

	pending, err = db.ListTakedownsByStatus(ctx, catalog.TakedownReceived)
	require.NoError(t, err)
	require.Empty(t, pending)

	err = db.CreateTakedown(ctx, catalog.TakedownRequest{RequestID: "td-2", SubjectType: "venue", SubjectID: "v-1"})
	require.True(t, catalog.ErrInvalidRecord.Has(err))
}
