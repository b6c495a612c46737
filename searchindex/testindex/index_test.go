// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package testindex_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"inkdex.io/inkdex/private/testcontext"
	"inkdex.io/inkdex/searchindex"
	"inkdex.io/inkdex/searchindex/testindex"
)

func TestVersionGuard(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := testindex.New()

	require.NoError(t, index.Upsert(ctx, searchindex.Document{ArtistID: "a-1", Name: "Ada", Version: 2}))

	// replays and stale versions are dropped
	err := index.Upsert(ctx, searchindex.Document{ArtistID: "a-1", Name: "Ada", Version: 2})
	require.True(t, searchindex.ErrPreconditionFailed.Has(err))
	err = index.Upsert(ctx, searchindex.Document{ArtistID: "a-1", Name: "Old Ada", Version: 1})
	require.True(t, searchindex.ErrPreconditionFailed.Has(err))

	doc, ok := index.Get("a-1")
	require.True(t, ok)
	require.Equal(t, "Ada", doc.Name)

	require.NoError(t, index.Upsert(ctx, searchindex.Document{ArtistID: "a-1", Name: "New Ada", Version: 3}))
	doc, _ = index.Get("a-1")
	require.Equal(t, "New Ada", doc.Name)

	require.NoError(t, index.Delete(ctx, "a-1"))
	require.NoError(t, index.Delete(ctx, "a-1"))
	require.Zero(t, index.Len())
}

func TestSearchFiltersAndPaging(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := testindex.New()
	docs := []searchindex.Document{
		{ArtistID: "a-1", Name: "Ada Needle", Styles: []string{"realism"}, StyleNames: []string{"realism", "portrait"}, City: "London", Geohash: "gcpvj0d1", Rating: 4.5, Version: 1},
		{ArtistID: "a-2", Name: "Bo Lines", Styles: []string{"realism"}, City: "London", Geohash: "gcpvj0d2", Rating: 3.0, Version: 1},
		{ArtistID: "a-3", Name: "Cy Fern", Styles: []string{"blackwork"}, City: "Manchester", Geohash: "gcw2j3d1", Rating: 4.9, Version: 1},
	}
	for _, doc := range docs {
		require.NoError(t, index.Upsert(ctx, doc))
	}

	result, err := index.Search(ctx, searchindex.Query{Style: "realism"})
	require.NoError(t, err)
	require.Len(t, result.Documents, 2)

	result, err = index.Search(ctx, searchindex.Query{City: "london", MinRating: 4})
	require.NoError(t, err)
	require.Len(t, result.Documents, 1)
	require.Equal(t, "a-1", result.Documents[0].ArtistID)

	result, err = index.Search(ctx, searchindex.Query{GeohashPrefix: "gcw2"})
	require.NoError(t, err)
	require.Len(t, result.Documents, 1)
	require.Equal(t, "a-3", result.Documents[0].ArtistID)

	// free text matches the alias expansion, not just the canonical name
	result, err = index.Search(ctx, searchindex.Query{Text: "portrait"})
	require.NoError(t, err)
	require.Len(t, result.Documents, 1)
	require.Equal(t, "a-1", result.Documents[0].ArtistID)

	var seen []string
	cursor := ""
	for {
		result, err = index.Search(ctx, searchindex.Query{Limit: 1, Cursor: cursor})
		require.NoError(t, err)
		for _, doc := range result.Documents {
			seen = append(seen, doc.ArtistID)
		}
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}
	require.Equal(t, []string{"a-1", "a-2", "a-3"}, seen)

	_, err = index.Search(ctx, searchindex.Query{Cursor: "%%%"})
	require.True(t, searchindex.ErrInvalidQuery.Has(err))
}

func TestFailNext(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	index := testindex.New()
	boom := searchindex.Error.New("index unavailable")
	index.FailNext(2, boom)

	err := index.Upsert(ctx, searchindex.Document{ArtistID: "a-1", Version: 1})
	require.Error(t, err)
	_, err = index.Search(ctx, searchindex.Query{})
	require.Error(t, err)

	require.NoError(t, index.Upsert(ctx, searchindex.Document{ArtistID: "a-1", Version: 1}))
}
