// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inkdex.io/inkdex/private/kvstore"
	"inkdex.io/inkdex/styles"
)

// Config holds catalog configuration.
type Config struct {
	ChangelogShards int `help:"number of change log shards" default:"4" testDefault:"2"`
}

// DB is the store of record. All writes go through serializable
// transactions so the canonical record, its index rows and the change
// log entry commit together.
//
// architecture: Database
type DB struct {
	log      *zap.Logger
	store    kvstore.Store
	registry *styles.Registry
	shards   int

	nowFn func() time.Time
}

// New constructs a catalog DB on top of store.
func New(log *zap.Logger, store kvstore.Store, registry *styles.Registry, config Config) *DB {
	shards := config.ChangelogShards
	if shards <= 0 {
		shards = 4
	}
	return &DB{
		log:      log,
		store:    store,
		registry: registry,
		shards:   shards,
		nowFn:    time.Now,
	}
}

// TestingSetNow replaces the clock used for record timestamps.
func (db *DB) TestingSetNow(now func() time.Time) { db.nowFn = now }

// Healthy reports whether the backing store answers reads.
func (db *DB) Healthy(ctx context.Context) bool {
	_, err := db.store.Get(ctx, kvstore.Key("meta/health-probe"))
	return err == nil || kvstore.ErrKeyNotFound.Has(err)
}

// optOutMarker is the tombstone written when a subject opts out. The
// marker survives record rewrites and is what keeps a subject from
// ever being resurrected by a later crawl.
type optOutMarker struct {
	SubjectType SubjectType `json:"subject_type"`
	SubjectID   string      `json:"subject_id"`
	MarkedAt    time.Time   `json:"marked_at"`
}

// styleListing is the projection stored on style index rows, enough
// to render a listing page without a second read.
type styleListing struct {
	ArtistID  string    `json:"artist_id"`
	Name      string    `json:"name"`
	Styles    []string  `json:"styles,omitempty"`
	City      string    `json:"city,omitempty"`
	Geohash   string    `json:"geohash,omitempty"`
	Rating    float64   `json:"rating,omitempty"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PutStudio writes a studio record. The write is dropped with
// ErrAlreadyApplied when the stored record already carries runID, and
// with ErrOptedOut when the studio has opted out.
func (db *DB) PutStudio(ctx context.Context, studio Studio, runID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if studio.StudioID == "" || studio.Name == "" {
		return ErrInvalidRecord.New("studio id and name are required")
	}
	if runID == "" {
		return ErrInvalidRecord.New("scrape run id is required")
	}

	err = db.store.Update(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		pk := studioPK(studio.StudioID)
		if err := db.checkOptedOut(tx, pk); err != nil {
			return err
		}

		var old *Studio
		raw, err := tx.Get(studioMetaKey(studio.StudioID))
		switch {
		case kvstore.ErrKeyNotFound.Has(err):
		case err != nil:
			return Error.Wrap(err)
		default:
			var current Studio
			if err := json.Unmarshal(raw, &current); err != nil {
				return ErrInvalidRecord.Wrap(err)
			}
			if current.OptedOut {
				return ErrOptedOut.New("studio %s", studio.StudioID)
			}
			if current.LastScrapeRunID == runID {
				return ErrAlreadyApplied.New("studio %s already written by run %s", studio.StudioID, runID)
			}
			old = &current
		}

		now := db.nowFn()
		studio.OptedOut = false
		studio.LastScrapeRunID = runID
		studio.UpdatedAt = now
		if old != nil {
			studio.CreatedAt = old.CreatedAt
		} else {
			studio.CreatedAt = now
		}

		newRaw, err := json.Marshal(studio)
		if err != nil {
			return Error.Wrap(err)
		}
		if err := tx.Put(studioMetaKey(studio.StudioID), newRaw); err != nil {
			return Error.Wrap(err)
		}

		ev := ChangeEvent{
			EventType: EventInsert,
			Key:       EventKey{PK: pk, SK: metaSK},
			NewImage:  newRaw,
		}
		if old != nil {
			ev.EventType = EventModify
			ev.OldImage = append([]byte(nil), raw...)
		}
		return db.appendChange(tx, ev)
	})
	if ErrAlreadyApplied.Has(err) {
		mon.Counter("catalog_already_applied").Inc(1)
	}
	return err
}

// GetStudio returns the studio record, or ErrNotFound when it is
// missing or opted out.
func (db *DB) GetStudio(ctx context.Context, studioID string) (_ Studio, err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err := db.store.Get(ctx, studioMetaKey(studioID))
	if kvstore.ErrKeyNotFound.Has(err) {
		return Studio{}, ErrNotFound.New("studio %s", studioID)
	}
	if err != nil {
		return Studio{}, Error.Wrap(err)
	}
	var studio Studio
	if err := json.Unmarshal(raw, &studio); err != nil {
		return Studio{}, ErrInvalidRecord.Wrap(err)
	}
	if studio.OptedOut {
		return Studio{}, ErrNotFound.New("studio %s", studioID)
	}
	return studio, nil
}

// MarkStudioOptedOut marks a studio as opted out. Calling it again is
// not an error.
func (db *DB) MarkStudioOptedOut(ctx context.Context, studioID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.store.Update(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		pk := studioPK(studioID)
		if marked, err := db.hasOptOutMarker(tx, pk); err != nil {
			return err
		} else if marked {
			return nil
		}

		raw, err := tx.Get(studioMetaKey(studioID))
		switch {
		case kvstore.ErrKeyNotFound.Has(err):
		case err != nil:
			return Error.Wrap(err)
		default:
			var studio Studio
			if err := json.Unmarshal(raw, &studio); err != nil {
				return ErrInvalidRecord.Wrap(err)
			}
			studio.OptedOut = true
			studio.UpdatedAt = db.nowFn()
			newRaw, err := json.Marshal(studio)
			if err != nil {
				return Error.Wrap(err)
			}
			if err := tx.Put(studioMetaKey(studioID), newRaw); err != nil {
				return Error.Wrap(err)
			}
			ev := ChangeEvent{
				EventType: EventModify,
				Key:       EventKey{PK: pk, SK: metaSK},
				NewImage:  newRaw,
				OldImage:  append([]byte(nil), raw...),
			}
			if err := db.appendChange(tx, ev); err != nil {
				return err
			}
		}
		return db.putOptOutMarker(tx, SubjectStudio, studioID, pk)
	})
}

// PutArtist writes an artist record together with the full replacement
// of its portfolio image set, updates the index rows and appends
// exactly one change event, all in one transaction.
//
// The write is dropped with ErrAlreadyApplied when the stored record
// already carries runID, so retried and duplicated scrape jobs are
// harmless. Opted out artists are never rewritten; the write fails
// with ErrOptedOut.
func (db *DB) PutArtist(ctx context.Context, artist Artist, images []PortfolioImage, runID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if artist.ArtistID == "" || artist.StudioID == "" || artist.Name == "" {
		return ErrInvalidRecord.New("artist id, studio id and name are required")
	}
	if runID == "" {
		return ErrInvalidRecord.New("scrape run id is required")
	}
	canonical, err := db.canonicalStyles(artist.Styles)
	if err != nil {
		return err
	}
	artist.Styles = canonical

	err = db.store.Update(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		pk := artistPK(artist.ArtistID)
		if err := db.checkOptedOut(tx, pk); err != nil {
			return err
		}

		var old *Artist
		oldRaw, err := tx.Get(artistMetaKey(artist.ArtistID))
		switch {
		case kvstore.ErrKeyNotFound.Has(err):
		case err != nil:
			return Error.Wrap(err)
		default:
			var current Artist
			if err := json.Unmarshal(oldRaw, &current); err != nil {
				return ErrInvalidRecord.Wrap(err)
			}
			if current.OptedOut {
				return ErrOptedOut.New("artist %s", artist.ArtistID)
			}
			if current.LastScrapeRunID == runID {
				return ErrAlreadyApplied.New("artist %s already written by run %s", artist.ArtistID, runID)
			}
			old = &current
		}

		// The studio record is the source of truth for location;
		// listings inherit it so a studio move rewrites where its
		// artists appear.
		if studioRaw, err := tx.Get(studioMetaKey(artist.StudioID)); err == nil {
			var studio Studio
			if err := json.Unmarshal(studioRaw, &studio); err != nil {
				return ErrInvalidRecord.Wrap(err)
			}
			artist.City = studio.City
			artist.Geohash = studio.Geohash
		} else if !kvstore.ErrKeyNotFound.Has(err) {
			return Error.Wrap(err)
		}

		now := db.nowFn()
		artist.OptedOut = false
		artist.LastScrapeRunID = runID
		artist.UpdatedAt = now
		if old != nil {
			artist.CreatedAt = old.CreatedAt
			artist.Version = old.Version + 1
		} else {
			artist.CreatedAt = now
			artist.Version = 1
		}

		if err := db.updateHandleIndex(tx, old, artist); err != nil {
			return err
		}

		newRaw, err := json.Marshal(artist)
		if err != nil {
			return Error.Wrap(err)
		}
		if err := tx.Put(artistMetaKey(artist.ArtistID), newRaw); err != nil {
			return Error.Wrap(err)
		}

		if err := db.replaceImages(tx, artist.ArtistID, images); err != nil {
			return err
		}
		if err := db.updateStyleIndex(tx, old, artist); err != nil {
			return err
		}
		if err := db.updateNameIndex(tx, old, artist); err != nil {
			return err
		}

		ev := ChangeEvent{
			EventType: EventInsert,
			Key:       EventKey{PK: pk, SK: metaSK},
			NewImage:  newRaw,
		}
		if old != nil {
			ev.EventType = EventModify
			ev.OldImage = append([]byte(nil), oldRaw...)
		}
		return db.appendChange(tx, ev)
	})
	if ErrAlreadyApplied.Has(err) {
		mon.Counter("catalog_already_applied").Inc(1)
	}
	return err
}

// canonicalStyles validates and canonicalizes the provided styles.
func (db *DB) canonicalStyles(names []string) ([]string, error) {
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, name := range names {
		style, err := db.registry.Validate(name)
		if err != nil {
			return nil, ErrInvalidRecord.Wrap(err)
		}
		if _, dup := seen[style]; dup {
			continue
		}
		seen[style] = struct{}{}
		out = append(out, style)
	}
	sort.Strings(out)
	return out, nil
}

func (db *DB) checkOptedOut(tx kvstore.Tx, pk string) error {
	marked, err := db.hasOptOutMarker(tx, pk)
	if err != nil {
		return err
	}
	if marked {
		return ErrOptedOut.New("%s", pk)
	}
	return nil
}

func (db *DB) hasOptOutMarker(tx kvstore.Tx, pk string) (bool, error) {
	_, err := tx.Get(optoutKey(pk))
	if kvstore.ErrKeyNotFound.Has(err) {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	return true, nil
}

func (db *DB) putOptOutMarker(tx kvstore.Tx, subjectType SubjectType, subjectID, pk string) error {
	marker, err := json.Marshal(optOutMarker{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		MarkedAt:    db.nowFn(),
	})
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(tx.Put(optoutKey(pk), marker))
}

// updateHandleIndex enforces instagram handle uniqueness and moves the
// handle row when the handle changes.
func (db *DB) updateHandleIndex(tx kvstore.Tx, old *Artist, artist Artist) error {
	if old != nil && old.InstagramHandle != "" && old.InstagramHandle != artist.InstagramHandle {
		if err := tx.Delete(gsi3Key(old.InstagramHandle)); err != nil {
			return Error.Wrap(err)
		}
	}
	if artist.InstagramHandle == "" {
		return nil
	}
	raw, err := tx.Get(gsi3Key(artist.InstagramHandle))
	switch {
	case kvstore.ErrKeyNotFound.Has(err):
	case err != nil:
		return Error.Wrap(err)
	default:
		var owner struct {
			ArtistID string `json:"artist_id"`
		}
		if err := json.Unmarshal(raw, &owner); err != nil {
			return ErrInvalidRecord.Wrap(err)
		}
		if owner.ArtistID != artist.ArtistID {
			return ErrHandleConflict.New("instagram handle %q is claimed by another artist", artist.InstagramHandle)
		}
	}
	value, err := json.Marshal(struct {
		ArtistID string `json:"artist_id"`
	}{ArtistID: artist.ArtistID})
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(tx.Put(gsi3Key(artist.InstagramHandle), value))
}

// replaceImages replaces the stored image set of an artist with the
// provided one.
func (db *DB) replaceImages(tx kvstore.Tx, artistID string, images []PortfolioImage) error {
	var stale []kvstore.Key
	err := tx.IteratePrefix(imagePrefix(artistID), func(item kvstore.Item) error {
		stale = append(stale, item.Key.Clone())
		return nil
	})
	if err != nil {
		return Error.Wrap(err)
	}
	for _, key := range stale {
		if err := tx.Delete(key); err != nil {
			return Error.Wrap(err)
		}
	}
	for i, image := range images {
		if image.ImageID == "" || image.URL == "" {
			return ErrInvalidRecord.New("image id and url are required")
		}
		image.ArtistID = artistID
		image.Position = i
		raw, err := json.Marshal(image)
		if err != nil {
			return Error.Wrap(err)
		}
		if err := tx.Put(imageKey(artistID, image.ImageID), raw); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// updateStyleIndex rewrites the style listing rows of an artist,
// removing rows whose style or geohash no longer matches.
func (db *DB) updateStyleIndex(tx kvstore.Tx, old *Artist, artist Artist) error {
	shard := styleShard(artist.ArtistID)
	if old != nil {
		for _, style := range old.Styles {
			if err := tx.Delete(gsi1Key(style, shard, old.Geohash, old.ArtistID)); err != nil {
				return Error.Wrap(err)
			}
		}
	}
	listing, err := json.Marshal(styleListing{
		ArtistID:  artist.ArtistID,
		Name:      artist.Name,
		Styles:    artist.Styles,
		City:      artist.City,
		Geohash:   artist.Geohash,
		Rating:    artist.Rating,
		Version:   artist.Version,
		UpdatedAt: artist.UpdatedAt,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	for _, style := range artist.Styles {
		if err := tx.Put(gsi1Key(style, shard, artist.Geohash, artist.ArtistID), listing); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// updateNameIndex maintains the lowercased name lookup row.
func (db *DB) updateNameIndex(tx kvstore.Tx, old *Artist, artist Artist) error {
	if old != nil && old.Name != artist.Name {
		if err := tx.Delete(gsi2Key(old.Name, old.ArtistID)); err != nil {
			return Error.Wrap(err)
		}
	}
	value, err := json.Marshal(struct {
		ArtistID string `json:"artist_id"`
		Name     string `json:"name"`
	}{ArtistID: artist.ArtistID, Name: artist.Name})
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(tx.Put(gsi2Key(artist.Name, artist.ArtistID), value))
}

// GetArtist returns the artist record and its portfolio image set
// with read-after-write consistency. Missing and opted out artists
// both return ErrNotFound.
func (db *DB) GetArtist(ctx context.Context, artistID string) (_ Artist, _ []PortfolioImage, err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err := db.store.Get(ctx, artistMetaKey(artistID))
	if kvstore.ErrKeyNotFound.Has(err) {
		return Artist{}, nil, ErrNotFound.New("artist %s", artistID)
	}
	if err != nil {
		return Artist{}, nil, Error.Wrap(err)
	}
	var artist Artist
	if err := json.Unmarshal(raw, &artist); err != nil {
		return Artist{}, nil, ErrInvalidRecord.Wrap(err)
	}
	if artist.OptedOut {
		return Artist{}, nil, ErrNotFound.New("artist %s", artistID)
	}

	var images []PortfolioImage
	err = db.store.IteratePrefix(ctx, imagePrefix(artistID), func(ctx context.Context, item kvstore.Item) error {
		var image PortfolioImage
		if err := json.Unmarshal(item.Value, &image); err != nil {
			return ErrInvalidRecord.Wrap(err)
		}
		images = append(images, image)
		return nil
	})
	if err != nil {
		return Artist{}, nil, Error.Wrap(err)
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Position < images[j].Position })
	return artist, images, nil
}

// MarkArtistOptedOut marks an artist as opted out, removes its index
// rows and portfolio images and emits a change event so the search
// document is removed as well. Calling it again is not an error.
func (db *DB) MarkArtistOptedOut(ctx context.Context, artistID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.store.Update(ctx, func(ctx context.Context, tx kvstore.Tx) error {
		pk := artistPK(artistID)
		if marked, err := db.hasOptOutMarker(tx, pk); err != nil {
			return err
		} else if marked {
			return nil
		}

		raw, err := tx.Get(artistMetaKey(artistID))
		switch {
		case kvstore.ErrKeyNotFound.Has(err):
		case err != nil:
			return Error.Wrap(err)
		default:
			var artist Artist
			if err := json.Unmarshal(raw, &artist); err != nil {
				return ErrInvalidRecord.Wrap(err)
			}

			shard := styleShard(artist.ArtistID)
			for _, style := range artist.Styles {
				if err := tx.Delete(gsi1Key(style, shard, artist.Geohash, artist.ArtistID)); err != nil {
					return Error.Wrap(err)
				}
			}
			if err := tx.Delete(gsi2Key(artist.Name, artist.ArtistID)); err != nil {
				return Error.Wrap(err)
			}
			if artist.InstagramHandle != "" {
				if err := tx.Delete(gsi3Key(artist.InstagramHandle)); err != nil {
					return Error.Wrap(err)
				}
			}
			if err := db.replaceImages(tx, artistID, nil); err != nil {
				return err
			}

			artist.OptedOut = true
			artist.Version++
			artist.UpdatedAt = db.nowFn()
			newRaw, err := json.Marshal(artist)
			if err != nil {
				return Error.Wrap(err)
			}
			if err := tx.Put(artistMetaKey(artistID), newRaw); err != nil {
				return Error.Wrap(err)
			}
			ev := ChangeEvent{
				EventType: EventModify,
				Key:       EventKey{PK: pk, SK: metaSK},
				NewImage:  newRaw,
				OldImage:  append([]byte(nil), raw...),
			}
			if err := db.appendChange(tx, ev); err != nil {
				return err
			}
		}
		return db.putOptOutMarker(tx, SubjectArtist, artistID, pk)
	})
}

// listCursor is the decoded form of an opaque listing cursor.
type listCursor struct {
	Geohash  string `json:"g"`
	ArtistID string `json:"a"`
}

func encodeListCursor(c listCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeListCursor(s string) (listCursor, error) {
	if s == "" {
		return listCursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return listCursor{}, ErrInvalidRecord.New("malformed cursor: %v", err)
	}
	var c listCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return listCursor{}, ErrInvalidRecord.New("malformed cursor: %v", err)
	}
	return c, nil
}

// after reports whether the listing entry sorts after the cursor
// position.
func (c listCursor) after(geohash, artistID string) bool {
	if geohash != c.Geohash {
		return geohash > c.Geohash
	}
	return artistID > c.ArtistID
}

// ListArtistsByStyleAndGeo pages through the artists of a style whose
// geohash starts with geohashPrefix. The read fans out over all style
// shards in parallel and merges, so results are ordered by geohash and
// then artist id regardless of which shard a row lives on. The cursor
// is exclusive.
func (db *DB) ListArtistsByStyleAndGeo(ctx context.Context, style, geohashPrefix, cursor string, limit int) (_ ArtistPage, err error) {
	defer mon.Task()(&ctx)(&err)

	canonical, err := db.registry.Validate(style)
	if err != nil {
		return ArtistPage{}, ErrInvalidRecord.Wrap(err)
	}
	if limit <= 0 {
		limit = 20
	}
	after, err := decodeListCursor(cursor)
	if err != nil {
		return ArtistPage{}, err
	}

	perShard := make([][]styleListing, StyleShards)
	group, groupCtx := errgroup.WithContext(ctx)
	for shard := 0; shard < StyleShards; shard++ {
		shard := shard
		group.Go(func() error {
			var listings []styleListing
			err := db.store.IteratePrefix(groupCtx, gsi1ShardPrefix(canonical, shard, geohashPrefix), func(ctx context.Context, item kvstore.Item) error {
				var listing styleListing
				if err := json.Unmarshal(item.Value, &listing); err != nil {
					return ErrInvalidRecord.Wrap(err)
				}
				if !after.after(listing.Geohash, listing.ArtistID) {
					return nil
				}
				listings = append(listings, listing)
				if len(listings) > limit {
					return errStopIteration
				}
				return nil
			})
			if err != nil && err != errStopIteration {
				return err
			}
			perShard[shard] = listings
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return ArtistPage{}, Error.Wrap(err)
	}

	var merged []styleListing
	for _, listings := range perShard {
		merged = append(merged, listings...)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Geohash != merged[j].Geohash {
			return merged[i].Geohash < merged[j].Geohash
		}
		return merged[i].ArtistID < merged[j].ArtistID
	})

	page := ArtistPage{}
	more := len(merged) > limit
	if more {
		merged = merged[:limit]
	}
	for _, listing := range merged {
		page.Artists = append(page.Artists, Artist{
			ArtistID: listing.ArtistID,
			Name:     listing.Name,
			Styles:   listing.Styles,
			City:     listing.City,
			Geohash:  listing.Geohash,
			Rating:   listing.Rating,
			Version:  listing.Version,
		})
	}
	if more && len(merged) > 0 {
		last := merged[len(merged)-1]
		page.NextCursor = encodeListCursor(listCursor{Geohash: last.Geohash, ArtistID: last.ArtistID})
	}
	return page, nil
}

// ListOptedOutArtists returns the ids of all artists with an opt out
// marker, in id order.
func (db *DB) ListOptedOutArtists(ctx context.Context) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	var ids []string
	err = db.store.IteratePrefix(ctx, optoutKey(artistPK("")), func(ctx context.Context, item kvstore.Item) error {
		var marker optOutMarker
		if err := json.Unmarshal(item.Value, &marker); err != nil {
			return ErrInvalidRecord.Wrap(err)
		}
		ids = append(ids, marker.SubjectID)
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return ids, nil
}
