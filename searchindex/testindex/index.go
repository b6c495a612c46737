// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

// Package testindex implements an in-memory searchindex.Index for
// tests, with the same version guard semantics as the elasticsearch
// implementation.
package testindex

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"inkdex.io/inkdex/searchindex"
)

// Client is an in-memory search index.
type Client struct {
	mu        sync.Mutex
	documents map[string]searchindex.Document
	unhealthy bool

	failures int
	failErr  error

	CallCount struct {
		Upsert int
		Delete int
		Search int
	}
}

// New creates an empty in-memory index.
func New() *Client {
	return &Client{documents: make(map[string]searchindex.Document)}
}

// FailNext makes the next n calls fail with err.
func (index *Client) FailNext(n int, err error) {
	index.mu.Lock()
	defer index.mu.Unlock()
	index.failures = n
	index.failErr = err
}

// SetHealthy flips what Healthy reports.
func (index *Client) SetHealthy(healthy bool) {
	index.mu.Lock()
	defer index.mu.Unlock()
	index.unhealthy = !healthy
}

func (index *Client) failure() error {
	if index.failures > 0 {
		index.failures--
		return index.failErr
	}
	return nil
}

// Upsert stores doc unless a same or higher version is present.
func (index *Client) Upsert(ctx context.Context, doc searchindex.Document) error {
	index.mu.Lock()
	defer index.mu.Unlock()
	index.CallCount.Upsert++
	if err := index.failure(); err != nil {
		return err
	}

	if current, ok := index.documents[doc.ArtistID]; ok && current.Version >= doc.Version {
		return searchindex.ErrPreconditionFailed.New("version %d is not newer than %d", doc.Version, current.Version)
	}
	index.documents[doc.ArtistID] = doc
	return nil
}

// Delete removes the document of an artist.
func (index *Client) Delete(ctx context.Context, artistID string) error {
	index.mu.Lock()
	defer index.mu.Unlock()
	index.CallCount.Delete++
	if err := index.failure(); err != nil {
		return err
	}

	delete(index.documents, artistID)
	return nil
}

// Get returns the stored document of an artist, for assertions.
func (index *Client) Get(artistID string) (searchindex.Document, bool) {
	index.mu.Lock()
	defer index.mu.Unlock()
	doc, ok := index.documents[artistID]
	return doc, ok
}

// Len returns the number of stored documents.
func (index *Client) Len() int {
	index.mu.Lock()
	defer index.mu.Unlock()
	return len(index.documents)
}

type scored struct {
	doc   searchindex.Document
	score float64
}

// Search filters and scores documents the way the elasticsearch
// mapping would, with deterministic score then artist id ordering.
func (index *Client) Search(ctx context.Context, query searchindex.Query) (searchindex.Result, error) {
	index.mu.Lock()
	defer index.mu.Unlock()
	index.CallCount.Search++
	if err := index.failure(); err != nil {
		return searchindex.Result{}, err
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}

	var matches []scored
	for _, doc := range index.documents {
		if query.Style != "" && !containsFold(doc.Styles, query.Style) {
			continue
		}
		if query.City != "" && !strings.EqualFold(doc.City, query.City) {
			continue
		}
		if query.GeohashPrefix != "" && !strings.HasPrefix(doc.Geohash, query.GeohashPrefix) {
			continue
		}
		if query.MinRating > 0 && doc.Rating < query.MinRating {
			continue
		}
		score := 0.0
		if query.Text != "" {
			score = textScore(doc, query.Text)
			if score == 0 {
				continue
			}
		}
		matches = append(matches, scored{doc: doc, score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].doc.ArtistID < matches[j].doc.ArtistID
	})

	result := searchindex.Result{Total: int64(len(matches))}

	start := 0
	if query.Cursor != "" {
		after, err := decodeCursor(query.Cursor)
		if err != nil {
			return searchindex.Result{}, err
		}
		for start < len(matches) {
			m := matches[start]
			if m.score < after.Score || (m.score == after.Score && m.doc.ArtistID > after.ArtistID) {
				break
			}
			start++
		}
	}

	end := start + limit
	if end > len(matches) {
		end = len(matches)
	}
	for _, m := range matches[start:end] {
		result.Documents = append(result.Documents, m.doc)
	}
	if end < len(matches) && end > start {
		last := matches[end-1]
		result.NextCursor = encodeCursor(cursor{Score: last.score, ArtistID: last.doc.ArtistID})
	}
	return result, nil
}

// Healthy reports the configured health.
func (index *Client) Healthy(ctx context.Context) bool {
	index.mu.Lock()
	defer index.mu.Unlock()
	return !index.unhealthy
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// textScore mirrors the boosts of the production multi match query.
func textScore(doc searchindex.Document, text string) float64 {
	text = strings.ToLower(text)
	score := 0.0
	if strings.Contains(strings.ToLower(doc.Name), text) {
		score += 3
	}
	for _, name := range doc.StyleNames {
		if strings.Contains(strings.ToLower(name), text) {
			score += 2
			break
		}
	}
	if strings.Contains(strings.ToLower(doc.City), text) {
		score++
	}
	return score
}

type cursor struct {
	Score    float64 `json:"s"`
	ArtistID string  `json:"a"`
}

func encodeCursor(c cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, searchindex.ErrInvalidQuery.New("malformed cursor: %v", err)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return cursor{}, searchindex.ErrInvalidQuery.New("malformed cursor: %v", err)
	}
	return c, nil
}
