// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package searchindex

import (
	"time"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/styles"
)

// Document is the indexed shape of an artist. Version mirrors the
// catalog record version and is used as the external document version
// on writes.
type Document struct {
	ArtistID        string    `json:"artist_id"`
	Name            string    `json:"name"`
	InstagramHandle string    `json:"instagram_handle,omitempty"`
	Styles          []string  `json:"styles,omitempty"`
	StyleNames      []string  `json:"style_names,omitempty"`
	City            string    `json:"city,omitempty"`
	Geohash         string    `json:"geohash,omitempty"`
	Rating          float64   `json:"rating,omitempty"`
	ImageURLs       []string  `json:"image_urls,omitempty"`
	Version         uint64    `json:"version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewDocument builds the index document of an artist. StyleNames get
// the alias expansion of every canonical style so free text queries
// match "old school" as well as "traditional".
func NewDocument(artist catalog.Artist, images []catalog.PortfolioImage, registry *styles.Registry) Document {
	doc := Document{
		ArtistID:        artist.ArtistID,
		Name:            artist.Name,
		InstagramHandle: artist.InstagramHandle,
		Styles:          artist.Styles,
		City:            artist.City,
		Geohash:         artist.Geohash,
		Rating:          artist.Rating,
		Version:         artist.Version,
		UpdatedAt:       artist.UpdatedAt,
	}
	for _, style := range artist.Styles {
		doc.StyleNames = append(doc.StyleNames, registry.Expand(style)...)
	}
	for _, image := range images {
		doc.ImageURLs = append(doc.ImageURLs, image.URL)
	}
	return doc
}
