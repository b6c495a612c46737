// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package webapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/geo"
	"inkdex.io/inkdex/searchindex"
)

// artistItem is the public listing shape of an indexed artist.
type artistItem struct {
	ArtistID        string    `json:"artistId"`
	Name            string    `json:"name"`
	InstagramHandle string    `json:"instagramHandle,omitempty"`
	Styles          []string  `json:"styles,omitempty"`
	City            string    `json:"city,omitempty"`
	Rating          float64   `json:"rating,omitempty"`
	ImageURLs       []string  `json:"imageUrls,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type artistListResponse struct {
	Items      []artistItem `json:"items"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

// portfolioItem is the public shape of one portfolio image.
type portfolioItem struct {
	ImageID  string   `json:"imageId"`
	URL      string   `json:"url"`
	ThumbURL string   `json:"thumbUrl,omitempty"`
	AltText  string   `json:"altText,omitempty"`
	Styles   []string `json:"styles,omitempty"`
	Width    int      `json:"width,omitempty"`
	Height   int      `json:"height,omitempty"`
	Position int      `json:"position"`
}

type artistResponse struct {
	artistItem
	StudioID     string          `json:"studioId"`
	PortfolioURL string          `json:"portfolioUrl,omitempty"`
	Portfolio    []portfolioItem `json:"portfolio,omitempty"`
}

// handleListArtists serves GET /v1/artists from the search index
// through the circuit breaker.
func (server *Server) handleListArtists(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	query, ok := server.parseListQuery(w, r)
	if !ok {
		return
	}

	result, err := server.index.Search(ctx, query)
	switch {
	case err == nil:
	case ErrCircuitOpen.Has(err):
		server.unavailable(w, r, "artist search is temporarily unavailable")
		return
	case searchindex.ErrInvalidQuery.Has(err):
		server.problem(w, r, http.StatusBadRequest, "invalid-cursor", err.Error())
		return
	default:
		server.problem(w, r, http.StatusServiceUnavailable, "index-error", "artist search failed")
		return
	}

	response := artistListResponse{
		Items:      make([]artistItem, 0, len(result.Documents)),
		NextCursor: result.NextCursor,
	}
	for _, doc := range result.Documents {
		response.Items = append(response.Items, artistItem{
			ArtistID:        doc.ArtistID,
			Name:            doc.Name,
			InstagramHandle: doc.InstagramHandle,
			Styles:          doc.Styles,
			City:            doc.City,
			Rating:          doc.Rating,
			ImageURLs:       doc.ImageURLs,
			UpdatedAt:       doc.UpdatedAt,
		})
	}
	server.jsonResponse(w, r, http.StatusOK, response)
}

// parseListQuery validates the listing parameters, answering with a
// problem document itself when they are invalid.
func (server *Server) parseListQuery(w http.ResponseWriter, r *http.Request) (searchindex.Query, bool) {
	params := r.URL.Query()
	query := searchindex.Query{
		City:   params.Get("city"),
		Text:   params.Get("q"),
		Cursor: params.Get("cursor"),
		Limit:  server.config.DefaultLimit,
	}

	if style := params.Get("style"); style != "" {
		canonical, err := server.registry.Validate(style)
		if err != nil {
			server.problem(w, r, http.StatusBadRequest, "unknown-style", err.Error())
			return searchindex.Query{}, false
		}
		query.Style = canonical
	}

	if postcode := params.Get("postcode"); postcode != "" {
		prefix, err := server.postcodes.GeohashPrefix(postcode)
		if err != nil {
			if geo.ErrUnknownPostcode.Has(err) {
				server.problem(w, r, http.StatusBadRequest, "unknown-postcode", err.Error())
				return searchindex.Query{}, false
			}
			server.problem(w, r, http.StatusInternalServerError, "internal", "postcode lookup failed")
			return searchindex.Query{}, false
		}
		query.GeohashPrefix = prefix
	}

	if raw := params.Get("minRating"); raw != "" {
		minRating, err := strconv.ParseFloat(raw, 64)
		if err != nil || minRating < 0 || minRating > 5 {
			server.problem(w, r, http.StatusBadRequest, "invalid-request", "minRating must be a number between 0 and 5")
			return searchindex.Query{}, false
		}
		query.MinRating = minRating
	}

	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > server.config.MaxLimit {
			server.problem(w, r, http.StatusBadRequest, "invalid-request",
				"limit must be an integer between 1 and "+strconv.Itoa(server.config.MaxLimit))
			return searchindex.Query{}, false
		}
		query.Limit = limit
	}

	return query, true
}

// handleGetArtist serves GET /v1/artists/{id} with a strong read from
// the catalog, bypassing the index and its breaker.
func (server *Server) handleGetArtist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	id := mux.Vars(r)["id"]
	artist, images, err := server.db.GetArtist(ctx, id)
	switch {
	case err == nil:
	case catalog.ErrNotFound.Has(err):
		server.problem(w, r, http.StatusNotFound, "not-found", "no such artist")
		return
	default:
		server.problem(w, r, http.StatusInternalServerError, "internal", "artist lookup failed")
		return
	}

	response := artistResponse{
		artistItem: artistItem{
			ArtistID:        artist.ArtistID,
			Name:            artist.Name,
			InstagramHandle: artist.InstagramHandle,
			Styles:          artist.Styles,
			City:            artist.City,
			Rating:          artist.Rating,
			UpdatedAt:       artist.UpdatedAt,
		},
		StudioID:     artist.StudioID,
		PortfolioURL: artist.PortfolioURL,
	}
	for _, image := range images {
		response.Portfolio = append(response.Portfolio, portfolioItem{
			ImageID:  image.ImageID,
			URL:      image.URL,
			ThumbURL: image.ThumbURL,
			AltText:  image.AltText,
			Styles:   image.Styles,
			Width:    image.Width,
			Height:   image.Height,
			Position: image.Position,
		})
	}
	server.jsonResponse(w, r, http.StatusOK, response)
}
