// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package webapi

import (
	"net/http"
)

type styleItem struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Aliases     []string `json:"aliases,omitempty"`
	Difficulty  string   `json:"difficulty"`
	Popularity  int      `json:"popularity"`
	Tags        []string `json:"tags,omitempty"`
	Origin      int      `json:"origin,omitempty"`
}

type styleListResponse struct {
	Items []styleItem `json:"items"`
}

// handleListStyles returns the style vocabulary, static reference data
// shipped with the binary.
func (server *Server) handleListStyles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	entries := server.registry.Entries()
	response := styleListResponse{Items: make([]styleItem, 0, len(entries))}
	for _, entry := range entries {
		response.Items = append(response.Items, styleItem{
			ID:          entry.ID,
			DisplayName: entry.DisplayName,
			Aliases:     entry.Aliases,
			Difficulty:  string(entry.Difficulty),
			Popularity:  entry.Popularity,
			Tags:        entry.Tags,
			Origin:      entry.Origin,
		})
	}
	server.jsonResponse(w, r, http.StatusOK, response)
}
