// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package webapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"inkdex.io/inkdex/private/correlation"
)

// problemDocument is the application/problem+json body of every
// non-2xx response.
type problemDocument struct {
	Type              string `json:"type"`
	Title             string `json:"title"`
	Detail            string `json:"detail,omitempty"`
	CorrelationID     string `json:"correlationId,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

func (server *Server) problem(w http.ResponseWriter, r *http.Request, status int, kind, detail string) {
	server.writeProblem(w, r, status, problemDocument{
		Type:   "about:blank#" + kind,
		Title:  http.StatusText(status),
		Detail: detail,
	})
}

// unavailable answers for an open circuit: a 503 problem document plus
// a Retry-After header with the remaining cooldown.
func (server *Server) unavailable(w http.ResponseWriter, r *http.Request, detail string) {
	retryAfter := int(server.index.RetryAfter().Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	server.writeProblem(w, r, http.StatusServiceUnavailable, problemDocument{
		Type:              "about:blank#index-unavailable",
		Title:             http.StatusText(http.StatusServiceUnavailable),
		Detail:            detail,
		RetryAfterSeconds: retryAfter,
	})
}

func (server *Server) writeProblem(w http.ResponseWriter, r *http.Request, status int, doc problemDocument) {
	doc.CorrelationID = correlation.ID(r.Context())

	raw, err := json.Marshal(doc)
	if err != nil {
		server.log.Error("failed to encode problem document", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}
