// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package webapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"inkdex.io/inkdex/catalog"
	"inkdex.io/inkdex/jobq"
	"inkdex.io/inkdex/orchestrator"
)

const maxInternalLimit = 100

func internalLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 1 {
		return 20
	}
	if limit > maxInternalLimit {
		return maxInternalLimit
	}
	return limit
}

// handleListRuns serves GET /internal/runs.
func (server *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	reports, err := server.db.ListRunReports(ctx, internalLimit(r))
	if err != nil {
		server.problem(w, r, http.StatusInternalServerError, "internal", "listing run reports failed")
		return
	}
	if reports == nil {
		reports = []catalog.RunReport{}
	}
	server.jsonResponse(w, r, http.StatusOK, map[string]interface{}{"items": reports})
}

// handleGetRun serves GET /internal/runs/{id}.
func (server *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	report, err := server.db.GetRunReport(ctx, mux.Vars(r)["id"])
	switch {
	case err == nil:
	case catalog.ErrNotFound.Has(err):
		server.problem(w, r, http.StatusNotFound, "not-found", "no such run")
		return
	default:
		server.problem(w, r, http.StatusInternalServerError, "internal", "run lookup failed")
		return
	}
	server.jsonResponse(w, r, http.StatusOK, report)
}

// handleTriggerRun serves POST /internal/runs/trigger. The trigger is
// only wired when the orchestrator runs in the same process.
func (server *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	if server.runs == nil {
		server.problem(w, r, http.StatusServiceUnavailable, "trigger-unavailable", "no crawl scheduler runs in this process")
		return
	}
	err = server.runs.Trigger()
	switch {
	case err == nil:
		server.jsonResponse(w, r, http.StatusAccepted, map[string]string{"status": "accepted"})
	case orchestrator.ErrRunActive.Has(err):
		server.problem(w, r, http.StatusConflict, "run-active", "a crawl run is already executing")
	default:
		server.problem(w, r, http.StatusConflict, "run-rejected", err.Error())
	}
}

// handleDeadLetters serves GET /internal/deadletters.
func (server *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	entries, err := server.queue.DeadLetters(ctx, internalLimit(r))
	if err != nil {
		server.problem(w, r, http.StatusInternalServerError, "internal", "listing dead letters failed")
		return
	}
	if entries == nil {
		entries = []jobq.DeadLetterEntry{}
	}
	server.jsonResponse(w, r, http.StatusOK, map[string]interface{}{"items": entries})
}
