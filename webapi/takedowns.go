// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package webapi

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inkdex.io/inkdex/catalog"
)

type takedownRequest struct {
	SubjectType  string `json:"subjectType"`
	SubjectID    string `json:"subjectId"`
	Reason       string `json:"reason,omitempty"`
	ContactEmail string `json:"contactEmail"`
}

type takedownResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

// handleCreateTakedown serves POST /v1/takedowns. The subject is
// opted out before the response goes out; the sweep chore finishes
// the cleanup. Requests are deduplicated by the Idempotency-Key
// header.
func (server *Server) handleCreateTakedown(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		server.problem(w, r, http.StatusBadRequest, "missing-idempotency-key", "the Idempotency-Key header is required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, server.config.MaxBodyBytes+1))
	if err != nil {
		server.problem(w, r, http.StatusBadRequest, "invalid-request", "reading request body failed")
		return
	}
	if int64(len(body)) > server.config.MaxBodyBytes {
		server.problem(w, r, http.StatusRequestEntityTooLarge, "invalid-request", "request body too large")
		return
	}

	var request takedownRequest
	if err := json.Unmarshal(body, &request); err != nil {
		server.problem(w, r, http.StatusBadRequest, "invalid-request", "request body is not valid json")
		return
	}
	if detail, ok := validateTakedown(request); !ok {
		server.problem(w, r, http.StatusBadRequest, "invalid-request", detail)
		return
	}

	hash := sha256.Sum256(body)
	stored, existing, err := server.keys.Begin(ctx, key, hash[:])
	switch {
	case ErrKeyConflict.Has(err):
		server.problem(w, r, http.StatusConflict, "idempotency-conflict", "this key was already used with a different payload")
		return
	case err != nil:
		server.problem(w, r, http.StatusInternalServerError, "internal", "idempotency check failed")
		return
	case existing && len(stored) > 0:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write(stored)
		return
	case existing:
		server.problem(w, r, http.StatusConflict, "idempotency-conflict", "a request with this key is still being processed")
		return
	}

	requestID := uuid.NewString()
	err = server.db.CreateTakedown(ctx, catalog.TakedownRequest{
		RequestID:    requestID,
		SubjectType:  catalog.SubjectType(request.SubjectType),
		SubjectID:    request.SubjectID,
		Reason:       request.Reason,
		ContactEmail: request.ContactEmail,
	})
	if err != nil {
		server.abortKey(ctx, key)
		server.problem(w, r, http.StatusInternalServerError, "internal", "storing the takedown failed")
		return
	}

	if err := server.optOut(ctx, request); err != nil {
		server.abortKey(ctx, key)
		server.problem(w, r, http.StatusInternalServerError, "internal", "flagging the subject failed")
		return
	}

	response := takedownResponse{RequestID: requestID, Status: string(catalog.TakedownReceived)}
	raw, err := json.Marshal(response)
	if err != nil {
		server.problem(w, r, http.StatusInternalServerError, "internal", "encoding response failed")
		return
	}
	if err := server.keys.Complete(ctx, key, hash[:], raw); err != nil {
		server.log.Warn("storing idempotent response failed", zap.Error(err))
	}

	if server.sweeper != nil {
		server.sweeper.Trigger()
	}

	mon.Counter("takedowns_received").Inc(1)
	server.log.Info("takedown received",
		zap.String("request_id", requestID),
		zap.String("subject_type", request.SubjectType),
		zap.String("subject_id", request.SubjectID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write(raw)
}

func validateTakedown(request takedownRequest) (string, bool) {
	switch catalog.SubjectType(request.SubjectType) {
	case catalog.SubjectArtist, catalog.SubjectStudio:
	default:
		return `subjectType must be "artist" or "studio"`, false
	}
	if request.SubjectID == "" {
		return "subjectId is required", false
	}
	if request.ContactEmail == "" || !strings.Contains(request.ContactEmail, "@") {
		return "a valid contactEmail is required", false
	}
	return "", true
}

func (server *Server) optOut(ctx context.Context, request takedownRequest) error {
	switch catalog.SubjectType(request.SubjectType) {
	case catalog.SubjectArtist:
		return server.db.MarkArtistOptedOut(ctx, request.SubjectID)
	case catalog.SubjectStudio:
		return server.db.MarkStudioOptedOut(ctx, request.SubjectID)
	default:
		return Error.New("unknown subject type %q", request.SubjectType)
	}
}

func (server *Server) abortKey(ctx context.Context, key string) {
	if err := server.keys.Abort(ctx, key); err != nil {
		server.log.Warn("releasing idempotency key failed", zap.Error(err))
	}
}
