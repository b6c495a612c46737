// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package webapi

import (
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"inkdex.io/inkdex/private/correlation"
)

// correlate attaches a correlation ID to every request, accepting an
// incoming one or minting a fresh one, and echoes it in the response.
func (server *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.Header.Get(server.config.CorrelationHeader)
		if id == "" {
			ctx, id = correlation.Ensure(ctx)
		} else {
			ctx = correlation.With(ctx, id)
		}
		w.Header().Set(server.config.CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// logRequests writes one structured line per request. Query values go
// through the redactor so contact details never reach the logs.
func (server *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		server.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("correlation_id", correlation.ID(r.Context())),
			server.redactor.Field("query", queryValues(r.URL.Query())))

		mon.DurationVal("webapi_request_duration").Observe(time.Since(start))
	})
}

func queryValues(values url.Values) map[string]interface{} {
	if len(values) == 0 {
		return nil
	}
	m := make(map[string]interface{}, len(values))
	for key, vals := range values {
		if len(vals) == 1 {
			m[key] = vals[0]
			continue
		}
		m[key] = vals
	}
	return m
}
