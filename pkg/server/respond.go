package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/metrics"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// errorBody is the uniform failure shape: a machine kind plus a human
// message.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.WithComponent("server").Error().Err(err).Msg("response encode failed")
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	if status >= 500 {
		log.WithComponent("server").Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: kind, Message: err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict, "conflict"
	case types.IsStorage(err):
		return http.StatusInternalServerError, "storage"
	}
	return http.StatusInternalServerError, "internal"
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return types.ErrInvalidInput
	}
	return nil
}

// userID scopes a request. Authentication middleware is out of scope
// here; deployments front the API with their own auth layer that sets
// the header.
func userID(r *http.Request) int64 {
	if raw := r.Header.Get("X-User-ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			return id
		}
	}
	return 1
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, types.ErrInvalidInput
	}
	return id, nil
}

// timeRange parses from/to unix-milli query params, defaulting to the
// trailing hour.
func timeRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now.Add(-time.Hour), now
	if raw := r.URL.Query().Get("from"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return from, to, types.ErrInvalidInput
		}
		from = time.UnixMilli(ms).UTC()
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return from, to, types.ErrInvalidInput
		}
		to = time.UnixMilli(ms).UTC()
	}
	if to.Before(from) {
		return from, to, types.ErrInvalidInput
	}
	return from, to, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request metrics. WebSocket upgrades pass through
// untouched: the hijacked connection outlives the handler.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
