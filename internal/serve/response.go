// Package serve is the protocol front-end of the agenthub broker: the REST
// surface under /api/v1, the WebSocket streaming surface under /ws/v1, the
// response envelopes, the per-agent rate limiter, and the broker exclusivity
// lock.
package serve

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/marcus/agenthub/internal/auth"
	"github.com/marcus/agenthub/internal/db"
)

// Envelope is the standard response wrapper for all API responses.
// Success: {"success": true, "data": {...}}
// Error:   {"success": false, "error": "...", "code": "..."}
type Envelope struct {
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Error codes mapped to HTTP status codes.
const (
	ErrInvalidArgument = "invalid_argument" // 400
	ErrUnauthenticated = "unauthenticated"  // 401
	ErrForbidden       = "forbidden"        // 403
	ErrNotFound        = "not_found"        // 404
	ErrConflict        = "conflict"         // 409
	ErrRateLimited     = "rate_limited"     // 429
	ErrUnavailable     = "unavailable"      // 503
	ErrInternal        = "internal"         // 500
)

// WriteSuccess writes a JSON success envelope with the given data and status.
func WriteSuccess(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Envelope{Success: true, Data: data}); err != nil {
		slog.Error("write success response", "err", err)
	}
}

// WriteError writes a JSON error envelope.
func WriteError(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Envelope{
		Success: false,
		Error:   message,
		Code:    code,
	}); err != nil {
		slog.Error("write error response", "err", err)
	}
}

// WriteStoreError maps a store or verifier error onto the envelope. Internal
// errors are logged with a correlation id and surfaced generically.
func WriteStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		WriteError(w, ErrNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, db.ErrConflict):
		WriteError(w, ErrConflict, err.Error(), http.StatusConflict)
	case errors.Is(err, db.ErrInvalidArgument):
		WriteError(w, ErrInvalidArgument, err.Error(), http.StatusBadRequest)
	case errors.Is(err, db.ErrUnavailable):
		WriteError(w, ErrUnavailable, "store unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrRevokedToken):
		WriteError(w, ErrUnauthenticated, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, auth.ErrNoPermission):
		WriteError(w, ErrForbidden, err.Error(), http.StatusForbidden)
	default:
		id := uuid.NewString()
		slog.Error("internal error", "correlation_id", id, "err", err)
		WriteError(w, ErrInternal, "internal error (ref "+id+")", http.StatusInternalServerError)
	}
}

// decodeBody decodes a JSON request body into dst, rejecting trailing
// garbage. Returns false after writing the error response.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		WriteError(w, ErrInvalidArgument, "malformed JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}
