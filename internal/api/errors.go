// Package api provides the HTTP handlers of the feedrank server and its
// standardized JSON error responses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/feedrank/internal/middleware"
	"github.com/onnwee/feedrank/internal/query"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeUpstream indicates the data store failed or timed out.
	ErrCodeUpstream = "upstream_error"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeCancelled indicates the client went away before the response was ready.
	ErrCodeCancelled = "request_cancelled"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"
)

// StatusClientClosedRequest is the non-standard status logged when the
// client cancels a request.
const StatusClientClosedRequest = 499

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response.
// It writes the appropriate HTTP status code and returns a JSON error body.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
//
// The error code is always reported to the logging middleware, so callers
// need not set it on ctx first.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.UpdateResponseContext(w, middleware.SetErrorCode(ctx, code))

	data, err := json.Marshal(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the recommended HTTP status code for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeUpstream:
		return http.StatusBadGateway
	case ErrCodeCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeQueryError maps an orchestrator error onto an error response.
func writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var verr *query.ValidationError
	var ferr *query.FetchError
	switch {
	case errors.As(err, &verr):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, verr.Error())
	case ctx.Err() != nil:
		WriteError(w, ctx, StatusClientClosedRequest, ErrCodeCancelled, "Request cancelled")
	case errors.As(err, &ferr) && errors.Is(err, context.DeadlineExceeded):
		slog.WarnContext(ctx, "data store timed out", "error", err)
		WriteError(w, ctx, http.StatusGatewayTimeout, ErrCodeUpstream, "Data store timed out")
	case errors.As(err, &ferr):
		slog.ErrorContext(ctx, "data store request failed", "error", err)
		WriteError(w, ctx, http.StatusBadGateway, ErrCodeUpstream, "Data store unavailable")
	default:
		slog.ErrorContext(ctx, "query failed", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
	}
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "path", r.URL.Path, "error", err)
	}
}

// methodNotAllowed rejects a request whose method the route does not serve.
func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
}
