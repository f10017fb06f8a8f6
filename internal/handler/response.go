package handler

// RESPONSE HELPERS:
// Every JSON endpoint answers through writeJSON / writeError so the shapes
// stay the same everywhere:
//
//	success: {"success": true, "data": {...}}
//	failure: {"error": "Passwords do not match", "code": "validation_error", "field": "confirmPassword"}
//
// "error" is always safe to show to the user. "field" is set when the
// failure belongs to one form input.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/gatekeeper/internal/apperror"
)

// maxBodyBytes caps JSON request bodies. Auth forms are tiny.
const maxBodyBytes = 64 << 10

// ErrorResponse is the body of every failed JSON request.
type ErrorResponse struct {
	Error string `json:"error"`          // human-readable, safe to display
	Code  string `json:"code,omitempty"` // machine-readable category
	Field string `json:"field,omitempty"`
}

// SuccessResponse is the body of every successful JSON request that does
// not return a resource of its own. Data is omitted when nil.
type SuccessResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// writeJSON sends a JSON response with the given status code. Headers and
// status must be written before the body.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// statusFor maps a domain error to its HTTP status and code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperror.ErrProvider):
		return http.StatusBadGateway, "provider_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError is the one place domain errors become HTTP responses. Anything
// that is not an *apperror.AppError is a storage or programming failure: it
// is logged in full and the client gets a generic 500.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		logger.Error("request failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "An internal error occurred",
			Code:  "internal_error",
		})
		return
	}

	status, code := statusFor(err)
	if appErr.Cause != nil {
		logger.Warn("request failed",
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, ErrorResponse{
		Error: appErr.Message,
		Code:  code,
		Field: appErr.Field,
	})
}

// decodeJSON reads a JSON body into v. Unknown fields are ignored; a
// malformed body is a validation error.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperror.ValidationFailed("", "Invalid request body")
	}
	return nil
}
