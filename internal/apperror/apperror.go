// Package apperror defines the domain error taxonomy shared by the service and
// handler layers. Services return these; handler.writeError maps them to HTTP.
//
// SENTINELS + A STRUCT:
// A sentinel (ErrConflict, ...) answers "what kind of failure is this?" and
// is matched with errors.Is anywhere up the wrap chain. The AppError struct
// carries what the sentinel cannot: the message to show and the form field
// it belongs to. Unwrap returns both the sentinel and the cause, so
//
//	errors.Is(err, apperror.ErrProvider)  // true
//	errors.Is(err, context.DeadlineExceeded)  // also true if that was the cause
//
// both work on the same value.
package apperror

import (
	"errors"
	"fmt"
)

// Sentinels, one per HTTP status family the API uses.
var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation error")
	ErrConflict        = errors.New("conflict")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrProvider        = errors.New("identity provider error")
)

// AppError is a failure that is safe to report to the user.
type AppError struct {
	Err     error  // sentinel, matched with errors.Is
	Message string // safe to show to the user
	Field   string // optional: input field the error refers to
	Cause   error  // optional: underlying error, for logs only
}

// Error includes the cause, for logs. Responses use Message instead.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes the sentinel and the cause to errors.Is and errors.As.
func (e *AppError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

// NotFound reports a missing resource. HTTP handlers map it to 404.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

// ValidationFailed reports bad input. field names the form input when there
// is one, "" otherwise. HTTP handlers map it to 400.
func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Conflict reports a uniqueness clash on field (email, username, ...).
func Conflict(field, message string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: message,
		Field:   field,
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthenticated is used for wrong credentials and invalid sessions alike.
// The message must not reveal which of the two checks failed.
func Unauthenticated(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthenticated,
		Message: message,
	}
}

// ProviderFailed wraps a failure talking to (or validating a callback from)
// an OAuth provider. cause is kept for logging; message is shown to the user.
func ProviderFailed(message string, cause error) *AppError {
	return &AppError{
		Err:     ErrProvider,
		Message: message,
		Cause:   cause,
	}
}

// MessageOf returns the user-facing message carried by err, or fallback when
// err is not an *AppError.
func MessageOf(err error, fallback string) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return fallback
}
