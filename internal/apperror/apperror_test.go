package apperror

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIs(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
	}{
		{
			name:      "NotFound wraps ErrNotFound",
			err:       NotFound("user", "abc123"),
			target:    ErrNotFound,
			wantMatch: true,
		},
		{
			name:      "ValidationFailed wraps ErrValidation",
			err:       ValidationFailed("email", "email is required"),
			target:    ErrValidation,
			wantMatch: true,
		},
		{
			name:      "Conflict wraps ErrConflict",
			err:       Conflict("email", "email taken"),
			target:    ErrConflict,
			wantMatch: true,
		},
		{
			name:      "Unauthenticated wraps ErrUnauthenticated",
			err:       Unauthenticated("Email or password is incorrect"),
			target:    ErrUnauthenticated,
			wantMatch: true,
		},
		{
			name:      "ProviderFailed wraps ErrProvider",
			err:       ProviderFailed("Invalid request", errors.New("state mismatch")),
			target:    ErrProvider,
			wantMatch: true,
		},
		{
			name:      "wrapped with fmt.Errorf still matches",
			err:       fmt.Errorf("service: signing in: %w", Unauthenticated("nope")),
			target:    ErrUnauthenticated,
			wantMatch: true,
		},
		{
			name:      "NotFound does NOT match ErrValidation",
			err:       NotFound("user", "abc123"),
			target:    ErrValidation,
			wantMatch: false,
		},
		{
			name:      "Conflict does NOT match ErrUnauthenticated",
			err:       Conflict("username", "taken"),
			target:    ErrUnauthenticated,
			wantMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.Is(tt.err, tt.target)
			if got != tt.wantMatch {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.wantMatch)
			}
		})
	}
}

func TestProviderFailedKeepsCause(t *testing.T) {
	cause := errors.New("token endpoint returned 500")
	err := ProviderFailed("Could not sign in with GitHub", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if err.Message != "Could not sign in with GitHub" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name        string
		err         *AppError
		wantMessage string
	}{
		{
			name:        "NotFound message includes resource and id",
			err:         NotFound("user", "abc123"),
			wantMessage: "user not found with id abc123",
		},
		{
			name:        "ValidationFailed uses custom message",
			err:         ValidationFailed("password", "Passwords do not match"),
			wantMessage: "Passwords do not match",
		},
		{
			name:        "Conflict uses custom message",
			err:         Conflict("email", "An account with this email already exists"),
			wantMessage: "An account with this email already exists",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMessage {
				t.Errorf("Error() = %q, want %q", got, tt.wantMessage)
			}
		})
	}
}

func TestMessageOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", Conflict("email", "email taken"))
	if got := MessageOf(wrapped, "fallback"); got != "email taken" {
		t.Errorf("MessageOf(AppError) = %q, want %q", got, "email taken")
	}
	if got := MessageOf(errors.New("disk full"), "fallback"); got != "fallback" {
		t.Errorf("MessageOf(plain) = %q, want %q", got, "fallback")
	}
}

func TestFieldIsSet(t *testing.T) {
	if err := ValidationFailed("email", "invalid email format"); err.Field != "email" {
		t.Errorf("ValidationFailed Field = %q, want %q", err.Field, "email")
	}
	if err := Conflict("username", "taken"); err.Field != "username" {
		t.Errorf("Conflict Field = %q, want %q", err.Field, "username")
	}
}
