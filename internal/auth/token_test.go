package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestTokenService(t *testing.T) *TokenService {
	t.Helper()
	ts, err := NewTokenService("test-secret-at-least-16-chars!!")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return ts
}

func TestNewTokenService_ShortSecret(t *testing.T) {
	if _, err := NewTokenService("short"); err == nil {
		t.Fatal("NewTokenService() should reject secrets shorter than 16 chars")
	}
	if _, err := NewTokenService("this-is-16-chars"); err != nil {
		t.Fatalf("NewTokenService() unexpected error for valid secret: %v", err)
	}
}

func TestEmailVerification_RoundTrip(t *testing.T) {
	ts := newTestTokenService(t)

	token, err := ts.GenerateEmailVerification("user-1", "a@b.com", 0)
	if err != nil {
		t.Fatalf("GenerateEmailVerification() error = %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Errorf("token %q does not look like a JWT", token)
	}

	c, err := ts.ValidateEmailVerification(token)
	if err != nil {
		t.Fatalf("ValidateEmailVerification() error = %v", err)
	}
	if c.Subject != "user-1" || c.Email != "a@b.com" {
		t.Errorf("claims = (%q, %q), want (user-1, a@b.com)", c.Subject, c.Email)
	}
	if got := c.ExpiresAt.Sub(c.IssuedAt.Time); got != DefaultVerificationTTL {
		t.Errorf("lifetime = %v, want %v", got, DefaultVerificationTTL)
	}
}

func TestEmailVerification_Expired(t *testing.T) {
	ts := newTestTokenService(t)

	token, _ := ts.GenerateEmailVerification("user-1", "a@b.com", -time.Minute)

	if _, err := ts.ValidateEmailVerification(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("error = %v, want ErrTokenExpired", err)
	}
}

func TestEmailVerification_Rejects(t *testing.T) {
	ts := newTestTokenService(t)
	other, _ := NewTokenService("a-completely-different-secret")
	good, _ := ts.GenerateEmailVerification("user-1", "a@b.com", time.Hour)
	foreign, _ := other.GenerateEmailVerification("user-1", "a@b.com", time.Hour)

	// Same secret, wrong purpose.
	wrongPurpose, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, VerificationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email:   "a@b.com",
		Purpose: "password_reset",
	}).SignedString([]byte("test-secret-at-least-16-chars!!"))

	// Same secret, HS512 instead of HS256.
	wrongAlg, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, VerificationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email:   "a@b.com",
		Purpose: PurposeEmailVerification,
	}).SignedString([]byte("test-secret-at-least-16-chars!!"))

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt.token"},
		{"tampered signature", good[:len(good)-3] + "xxx"},
		{"signed with another secret", foreign},
		{"wrong purpose", wrongPurpose},
		{"wrong algorithm", wrongAlg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ts.ValidateEmailVerification(tt.token); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}
