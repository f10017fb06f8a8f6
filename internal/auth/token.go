package auth

// EMAIL VERIFICATION TOKENS:
// A verification link has to prove two things when it comes back: that we
// issued it, and for which user and address. A signed JWT carries both
// without a table of pending tokens:
//
//	header.payload.signature
//	       │
//	       └─ {"sub": "<user id>", "email": "a@b.com",
//	           "purpose": "email_verification", "iss": "gatekeeper", "exp": ...}
//
// The "purpose" claim stops a token minted for one job from being replayed
// for another. Binding the email means a link sent to an old address stops
// working once the user changes it.
//
// Sessions do not use JWTs. See session.go for why they live server-side.

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token claims and lifetime.
const (
	tokenIssuer = "gatekeeper"

	PurposeEmailVerification = "email_verification"
	DefaultVerificationTTL   = 24 * time.Hour
)

// Errors from ValidateEmailVerification. ErrTokenExpired is separate so the
// user can be told to request a new link rather than that the link is bad.
var (
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenInvalid = errors.New("auth: invalid token")
)

// TokenService signs short-lived, single-purpose links (email
// verification). Sessions never use it: they are server-side.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a TokenService signing with HMAC-SHA256.
// secret must be at least 16 characters; short HMAC keys can be brute
// forced offline from a single token.
func NewTokenService(secret string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: token secret must be at least 16 characters")
	}
	return &TokenService{secret: []byte(secret)}, nil
}

// VerificationClaims binds a token to one user and the email it was sent to.
type VerificationClaims struct {
	jwt.RegisteredClaims
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
}

// GenerateEmailVerification signs a token for userID/email valid for ttl
// (DefaultVerificationTTL when ttl is zero).
func (s *TokenService) GenerateEmailVerification(userID, email string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = DefaultVerificationTTL
	}
	now := time.Now()

	c := VerificationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:   email,
		Purpose: PurposeEmailVerification,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// ValidateEmailVerification checks signature, issuer, expiry and purpose.
func (s *TokenService) ValidateEmailVerification(tokenStr string) (*VerificationClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&VerificationClaims{},
		func(token *jwt.Token) (any, error) {
			return s.secret, nil
		},
		// Pinning the algorithm blocks "alg: none" and RS/HS confusion.
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	c, ok := token.Claims.(*VerificationClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if c.Purpose != PurposeEmailVerification || c.Subject == "" || c.Email == "" {
		return nil, ErrTokenInvalid
	}
	return c, nil
}
