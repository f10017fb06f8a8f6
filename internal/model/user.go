// Package model defines the data structures used throughout the application.
package model

import "time"

// Supported identity providers. Stored verbatim in oauth_accounts.provider.
const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"
)

// User represents a registered account.
//
// A user signs in either with email + password (HashedPassword set) or through
// one or more linked OAuth accounts. Email is nullable: OAuth sign-ups only
// store one the provider has verified, and uniqueness only applies to
// non-NULL values.
//
// WHY POINTERS FOR OPTIONAL COLUMNS?
// Email, HashedPassword and ProfilePictureURL map to nullable columns. A nil
// pointer is NULL in the database; an empty string would be a real value and
// would collide under the UNIQUE constraint on email.
type User struct {
	ID                string    `json:"id"`
	Email             *string   `json:"email,omitempty"`
	Username          string    `json:"username"`
	HashedPassword    *string   `json:"-"`
	ProfilePictureURL *string   `json:"profilePictureUrl,omitempty"`
	EmailVerified     bool      `json:"isEmailVerified"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// HasPassword reports whether the user can sign in with a password.
func (u *User) HasPassword() bool {
	return u.HashedPassword != nil && *u.HashedPassword != ""
}

// EmailAddress returns the email or "" when none is stored.
func (u *User) EmailAddress() string {
	if u.Email == nil {
		return ""
	}
	return *u.Email
}

// OAuthAccount links a User to an identity at an external provider.
// (Provider, ProviderUserID) is the primary key: one external identity maps to
// at most one local user.
type OAuthAccount struct {
	UserID         string     `json:"userId"`
	Provider       string     `json:"provider"`
	ProviderUserID string     `json:"providerUserId"`
	AccessToken    string     `json:"-"`
	RefreshToken   *string    `json:"-"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Session is a server-side authentication grant. ID is the bearer value held
// in the session cookie.
//
// TTL is the lifetime the session was issued with. The freshness rule
// (renew when less than half of it remains) needs it after the fact.
type Session struct {
	ID        string        `json:"-"`
	UserID    string        `json:"userId"`
	ExpiresAt time.Time     `json:"expiresAt"`
	TTL       time.Duration `json:"-"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
