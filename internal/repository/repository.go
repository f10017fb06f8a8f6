// Package repository declares the storage interfaces the service layer
// depends on. internal/repository/sqldb implements them on database/sql.
//
// Lookups return an error wrapping apperror.ErrNotFound when the row does not
// exist. Uniqueness violations come back as apperror.ErrConflict with the
// offending field, so callers never inspect driver errors.
//
// WHY INTERFACES?
// The services depend on these interfaces, not on *sqldb.DB. Each consumer
// asks for the narrowest one it needs: SessionManager only sees
// SessionRepository, while the OAuth flow needs TxStore because it creates a
// user and links an account in one transaction. Tests wrap the real store
// to inject races and failures without a mocking library.
//
// GO INTERFACE RULE:
// Interfaces are satisfied implicitly. sqldb never mentions this package's
// types in its method signatures; it only has a compile-time assertion
// (var _ repository.Store = (*DB)(nil)) to catch drift.
package repository

import (
	"context"
	"time"

	"github.com/sakif/gatekeeper/internal/model"
)

// UserRepository stores local user accounts.
type UserRepository interface {
	// CreateUser assigns ID, CreatedAt and UpdatedAt.
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	// GetUserByEmail matches exactly; callers pass a normalized address.
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	// GetUserByUsername ignores case.
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	// UpdateUserProfile rewrites email, username, password hash and picture.
	UpdateUserProfile(ctx context.Context, user *model.User) error
	MarkEmailVerified(ctx context.Context, id string) error
}

// OAuthAccountRepository stores the links between a local user and a
// provider identity. (provider, provider_user_id) is the primary key, so an
// identity can belong to at most one user.
type OAuthAccountRepository interface {
	GetOAuthAccount(ctx context.Context, provider, providerUserID string) (*model.OAuthAccount, error)
	// UpsertOAuthAccount inserts the link, or refreshes its tokens when
	// (provider, provider_user_id) already exists. UserID is never changed.
	UpsertOAuthAccount(ctx context.Context, account *model.OAuthAccount) error
	// ListOAuthAccounts returns the user's links, oldest first.
	ListOAuthAccounts(ctx context.Context, userID string) ([]model.OAuthAccount, error)
}

// SessionRepository stores server-side sessions.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *model.Session) error
	// GetSessionAndUser loads the session and its owner in one query. It does
	// not look at expiry; that rule belongs to auth.SessionManager.
	GetSessionAndUser(ctx context.Context, id string) (*model.Session, *model.User, error)
	// ExtendSession moves the expiry. A missing row is ErrNotFound.
	ExtendSession(ctx context.Context, id string, expiresAt time.Time) error
	// DeleteSession is idempotent: deleting a missing row is not an error.
	DeleteSession(ctx context.Context, id string) error
	DeleteUserSessions(ctx context.Context, userID string) error
	// DeleteExpiredSessions removes rows with expires_at <= now and reports
	// how many went.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full credential store.
type Store interface {
	UserRepository
	OAuthAccountRepository
	SessionRepository
}

// TxStore is a Store that can run a group of writes atomically. If fn returns
// an error (or panics) every write made through the Store passed to fn is
// rolled back.
type TxStore interface {
	Store
	InTx(ctx context.Context, fn func(Store) error) error
}
