package sqldb

// SESSION STORAGE:
// One row per session: id (the cookie value), owner, expiry and the TTL the
// session was issued with. Rows are deleted on sign-out, lazily when an
// expired id is presented, and in bulk by "gatekeeper sessions prune".
// ON DELETE CASCADE on user_id removes a deleted user's sessions.
//
// Session ids are secrets. Error values and NotFound resources never carry
// them, so they cannot leak into logs.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/gatekeeper/internal/apperror"
	"github.com/sakif/gatekeeper/internal/model"
)

// CreateSession stores a session row. The caller generates the ID.
func (db *DB) CreateSession(ctx context.Context, s *model.Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.CreatedAt = utc(s.CreatedAt)
	s.ExpiresAt = utc(s.ExpiresAt)

	_, err := db.exec(ctx,
		`INSERT INTO sessions (id, user_id, expires_at, ttl_seconds, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		s.ID,
		s.UserID,
		s.ExpiresAt,
		int64(s.TTL/time.Second),
		s.CreatedAt,
	)
	if err != nil {
		if tErr := translateError(err); tErr != err {
			return tErr
		}
		return fmt.Errorf("sqldb: inserting session for user %s: %w", s.UserID, err)
	}
	return nil
}

// GetSessionAndUser loads a session together with its owner in one query.
// Expired rows are returned as-is; expiry is the caller's decision.
func (db *DB) GetSessionAndUser(ctx context.Context, id string) (*model.Session, *model.User, error) {
	var (
		s                             model.Session
		u                             model.User
		ttlSeconds                    int64
		email, hashed, profilePicture sql.NullString
	)

	err := db.queryRow(ctx,
		`SELECT s.id, s.user_id, s.expires_at, s.ttl_seconds, s.created_at,
		        u.id, u.email, u.username, u.hashed_password, u.profile_picture_url,
		        u.is_email_verified, u.created_at, u.updated_at
		 FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.id = ?`,
		id,
	).Scan(
		&s.ID, &s.UserID, &s.ExpiresAt, &ttlSeconds, &s.CreatedAt,
		&u.ID, &email, &u.Username, &hashed, &profilePicture,
		&u.EmailVerified, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, apperror.NotFound("session", "(redacted)")
		}
		return nil, nil, fmt.Errorf("sqldb: getting session: %w", err)
	}

	s.TTL = time.Duration(ttlSeconds) * time.Second
	u.Email = stringPtr(email)
	u.HashedPassword = stringPtr(hashed)
	u.ProfilePictureURL = stringPtr(profilePicture)
	return &s, &u, nil
}

// ExtendSession moves the expiry of a session. A vanished row is
// apperror.ErrNotFound.
func (db *DB) ExtendSession(ctx context.Context, id string, expiresAt time.Time) error {
	res, err := db.exec(ctx,
		`UPDATE sessions SET expires_at = ? WHERE id = ?`,
		utc(expiresAt), id,
	)
	if err != nil {
		return fmt.Errorf("sqldb: extending session: %w", err)
	}
	return requireRow(res, "session", "(redacted)")
}

// DeleteSession removes one session. Deleting an id that does not exist is
// not an error, so signing out twice is harmless.
func (db *DB) DeleteSession(ctx context.Context, id string) error {
	if _, err := db.exec(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqldb: deleting session: %w", err)
	}
	return nil
}

// DeleteUserSessions signs a user out everywhere.
func (db *DB) DeleteUserSessions(ctx context.Context, userID string) error {
	if _, err := db.exec(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("sqldb: deleting sessions for user %s: %w", userID, err)
	}
	return nil
}

// DeleteExpiredSessions removes every session whose expiry is at or before
// now and reports how many were removed.
func (db *DB) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.exec(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, utc(now))
	if err != nil {
		return 0, fmt.Errorf("sqldb: pruning expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqldb: checking rows affected: %w", err)
	}
	return n, nil
}
