package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/gatekeeper/internal/apperror"
	"github.com/sakif/gatekeeper/internal/model"
)

// userColumns is the select list for users, in the order scanUser expects.
// Keeping it in one place means adding a column touches one string and one
// Scan call.
const userColumns = `id, email, username, hashed_password, profile_picture_url,
	is_email_verified, created_at, updated_at`

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanUser reads one users row. NULL columns come back as nil pointers.
func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	var email, hashed, profilePicture sql.NullString
	err := row.Scan(
		&u.ID,
		&email,
		&u.Username,
		&hashed,
		&profilePicture,
		&u.EmailVerified,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Email = stringPtr(email)
	u.HashedPassword = stringPtr(hashed)
	u.ProfilePictureURL = stringPtr(profilePicture)
	return &u, nil
}

// CreateUser inserts a new user. A taken email or username comes back as
// apperror.ErrConflict naming the field.
//
// WHY XID?
// xid ids are 20 characters, URL safe and sort by creation time, which
// keeps the primary key index append-mostly. They need no coordination
// between instances, unlike an auto-increment counter.
func (db *DB) CreateUser(ctx context.Context, user *model.User) error {
	now := utc(time.Now())
	user.ID = xid.New().String()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := db.exec(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		nullString(user.Email),
		user.Username,
		nullString(user.HashedPassword),
		nullString(user.ProfilePictureURL),
		user.EmailVerified,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if tErr := translateError(err); tErr != err {
			return tErr
		}
		return fmt.Errorf("sqldb: inserting user %q: %w", user.Username, err)
	}
	return nil
}

// getUser loads one user. where is a fixed predicate with a single "?".
func (db *DB) getUser(ctx context.Context, column, where, value string) (*model.User, error) {
	u, err := scanUser(db.queryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+where, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", value)
		}
		return nil, fmt.Errorf("sqldb: getting user by %s: %w", column, err)
	}
	return u, nil
}

// GetUserByID returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return db.getUser(ctx, "id", "id = ?", id)
}

// GetUserByEmail matches the stored email exactly. Callers normalize first.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return db.getUser(ctx, "email", "email = ?", email)
}

// GetUserByUsername ignores case, matching the users_username_lower_key
// index: "Alice" finds "alice".
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return db.getUser(ctx, "username", "lower(username) = lower(?)", username)
}

// UpdateUserProfile rewrites the mutable profile columns.
func (db *DB) UpdateUserProfile(ctx context.Context, user *model.User) error {
	user.UpdatedAt = utc(time.Now())

	res, err := db.exec(ctx,
		`UPDATE users SET email = ?, username = ?, hashed_password = ?,
		 profile_picture_url = ?, updated_at = ?
		 WHERE id = ?`,
		nullString(user.Email),
		user.Username,
		nullString(user.HashedPassword),
		nullString(user.ProfilePictureURL),
		user.UpdatedAt,
		user.ID,
	)
	if err != nil {
		if tErr := translateError(err); tErr != err {
			return tErr
		}
		return fmt.Errorf("sqldb: updating user %s: %w", user.ID, err)
	}
	return requireRow(res, "user", user.ID)
}

// MarkEmailVerified sets is_email_verified for the user. Verifying twice is
// fine; an unknown id is apperror.ErrNotFound.
func (db *DB) MarkEmailVerified(ctx context.Context, id string) error {
	res, err := db.exec(ctx,
		`UPDATE users SET is_email_verified = ?, updated_at = ? WHERE id = ?`,
		true, utc(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("sqldb: verifying email for user %s: %w", id, err)
	}
	return requireRow(res, "user", id)
}

// requireRow turns "0 rows affected" into apperror.ErrNotFound.
//
// UPDATE and DELETE do not fail when the WHERE clause matches nothing; they
// just report zero rows. Checking RowsAffected is how the caller finds out
// the row was missing.
func requireRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqldb: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound(resource, id)
	}
	return nil
}
