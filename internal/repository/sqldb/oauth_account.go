package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/gatekeeper/internal/apperror"
	"github.com/sakif/gatekeeper/internal/model"
)

// oauthColumns is the select list shared by every oauth_accounts query, in
// the order scanOAuthAccount expects.
const oauthColumns = `provider, provider_user_id, user_id, access_token, refresh_token,
	expires_at, created_at, updated_at`

// scanOAuthAccount reads one row produced with oauthColumns. rowScanner lets
// it serve both *sql.Row and *sql.Rows.
func scanOAuthAccount(row rowScanner) (*model.OAuthAccount, error) {
	var a model.OAuthAccount
	var refresh sql.NullString
	var expires sql.NullTime
	err := row.Scan(
		&a.Provider,
		&a.ProviderUserID,
		&a.UserID,
		&a.AccessToken,
		&refresh,
		&expires,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.RefreshToken = stringPtr(refresh)
	a.ExpiresAt = timePtr(expires)
	return &a, nil
}

// GetOAuthAccount finds the link for a provider identity. An identity that
// was never linked is apperror.ErrNotFound.
func (db *DB) GetOAuthAccount(ctx context.Context, provider, providerUserID string) (*model.OAuthAccount, error) {
	a, err := scanOAuthAccount(db.queryRow(ctx,
		`SELECT `+oauthColumns+` FROM oauth_accounts
		 WHERE provider = ? AND provider_user_id = ?`,
		provider, providerUserID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("oauth account", provider+":"+providerUserID)
		}
		return nil, fmt.Errorf("sqldb: getting oauth account %s:%s: %w", provider, providerUserID, err)
	}
	return a, nil
}

// UpsertOAuthAccount inserts the link or refreshes its tokens.
//
// UPSERT:
// INSERT ... ON CONFLICT (provider, provider_user_id) DO UPDATE is one atomic
// statement in both SQLite and Postgres. Two callbacks for the same identity
// cannot both insert; the second one updates the first one's row instead.
//
//   - user_id is not in the UPDATE list, so a link never changes owner
//   - RETURNING user_id writes the owner back into account.UserID; a caller
//     that just created a user can compare and detect that it lost a race
//   - COALESCE keeps the stored refresh token when the provider sends none
//     (Google only sends one on first consent)
func (db *DB) UpsertOAuthAccount(ctx context.Context, account *model.OAuthAccount) error {
	now := utc(time.Now())
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	err := db.queryRow(ctx,
		`INSERT INTO oauth_accounts (`+oauthColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, provider_user_id) DO UPDATE SET
		   access_token  = excluded.access_token,
		   refresh_token = COALESCE(excluded.refresh_token, oauth_accounts.refresh_token),
		   expires_at    = excluded.expires_at,
		   updated_at    = excluded.updated_at
		 RETURNING user_id`,
		account.Provider,
		account.ProviderUserID,
		account.UserID,
		account.AccessToken,
		nullString(account.RefreshToken),
		nullTime(account.ExpiresAt),
		utc(account.CreatedAt),
		now,
	).Scan(&account.UserID)
	if err != nil {
		if tErr := translateError(err); tErr != err {
			return tErr
		}
		return fmt.Errorf("sqldb: upserting oauth account %s:%s: %w",
			account.Provider, account.ProviderUserID, err)
	}
	return nil
}

// ListOAuthAccounts returns the user's linked providers, oldest first.
func (db *DB) ListOAuthAccounts(ctx context.Context, userID string) ([]model.OAuthAccount, error) {
	rows, err := db.query(ctx,
		`SELECT `+oauthColumns+` FROM oauth_accounts
		 WHERE user_id = ? ORDER BY created_at ASC, provider ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqldb: listing oauth accounts for user %s: %w", userID, err)
	}
	defer rows.Close()

	accounts := []model.OAuthAccount{}
	for rows.Next() {
		a, err := scanOAuthAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("sqldb: scanning oauth account row: %w", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqldb: iterating oauth account rows: %w", err)
	}
	return accounts, nil
}
