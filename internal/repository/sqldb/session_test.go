package sqldb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/gatekeeper/internal/apperror"
	"github.com/sakif/gatekeeper/internal/model"
)

func createTestSession(t *testing.T, db *DB, id, userID string, expiresAt time.Time) *model.Session {
	t.Helper()
	s := &model.Session{
		ID:        id,
		UserID:    userID,
		ExpiresAt: expiresAt,
		TTL:       30 * 24 * time.Hour,
	}
	if err := db.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("failed to create test session: %v", err)
	}
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := createTestUser(t, db, "alice")
	expires := time.Now().Add(time.Hour).Truncate(time.Second)

	createTestSession(t, db, "sess-1", u.ID, expires)

	s, user, err := db.GetSessionAndUser(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s.ID)
	assert.Equal(t, u.ID, s.UserID)
	assert.True(t, s.ExpiresAt.Equal(expires), "ExpiresAt = %v, want %v", s.ExpiresAt, expires)
	assert.Equal(t, 30*24*time.Hour, s.TTL)
	assert.Equal(t, "alice", user.Username)
	require.NotNil(t, user.Email)
	assert.Equal(t, "alice@example.com", *user.Email)
}

func TestCreateSession_DuplicateID(t *testing.T) {
	db := newTestDB(t)
	u := createTestUser(t, db, "alice")
	createTestSession(t, db, "dup", u.ID, time.Now().Add(time.Hour))

	err := db.CreateSession(context.Background(), &model.Session{
		ID: "dup", UserID: u.ID, ExpiresAt: time.Now().Add(time.Hour), TTL: time.Hour,
	})
	assert.ErrorIs(t, err, apperror.ErrConflict)
}

func TestCreateSession_UnknownUser(t *testing.T) {
	db := newTestDB(t)
	err := db.CreateSession(context.Background(), &model.Session{
		ID: "orphan", UserID: "ghost", ExpiresAt: time.Now().Add(time.Hour), TTL: time.Hour,
	})
	assert.Error(t, err, "foreign key should reject a session for a missing user")
}

func TestGetSessionAndUser_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, _, err := db.GetSessionAndUser(context.Background(), "nope")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestExtendSession(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := createTestUser(t, db, "alice")
	createTestSession(t, db, "sess-1", u.ID, time.Now().Add(time.Minute))

	later := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	require.NoError(t, db.ExtendSession(ctx, "sess-1", later))

	s, _, err := db.GetSessionAndUser(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, s.ExpiresAt.Equal(later))

	assert.ErrorIs(t, db.ExtendSession(ctx, "gone", later), apperror.ErrNotFound)
}

func TestDeleteSession_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := createTestUser(t, db, "alice")
	createTestSession(t, db, "sess-1", u.ID, time.Now().Add(time.Hour))

	require.NoError(t, db.DeleteSession(ctx, "sess-1"))
	require.NoError(t, db.DeleteSession(ctx, "sess-1"))

	_, _, err := db.GetSessionAndUser(ctx, "sess-1")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestDeleteUserSessions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")
	createTestSession(t, db, "a1", alice.ID, time.Now().Add(time.Hour))
	createTestSession(t, db, "a2", alice.ID, time.Now().Add(time.Hour))
	createTestSession(t, db, "b1", bob.ID, time.Now().Add(time.Hour))

	require.NoError(t, db.DeleteUserSessions(ctx, alice.ID))

	for _, id := range []string{"a1", "a2"} {
		_, _, err := db.GetSessionAndUser(ctx, id)
		assert.ErrorIs(t, err, apperror.ErrNotFound, "session %s", id)
	}
	_, _, err := db.GetSessionAndUser(ctx, "b1")
	assert.NoError(t, err)
}

func TestDeleteExpiredSessions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := createTestUser(t, db, "alice")
	now := time.Now()

	createTestSession(t, db, "old", u.ID, now.Add(-2*time.Hour))
	createTestSession(t, db, "edge", u.ID, now.Add(-time.Second))
	createTestSession(t, db, "live", u.ID, now.Add(time.Hour))

	n, err := db.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, _, err = db.GetSessionAndUser(ctx, "live")
	assert.NoError(t, err)
}

func TestSession_CascadesWithUser(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u := createTestUser(t, db, "alice")
	createTestSession(t, db, "sess-1", u.ID, time.Now().Add(time.Hour))

	_, err := db.conn.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, u.ID)
	require.NoError(t, err)

	_, _, err = db.GetSessionAndUser(ctx, "sess-1")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}
