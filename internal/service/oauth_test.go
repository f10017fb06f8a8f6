package service

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/sakif/gatekeeper/internal/apperror"
	"github.com/sakif/gatekeeper/internal/auth"
	"github.com/sakif/gatekeeper/internal/model"
	"github.com/sakif/gatekeeper/internal/repository"
	"github.com/sakif/gatekeeper/internal/repository/sqldb"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

// fakeProvider returns a fixed identity and counts exchanges.
type fakeProvider struct {
	name string
	pkce bool

	mu           sync.Mutex
	identity     auth.Identity
	err          error
	exchanges    int
	lastVerifier string
}

func (p *fakeProvider) Name() string   { return p.name }
func (p *fakeProvider) UsesPKCE() bool { return p.pkce }

func (p *fakeProvider) AuthCodeURL(state, verifier string) string {
	q := url.Values{"state": {state}}
	if verifier != "" {
		q.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	}
	return "https://" + p.name + ".example.com/authorize?" + q.Encode()
}

func (p *fakeProvider) Exchange(_ context.Context, code, verifier string) (*auth.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchanges++
	p.lastVerifier = verifier
	if p.err != nil {
		return nil, p.err
	}
	id := p.identity
	id.Provider = p.name
	return &id, nil
}

func (p *fakeProvider) exchangeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

func newFakeGitHub() *fakeProvider {
	return &fakeProvider{
		name: model.ProviderGitHub,
		identity: auth.Identity{
			ProviderUserID: "42",
			Email:          "octo@example.com",
			EmailVerified:  true,
			Username:       "octocat",
			AvatarURL:      "https://avatars.example.com/42",
			Token:          &oauth2.Token{AccessToken: "gho_first"},
		},
	}
}

func newFakeGoogle() *fakeProvider {
	return &fakeProvider{
		name: model.ProviderGoogle,
		pkce: true,
		identity: auth.Identity{
			ProviderUserID: "1234567890",
			Email:          "Jane@Example.com",
			EmailVerified:  true,
			Username:       "Jane Doe",
			Token: &oauth2.Token{
				AccessToken:  "ya29.first",
				RefreshToken: "1//refresh",
				Expiry:       time.Now().Add(time.Hour),
			},
		},
	}
}

type oauthFixture struct {
	db       *sqldb.DB
	sessions *auth.SessionManager
	svc      *OAuthService
	github   *fakeProvider
	google   *fakeProvider
}

func newTestOAuthService(t *testing.T, reconcileEmail bool) *oauthFixture {
	t.Helper()
	db := newTestStore(t)
	sessions := newTestSessions(db)
	gh, g := newFakeGitHub(), newFakeGoogle()
	svc := NewOAuthService(db, sessions, testLogger(), nil, reconcileEmail, gh, g)
	return &oauthFixture{db: db, sessions: sessions, svc: svc, github: gh, google: g}
}

// callback builds a well-formed step-two request for an in-flight login.
func callback(req *AuthorizationRequest) Callback {
	return Callback{
		Provider:       req.Provider,
		Code:           "good-code",
		State:          req.State,
		StoredState:    req.State,
		StoredVerifier: req.CodeVerifier,
	}
}

func login(t *testing.T, svc *OAuthService, provider string) (*model.Session, error) {
	t.Helper()
	req, err := svc.Begin(provider)
	require.NoError(t, err)
	return svc.Complete(context.Background(), callback(req))
}

// =========================================================================
// Begin
// =========================================================================

func TestBegin(t *testing.T) {
	f := newTestOAuthService(t, true)

	g, err := f.svc.Begin(model.ProviderGoogle)
	require.NoError(t, err)
	assert.Len(t, g.State, 43)
	assert.NotEmpty(t, g.CodeVerifier, "google uses PKCE")

	u, err := url.Parse(g.URL)
	require.NoError(t, err)
	assert.Equal(t, g.State, u.Query().Get("state"))
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(g.CodeVerifier), u.Query().Get("code_challenge"))

	gh, err := f.svc.Begin(model.ProviderGitHub)
	require.NoError(t, err)
	assert.Empty(t, gh.CodeVerifier, "github does not")
	assert.NotEqual(t, g.State, gh.State)

	_, err = f.svc.Begin("myspace")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	assert.Equal(t, []string{"github", "google"}, f.svc.Providers())
}

// =========================================================================
// Complete: rejected callbacks
// =========================================================================

func TestComplete_RejectsWithoutExchange(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Callback)
	}{
		{"unknown provider", func(cb *Callback) { cb.Provider = "myspace" }},
		{"provider error", func(cb *Callback) { cb.ProviderError = "access_denied" }},
		{"missing code", func(cb *Callback) { cb.Code = "" }},
		{"missing state", func(cb *Callback) { cb.State = "" }},
		{"missing stored state", func(cb *Callback) { cb.StoredState = "" }},
		{"state mismatch", func(cb *Callback) { cb.State = cb.State + "x" }},
		{"missing verifier", func(cb *Callback) { cb.StoredVerifier = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestOAuthService(t, true)
			req, err := f.svc.Begin(model.ProviderGoogle)
			require.NoError(t, err)

			cb := callback(req)
			tt.mutate(&cb)
			session, err := f.svc.Complete(context.Background(), cb)

			assert.Nil(t, session)
			assert.ErrorIs(t, err, apperror.ErrProvider)
			assert.Zero(t, f.google.exchangeCount(), "provider must not be contacted")
		})
	}
}

func TestComplete_InvalidRequestMessage(t *testing.T) {
	f := newTestOAuthService(t, true)
	req, _ := f.svc.Begin(model.ProviderGitHub)

	cb := callback(req)
	cb.State = "forged"
	_, err := f.svc.Complete(context.Background(), cb)

	assert.Equal(t, "Invalid request", apperror.MessageOf(err, ""))
}

func TestComplete_ExchangeFailure(t *testing.T) {
	f := newTestOAuthService(t, true)
	f.github.err = errors.New("bad_verification_code")

	_, err := login(t, f.svc, model.ProviderGitHub)

	require.ErrorIs(t, err, apperror.ErrProvider)
	assert.Equal(t, "Could not sign in with GitHub", apperror.MessageOf(err, ""))
	assert.Equal(t, 1, f.github.exchangeCount(), "no retry")

	_, err = f.db.GetUserByUsername(context.Background(), "octocat")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestComplete_PassesVerifier(t *testing.T) {
	f := newTestOAuthService(t, true)
	req, _ := f.svc.Begin(model.ProviderGoogle)

	_, err := f.svc.Complete(context.Background(), callback(req))
	require.NoError(t, err)
	assert.Equal(t, req.CodeVerifier, f.google.lastVerifier)
}

// =========================================================================
// Complete: reconciliation
// =========================================================================

func TestComplete_NewUser(t *testing.T) {
	f := newTestOAuthService(t, true)
	ctx := context.Background()

	session, err := login(t, f.svc, model.ProviderGoogle)
	require.NoError(t, err)

	v, err := f.sessions.Validate(ctx, session.ID)
	require.NoError(t, err)
	user := v.User
	assert.Equal(t, "Jane Doe", user.Username)
	assert.Equal(t, "jane@example.com", user.EmailAddress(), "normalized")
	assert.True(t, user.EmailVerified)
	assert.False(t, user.HasPassword())

	account, err := f.db.GetOAuthAccount(ctx, model.ProviderGoogle, "1234567890")
	require.NoError(t, err)
	assert.Equal(t, user.ID, account.UserID)
	assert.Equal(t, "ya29.first", account.AccessToken)
	require.NotNil(t, account.RefreshToken)
	assert.Equal(t, "1//refresh", *account.RefreshToken)
	assert.NotNil(t, account.ExpiresAt)
}

func TestComplete_ReturningUser(t *testing.T) {
	f := newTestOAuthService(t, true)
	ctx := context.Background()

	first, err := login(t, f.svc, model.ProviderGitHub)
	require.NoError(t, err)

	f.github.identity.Token = &oauth2.Token{AccessToken: "gho_second"}
	f.github.identity.AvatarURL = "https://avatars.example.com/42?v=2"
	second, err := login(t, f.svc, model.ProviderGitHub)
	require.NoError(t, err)

	assert.Equal(t, first.UserID, second.UserID)
	assert.NotEqual(t, first.ID, second.ID)

	account, err := f.db.GetOAuthAccount(ctx, model.ProviderGitHub, "42")
	require.NoError(t, err)
	assert.Equal(t, "gho_second", account.AccessToken)

	user, err := f.db.GetUserByID(ctx, first.UserID)
	require.NoError(t, err)
	require.NotNil(t, user.ProfilePictureURL)
	assert.Equal(t, "https://avatars.example.com/42?v=2", *user.ProfilePictureURL)

	accounts, err := f.db.ListOAuthAccounts(ctx, first.UserID)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestComplete_EmailBelongsToPasswordUser(t *testing.T) {
	f := newTestOAuthService(t, true)
	ctx := context.Background()

	email, hash := "octo@example.com", "$argon2id$placeholder"
	require.NoError(t, f.db.CreateUser(ctx, &model.User{Email: &email, Username: "someone", HashedPassword: &hash}))

	_, err := login(t, f.svc, model.ProviderGitHub)

	require.ErrorIs(t, err, apperror.ErrConflict)
	assert.Equal(t, "email", fieldOf(t, err))

	_, err = f.db.GetOAuthAccount(ctx, model.ProviderGitHub, "42")
	assert.ErrorIs(t, err, apperror.ErrNotFound, "nothing linked")
	_, err = f.db.GetUserByUsername(ctx, "octocat")
	assert.ErrorIs(t, err, apperror.ErrNotFound, "nothing created")
}

func TestComplete_ReconciliationDisabled(t *testing.T) {
	f := newTestOAuthService(t, false)
	ctx := context.Background()

	email, hash := "octo@example.com", "$argon2id$placeholder"
	require.NoError(t, f.db.CreateUser(ctx, &model.User{Email: &email, Username: "someone", HashedPassword: &hash}))

	session, err := login(t, f.svc, model.ProviderGitHub)
	require.NoError(t, err)

	user, err := f.db.GetUserByID(ctx, session.UserID)
	require.NoError(t, err)
	assert.Nil(t, user.Email, "email not stored without reconciliation")
	assert.False(t, user.EmailVerified)
}

func TestComplete_UnverifiedEmailNotStored(t *testing.T) {
	f := newTestOAuthService(t, true)
	ctx := context.Background()
	f.google.identity.EmailVerified = false

	session, err := login(t, f.svc, model.ProviderGoogle)
	require.NoError(t, err)

	user, err := f.db.GetUserByID(ctx, session.UserID)
	require.NoError(t, err)
	assert.Nil(t, user.Email)
	assert.False(t, user.EmailVerified)

	// The address stays free for its owner.
	_, err = f.db.GetUserByEmail(ctx, "jane@example.com")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	hash := "$argon2id$placeholder"
	email := "jane@example.com"
	require.NoError(t, f.db.CreateUser(ctx, &model.User{Email: &email, Username: "jane", HashedPassword: &hash}))
}

func TestComplete_UsernameCollision(t *testing.T) {
	f := newTestOAuthService(t, false)
	ctx := context.Background()

	hash := "$argon2id$placeholder"
	require.NoError(t, f.db.CreateUser(ctx, &model.User{Username: "octocat", HashedPassword: &hash}))
	require.NoError(t, f.db.CreateUser(ctx, &model.User{Username: "octocat-2", HashedPassword: &hash}))

	session, err := login(t, f.svc, model.ProviderGitHub)
	require.NoError(t, err)

	user, err := f.db.GetUserByID(ctx, session.UserID)
	require.NoError(t, err)
	assert.Equal(t, "octocat-3", user.Username)
}

func TestUsernameBase(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "octocat", "octocat"},
		{"collapses whitespace", "  Jane   Doe ", "Jane Doe"},
		{"too short", "x", "github-user"},
		{"empty", "", "github-user"},
		{"truncated", "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz", "abcdefghijklmnopqrstuvwxyzabcdefghijklmn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, usernameBase(tt.in, model.ProviderGitHub))
		})
	}
}

// =========================================================================
// Complete: concurrent callbacks
// =========================================================================

func TestComplete_ConcurrentCallbacksSameIdentity(t *testing.T) {
	f := newTestOAuthService(t, true)
	const n = 6

	reqs := make([]*AuthorizationRequest, n)
	for i := range reqs {
		req, err := f.svc.Begin(model.ProviderGitHub)
		require.NoError(t, err)
		reqs[i] = req
	}

	var wg sync.WaitGroup
	sessions := make([]*model.Session, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = f.svc.Complete(context.Background(), callback(reqs[i]))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, sessions[0].UserID, sessions[i].UserID, "one identity, one user")
	}
	_, err := f.db.GetUserByUsername(context.Background(), "octocat-2")
	assert.ErrorIs(t, err, apperror.ErrNotFound, "no duplicate user")
}

// racingStore hides the account on the first lookup, as if another callback
// committed it just after we looked.
type racingStore struct {
	*sqldb.DB
	mu     sync.Mutex
	hidden bool
}

type racingTx struct {
	repository.Store
	parent *racingStore
}

func (s *racingStore) InTx(ctx context.Context, fn func(repository.Store) error) error {
	return s.DB.InTx(ctx, func(tx repository.Store) error {
		return fn(&racingTx{Store: tx, parent: s})
	})
}

func (tx *racingTx) GetOAuthAccount(ctx context.Context, provider, providerUserID string) (*model.OAuthAccount, error) {
	tx.parent.mu.Lock()
	hide := !tx.parent.hidden
	tx.parent.hidden = true
	tx.parent.mu.Unlock()
	if hide {
		return nil, apperror.NotFound("oauth account", provider+":"+providerUserID)
	}
	return tx.Store.GetOAuthAccount(ctx, provider, providerUserID)
}

func TestComplete_RetriesAfterLostRace(t *testing.T) {
	f := newTestOAuthService(t, false)
	ctx := context.Background()

	first, err := login(t, f.svc, model.ProviderGitHub)
	require.NoError(t, err)

	racing := &racingStore{DB: f.db}
	svc := NewOAuthService(racing, f.sessions, testLogger(), nil, false, f.github)

	second, err := login(t, svc, model.ProviderGitHub)
	require.NoError(t, err)
	assert.Equal(t, first.UserID, second.UserID)

	_, err = f.db.GetUserByUsername(ctx, "octocat-2")
	assert.ErrorIs(t, err, apperror.ErrNotFound, "the losing attempt was rolled back")
}
