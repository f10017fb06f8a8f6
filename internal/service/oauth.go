package service

// PROVIDER LOGIN, END TO END:
//
//	Begin(provider)
//	  └─► state (+ PKCE verifier) ─► handler stores them in cookies
//	      browser ─► provider consent screen ─► /auth/{provider}/callback
//	Complete(callback)
//	  ├─ checkCallback   state matches cookie, code present, verifier present
//	  ├─ Exchange        code ─► tokens ─► Identity (blocking, not retried)
//	  ├─ reconcile       one transaction:
//	  │     known identity      → refresh tokens, reuse the user
//	  │     email owned by user → Conflict, nothing written
//	  │     otherwise           → create user + link
//	  └─ sessions.Create
//
// ACCOUNT RECONCILIATION:
// A provider identity is matched by (provider, provider_user_id), never by
// email. Linking a Google login to an existing password account just because
// the emails match would let anyone who controls that address at the
// provider take over the account. When the email is already taken the login
// is refused and the user is told to sign in with their password.
//
// CONCURRENT CALLBACKS:
// Two callbacks for the same new identity (a double click, two tabs) can
// both see "no account" and both try to create one. The primary key on
// oauth_accounts lets exactly one win. The loser's transaction rolls back
// with raceConflict and reconcile runs once more, which now finds the
// winner's account. Both requests end up signed in as the same user.

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sakif/gatekeeper/internal/apperror"
	"github.com/sakif/gatekeeper/internal/auth"
	"github.com/sakif/gatekeeper/internal/metrics"
	"github.com/sakif/gatekeeper/internal/model"
	"github.com/sakif/gatekeeper/internal/repository"
)

const (
	msgInvalidRequest = "Invalid request"

	// Derived usernames leave room for a "-N" suffix within maxUsernameLength.
	maxDerivedUsernameLength = 40
	usernameAttempts         = 5
)

// AuthorizationRequest is step one of a provider login. State and
// CodeVerifier must survive the round trip to the provider (the handler
// keeps them in short-lived cookies).
type AuthorizationRequest struct {
	Provider     string
	URL          string
	State        string
	CodeVerifier string // empty for providers without PKCE
}

// Callback is everything step two needs: what the provider sent back and
// what step one stored.
type Callback struct {
	Provider       string
	Code           string
	State          string
	StoredState    string
	StoredVerifier string
	ProviderError  string // the provider's "error" query parameter, if any
}

// OAuthService coordinates provider logins and maps external identities to
// local users.
//
// DEPENDENCIES (injected via NewOAuthService):
//   - store      repository.TxStore      reconcile runs in one transaction
//   - sessions   *auth.SessionManager    opens the session on success
//   - providers  name → auth.Provider    only the configured ones
//   - logger, metrics
//
// WHAT THIS TYPE DOES NOT DO:
//   - It does not read or write cookies; Begin returns the values to keep
//     and Complete receives them back in Callback
//   - It does not retry provider calls; a failed exchange ends the login
type OAuthService struct {
	store     repository.TxStore
	sessions  *auth.SessionManager
	providers map[string]auth.Provider
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// reconcileEmail stores verified provider emails on new users and
	// refuses a provider login whose email already belongs to another user.
	reconcileEmail bool
}

// NewOAuthService creates an OAuthService for the given providers. Only
// providers with credentials configured should be passed; Begin answers
// NotFound for the rest. reconcileEmail turns on email storage and the
// email conflict check.
func NewOAuthService(
	store repository.TxStore,
	sessions *auth.SessionManager,
	logger *slog.Logger,
	m *metrics.Metrics,
	reconcileEmail bool,
	providers ...auth.Provider,
) *OAuthService {
	byName := make(map[string]auth.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &OAuthService{
		store:          store,
		sessions:       sessions,
		providers:      byName,
		logger:         logger,
		metrics:        m,
		reconcileEmail: reconcileEmail,
	}
}

// Providers returns the names of the configured providers, sorted.
func (s *OAuthService) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Begin starts a login with the named provider.
func (s *OAuthService) Begin(providerName string) (*AuthorizationRequest, error) {
	p, ok := s.providers[providerName]
	if !ok {
		return nil, apperror.NotFound("provider", providerName)
	}

	state, err := auth.NewState()
	if err != nil {
		return nil, fmt.Errorf("service/oauth: generating state: %w", err)
	}
	var verifier string
	if p.UsesPKCE() {
		verifier = auth.NewCodeVerifier()
	}

	return &AuthorizationRequest{
		Provider:     p.Name(),
		URL:          p.AuthCodeURL(state, verifier),
		State:        state,
		CodeVerifier: verifier,
	}, nil
}

// Complete finishes a login: it checks the callback against what Begin
// stored, exchanges the code, finds or creates the local user and opens a
// session. The provider is never contacted when the callback is rejected.
func (s *OAuthService) Complete(ctx context.Context, cb Callback) (*model.Session, error) {
	p, err := s.checkCallback(cb)
	if err != nil {
		label := cb.Provider
		if _, ok := s.providers[label]; !ok {
			label = "unknown"
		}
		s.metrics.AuthAttempt(label, metrics.OutcomeInvalid)
		return nil, err
	}

	identity, err := p.Exchange(ctx, cb.Code, cb.StoredVerifier)
	if err != nil {
		s.metrics.AuthAttempt(p.Name(), metrics.OutcomeFailure)
		return nil, apperror.ProviderFailed(
			fmt.Sprintf("Could not sign in with %s", displayName(p.Name())), err)
	}

	userID, err := s.reconcile(ctx, identity)
	var race *raceConflict
	if errors.As(err, &race) {
		// Another callback for the same identity committed first. Running
		// again finds its account.
		s.logger.Info("oauth reconciliation raced, retrying",
			slog.String("provider", identity.Provider),
		)
		userID, err = s.reconcile(ctx, identity)
		if errors.As(err, &race) {
			err = race.err
		}
	}
	if err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			s.metrics.AuthAttempt(p.Name(), metrics.OutcomeConflict)
			return nil, err
		}
		return nil, fmt.Errorf("service/oauth: reconciling %s identity: %w", p.Name(), err)
	}

	session, err := s.sessions.Create(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("service/oauth: starting session: %w", err)
	}

	s.logger.Info("user signed in with provider",
		slog.String("user_id", userID),
		slog.String("provider", p.Name()),
	)
	s.metrics.AuthAttempt(p.Name(), metrics.OutcomeSuccess)
	return session, nil
}

// checkCallback validates the callback without any network call.
//
// STATE COMPARISON:
// subtle.ConstantTimeCompare takes the same time however many leading bytes
// match, so an attacker probing states learns nothing from response time.
func (s *OAuthService) checkCallback(cb Callback) (auth.Provider, error) {
	p, ok := s.providers[cb.Provider]
	if !ok {
		return nil, apperror.ProviderFailed(msgInvalidRequest, fmt.Errorf("unknown provider %q", cb.Provider))
	}
	if cb.ProviderError != "" {
		return nil, apperror.ProviderFailed(
			fmt.Sprintf("Sign in with %s was cancelled", displayName(p.Name())),
			fmt.Errorf("provider returned error %q", cb.ProviderError))
	}
	if cb.Code == "" || cb.State == "" {
		return nil, apperror.ProviderFailed(msgInvalidRequest, errors.New("missing code or state"))
	}
	if cb.StoredState == "" {
		return nil, apperror.ProviderFailed(msgInvalidRequest, errors.New("missing stored state"))
	}
	if subtle.ConstantTimeCompare([]byte(cb.State), []byte(cb.StoredState)) != 1 {
		return nil, apperror.ProviderFailed(msgInvalidRequest, errors.New("state mismatch"))
	}
	if p.UsesPKCE() && cb.StoredVerifier == "" {
		return nil, apperror.ProviderFailed(msgInvalidRequest, errors.New("missing code verifier"))
	}
	return p, nil
}

// raceConflict marks a uniqueness conflict hit while creating the user or
// account, as opposed to the email pre-check.
type raceConflict struct{ err error }

func (e *raceConflict) Error() string { return e.err.Error() }
func (e *raceConflict) Unwrap() error { return e.err }

// reconcile maps identity to a local user id inside one transaction.
func (s *OAuthService) reconcile(ctx context.Context, identity *auth.Identity) (string, error) {
	var userID string
	err := s.store.InTx(ctx, func(tx repository.Store) error {
		// Known identity: the common case for returning users.
		existing, err := tx.GetOAuthAccount(ctx, identity.Provider, identity.ProviderUserID)
		switch {
		case err == nil:
			userID = existing.UserID
			if err := tx.UpsertOAuthAccount(ctx, accountFor(userID, identity)); err != nil {
				return fmt.Errorf("refreshing tokens: %w", err)
			}
			return s.refreshAvatar(ctx, tx, userID, identity.AvatarURL)
		case !errors.Is(err, apperror.ErrNotFound):
			return fmt.Errorf("looking up account: %w", err)
		}

		// New identity. With reconciliation on, an email that already
		// belongs to a local user stops the login here; nothing is written.
		email := normalizeEmail(identity.Email)
		if !s.reconcileEmail {
			email = ""
		}
		if email != "" {
			if _, err := tx.GetUserByEmail(ctx, email); err == nil {
				return apperror.Conflict("email",
					"An account with this email already exists. Sign in with your password instead")
			} else if !errors.Is(err, apperror.ErrNotFound) {
				return fmt.Errorf("checking email: %w", err)
			}
		}

		username, err := s.uniqueUsername(ctx, tx, identity)
		if err != nil {
			return err
		}

		// An unverified address is not stored: it would lock its real owner
		// out of password sign-up.
		user := &model.User{Username: username}
		if email != "" && identity.EmailVerified {
			user.Email = &email
			user.EmailVerified = true
		}
		if identity.AvatarURL != "" {
			avatar := identity.AvatarURL
			user.ProfilePictureURL = &avatar
		}
		// From here on a conflict means a concurrent callback got there
		// first. raceConflict tells Complete to run reconcile again.
		if err := tx.CreateUser(ctx, user); err != nil {
			if errors.Is(err, apperror.ErrConflict) {
				return &raceConflict{err: err}
			}
			return fmt.Errorf("creating user: %w", err)
		}
		account := accountFor(user.ID, identity)
		if err := tx.UpsertOAuthAccount(ctx, account); err != nil {
			if errors.Is(err, apperror.ErrConflict) {
				return &raceConflict{err: err}
			}
			return fmt.Errorf("linking account: %w", err)
		}
		if account.UserID != user.ID {
			// The link was committed by someone else between our lookup and
			// the upsert. Roll back the user we just made.
			return &raceConflict{err: apperror.Conflict("oauth_account", "This account is already linked")}
		}

		s.logger.Info("created user from provider identity",
			slog.String("user_id", user.ID),
			slog.String("provider", identity.Provider),
		)
		userID = user.ID
		return nil
	})
	return userID, err
}

// refreshAvatar keeps the stored picture in step with the provider profile.
func (s *OAuthService) refreshAvatar(ctx context.Context, tx repository.Store, userID, avatar string) error {
	if avatar == "" {
		return nil
	}
	user, err := tx.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user: %w", err)
	}
	if user.ProfilePictureURL != nil && *user.ProfilePictureURL == avatar {
		return nil
	}
	user.ProfilePictureURL = &avatar
	if err := tx.UpdateUserProfile(ctx, user); err != nil {
		return fmt.Errorf("updating profile picture: %w", err)
	}
	return nil
}

// uniqueUsername derives a free username from the provider's name for the
// user: "octocat", then "octocat-2" … "octocat-5", then a random suffix.
func (s *OAuthService) uniqueUsername(ctx context.Context, tx repository.Store, identity *auth.Identity) (string, error) {
	base := usernameBase(identity.Username, identity.Provider)

	for i := 1; i <= usernameAttempts+1; i++ {
		candidate := base
		switch {
		case i == usernameAttempts+1:
			suffix, err := randomSuffix()
			if err != nil {
				return "", err
			}
			candidate = base + "-" + suffix
		case i > 1:
			candidate = fmt.Sprintf("%s-%d", base, i)
		}

		_, err := tx.GetUserByUsername(ctx, candidate)
		if errors.Is(err, apperror.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("checking username: %w", err)
		}
	}
	return "", apperror.Conflict("username", msgUsernameTaken)
}

// usernameBase collapses whitespace in the provider's name, trims it to
// maxDerivedUsernameLength runes and falls back to "<provider>-user" when
// too little is left.
func usernameBase(name, provider string) string {
	name = strings.Join(strings.Fields(name), " ")
	if utf8.RuneCountInString(name) > maxDerivedUsernameLength {
		name = strings.TrimSpace(string([]rune(name)[:maxDerivedUsernameLength]))
	}
	if utf8.RuneCountInString(name) < minUsernameLength {
		return provider + "-user"
	}
	return name
}

// randomSuffix is six hex characters, the last resort after the numbered
// candidates are taken.
func randomSuffix() (string, error) {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("service/oauth: reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// accountFor copies the provider tokens into a link row. An empty refresh
// token stays nil so the upsert keeps the stored one.
func accountFor(userID string, identity *auth.Identity) *model.OAuthAccount {
	account := &model.OAuthAccount{
		UserID:         userID,
		Provider:       identity.Provider,
		ProviderUserID: identity.ProviderUserID,
	}
	if t := identity.Token; t != nil {
		account.AccessToken = t.AccessToken
		if t.RefreshToken != "" {
			refresh := t.RefreshToken
			account.RefreshToken = &refresh
		}
		if !t.Expiry.IsZero() {
			expiry := t.Expiry.UTC()
			account.ExpiresAt = &expiry
		}
	}
	return account
}

// displayName is the provider name as users see it in messages.
func displayName(provider string) string {
	switch provider {
	case model.ProviderGitHub:
		return "GitHub"
	case model.ProviderGoogle:
		return "Google"
	}
	return provider
}
