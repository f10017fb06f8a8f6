// Package service holds the authentication use cases. It knows nothing about
// HTTP: handlers translate requests into these calls and errors back into
// responses.
//
//	handler ──► AuthService  ──► repository.Store
//	        └─► OAuthService ──► auth.Provider (Google, GitHub)
//	                   both ──► auth.SessionManager
//
// WHY A SERVICE LAYER?
// Handlers decode JSON and set cookies. Services decide: is this input
// valid, does this user exist, may they sign in. Keeping the rules here
// means they can be tested with a real in-memory store and no HTTP at all,
// and the same rule holds whichever handler calls it.
//
// ERROR CONVENTION:
// Every failure a user should see is an *apperror.AppError carrying a safe
// message (and a form field when there is one). Anything else is an
// internal failure: the handler logs it and answers with a generic 500.
//
// ENUMERATION RESISTANCE:
// Sign-in answers "Email or password is incorrect" whether the email is
// unknown, belongs to an OAuth-only account, or the password is wrong. It
// also runs a password check in every case (against a dummy hash when there
// is no real one), so response time does not reveal which case it was.
// Sign-up, in contrast, has to say that an email is taken; the form would be
// useless otherwise.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/sakif/gatekeeper/internal/apperror"
	"github.com/sakif/gatekeeper/internal/auth"
	"github.com/sakif/gatekeeper/internal/metrics"
	"github.com/sakif/gatekeeper/internal/model"
	"github.com/sakif/gatekeeper/internal/repository"
)

// Form limits and the user-facing messages that appear in more than one
// place. maxPasswordLength caps the work an attacker can make the hasher do
// with a single request.
const (
	minUsernameLength = 3
	maxUsernameLength = 50
	minPasswordLength = 8
	maxPasswordLength = 256

	msgEmailExists       = "An account with this email already exists. Please sign in instead"
	msgUsernameTaken     = "This username is already taken"
	msgIncorrectPassword = "Email or password is incorrect"
)

// SignUpInput is the sign-up form. AcceptTermsAndConditions is optional for
// API clients; when sent it must be true.
type SignUpInput struct {
	Email                    string `json:"email"`
	Username                 string `json:"username"`
	Password                 string `json:"password"`
	ConfirmPassword          string `json:"confirmPassword"`
	AcceptTermsAndConditions *bool  `json:"acceptTermsAndConditions,omitempty"`
}

// SignInInput is the sign-in form.
type SignInInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResult is what a successful sign-up or sign-in hands back to the
// handler, which turns Session into a cookie.
type AuthResult struct {
	User    *model.User
	Session *model.Session
}

// Mailer delivers email verification links.
type Mailer interface {
	SendVerification(ctx context.Context, to, link string) error
}

// LogMailer is the development Mailer: it writes the link to the log
// instead of sending mail.
type LogMailer struct {
	Logger *slog.Logger
}

// SendVerification logs the link at Info.
func (m LogMailer) SendVerification(_ context.Context, to, link string) error {
	m.Logger.Info("email verification link (not sent, LogMailer)",
		slog.String("to", to),
		slog.String("link", link),
	)
	return nil
}

// AuthService implements the email/password flows: sign-up, sign-in,
// sign-out and email verification.
//
// DEPENDENCIES (injected via NewAuthService):
//   - store      repository.Store        users, links and sessions
//   - sessions   *auth.SessionManager    creates and ends sessions
//   - passwords  auth.PasswordHasher     Argon2id (bcrypt for legacy rows)
//   - logger     *slog.Logger            structured logging
//   - metrics    *metrics.Metrics        auth attempt counters, may be nil
//
// WHAT THIS TYPE DOES NOT DO:
//   - It does not set cookies; the handler turns AuthResult.Session into one
//   - It does not read HTTP requests or know about routes
type AuthService struct {
	store     repository.Store
	sessions  *auth.SessionManager
	passwords auth.PasswordHasher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// Optional email verification. Disabled while tokens is nil.
	tokens  *auth.TokenService
	mailer  Mailer
	baseURL string

	// dummyHash is verified for unknown emails so a miss costs as much as
	// a wrong password.
	dummyHash string
}

// NewAuthService creates an AuthService with all required dependencies.
// Email verification starts disabled; see WithEmailVerification.
//
// The dummy hash is computed once here with the real hasher, so it costs
// exactly as much to verify as a user's hash.
func NewAuthService(
	store repository.Store,
	sessions *auth.SessionManager,
	passwords auth.PasswordHasher,
	logger *slog.Logger,
	m *metrics.Metrics,
) *AuthService {
	dummy, err := passwords.Hash("gatekeeper-timing-equalizer")
	if err != nil {
		logger.Warn("could not precompute dummy password hash", slog.String("error", err.Error()))
	}
	return &AuthService{
		store:     store,
		sessions:  sessions,
		passwords: passwords,
		logger:    logger,
		metrics:   m,
		dummyHash: dummy,
	}
}

// WithEmailVerification turns on verification mails after sign-up. Links
// point at baseURL + "/auth/verify-email".
func (s *AuthService) WithEmailVerification(tokens *auth.TokenService, mailer Mailer, baseURL string) *AuthService {
	s.tokens = tokens
	s.mailer = mailer
	s.baseURL = strings.TrimRight(baseURL, "/")
	return s
}

// EmailVerificationEnabled reports whether VerifyEmail can succeed.
func (s *AuthService) EmailVerificationEnabled() bool {
	return s.tokens != nil
}

// Validate normalizes the input in place and returns the first
// field-scoped validation error.
func (in *SignUpInput) Validate() error {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = normalizeEmail(in.Email)

	switch n := utf8.RuneCountInString(in.Username); {
	case n < minUsernameLength:
		return apperror.ValidationFailed("username", "Username must be at least 3 characters long")
	case n > maxUsernameLength:
		return apperror.ValidationFailed("username", "Username must be at most 50 characters long")
	}

	if !validEmail(in.Email) {
		return apperror.ValidationFailed("email", "Invalid email")
	}

	switch n := utf8.RuneCountInString(in.Password); {
	case n < minPasswordLength:
		return apperror.ValidationFailed("password", "Password must be at least 8 characters long")
	case n > maxPasswordLength:
		return apperror.ValidationFailed("password", "Password must be at most 256 characters long")
	}

	if in.ConfirmPassword != in.Password {
		return apperror.ValidationFailed("confirmPassword", "Passwords do not match")
	}

	if in.AcceptTermsAndConditions != nil && !*in.AcceptTermsAndConditions {
		return apperror.ValidationFailed("acceptTermsAndConditions", "Please accept the terms and conditions")
	}
	return nil
}

// SignUp creates a password user and signs them in.
//
// The email and username pre-checks give friendly messages; the store's
// unique constraints remain the authority, so two concurrent sign-ups for
// the same email end with exactly one user and one ErrConflict.
func (s *AuthService) SignUp(ctx context.Context, in SignUpInput) (*AuthResult, error) {
	// 1. Validate and normalize. After this, in.Email is lower-case and
	//    in.Username is trimmed.
	if err := in.Validate(); err != nil {
		s.metrics.AuthAttempt("sign_up", metrics.OutcomeInvalid)
		return nil, err
	}

	// 2. Friendly pre-check. Not a guarantee: see step 4.
	if err := s.ensureAvailable(ctx, in.Email, in.Username); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			s.metrics.AuthAttempt("sign_up", metrics.OutcomeConflict)
		}
		return nil, err
	}

	// 3. Hash. Only the PHC string is stored; the plaintext goes no further.
	hashed, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("service/auth: hashing password: %w", err)
	}

	// 4. Insert. The UNIQUE constraints decide races between concurrent
	//    sign-ups that both passed step 2.
	user := &model.User{
		Email:          &in.Email,
		Username:       in.Username,
		HashedPassword: &hashed,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			s.metrics.AuthAttempt("sign_up", metrics.OutcomeConflict)
			return nil, friendlyConflict(err)
		}
		return nil, fmt.Errorf("service/auth: creating user: %w", err)
	}

	// 5. Sign the new user in with the configured TTL.
	session, err := s.sessions.Create(ctx, user.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("service/auth: starting session for new user %s: %w", user.ID, err)
	}

	s.logger.Info("user signed up",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
	)
	s.metrics.AuthAttempt("sign_up", metrics.OutcomeSuccess)

	s.sendVerification(ctx, user)

	return &AuthResult{User: user, Session: session}, nil
}

// ensureAvailable checks email, then username, against existing users.
func (s *AuthService) ensureAvailable(ctx context.Context, email, username string) error {
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return apperror.Conflict("email", msgEmailExists)
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return fmt.Errorf("service/auth: checking email: %w", err)
	}

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return apperror.Conflict("username", msgUsernameTaken)
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return fmt.Errorf("service/auth: checking username: %w", err)
	}
	return nil
}

// SignIn checks email and password and starts a session. Every failure
// looks the same to the caller.
func (s *AuthService) SignIn(ctx context.Context, in SignInInput) (*AuthResult, error) {
	email := normalizeEmail(in.Email)
	if email == "" {
		return nil, apperror.ValidationFailed("email", "Email is required")
	}
	if in.Password == "" {
		return nil, apperror.ValidationFailed("password", "Password is required")
	}

	// A storage failure is a 500, not "incorrect password": the user should
	// retry rather than doubt their password.
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return nil, fmt.Errorf("service/auth: looking up user: %w", err)
	}

	if user == nil || !user.HasPassword() {
		// OAuth-only accounts have no password to check.
		if s.dummyHash != "" {
			_, _ = s.passwords.Verify(s.dummyHash, in.Password)
		}
		s.metrics.AuthAttempt("password", metrics.OutcomeFailure)
		return nil, apperror.Unauthenticated(msgIncorrectPassword)
	}

	ok, err := s.passwords.Verify(*user.HashedPassword, in.Password)
	if err != nil {
		// A corrupt stored hash is our problem, not the user's; log it and
		// answer like any other failure.
		s.logger.Error("stored password hash is unusable",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
	if !ok {
		s.metrics.AuthAttempt("password", metrics.OutcomeFailure)
		return nil, apperror.Unauthenticated(msgIncorrectPassword)
	}

	// The plaintext is only available now, at sign-in, so this is the one
	// moment an old hash can be replaced.
	s.maybeRehash(ctx, user, in.Password)

	session, err := s.sessions.Create(ctx, user.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("service/auth: starting session for user %s: %w", user.ID, err)
	}

	s.logger.Info("user signed in", slog.String("user_id", user.ID))
	s.metrics.AuthAttempt("password", metrics.OutcomeSuccess)
	return &AuthResult{User: user, Session: session}, nil
}

// maybeRehash upgrades legacy or outdated hashes after a successful sign-in.
// Failure is logged; the old hash still works.
func (s *AuthService) maybeRehash(ctx context.Context, user *model.User, password string) {
	r, ok := s.passwords.(interface{ NeedsRehash(string) bool })
	if !ok || !r.NeedsRehash(*user.HashedPassword) {
		return
	}
	hashed, err := s.passwords.Hash(password)
	if err == nil {
		user.HashedPassword = &hashed
		err = s.store.UpdateUserProfile(ctx, user)
	}
	if err != nil {
		s.logger.Warn("password rehash failed",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("password hash upgraded", slog.String("user_id", user.ID))
}

// SignOut ends the given session. The caller has already checked that the
// request carries one.
func (s *AuthService) SignOut(ctx context.Context, sessionID string) error {
	if err := s.sessions.Invalidate(ctx, sessionID); err != nil {
		return fmt.Errorf("service/auth: signing out: %w", err)
	}
	return nil
}

// GetUserByID is used by /api/me.
func (s *AuthService) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	user, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %s: %w", id, err)
	}
	return user, nil
}

// LinkedProviders lists the OAuth providers attached to a user.
func (s *AuthService) LinkedProviders(ctx context.Context, userID string) ([]string, error) {
	accounts, err := s.store.ListOAuthAccounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: listing oauth accounts: %w", err)
	}
	names := make([]string, 0, len(accounts))
	for _, a := range accounts {
		names = append(names, a.Provider)
	}
	return names, nil
}

// VerifyEmail consumes a verification token. The token is bound to the
// address it was mailed to, so changing the email invalidates old links.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) (*model.User, error) {
	if s.tokens == nil {
		return nil, apperror.Forbidden("Email verification is disabled")
	}

	claims, err := s.tokens.ValidateEmailVerification(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return nil, apperror.ValidationFailed("token", "Verification link has expired")
		}
		return nil, apperror.ValidationFailed("token", "Invalid verification link")
	}

	// The signature proves we issued the token. The user may still have
	// been deleted since, or changed their address.
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.ValidationFailed("token", "Invalid verification link")
		}
		return nil, fmt.Errorf("service/auth: loading user for verification: %w", err)
	}
	if user.EmailAddress() != claims.Email {
		return nil, apperror.ValidationFailed("token", "Verification link no longer matches your email")
	}
	// Clicking the link twice is not an error.
	if user.EmailVerified {
		return user, nil
	}

	if err := s.store.MarkEmailVerified(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("service/auth: marking email verified: %w", err)
	}
	user.EmailVerified = true
	s.logger.Info("email verified", slog.String("user_id", user.ID))
	return user, nil
}

// sendVerification mails a link when verification is enabled. A failure is
// logged and swallowed: the account already exists and the user is signed
// in, so failing the sign-up would only confuse them.
func (s *AuthService) sendVerification(ctx context.Context, user *model.User) {
	if s.tokens == nil || s.mailer == nil || user.Email == nil {
		return
	}
	token, err := s.tokens.GenerateEmailVerification(user.ID, *user.Email, 0)
	if err == nil {
		link := s.baseURL + "/auth/verify-email?token=" + url.QueryEscape(token)
		err = s.mailer.SendVerification(ctx, *user.Email, link)
	}
	if err != nil {
		// Sign-up already succeeded; the user can still use the account.
		s.logger.Warn("sending verification email failed",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
}

// friendlyConflict swaps the store's conflict message for the sign-up one.
func friendlyConflict(err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		switch appErr.Field {
		case "email":
			return apperror.Conflict("email", msgEmailExists)
		case "username":
			return apperror.Conflict("username", msgUsernameTaken)
		}
	}
	return err
}

// normalizeEmail trims and lower-cases. Stored emails are always in this
// form, so lookups can compare exactly.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validEmail accepts a bare RFC 5322 address with a dotted domain.
func validEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return false
	}
	_, domain, ok := strings.Cut(email, "@")
	return ok && strings.Contains(domain, ".") && !strings.HasSuffix(domain, ".")
}
