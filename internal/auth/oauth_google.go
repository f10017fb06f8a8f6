package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/sakif/gatekeeper/internal/model"
)

// Google's published OpenID Connect endpoints. They are the same values the
// discovery document at accounts.google.com/.well-known/openid-configuration
// returns.
const (
	googleIssuer      = "https://accounts.google.com"
	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	googleJWKSURL     = "https://www.googleapis.com/oauth2/v3/certs"
)

// GoogleConfig holds the OAuth client credentials from the Google Cloud
// console ("APIs & Services" → "Credentials" → "OAuth client ID", type
// "Web application"). RedirectURL must be listed there as an authorized
// redirect URI.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Overrides for tests. Empty means Google's published endpoints.
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	HTTPClient  *http.Client
}

// GoogleProvider implements the authorization-code flow with PKCE (S256)
// against Google and reads the profile from the OpenID userinfo endpoint.
//
// WHY GO-OIDC FOR THE PROFILE?
// oidc.Provider.UserInfo calls the userinfo endpoint with the access token
// and decodes the standard claims (sub, email, email_verified) for us.
// The profile arrives over a direct TLS call to Google with a token we just
// received from Google, so the ID token is not checked separately.
type GoogleProvider struct {
	config     *oauth2.Config
	oidc       *oidc.Provider
	httpClient *http.Client
}

var _ Provider = (*GoogleProvider)(nil)

// NewGoogleProvider builds the provider from static endpoints, so startup
// does not depend on reaching Google's discovery document.
func NewGoogleProvider(ctx context.Context, cfg GoogleConfig) *GoogleProvider {
	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	userInfoURL := cfg.UserInfoURL
	if userInfoURL == "" {
		userInfoURL = googleUserInfoURL
	}

	pc := oidc.ProviderConfig{
		IssuerURL:   googleIssuer,
		AuthURL:     endpoint.AuthURL,
		TokenURL:    endpoint.TokenURL,
		UserInfoURL: userInfoURL,
		JWKSURL:     googleJWKSURL,
		Algorithms:  []string{oidc.RS256},
	}

	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
			Endpoint:     endpoint,
		},
		oidc:       pc.NewProvider(ctx),
		httpClient: defaultHTTPClient(cfg.HTTPClient),
	}
}

// Name returns "google".
func (p *GoogleProvider) Name() string { return model.ProviderGoogle }

// UsesPKCE is true: every login carries an S256 code challenge.
func (p *GoogleProvider) UsesPKCE() bool { return true }

// AuthCodeURL asks for offline access so Google returns a refresh token on
// first consent.
func (p *GoogleProvider) AuthCodeURL(state, verifier string) string {
	return p.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)
}

// Exchange trades code and verifier for tokens and reads the userinfo
// claims. EmailVerified is Google's own email_verified claim; accounts can
// carry unverified addresses.
func (p *GoogleProvider) Exchange(ctx context.Context, code, verifier string) (*Identity, error) {
	if verifier == "" {
		return nil, errors.New("auth: google: missing PKCE code verifier")
	}
	ctx = oidc.ClientContext(ctx, p.httpClient)

	token, err := p.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("auth: google: exchanging code: %w", err)
	}

	info, err := p.oidc.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, fmt.Errorf("auth: google: fetching userinfo: %w", err)
	}
	if info.Subject == "" {
		return nil, errors.New("auth: google: userinfo returned no subject")
	}

	var claims struct {
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("auth: google: decoding userinfo claims: %w", err)
	}

	username := claims.Name
	if username == "" {
		username = localPart(info.Email)
	}

	return &Identity{
		Provider:       model.ProviderGoogle,
		ProviderUserID: info.Subject,
		Email:          info.Email,
		EmailVerified:  info.EmailVerified,
		Username:       username,
		AvatarURL:      claims.Picture,
		Token:          token,
	}, nil
}

// localPart returns the part of email before "@", the fallback username for
// profiles without a name.
func localPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}
