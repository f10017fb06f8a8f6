package auth

// OAUTH 2.0 AUTHORIZATION CODE FLOW:
//  1. Our server redirects the browser to the provider with client id,
//     scopes, a random state and (for PKCE providers) a code challenge.
//  2. The user approves on the provider's site.
//  3. The provider redirects back to our callback with a short-lived code
//     and the same state.
//  4. Our server exchanges the code for tokens, server to server, with the
//     client secret (and the PKCE verifier).
//  5. Our server calls the provider's API with the access token to learn
//     who the user is.
//
// STATE:
// The state is a random value we also keep in a cookie. The callback is only
// accepted when the query state equals the cookie. Without that check an
// attacker could make a victim's browser finish a login the attacker started
// (login CSRF).
//
// PKCE (RFC 7636):
// Before redirecting we generate a random verifier and send only its SHA-256
// hash (the challenge). At exchange time we send the verifier itself. A code
// stolen from the redirect is useless without the verifier, which never left
// our server and the user's cookie jar. Google supports it; GitHub's OAuth
// apps do not, so GitHub relies on state and the client secret alone.

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// providerHTTPTimeout bounds each call to a provider. The exchange runs while
// the user waits on the callback page.
const providerHTTPTimeout = 10 * time.Second

// Provider is one OAuth2 identity provider. The flow has two legs:
//
//  1. AuthCodeURL: where to send the browser, bound to state and, for PKCE
//     providers, to the S256 challenge of verifier.
//  2. Exchange: trade the returned code (+ verifier) for tokens and fetch the
//     user's profile with them.
//
// Exchange is a blocking network call and is never retried.
type Provider interface {
	Name() string
	UsesPKCE() bool
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*Identity, error)
}

// Identity is what a provider tells us about the signed-in user.
//
// ProviderUserID is the stable key. Emails and logins can change on the
// provider's side; the numeric GitHub id or Google "sub" never does.
type Identity struct {
	Provider       string
	ProviderUserID string
	Email          string // empty when the provider shares none
	EmailVerified  bool
	Username       string // login or display name, used to derive a local username
	AvatarURL      string
	Token          *oauth2.Token
}

// NewState returns 32 random bytes, base64url encoded, for the OAuth state
// parameter.
func NewState() (string, error) {
	return randomString(32)
}

// NewCodeVerifier returns a PKCE code verifier (RFC 7636).
func NewCodeVerifier() string {
	return oauth2.GenerateVerifier()
}

// randomString returns n bytes from crypto/rand, base64url encoded without
// padding so the value is safe in URLs and cookies.
func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// withClient makes x/oauth2 and go-oidc use client for their requests.
func withClient(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// defaultHTTPClient returns c, or a client with providerHTTPTimeout when c
// is nil. http.DefaultClient has no timeout at all.
func defaultHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: providerHTTPTimeout}
}
