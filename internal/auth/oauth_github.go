package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/sakif/gatekeeper/internal/model"
)

// defaultGitHubAPIBaseURL is the REST API root for github.com. GitHub
// Enterprise installs use their own host, which APIBaseURL can point at.
const defaultGitHubAPIBaseURL = "https://api.github.com"

// GitHubConfig holds the OAuth App credentials.
//
// ClientID and ClientSecret come from registering an OAuth App at
// https://github.com/settings/developers. RedirectURL must match the
// "Authorization callback URL" of that app exactly, e.g.
// "http://localhost:8080/auth/github/callback".
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Overrides for tests. Zero values mean the real GitHub endpoints.
	Endpoint   oauth2.Endpoint
	APIBaseURL string
	HTTPClient *http.Client
}

// gitHubUser is the subset of GET /user we use. GitHub returns a much larger
// object; unknown fields are ignored by encoding/json.
//
// API docs: https://docs.github.com/en/rest/users/users#get-the-authenticated-user
type gitHubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"` // empty if hidden in GitHub settings
	AvatarURL string `json:"avatar_url"`
}

// gitHubEmail is one entry of GET /user/emails, which needs the user:email
// scope and lists private addresses too.
type gitHubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// GitHubProvider implements the authorization-code flow against GitHub.
// GitHub does not support PKCE for OAuth apps, so state is the only binding.
type GitHubProvider struct {
	config     *oauth2.Config
	apiBaseURL string
	httpClient *http.Client
}

var _ Provider = (*GitHubProvider)(nil)

// NewGitHubProvider creates a GitHubProvider from cfg.
//
// Scopes requested:
//   - "read:user"   the public profile (id, login, avatar)
//   - "user:email"  the email list, for users who hide their address
func NewGitHubProvider(cfg GitHubConfig) *GitHubProvider {
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" {
		endpoint = github.Endpoint
	}
	apiBase := strings.TrimRight(cfg.APIBaseURL, "/")
	if apiBase == "" {
		apiBase = defaultGitHubAPIBaseURL
	}

	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     endpoint,
		},
		apiBaseURL: apiBase,
		httpClient: defaultHTTPClient(cfg.HTTPClient),
	}
}

// Name returns "github".
func (p *GitHubProvider) Name() string { return model.ProviderGitHub }

// UsesPKCE is false: GitHub OAuth Apps do not accept a code challenge.
func (p *GitHubProvider) UsesPKCE() bool { return false }

// AuthCodeURL ignores verifier.
func (p *GitHubProvider) AuthCodeURL(state, _ string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades code for a token, then reads the profile from GET /user.
// When the user hides their email, the primary verified address from
// GET /user/emails is used instead.
func (p *GitHubProvider) Exchange(ctx context.Context, code, _ string) (*Identity, error) {
	ctx = withClient(ctx, p.httpClient)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth: github: exchanging code: %w", err)
	}

	client := p.config.Client(ctx, token)

	var u gitHubUser
	if err := p.getJSON(ctx, client, "/user", &u); err != nil {
		return nil, err
	}
	if u.ID == 0 {
		return nil, errors.New("auth: github: /user returned no id")
	}

	id := &Identity{
		Provider:       model.ProviderGitHub,
		ProviderUserID: strconv.FormatInt(u.ID, 10),
		Username:       u.Login,
		AvatarURL:      u.AvatarURL,
		Token:          token,
	}
	if id.Username == "" {
		id.Username = u.Name
	}

	if u.Email != "" {
		// GitHub only allows verified addresses as the public email.
		id.Email = u.Email
		id.EmailVerified = true
		return id, nil
	}

	var emails []gitHubEmail
	if err := p.getJSON(ctx, client, "/user/emails", &emails); err != nil {
		return nil, err
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			id.Email = e.Email
			id.EmailVerified = true
			break
		}
	}
	return id, nil
}

// getJSON GETs path with the authenticated client and decodes a JSON body
// of at most 1 MiB into dst. Any status other than 200 is an error.
func (p *GitHubProvider) getJSON(ctx context.Context, client *http.Client, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("auth: github: building %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("auth: github: calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("auth: github: %s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(dst); err != nil {
		return fmt.Errorf("auth: github: decoding %s response: %w", path, err)
	}
	return nil
}
