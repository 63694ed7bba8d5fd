package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/halcyonlabs/authcore/internal/model"
)

// ProfileConfig configures an OAuth2 provider whose identity lives behind a
// profile endpoint plus a separate email-list endpoint.
type ProfileConfig struct {
	Name         string
	DisplayName  string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	ProfileURL   string
	EmailsURL    string
	Scopes       []string
	HTTPClient   *http.Client
}

// ProfileAPI is the profile-plus-emails provider.
type ProfileAPI struct {
	cfg  ProfileConfig
	http *http.Client
}

// NewProfileAPI creates a profile-style provider from config.
func NewProfileAPI(cfg ProfileConfig) *ProfileAPI {
	client := cfg.HTTPClient
	if client == nil {
		client = defaultHTTPClient()
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"read:user", "user:email"}
	}
	return &ProfileAPI{cfg: cfg, http: client}
}

func (p *ProfileAPI) Name() string        { return p.cfg.Name }
func (p *ProfileAPI) DisplayName() string { return p.cfg.DisplayName }

func (p *ProfileAPI) AuthorizationURL(state, redirectURI, nonce string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(p.cfg.Scopes, " "))
	q.Set("state", state)
	return p.cfg.AuthURL + "?" + q.Encode()
}

type profileTokenResponse struct {
	AccessToken string `json:"access_token"`
}

type profileResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// EmailCandidate is one address from the email-list endpoint.
type EmailCandidate struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (p *ProfileAPI) Exchange(ctx context.Context, code, redirectURI string) (model.ExternalUserInfo, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)

	var tok profileTokenResponse
	if err := postForm(ctx, p.http, p.cfg.TokenURL, form, &tok); err != nil {
		return model.ExternalUserInfo{}, err
	}
	if tok.AccessToken == "" {
		return model.ExternalUserInfo{}, fmt.Errorf("%w: empty access token from %s", ErrExchangeFailed, p.cfg.Name)
	}

	var profile profileResponse
	if err := getJSON(ctx, p.http, p.cfg.ProfileURL, tok.AccessToken, &profile); err != nil {
		return model.ExternalUserInfo{}, err
	}
	if profile.ID == 0 {
		return model.ExternalUserInfo{}, fmt.Errorf("%w: profile response missing id", ErrExchangeFailed)
	}

	var emails []EmailCandidate
	if err := getJSON(ctx, p.http, p.cfg.EmailsURL, tok.AccessToken, &emails); err != nil {
		return model.ExternalUserInfo{}, err
	}
	best, ok := SelectEmail(emails)
	if !ok {
		return model.ExternalUserInfo{}, ErrNoUsableEmail
	}

	first, last := splitName(profile.Name)
	return model.ExternalUserInfo{
		ProviderKey:   strconv.FormatInt(profile.ID, 10),
		Email:         best.Email,
		EmailVerified: best.Verified,
		FirstName:     first,
		LastName:      last,
	}, nil
}

// SelectEmail picks the best candidate by preference order:
// primary-and-verified, then primary, then verified. An address that is
// neither primary nor verified is never accepted; linking an account to one
// would let anyone claim an email they do not control.
func SelectEmail(candidates []EmailCandidate) (EmailCandidate, bool) {
	var primary, verified *EmailCandidate
	for i := range candidates {
		c := &candidates[i]
		if c.Email == "" {
			continue
		}
		if c.Primary && c.Verified {
			return *c, true
		}
		if primary == nil && c.Primary {
			primary = c
		}
		if verified == nil && c.Verified {
			verified = c
		}
	}
	switch {
	case primary != nil:
		return *primary, true
	case verified != nil:
		return *verified, true
	}
	return EmailCandidate{}, false
}

func splitName(full string) (first, last string) {
	full = strings.TrimSpace(full)
	if full == "" {
		return "", ""
	}
	parts := strings.SplitN(full, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
