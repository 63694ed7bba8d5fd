package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/halcyonlabs/authcore/internal/model"
)

// OIDCConfig configures an OIDC-style provider: code is exchanged at the
// token endpoint, then identity claims are read from the userinfo endpoint.
// Calling userinfo over TLS delegates signature verification to the provider,
// so no local JWT validation or key rotation handling is needed.
type OIDCConfig struct {
	Name         string
	DisplayName  string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
	HTTPClient   *http.Client
}

// OIDC is the OIDC-style provider.
type OIDC struct {
	cfg  OIDCConfig
	http *http.Client
}

// NewOIDC creates an OIDC-style provider from config.
func NewOIDC(cfg OIDCConfig) *OIDC {
	client := cfg.HTTPClient
	if client == nil {
		client = defaultHTTPClient()
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "email", "profile"}
	}
	return &OIDC{cfg: cfg, http: client}
}

func (p *OIDC) Name() string        { return p.cfg.Name }
func (p *OIDC) DisplayName() string { return p.cfg.DisplayName }

func (p *OIDC) AuthorizationURL(state, redirectURI, nonce string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(p.cfg.Scopes, " "))
	q.Set("state", state)
	if nonce != "" {
		q.Set("nonce", nonce)
	}
	return p.cfg.AuthURL + "?" + q.Encode()
}

type oidcTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type oidcUserInfo struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
}

func (p *OIDC) Exchange(ctx context.Context, code, redirectURI string) (model.ExternalUserInfo, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)

	var tok oidcTokenResponse
	if err := postForm(ctx, p.http, p.cfg.TokenURL, form, &tok); err != nil {
		return model.ExternalUserInfo{}, err
	}
	if tok.AccessToken == "" {
		return model.ExternalUserInfo{}, fmt.Errorf("%w: empty access token from %s", ErrExchangeFailed, p.cfg.Name)
	}

	var info oidcUserInfo
	if err := getJSON(ctx, p.http, p.cfg.UserInfoURL, tok.AccessToken, &info); err != nil {
		return model.ExternalUserInfo{}, err
	}
	if info.Subject == "" {
		return model.ExternalUserInfo{}, fmt.Errorf("%w: userinfo response missing subject", ErrExchangeFailed)
	}
	if info.Email == "" || !info.EmailVerified {
		return model.ExternalUserInfo{}, ErrNoUsableEmail
	}

	return model.ExternalUserInfo{
		ProviderKey:   info.Subject,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		FirstName:     info.GivenName,
		LastName:      info.FamilyName,
	}, nil
}

func postForm(ctx context.Context, client *http.Client, endpoint string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: build token request: %v", ErrExchangeFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned status %d", ErrExchangeFailed, endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrExchangeFailed, err)
	}
	return nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint, bearer string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrExchangeFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned status %d", ErrExchangeFailed, endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrExchangeFailed, err)
	}
	return nil
}
