// Package provider implements the external OAuth2 identity-provider
// exchange. Providers are constructed and injected as a registry; nothing is
// global, so tests substitute fakes freely.
package provider

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/halcyonlabs/authcore/internal/model"
)

var (
	// ErrExchangeFailed covers any non-2xx or malformed response from a
	// provider endpoint. Provider calls are never retried here; retry policy
	// belongs to the HTTP transport, not this state machine.
	ErrExchangeFailed = errors.New("provider exchange failed")
	// ErrNoUsableEmail means the provider returned no verified or primary
	// email to key the local account on.
	ErrNoUsableEmail = errors.New("no usable email from provider")
)

// Provider is one external OAuth2 identity provider. The redirectURI passed
// to Exchange must be byte-identical to the one used in AuthorizationURL.
type Provider interface {
	Name() string
	DisplayName() string
	AuthorizationURL(state, redirectURI, nonce string) string
	Exchange(ctx context.Context, code, redirectURI string) (model.ExternalUserInfo, error)
}

// Registry is a constructed name -> provider lookup.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// defaultHTTPClient bounds every provider call; callers additionally pass a
// request context.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
