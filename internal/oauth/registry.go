package oauth

import (
	"sort"
	"strings"
)

// Provider names known to the registry.
const (
	ProviderGitHub  = "github"
	ProviderGoogle  = "google"
	ProviderSlack   = "slack"
	ProviderGeneric = "generic"
	ProviderTest    = "test"
)

const defaultRotationIntervalDays = 30

// Param is one extra authorization query parameter.
type Param struct {
	Key   string
	Value string
}

// Provider describes an OAuth2 authorization server.
type Provider struct {
	Name                 string  `json:"name"`
	AuthorizationURL     string  `json:"authorizationUrl,omitempty"`
	TokenURL             string  `json:"tokenUrl,omitempty"`
	DefaultScope         string  `json:"defaultScope,omitempty"`
	UserInfoURL          string  `json:"userInfoUrl,omitempty"`
	RotationIntervalDays int     `json:"rotationIntervalDays"`
	ExtraParams          []Param `json:"-"`
}

// ClientConfig is the per-deployment client registration for a provider.
// AuthorizationURL and TokenURL override the registry endpoints when set,
// and are required for the generic provider.
type ClientConfig struct {
	Provider         string
	ClientID         string
	ClientSecret     string
	RedirectURI      string
	Scope            string
	AuthorizationURL string
	TokenURL         string
}

// Registry is the immutable set of supported providers.
type Registry struct {
	providers map[string]Provider
}

// RegistryOption customizes a registry at construction.
type RegistryOption func(map[string]Provider)

// WithTestProvider registers the "test" provider served at baseURL.
func WithTestProvider(baseURL string) RegistryOption {
	return func(m map[string]Provider) {
		base := strings.TrimRight(baseURL, "/")
		if base == "" {
			return
		}
		m[ProviderTest] = Provider{
			Name:                 ProviderTest,
			AuthorizationURL:     base + "/authorize",
			TokenURL:             base + "/token",
			DefaultScope:         "read",
			RotationIntervalDays: 1,
		}
	}
}

// NewRegistry builds the registry of built-in providers.
func NewRegistry(opts ...RegistryOption) *Registry {
	m := map[string]Provider{
		ProviderGitHub: {
			Name:                 ProviderGitHub,
			AuthorizationURL:     "https://github.com/login/oauth/authorize",
			TokenURL:             "https://github.com/login/oauth/access_token",
			DefaultScope:         "repo read:user",
			UserInfoURL:          "https://api.github.com/user",
			RotationIntervalDays: 90,
		},
		ProviderGoogle: {
			Name:                 ProviderGoogle,
			AuthorizationURL:     "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:             "https://oauth2.googleapis.com/token",
			DefaultScope:         "openid email profile",
			UserInfoURL:          "https://openidconnect.googleapis.com/v1/userinfo",
			RotationIntervalDays: 60,
			ExtraParams: []Param{
				{Key: "access_type", Value: "offline"},
				{Key: "prompt", Value: "consent"},
			},
		},
		ProviderSlack: {
			Name:                 ProviderSlack,
			AuthorizationURL:     "https://slack.com/oauth/v2/authorize",
			TokenURL:             "https://slack.com/api/oauth.v2.access",
			DefaultScope:         "channels:read chat:write",
			RotationIntervalDays: 30,
		},
		ProviderGeneric: {
			Name:                 ProviderGeneric,
			RotationIntervalDays: defaultRotationIntervalDays,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return &Registry{providers: m}
}

// Lookup returns the provider registered under name.
func (r *Registry) Lookup(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Providers lists registered providers in name order.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, name := range r.Names() {
		out = append(out, r.providers[name])
	}
	return out
}

// RotationIntervalDays returns the scheduled rotation interval of a provider.
func (r *Registry) RotationIntervalDays(name string) int {
	if p, ok := r.providers[name]; ok && p.RotationIntervalDays > 0 {
		return p.RotationIntervalDays
	}
	return defaultRotationIntervalDays
}

// resolve fills the endpoints of cfg from the registry entry.
func (p Provider) resolve(cfg ClientConfig) ClientConfig {
	cfg.Provider = p.Name
	if cfg.AuthorizationURL == "" {
		cfg.AuthorizationURL = p.AuthorizationURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = p.TokenURL
	}
	return cfg
}

// ClientConfigResolver supplies server-side client registrations.
type ClientConfigResolver interface {
	Resolve(provider string) (ClientConfig, error)
}

// StaticResolver resolves client registrations from a fixed map.
type StaticResolver map[string]ClientConfig

// Resolve implements ClientConfigResolver.
func (s StaticResolver) Resolve(provider string) (ClientConfig, error) {
	cfg, ok := s[provider]
	if !ok {
		return ClientConfig{}, newError(CodeInvalidConfig, "no client configuration for provider "+provider)
	}
	return cfg, nil
}
