package oauth

import (
	"net/url"
	"strings"
)

// URLBuilder builds provider authorization URLs. It performs no I/O.
type URLBuilder struct {
	registry *Registry
}

// NewURLBuilder creates a builder over registry.
func NewURLBuilder(registry *Registry) *URLBuilder {
	return &URLBuilder{registry: registry}
}

// Build returns the authorization request URI for provider. Parameters are
// emitted in a fixed order so equal inputs give byte-identical URLs.
func (b *URLBuilder) Build(provider string, cfg ClientConfig, state string) (string, error) {
	p, ok := b.registry.Lookup(provider)
	if !ok {
		return "", newError(CodeUnsupportedProvider, "unsupported provider: "+provider)
	}
	if state == "" {
		return "", newError(CodeMissingParameter, "missing state parameter")
	}

	cfg = p.resolve(cfg)
	var missing []string
	if cfg.ClientID == "" {
		missing = append(missing, "clientId")
	}
	if cfg.RedirectURI == "" {
		missing = append(missing, "redirectUri")
	}
	if cfg.AuthorizationURL == "" {
		missing = append(missing, "authorizationUrl")
	}
	if len(missing) > 0 {
		return "", newError(CodeInvalidConfig, "missing required config: "+strings.Join(missing, ", "))
	}

	scope := cfg.Scope
	if scope == "" {
		scope = p.DefaultScope
	}

	params := []Param{
		{Key: "client_id", Value: cfg.ClientID},
		{Key: "response_type", Value: "code"},
		{Key: "redirect_uri", Value: cfg.RedirectURI},
	}
	if scope != "" {
		params = append(params, Param{Key: "scope", Value: scope})
	}
	params = append(params, Param{Key: "state", Value: state})
	params = append(params, p.ExtraParams...)

	var sb strings.Builder
	sb.WriteString(cfg.AuthorizationURL)
	if strings.Contains(cfg.AuthorizationURL, "?") {
		sb.WriteByte('&')
	} else {
		sb.WriteByte('?')
	}
	for i, param := range params {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(param.Key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(param.Value))
	}
	return sb.String(), nil
}
