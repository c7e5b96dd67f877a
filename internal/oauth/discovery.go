package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Discovery holds provider metadata from .well-known/openid-configuration.
type Discovery struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
}

// Discover fetches the discovery document of issuer. Generic providers
// configured with an issuer get their endpoints from it at startup.
func Discover(ctx context.Context, client *http.Client, issuer string) (*Discovery, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	discoveryURL := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		return nil, fmt.Errorf("discovery endpoint returned status %d: %s", resp.StatusCode, SanitizeBody(string(body)))
	}

	var d Discovery
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if d.AuthorizationEndpoint == "" || d.TokenEndpoint == "" {
		return nil, fmt.Errorf("discovery document missing required endpoints")
	}
	return &d, nil
}

// Apply fills the endpoints cfg leaves empty.
func (d *Discovery) Apply(cfg ClientConfig) ClientConfig {
	if cfg.AuthorizationURL == "" {
		cfg.AuthorizationURL = d.AuthorizationEndpoint
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = d.TokenEndpoint
	}
	return cfg
}
