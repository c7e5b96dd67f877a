package oauth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/oauth-vault/internal/secret"
)

// HealthStatus is the derived classification of a connection.
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
	HealthUnknown HealthStatus = "unknown"
)

// Recommendations surfaced to users.
const (
	RecommendReauthenticate = "re-authenticate"
	RecommendRefresh        = "refresh the token"
	RecommendRotate         = "rotate the token"
	RecommendRetry          = "retry later"
)

const expiryWarningWindow = 24 * time.Hour

// TokenInfo summarizes the stored tokens of a connection.
type TokenInfo struct {
	HasAccessToken  bool       `json:"hasAccessToken"`
	HasRefreshToken bool       `json:"hasRefreshToken"`
	IsExpired       bool       `json:"isExpired"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	Provider        string     `json:"provider,omitempty"`
}

// HealthSnapshot is recomputed from secret state on every call and never stored.
type HealthSnapshot struct {
	Status          HealthStatus `json:"status"`
	Issues          []string     `json:"issues"`
	Warnings        []string     `json:"warnings"`
	Recommendations []string     `json:"recommendations"`
	TokenInfo       TokenInfo    `json:"tokenInfo"`
}

// HealthProjector derives connection health from the vault. It never writes.
type HealthProjector struct {
	store  secret.Store
	now    func() time.Time
	logger *zap.Logger
}

// NewHealthProjector creates a projector. now may be nil.
func NewHealthProjector(store secret.Store, now func() time.Time, logger *zap.Logger) *HealthProjector {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.L()
	}
	return &HealthProjector{store: store, now: now, logger: logger.Named("oauth.health")}
}

// Project classifies the connection's current credentials.
func (h *HealthProjector) Project(ctx context.Context, ownerID, connectionID string) HealthSnapshot {
	snap := HealthSnapshot{
		Issues:          []string{},
		Warnings:        []string{},
		Recommendations: []string{},
	}

	secrets, err := h.store.GetSecretsForConnection(ctx, ownerID, connectionID)
	if err != nil {
		h.logger.Warn("failed to read connection secrets",
			zap.String("owner_id", ownerID),
			zap.String("connection_id", connectionID),
			zap.Error(err))
		snap.Status = HealthUnknown
		snap.Issues = append(snap.Issues, "unable to read connection credentials")
		snap.Recommendations = append(snap.Recommendations, RecommendRetry)
		return snap
	}

	now := h.now()
	access := secret.FindByType(secrets, secret.TypeOAuth2AccessToken)
	refresh := secret.FindByType(secrets, secret.TypeOAuth2RefreshToken)

	snap.TokenInfo.HasAccessToken = access != nil
	snap.TokenInfo.HasRefreshToken = refresh != nil
	if access != nil {
		snap.TokenInfo.ExpiresAt = copyTimePtr(access.ExpiresAt)
		snap.TokenInfo.IsExpired = access.IsExpired(now)
		snap.TokenInfo.Provider = secret.ProviderOf(access)
	}
	if snap.TokenInfo.Provider == "" {
		snap.TokenInfo.Provider = secret.ProviderOf(refresh)
	}

	switch {
	case access == nil && refresh == nil:
		snap.Issues = append(snap.Issues, "no OAuth2 credentials stored")
		snap.Recommendations = append(snap.Recommendations, RecommendReauthenticate)
	case access == nil:
		snap.Warnings = append(snap.Warnings, "access token missing")
		snap.Recommendations = append(snap.Recommendations, RecommendRefresh)
	case snap.TokenInfo.IsExpired && refresh != nil:
		snap.Warnings = append(snap.Warnings, "access token expired")
		snap.Recommendations = append(snap.Recommendations, RecommendRefresh)
	case snap.TokenInfo.IsExpired:
		snap.Issues = append(snap.Issues, "access token expired and no refresh token is available")
		snap.Recommendations = append(snap.Recommendations, RecommendReauthenticate)
	default:
		if access.ExpiresAt != nil && access.ExpiresAt.Sub(now) <= expiryWarningWindow {
			snap.Warnings = append(snap.Warnings, "access token expires within 24 hours")
			if refresh != nil {
				snap.Recommendations = append(snap.Recommendations, RecommendRefresh)
			} else {
				snap.Recommendations = append(snap.Recommendations, RecommendReauthenticate)
			}
		}
		if access.NextRotationAt != nil && !access.NextRotationAt.After(now) {
			snap.Warnings = append(snap.Warnings, "scheduled rotation overdue")
			snap.Recommendations = append(snap.Recommendations, RecommendRotate)
		}
	}

	switch {
	case len(snap.Issues) > 0:
		snap.Status = HealthError
	case len(snap.Warnings) > 0:
		snap.Status = HealthWarning
	default:
		snap.Status = HealthHealthy
	}
	return snap
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
