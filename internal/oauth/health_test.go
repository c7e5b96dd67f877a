package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fuomag9/oauth-vault/internal/secret"
)

// brokenStore fails every read.
type brokenStore struct {
	secret.Store
}

func (brokenStore) GetSecretsForConnection(context.Context, string, string) ([]*secret.Secret, error) {
	return nil, errors.New("connection reset")
}

func TestHealthProjector_Classification(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		name            string
		access          string
		expiresAt       *time.Time
		refresh         string
		advance         time.Duration
		status          HealthStatus
		recommendations []string
	}{
		{
			name:            "no credentials",
			status:          HealthError,
			recommendations: []string{RecommendReauthenticate},
		},
		{
			name:            "healthy",
			access:          "A",
			expiresAt:       timePtr(now.Add(48 * time.Hour)),
			refresh:         "R",
			status:          HealthHealthy,
			recommendations: []string{},
		},
		{
			name:            "no expiry",
			access:          "A",
			status:          HealthHealthy,
			recommendations: []string{},
		},
		{
			name:            "expiring soon with refresh",
			access:          "A",
			expiresAt:       timePtr(now.Add(2 * time.Hour)),
			refresh:         "R",
			status:          HealthWarning,
			recommendations: []string{RecommendRefresh},
		},
		{
			name:            "expiring soon without refresh",
			access:          "A",
			expiresAt:       timePtr(now.Add(2 * time.Hour)),
			status:          HealthWarning,
			recommendations: []string{RecommendReauthenticate},
		},
		{
			name:            "expired with refresh",
			access:          "A",
			expiresAt:       timePtr(now.Add(-time.Minute)),
			refresh:         "R",
			status:          HealthWarning,
			recommendations: []string{RecommendRefresh},
		},
		{
			name:            "expired without refresh",
			access:          "A",
			expiresAt:       timePtr(now.Add(-time.Minute)),
			status:          HealthError,
			recommendations: []string{RecommendReauthenticate},
		},
		{
			name:            "refresh only",
			refresh:         "R",
			status:          HealthWarning,
			recommendations: []string{RecommendRefresh},
		},
		{
			name:            "rotation overdue",
			access:          "A",
			refresh:         "R",
			advance:         25 * time.Hour,
			status:          HealthWarning,
			recommendations: []string{RecommendRotate},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			if tc.access != "" {
				h.seed("user-1", "conn-1", tc.access, tc.expiresAt, tc.refresh)
			} else if tc.refresh != "" {
				reqs := h.manager.tokenRequests("user-1", "conn-1", ProviderTest, &TokenResponse{AccessToken: "x", RefreshToken: tc.refresh}, nil, "")
				_, err := h.store.StoreSecrets(context.Background(), reqs[1:])
				require.NoError(t, err)
			}
			h.clock.Advance(tc.advance)

			snap := h.manager.Health().Project(context.Background(), "user-1", "conn-1")
			assert.Equal(t, tc.status, snap.Status)
			assert.Equal(t, tc.recommendations, snap.Recommendations)
			assert.NotNil(t, snap.Issues)
			assert.NotNil(t, snap.Warnings)
			assert.Equal(t, tc.access != "", snap.TokenInfo.HasAccessToken)
			assert.Equal(t, tc.refresh != "", snap.TokenInfo.HasRefreshToken)
			if tc.access != "" || tc.refresh != "" {
				assert.Equal(t, ProviderTest, snap.TokenInfo.Provider)
			}
		})
	}
}

func TestHealthProjector_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.connect("user-1", "conn-1")

	first := h.manager.Health().Project(context.Background(), "user-1", "conn-1")
	second := h.manager.Health().Project(context.Background(), "user-1", "conn-1")
	assert.Equal(t, first, second)

	access, err := h.store.GetSecret(context.Background(), "user-1", secret.AccessTokenName("conn-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, access.Version, "projection never writes")
}

func TestHealthProjector_StoreFailure(t *testing.T) {
	p := NewHealthProjector(brokenStore{}, nil, zap.NewNop())

	snap := p.Project(context.Background(), "user-1", "conn-1")
	assert.Equal(t, HealthUnknown, snap.Status)
	assert.Equal(t, []string{RecommendRetry}, snap.Recommendations)
	assert.NotEmpty(t, snap.Issues)
}
