package oauth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fuomag9/oauth-vault/internal/migration"
	"github.com/fuomag9/oauth-vault/internal/secret"
)

// legacySource is an in-memory migration.Source.
type legacySource struct {
	mu        sync.Mutex
	rows      map[string]*migration.Credential
	stampErr  error
	loadErr   error
	stampings int
}

func newLegacySource(creds ...migration.Credential) *legacySource {
	s := &legacySource{rows: make(map[string]*migration.Credential)}
	for i := range creds {
		c := creds[i]
		s.rows[c.UserID+"/"+c.ConnectionID] = &c
	}
	return s
}

func (s *legacySource) Load(_ context.Context, userID, connectionID string) (*migration.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	c, ok := s.rows[userID+"/"+connectionID]
	if !ok {
		return nil, secret.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *legacySource) MarkMigrated(_ context.Context, userID, connectionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stampings++
	if s.stampErr != nil {
		return s.stampErr
	}
	if c, ok := s.rows[userID+"/"+connectionID]; ok {
		c.MigratedAt = &at
	}
	return nil
}

func (s *legacySource) ListPending(_ context.Context, limit int) ([]migration.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []migration.Credential
	for _, c := range s.rows {
		if c.MigratedAt == nil && len(out) < limit {
			out = append(out, *c)
		}
	}
	return out, nil
}

func legacyHarness(t *testing.T, src *legacySource) *harness {
	t.Helper()
	h := newHarness(t)
	h.rebuild(WithStrategy(migration.NewStrategy(h.store, src, true, zap.NewNop())))
	return h
}

func TestManager_MigrateCopiesLegacyCredential(t *testing.T) {
	expires := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	src := newLegacySource(migration.Credential{
		UserID:       "user-1",
		ConnectionID: "conn-1",
		Provider:     ProviderTest,
		AccessToken:  "legacy-A",
		RefreshToken: "legacy-R",
		TokenType:    "Bearer",
		Scope:        "read",
		ExpiresAt:    &expires,
	})
	h := legacyHarness(t, src)
	ctx := context.Background()

	res, err := h.manager.Migrate(ctx, "user-1", "conn-1")
	require.NoError(t, err)
	assert.True(t, res.Migrated)
	assert.False(t, res.AlreadyMigrated)
	assert.Equal(t, 2, res.Secrets)
	assert.Empty(t, res.Warnings)

	assert.Equal(t, "legacy-A", h.secretValue("user-1", secret.AccessTokenName("conn-1")))
	assert.Equal(t, "legacy-R", h.secretValue("user-1", secret.RefreshTokenName("conn-1")))
	access, err := h.store.GetSecret(ctx, "user-1", secret.AccessTokenName("conn-1"))
	require.NoError(t, err)
	require.NotNil(t, access.ExpiresAt)
	assert.True(t, expires.Equal(*access.ExpiresAt))
	assert.Equal(t, ProviderTest, secret.ProviderOf(access))

	again, err := h.manager.Migrate(ctx, "user-1", "conn-1")
	require.NoError(t, err)
	assert.False(t, again.Migrated)
	assert.True(t, again.AlreadyMigrated)
	access, err = h.store.GetSecret(ctx, "user-1", secret.AccessTokenName("conn-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, access.Version)
	assert.Equal(t, 1, src.stampings, "a stamped row is not stamped again")

	pending, err := migration.NewStrategy(h.store, src, true, zap.NewNop()).Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Contains(t, h.auditor.actions(), ActionMigrate)
}

func TestManager_MigrateStampFailureIsWarning(t *testing.T) {
	src := newLegacySource(migration.Credential{
		UserID:       "user-1",
		ConnectionID: "conn-1",
		Provider:     ProviderTest,
		RefreshToken: "legacy-R",
	})
	src.stampErr = errors.New("read-only replica")
	h := legacyHarness(t, src)

	res, err := h.manager.Migrate(context.Background(), "user-1", "conn-1")
	require.NoError(t, err)
	assert.True(t, res.Migrated)
	assert.Equal(t, 1, res.Secrets, "only the refresh token exists")
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "marked as migrated")

	_, err = h.store.GetSecret(context.Background(), "user-1", secret.AccessTokenName("conn-1"))
	assert.ErrorIs(t, err, secret.ErrNotFound)
}

func TestManager_MigrateWithoutLegacyRow(t *testing.T) {
	h := legacyHarness(t, newLegacySource())

	res, err := h.manager.Migrate(context.Background(), "user-1", "conn-1")
	require.NoError(t, err)
	assert.False(t, res.Migrated)
	assert.False(t, res.AlreadyMigrated)
}

func TestManager_MigrateDisabled(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Migrate(context.Background(), "user-1", "conn-1")
	assert.Equal(t, CodeMigrationFailed, CodeOf(err))
}

func TestManager_LegacyRefreshFallback(t *testing.T) {
	expired := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	src := newLegacySource(migration.Credential{
		UserID:       "user-1",
		ConnectionID: "conn-1",
		Provider:     ProviderTest,
		AccessToken:  "legacy-A",
		RefreshToken: "legacy-R",
		TokenType:    "Bearer",
		ExpiresAt:    &expired,
	})
	h := legacyHarness(t, src)
	ctx := context.Background()

	token, err := h.manager.GetAccessToken(ctx, "user-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "A-refreshed-1", token)

	h.provider.mu.Lock()
	assert.Equal(t, "legacy-R", h.provider.lastRefreshSeen)
	h.provider.mu.Unlock()

	assert.Equal(t, "legacy-R", h.secretValue("user-1", secret.RefreshTokenName("conn-1")),
		"the legacy refresh token moves into the vault")

	st, err := h.manager.State(ctx, "user-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, st)
}

func TestManager_LegacyValidAccessToken(t *testing.T) {
	valid := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	src := newLegacySource(migration.Credential{
		UserID:       "user-1",
		ConnectionID: "conn-1",
		Provider:     ProviderTest,
		AccessToken:  "legacy-A",
		ExpiresAt:    &valid,
	})
	h := legacyHarness(t, src)

	token, err := h.manager.GetAccessToken(context.Background(), "user-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "legacy-A", token)
	assert.Zero(t, h.provider.refreshes())
}

func TestManager_LegacyReadFailureFallsBackToVault(t *testing.T) {
	src := newLegacySource()
	src.loadErr = errors.New("connection refused")
	h := legacyHarness(t, src)

	_, err := h.manager.GetAccessToken(context.Background(), "user-1", "conn-1")
	assert.Equal(t, CodeNoCredential, CodeOf(err))
}

func TestManager_DisconnectAfterMigrateStaysDisconnected(t *testing.T) {
	expires := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	src := newLegacySource(migration.Credential{
		UserID:       "user-1",
		ConnectionID: "conn-1",
		Provider:     ProviderTest,
		AccessToken:  "legacy-A",
		RefreshToken: "legacy-R",
		ExpiresAt:    &expires,
	})
	h := legacyHarness(t, src)
	ctx := context.Background()

	_, err := h.manager.Migrate(ctx, "user-1", "conn-1")
	require.NoError(t, err)
	require.NoError(t, h.manager.Disconnect(ctx, "user-1", "conn-1"))

	st, err := h.manager.State(ctx, "user-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, StateNoCredential, st)

	_, err = h.manager.GetAccessToken(ctx, "user-1", "conn-1")
	assert.Equal(t, CodeNoCredential, CodeOf(err))

	err = h.manager.Refresh(ctx, "user-1", "conn-1", nil)
	assert.Equal(t, CodeNoCredential, CodeOf(err))
	assert.Zero(t, h.provider.refreshes())

	res, err := h.manager.Migrate(ctx, "user-1", "conn-1")
	require.NoError(t, err)
	assert.False(t, res.Migrated, "migrating again must not revive the connection")
	assert.True(t, res.AlreadyMigrated)

	st, err = h.manager.State(ctx, "user-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, StateNoCredential, st)
}

func TestManager_DisconnectRetiresUnmigratedLegacyRow(t *testing.T) {
	expires := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	src := newLegacySource(migration.Credential{
		UserID:       "user-1",
		ConnectionID: "conn-1",
		Provider:     ProviderTest,
		AccessToken:  "legacy-A",
		RefreshToken: "legacy-R",
		ExpiresAt:    &expires,
	})
	h := legacyHarness(t, src)
	ctx := context.Background()

	token, err := h.manager.GetAccessToken(ctx, "user-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "legacy-A", token)

	require.NoError(t, h.manager.Disconnect(ctx, "user-1", "conn-1"))

	_, err = h.manager.GetAccessToken(ctx, "user-1", "conn-1")
	assert.Equal(t, CodeNoCredential, CodeOf(err))
	err = h.manager.Refresh(ctx, "user-1", "conn-1", nil)
	assert.Equal(t, CodeNoCredential, CodeOf(err))
	assert.Zero(t, h.provider.refreshes())
}

func TestManager_RejectedLegacyRefreshTokenIsRetired(t *testing.T) {
	src := newLegacySource(migration.Credential{
		UserID:       "user-1",
		ConnectionID: "conn-1",
		Provider:     ProviderTest,
		RefreshToken: "legacy-R",
	})
	h := legacyHarness(t, src)
	h.provider.set(func(p *fakeProvider) { p.refreshStatus, p.refreshError = http.StatusBadRequest, "invalid_grant" })
	ctx := context.Background()

	err := h.manager.Refresh(ctx, "user-1", "conn-1", nil)
	require.Error(t, err)
	assert.Equal(t, 1, h.provider.refreshes())

	err = h.manager.Refresh(ctx, "user-1", "conn-1", nil)
	assert.Equal(t, CodeNoCredential, CodeOf(err), "the rejected token is not read back from the legacy table")
	assert.Equal(t, 1, h.provider.refreshes())
}

func TestManager_RejectedVaultRefreshTokenDoesNotFallBackToLegacy(t *testing.T) {
	src := newLegacySource(migration.Credential{
		UserID:       "user-1",
		ConnectionID: "conn-1",
		Provider:     ProviderTest,
		RefreshToken: "legacy-R",
	})
	h := legacyHarness(t, src)
	ctx := context.Background()

	_, err := h.manager.Migrate(ctx, "user-1", "conn-1")
	require.NoError(t, err)
	h.provider.set(func(p *fakeProvider) { p.refreshStatus, p.refreshError = http.StatusBadRequest, "invalid_grant" })

	require.Error(t, h.manager.Refresh(ctx, "user-1", "conn-1", nil))
	err = h.manager.Refresh(ctx, "user-1", "conn-1", nil)
	assert.Equal(t, CodeNoCredential, CodeOf(err))
	assert.Equal(t, 1, h.provider.refreshes())
}
