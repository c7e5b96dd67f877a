package migration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fuomag9/oauth-vault/internal/models"
	"github.com/fuomag9/oauth-vault/internal/secret"
	"github.com/fuomag9/oauth-vault/internal/vault"
)

func setup(t *testing.T) (*gorm.DB, *vault.AEADCipher, *vault.MemoryStore) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.LegacyCredential{}))

	c, err := vault.NewCipher("migration-test-key-0123456789")
	require.NoError(t, err)
	return db, c, vault.NewMemoryStore(c)
}

func insertLegacy(t *testing.T, db *gorm.DB, c vault.Cipher, userID, connectionID, access, refresh string) {
	t.Helper()
	row := models.LegacyCredential{
		UserID:          userID,
		APIConnectionID: connectionID,
		Provider:        "github",
		TokenType:       "bearer",
		Scope:           "repo",
	}
	if access != "" {
		ct, err := c.Encrypt([]byte(access), LegacyAssociatedData(userID, connectionID, "access_token"))
		require.NoError(t, err)
		row.AccessToken = ct
	}
	if refresh != "" {
		ct, err := c.Encrypt([]byte(refresh), LegacyAssociatedData(userID, connectionID, "refresh_token"))
		require.NoError(t, err)
		row.RefreshToken = ct
	}
	require.NoError(t, db.Create(&row).Error)
}

func TestGormSource_LoadDecrypts(t *testing.T) {
	db, c, _ := setup(t)
	insertLegacy(t, db, c, "user-1", "conn-1", "legacy-A", "legacy-R")
	src := NewGormSource(db, c)

	cred, err := src.Load(context.Background(), "user-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "legacy-A", cred.AccessToken)
	assert.Equal(t, "legacy-R", cred.RefreshToken)
	assert.Equal(t, "github", cred.Provider)
	assert.Equal(t, "repo", cred.Scope)
	assert.Nil(t, cred.MigratedAt)

	_, err = src.Load(context.Background(), "user-1", "conn-2")
	assert.ErrorIs(t, err, secret.ErrNotFound)
}

func TestGormSource_CiphertextBoundToRow(t *testing.T) {
	db, c, _ := setup(t)
	insertLegacy(t, db, c, "user-1", "conn-1", "legacy-A", "")
	require.NoError(t, db.Model(&models.LegacyCredential{}).
		Where("api_connection_id = ?", "conn-1").
		UpdateColumn("api_connection_id", "conn-9").Error)

	_, err := NewGormSource(db, c).Load(context.Background(), "user-1", "conn-9")
	assert.ErrorIs(t, err, vault.ErrDecrypt)
}

func TestGormSource_MarkMigratedAndPending(t *testing.T) {
	db, c, _ := setup(t)
	insertLegacy(t, db, c, "user-1", "conn-1", "A1", "R1")
	insertLegacy(t, db, c, "user-2", "conn-2", "A2", "")
	src := NewGormSource(db, c)
	ctx := context.Background()

	pending, err := src.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, src.MarkMigrated(ctx, "user-1", "conn-1", at))

	pending, err = src.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "conn-2", pending[0].ConnectionID)

	cred, err := src.Load(ctx, "user-1", "conn-1")
	require.NoError(t, err)
	require.NotNil(t, cred.MigratedAt)
	assert.True(t, at.Equal(*cred.MigratedAt))
}

func TestStrategy_PrefersVault(t *testing.T) {
	db, c, store := setup(t)
	insertLegacy(t, db, c, "user-1", "conn-1", "legacy-A", "legacy-R")
	ctx := context.Background()

	_, err := store.StoreSecrets(ctx, []secret.StoreRequest{{
		OwnerID: "user-1",
		Name:    secret.RefreshTokenName("conn-1"),
		Value:   secret.Encode(secret.RefreshToken{Token: "vault-R", Provider: "github"}),
		Type:    secret.TypeOAuth2RefreshToken,
	}})
	require.NoError(t, err)

	s := NewStrategy(store, NewGormSource(db, c), true, zap.NewNop())

	rt, origin, err := s.RefreshToken(ctx, "user-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "vault-R", rt.Token)
	assert.Equal(t, OriginVault, origin)

	_, _, err = s.AccessToken(ctx, "user-1", "conn-1")
	assert.ErrorIs(t, err, secret.ErrNotFound, "a connection known to the vault never reads legacy tokens")
}

func TestStrategy_SynthesizesLegacyAccessToken(t *testing.T) {
	db, c, store := setup(t)
	insertLegacy(t, db, c, "user-1", "conn-1", "legacy-A", "legacy-R")
	s := NewStrategy(store, NewGormSource(db, c), true, zap.NewNop())

	access, origin, err := s.AccessToken(context.Background(), "user-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, OriginLegacy, origin)
	assert.Equal(t, "legacy-A", access.Value.Value)
	assert.Equal(t, "github", secret.ProviderOf(access))
	assert.Equal(t, secret.TypeOAuth2AccessToken, access.Type)
}

func TestStrategy_DeactivatedVaultRecordBlocksLegacy(t *testing.T) {
	db, c, store := setup(t)
	insertLegacy(t, db, c, "user-1", "conn-1", "legacy-A", "legacy-R")
	ctx := context.Background()

	_, err := store.StoreSecrets(ctx, []secret.StoreRequest{{
		OwnerID: "user-1",
		Name:    secret.AccessTokenName("conn-1"),
		Value:   secret.Encode(secret.AccessToken{Token: "vault-A", Provider: "github"}),
		Type:    secret.TypeOAuth2AccessToken,
	}})
	require.NoError(t, err)
	require.NoError(t, store.Deactivate(ctx, "user-1", secret.AccessTokenName("conn-1")))

	s := NewStrategy(store, NewGormSource(db, c), true, zap.NewNop())
	_, _, err = s.AccessToken(ctx, "user-1", "conn-1")
	assert.ErrorIs(t, err, secret.ErrNotFound)
	_, _, err = s.RefreshToken(ctx, "user-1", "conn-1")
	assert.ErrorIs(t, err, secret.ErrNotFound)
}

func TestStrategy_RetiredRowIsIgnored(t *testing.T) {
	db, c, store := setup(t)
	insertLegacy(t, db, c, "user-1", "conn-1", "legacy-A", "legacy-R")
	ctx := context.Background()
	src := NewGormSource(db, c)
	s := NewStrategy(store, src, true, zap.NewNop())

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Retire(ctx, "user-1", "conn-1", at))
	require.NoError(t, s.Retire(ctx, "user-1", "conn-1", at.Add(time.Hour)))
	require.NoError(t, s.Retire(ctx, "user-1", "missing", at))

	cred, err := src.Load(ctx, "user-1", "conn-1")
	require.NoError(t, err)
	require.NotNil(t, cred.MigratedAt)
	assert.True(t, at.Equal(*cred.MigratedAt), "the first stamp is kept")

	_, _, err = s.AccessToken(ctx, "user-1", "conn-1")
	assert.ErrorIs(t, err, secret.ErrNotFound)
	_, _, err = s.RefreshToken(ctx, "user-1", "conn-1")
	assert.ErrorIs(t, err, secret.ErrNotFound)
}

func TestStrategy_LegacyDisabled(t *testing.T) {
	db, c, store := setup(t)
	insertLegacy(t, db, c, "user-1", "conn-1", "legacy-A", "legacy-R")
	ctx := context.Background()

	s := NewStrategy(store, NewGormSource(db, c), false, zap.NewNop())
	assert.False(t, s.LegacyEnabled())

	_, _, err := s.RefreshToken(ctx, "user-1", "conn-1")
	assert.ErrorIs(t, err, secret.ErrNotFound)
	_, _, err = s.AccessToken(ctx, "user-1", "conn-1")
	assert.ErrorIs(t, err, secret.ErrNotFound)

	pending, err := s.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.NoError(t, s.MarkMigrated(ctx, "user-1", "conn-1", time.Now()))

	assert.False(t, VaultOnly(store).LegacyEnabled())
}

func TestStrategy_LegacyWithoutRefreshToken(t *testing.T) {
	db, c, store := setup(t)
	insertLegacy(t, db, c, "user-1", "conn-1", "legacy-A", "")

	s := NewStrategy(store, NewGormSource(db, c), true, zap.NewNop())
	_, _, err := s.RefreshToken(context.Background(), "user-1", "conn-1")
	assert.ErrorIs(t, err, secret.ErrNotFound)
}
