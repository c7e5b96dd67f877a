package migration

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/oauth-vault/internal/secret"
)

// Origin tells where a credential was read from.
type Origin string

const (
	OriginVault  Origin = "vault"
	OriginLegacy Origin = "legacy"
)

// Strategy reads credentials from the vault and, while the legacy flag is
// on, falls back to the legacy table. All writes go to the vault.
type Strategy struct {
	store   secret.Store
	legacy  Source
	enabled bool
	logger  *zap.Logger
}

// NewStrategy creates a read strategy. legacy may be nil.
func NewStrategy(store secret.Store, legacy Source, enabled bool, logger *zap.Logger) *Strategy {
	if logger == nil {
		logger = zap.L()
	}
	return &Strategy{
		store:   store,
		legacy:  legacy,
		enabled: enabled && legacy != nil,
		logger:  logger.Named("migration"),
	}
}

// VaultOnly is a strategy without legacy fallback.
func VaultOnly(store secret.Store) *Strategy {
	return NewStrategy(store, nil, false, zap.L())
}

// LegacyEnabled reports whether the legacy table is consulted.
func (s *Strategy) LegacyEnabled() bool {
	return s.enabled
}

// RefreshToken returns the connection's refresh token. It returns
// secret.ErrNotFound when neither source has one.
func (s *Strategy) RefreshToken(ctx context.Context, ownerID, connectionID string) (secret.RefreshToken, Origin, error) {
	sec, err := s.store.GetSecret(ctx, ownerID, secret.RefreshTokenName(connectionID))
	if err == nil {
		payload, err := sec.Payload()
		if err != nil {
			return secret.RefreshToken{}, "", err
		}
		rt, _ := payload.(secret.RefreshToken)
		return rt, OriginVault, nil
	}
	if !errors.Is(err, secret.ErrNotFound) {
		return secret.RefreshToken{}, "", err
	}

	cred, err := s.fallback(ctx, ownerID, connectionID)
	if err != nil {
		return secret.RefreshToken{}, "", err
	}
	if cred.RefreshToken == "" {
		return secret.RefreshToken{}, "", secret.ErrNotFound
	}
	return secret.RefreshToken{Token: cred.RefreshToken, Provider: cred.Provider}, OriginLegacy, nil
}

// AccessToken returns the vault access token secret, or a synthesized one
// built from the legacy row.
func (s *Strategy) AccessToken(ctx context.Context, ownerID, connectionID string) (*secret.Secret, Origin, error) {
	sec, err := s.store.GetSecret(ctx, ownerID, secret.AccessTokenName(connectionID))
	if err == nil {
		return sec, OriginVault, nil
	}
	if !errors.Is(err, secret.ErrNotFound) {
		return nil, "", err
	}

	cred, err := s.fallback(ctx, ownerID, connectionID)
	if err != nil {
		return nil, "", err
	}
	if cred.AccessToken == "" {
		return nil, "", secret.ErrNotFound
	}
	value := secret.Encode(secret.AccessToken{
		Token:     cred.AccessToken,
		TokenType: cred.TokenType,
		Scope:     cred.Scope,
		Provider:  cred.Provider,
	})
	return &secret.Secret{
		OwnerID:      ownerID,
		Name:         secret.AccessTokenName(connectionID),
		Type:         secret.TypeOAuth2AccessToken,
		Metadata:     value.Metadata,
		ExpiresAt:    cred.ExpiresAt,
		IsActive:     true,
		ConnectionID: connectionID,
		Value:        value,
	}, OriginLegacy, nil
}

// Legacy loads the legacy row. Read failures other than a missing row are
// logged and reported as secret.ErrNotFound so the vault path stays primary.
func (s *Strategy) Legacy(ctx context.Context, ownerID, connectionID string) (*Credential, error) {
	if !s.enabled {
		return nil, secret.ErrNotFound
	}
	cred, err := s.legacy.Load(ctx, ownerID, connectionID)
	if errors.Is(err, secret.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		s.logger.Warn("legacy credential read failed",
			zap.String("owner_id", ownerID),
			zap.String("connection_id", connectionID),
			zap.Error(err))
		return nil, secret.ErrNotFound
	}
	return cred, nil
}

// fallback returns the legacy row only while it still stands in for the
// vault: the row is unstamped and the vault holds no record for the
// connection, active or deactivated.
func (s *Strategy) fallback(ctx context.Context, ownerID, connectionID string) (*Credential, error) {
	if !s.enabled {
		return nil, secret.ErrNotFound
	}
	known, err := s.HasVaultRecord(ctx, ownerID, connectionID)
	if err != nil {
		return nil, err
	}
	if known {
		return nil, secret.ErrNotFound
	}
	cred, err := s.Legacy(ctx, ownerID, connectionID)
	if err != nil {
		return nil, err
	}
	if cred.MigratedAt != nil {
		return nil, secret.ErrNotFound
	}
	return cred, nil
}

// HasVaultRecord reports whether the vault has ever held a token for the
// connection.
func (s *Strategy) HasVaultRecord(ctx context.Context, ownerID, connectionID string) (bool, error) {
	for _, name := range []string{secret.AccessTokenName(connectionID), secret.RefreshTokenName(connectionID)} {
		ok, err := s.store.HasSecret(ctx, ownerID, name)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Retire takes an unstamped legacy row out of the read path. It is used when
// the connection is disconnected or its credentials are rejected.
func (s *Strategy) Retire(ctx context.Context, ownerID, connectionID string, at time.Time) error {
	cred, err := s.Legacy(ctx, ownerID, connectionID)
	if errors.Is(err, secret.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cred.MigratedAt != nil {
		return nil
	}
	return s.legacy.MarkMigrated(ctx, ownerID, connectionID, at)
}

// MarkMigrated stamps the legacy row. Failures are returned for the caller
// to downgrade to a warning.
func (s *Strategy) MarkMigrated(ctx context.Context, ownerID, connectionID string, at time.Time) error {
	if !s.enabled {
		return nil
	}
	return s.legacy.MarkMigrated(ctx, ownerID, connectionID, at)
}

// Pending lists legacy rows awaiting migration.
func (s *Strategy) Pending(ctx context.Context, limit int) ([]Credential, error) {
	if !s.enabled {
		return nil, nil
	}
	return s.legacy.ListPending(ctx, limit)
}
