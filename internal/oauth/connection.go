package oauth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fuomag9/oauth-vault/internal/audit"
	"github.com/fuomag9/oauth-vault/internal/secret"
)

// ConnectionState is derived from the connection's secrets and never stored.
type ConnectionState string

const (
	StateNoCredential ConnectionState = "NO_CREDENTIAL"
	StateActive       ConnectionState = "ACTIVE"
	StateExpired      ConnectionState = "EXPIRED"
	StateError        ConnectionState = "ERROR"
)

// State derives the lifecycle state of a connection.
func (m *Manager) State(ctx context.Context, ownerID, connectionID string) (ConnectionState, error) {
	secrets, err := m.store.GetSecretsForConnection(ctx, ownerID, connectionID)
	if err != nil {
		return "", fmt.Errorf("read connection secrets: %w", err)
	}
	access := secret.FindByType(secrets, secret.TypeOAuth2AccessToken)
	refresh := secret.FindByType(secrets, secret.TypeOAuth2RefreshToken)

	switch {
	case access == nil && refresh == nil:
		return StateNoCredential, nil
	case access != nil && !access.IsExpired(m.now()):
		return StateActive, nil
	case refresh != nil:
		return StateExpired, nil
	}
	return StateError, nil
}

// Disconnect deactivates every secret bound to the connection. Secrets are
// never hard-deleted. Disconnecting twice is not an error.
func (m *Manager) Disconnect(ctx context.Context, ownerID, connectionID string) error {
	secrets, err := m.store.GetSecretsForConnection(ctx, ownerID, connectionID)
	if err != nil {
		return fmt.Errorf("read connection secrets: %w", err)
	}

	var names []string
	for _, s := range secrets {
		if err := m.store.Deactivate(ctx, ownerID, s.Name); err != nil && !errors.Is(err, secret.ErrNotFound) {
			return fmt.Errorf("deactivate %s: %w", s.Name, err)
		}
		names = append(names, s.Name)
	}
	m.retireLegacy(ctx, ownerID, connectionID)

	m.logger.Info("connection disconnected",
		zap.String("owner_id", ownerID),
		zap.String("connection_id", connectionID),
		zap.Int("secrets", len(names)))
	m.auditor.Record(ctx, audit.Record{
		UserID:     ownerID,
		Action:     ActionDisconnect,
		ResourceID: connectionID,
		Details:    map[string]interface{}{"secrets": names},
	})
	return nil
}

// retireLegacy stamps the connection's legacy row so it is never read again.
func (m *Manager) retireLegacy(ctx context.Context, ownerID, connectionID string) {
	if !m.strategy.LegacyEnabled() {
		return
	}
	if err := m.strategy.Retire(ctx, ownerID, connectionID, m.now()); err != nil {
		m.logger.Warn("failed to retire legacy credential",
			zap.String("owner_id", ownerID),
			zap.String("connection_id", connectionID),
			zap.Error(err))
	}
}

// LinkConnection records a display name on the connection's token secrets.
func (m *Manager) LinkConnection(ctx context.Context, ownerID, connectionID, connectionName string) error {
	linked := 0
	for _, name := range []string{secret.AccessTokenName(connectionID), secret.RefreshTokenName(connectionID)} {
		err := m.store.LinkSecretToConnection(ctx, ownerID, name, connectionID, connectionName)
		if errors.Is(err, secret.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("link %s: %w", name, err)
		}
		linked++
	}
	if linked == 0 {
		return newError(CodeNoCredential, "no OAuth2 secrets stored for connection")
	}
	return nil
}

// MigrationResult describes the outcome of Migrate.
type MigrationResult struct {
	Migrated        bool     `json:"migrated"`
	AlreadyMigrated bool     `json:"alreadyMigrated"`
	Secrets         int      `json:"secrets"`
	Warnings        []string `json:"warnings"`
}

// Migrate copies a legacy credential into the vault. It is idempotent: a
// connection the vault already knows is only stamped.
// Failing to stamp the legacy row is a warning.
func (m *Manager) Migrate(ctx context.Context, ownerID, connectionID string) (MigrationResult, error) {
	res := MigrationResult{Warnings: []string{}}
	if !m.strategy.LegacyEnabled() {
		return res, newError(CodeMigrationFailed, "legacy credentials are disabled")
	}

	cred, err := m.strategy.Legacy(ctx, ownerID, connectionID)
	if errors.Is(err, secret.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return res, &Error{Code: CodeMigrationFailed, Message: "failed to read legacy credential", Err: err}
	}

	// A vault record, even a deactivated one, or a stamped row means the
	// legacy tokens were already copied or deliberately retired.
	known, err := m.strategy.HasVaultRecord(ctx, ownerID, connectionID)
	switch {
	case err != nil:
		return res, &Error{Code: CodeMigrationFailed, Message: "failed to read vault", Err: err}
	case known || cred.MigratedAt != nil:
		res.AlreadyMigrated = true
	case cred.AccessToken == "" && cred.RefreshToken == "":
		res.Warnings = append(res.Warnings, "legacy credential holds no tokens")
	default:
		reqs := m.tokenRequests(ownerID, connectionID, cred.Provider, &TokenResponse{
			AccessToken:  cred.AccessToken,
			RefreshToken: cred.RefreshToken,
			TokenType:    cred.TokenType,
			Scope:        cred.Scope,
		}, cred.ExpiresAt, "")
		if cred.AccessToken == "" {
			reqs = reqs[1:]
		}
		if _, err := m.store.StoreSecrets(ctx, reqs); err != nil {
			return res, &Error{Code: CodeMigrationFailed, Message: "failed to write vault", Err: err}
		}
		res.Migrated = true
		res.Secrets = len(reqs)
	}

	if cred.MigratedAt == nil {
		if err := m.strategy.MarkMigrated(ctx, ownerID, connectionID, m.now()); err != nil {
			m.logger.Warn("failed to stamp legacy credential",
				zap.String("owner_id", ownerID),
				zap.String("connection_id", connectionID),
				zap.Error(err))
			res.Warnings = append(res.Warnings, "legacy credential could not be marked as migrated")
		}
	}

	if res.Migrated {
		m.logger.Info("legacy credential migrated",
			zap.String("owner_id", ownerID),
			zap.String("connection_id", connectionID),
			zap.Int("secrets", res.Secrets))
		m.auditor.Record(ctx, audit.Record{
			UserID:     ownerID,
			Action:     ActionMigrate,
			ResourceID: connectionID,
			Details:    map[string]interface{}{"provider": cred.Provider, "secrets": res.Secrets},
		})
	}
	return res, nil
}
