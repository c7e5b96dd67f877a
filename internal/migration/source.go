// Package migration moves credentials from the legacy api_credentials table
// into the vault.
package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fuomag9/oauth-vault/internal/models"
	"github.com/fuomag9/oauth-vault/internal/secret"
	"github.com/fuomag9/oauth-vault/internal/vault"
)

// Credential is a decrypted legacy credential row.
type Credential struct {
	UserID       string
	ConnectionID string
	Provider     string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    *time.Time
	MigratedAt   *time.Time
}

// Source reads the legacy credential table.
type Source interface {
	// Load returns secret.ErrNotFound when the connection has no legacy row.
	Load(ctx context.Context, userID, connectionID string) (*Credential, error)
	MarkMigrated(ctx context.Context, userID, connectionID string, at time.Time) error
	ListPending(ctx context.Context, limit int) ([]Credential, error)
}

// GormSource is the gorm backed Source. Token columns were written with the
// vault cipher bound to the legacy row identity.
type GormSource struct {
	db     *gorm.DB
	cipher vault.Cipher
}

var _ Source = (*GormSource)(nil)

// NewGormSource creates a legacy source
func NewGormSource(db *gorm.DB, c vault.Cipher) *GormSource {
	return &GormSource{db: db, cipher: c}
}

// LegacyAssociatedData binds a legacy token column to its row.
func LegacyAssociatedData(userID, connectionID, column string) []byte {
	return vault.AssociatedData(userID, "api_credentials/"+connectionID+"/"+column)
}

func (g *GormSource) Load(ctx context.Context, userID, connectionID string) (*Credential, error) {
	var row models.LegacyCredential
	err := g.db.WithContext(ctx).
		Where("user_id = ? AND api_connection_id = ?", userID, connectionID).
		Order("updated_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, secret.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("migration: load legacy credential: %w", err)
	}
	return g.decrypt(&row)
}

func (g *GormSource) decrypt(row *models.LegacyCredential) (*Credential, error) {
	cred := &Credential{
		UserID:       row.UserID,
		ConnectionID: row.APIConnectionID,
		Provider:     row.Provider,
		TokenType:    row.TokenType,
		Scope:        row.Scope,
		ExpiresAt:    row.ExpiresAt,
		MigratedAt:   row.MigratedAt,
	}
	if len(row.AccessToken) > 0 {
		pt, err := g.cipher.Decrypt(row.AccessToken, LegacyAssociatedData(row.UserID, row.APIConnectionID, "access_token"))
		if err != nil {
			return nil, fmt.Errorf("migration: legacy access token: %w", err)
		}
		cred.AccessToken = string(pt)
	}
	if row.HasRefreshToken() {
		pt, err := g.cipher.Decrypt(row.RefreshToken, LegacyAssociatedData(row.UserID, row.APIConnectionID, "refresh_token"))
		if err != nil {
			return nil, fmt.Errorf("migration: legacy refresh token: %w", err)
		}
		cred.RefreshToken = string(pt)
	}
	return cred, nil
}

func (g *GormSource) MarkMigrated(ctx context.Context, userID, connectionID string, at time.Time) error {
	return g.db.WithContext(ctx).Model(&models.LegacyCredential{}).
		Where("user_id = ? AND api_connection_id = ?", userID, connectionID).
		UpdateColumn("migrated_at", at.UTC()).Error
}

// ListPending returns rows not yet stamped as migrated. Rows that fail to
// decrypt are skipped.
func (g *GormSource) ListPending(ctx context.Context, limit int) ([]Credential, error) {
	var rows []models.LegacyCredential
	err := g.db.WithContext(ctx).
		Where("migrated_at IS NULL").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("migration: list pending: %w", err)
	}

	out := make([]Credential, 0, len(rows))
	for i := range rows {
		cred, err := g.decrypt(&rows[i])
		if err != nil {
			continue
		}
		out = append(out, *cred)
	}
	return out, nil
}
