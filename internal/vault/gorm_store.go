package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fuomag9/oauth-vault/internal/models"
	"github.com/fuomag9/oauth-vault/internal/secret"
)

// GormStore is the relational secret.Store backed by the secrets and
// secret_rotations tables.
type GormStore struct {
	db     *gorm.DB
	cipher Cipher
	logger *zap.Logger
	now    func() time.Time
}

var _ secret.Store = (*GormStore)(nil)

// NewGormStore creates a store over an open database handle
func NewGormStore(db *gorm.DB, c Cipher, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.L()
	}
	return &GormStore{
		db:     db,
		cipher: c,
		logger: logger.Named("vault"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// StoreSecret creates or updates one secret
func (s *GormStore) StoreSecret(ctx context.Context, req secret.StoreRequest) (*secret.Secret, error) {
	out, err := s.StoreSecrets(ctx, []secret.StoreRequest{req})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// StoreSecrets writes every request in one transaction
func (s *GormStore) StoreSecrets(ctx context.Context, reqs []secret.StoreRequest) ([]*secret.Secret, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("vault: no secrets to store")
	}
	for _, req := range reqs {
		if err := req.Validate(); err != nil {
			return nil, err
		}
	}

	var out []*secret.Secret
	write := func() error {
		out = out[:0]
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, req := range reqs {
				row, err := s.upsert(tx, req)
				if err != nil {
					return err
				}
				out = append(out, toDomain(row))
			}
			return nil
		})
	}

	err := write()
	// A concurrent first write for the same key lost the insert race; the
	// row exists now, so the retry takes the update path.
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		err = write()
	}
	if err != nil {
		return nil, fmt.Errorf("vault: store secrets: %w", err)
	}

	for _, sec := range out {
		s.logger.Debug("stored secret",
			zap.String("owner_id", sec.OwnerID),
			zap.String("name", sec.Name),
			zap.Int("version", sec.Version))
	}
	return out, nil
}

func (s *GormStore) upsert(tx *gorm.DB, req secret.StoreRequest) (*models.Secret, error) {
	ciphertext, err := s.cipher.Encrypt([]byte(req.Value.Value), AssociatedData(req.OwnerID, req.Name))
	if err != nil {
		return nil, err
	}
	now := s.now()
	expiresAt := utcPtr(req.ExpiresAt)

	var row models.Secret
	err = tx.Where("owner_id = ? AND name = ?", req.OwnerID, req.Name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.Secret{
			ID:             uuid.NewString(),
			OwnerID:        req.OwnerID,
			Name:           req.Name,
			Type:           string(req.Type),
			EncryptedValue: ciphertext,
			Metadata:       copyMetadata(req.Value.Metadata),
			ExpiresAt:      expiresAt,
			Version:        1,
			IsActive:       true,
			ConnectionID:   stringPtr(req.ConnectionID),
			ConnectionName: stringPtr(req.ConnectionName),
		}
		if req.Rotation != nil {
			row.RotationEnabled = req.Rotation.Enabled
			row.RotationIntervalDays = req.Rotation.IntervalDays
			row.NextRotationAt = nextRotation(now, req.Rotation)
		}
		if err := tx.Create(&row).Error; err != nil {
			return nil, err
		}
		return s.reload(tx, row.ID)
	}
	if err != nil {
		return nil, err
	}

	metaRaw, err := models.MarshalMetadata(req.Value.Metadata)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{
		"type":            string(req.Type),
		"encrypted_value": ciphertext,
		"metadata":        metaRaw,
		"expires_at":      expiresAt,
		"version":         gorm.Expr("version + ?", 1),
		"is_active":       true,
		"updated_at":      now,
	}
	if req.Rotation != nil {
		updates["rotation_enabled"] = req.Rotation.Enabled
		updates["rotation_interval_days"] = req.Rotation.IntervalDays
		switch {
		case !req.Rotation.Enabled:
			updates["next_rotation_at"] = nil
		case row.NextRotationAt == nil:
			updates["next_rotation_at"] = nextRotation(now, req.Rotation)
		}
	}
	if req.ConnectionID != "" {
		updates["connection_id"] = req.ConnectionID
	}
	if req.ConnectionName != "" {
		updates["connection_name"] = req.ConnectionName
	}

	if err := tx.Model(&models.Secret{}).Where("id = ?", row.ID).UpdateColumns(updates).Error; err != nil {
		return nil, err
	}
	return s.reload(tx, row.ID)
}

func (s *GormStore) reload(tx *gorm.DB, id string) (*models.Secret, error) {
	var row models.Secret
	err := tx.Preload("Rotations", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).Where("id = ?", id).First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetSecret loads and decrypts an active secret
func (s *GormStore) GetSecret(ctx context.Context, ownerID, name string) (*secret.Secret, error) {
	var row models.Secret
	err := s.db.WithContext(ctx).Preload("Rotations", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).Where("owner_id = ? AND name = ? AND is_active = ?", ownerID, name, true).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, secret.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: load secret: %w", err)
	}

	plaintext, err := s.cipher.Decrypt(row.EncryptedValue, AssociatedData(ownerID, name))
	if err != nil {
		return nil, fmt.Errorf("vault: secret %s: %w", name, err)
	}

	out := toDomain(&row)
	out.Value = secret.Value{Value: string(plaintext), Metadata: copyMetadata(row.Metadata)}
	return out, nil
}

// HasSecret reports whether a record exists, including deactivated ones
func (s *GormStore) HasSecret(ctx context.Context, ownerID, name string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Secret{}).
		Where("owner_id = ? AND name = ?", ownerID, name).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("vault: check secret: %w", err)
	}
	return count > 0, nil
}

// LinkSecretToConnection binds an existing secret to a connection
func (s *GormStore) LinkSecretToConnection(ctx context.Context, ownerID, name, connectionID, connectionName string) error {
	updates := map[string]interface{}{
		"connection_id": connectionID,
		"updated_at":    s.now(),
	}
	if connectionName != "" {
		updates["connection_name"] = connectionName
	}
	result := s.db.WithContext(ctx).Model(&models.Secret{}).
		Where("owner_id = ? AND name = ?", ownerID, name).
		UpdateColumns(updates)
	if result.Error != nil {
		return fmt.Errorf("vault: link secret: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return secret.ErrNotFound
	}
	return nil
}

// GetSecretsForConnection lists active secrets of a connection
func (s *GormStore) GetSecretsForConnection(ctx context.Context, ownerID, connectionID string) ([]*secret.Secret, error) {
	var rows []models.Secret
	err := s.db.WithContext(ctx).Preload("Rotations", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).Where("owner_id = ? AND connection_id = ? AND is_active = ?", ownerID, connectionID, true).
		Order("type ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("vault: list connection secrets: %w", err)
	}

	out := make([]*secret.Secret, 0, len(rows))
	for i := range rows {
		out = append(out, toDomain(&rows[i]))
	}
	return out, nil
}

// RecordRotation appends history and moves the rotation schedule
func (s *GormStore) RecordRotation(ctx context.Context, ownerID, name string, entry secret.RotationEntry, nextRotationAt *time.Time) (*secret.Secret, error) {
	var out *secret.Secret
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Secret
		err := tx.Where("owner_id = ? AND name = ? AND is_active = ?", ownerID, name, true).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return secret.ErrNotFound
		}
		if err != nil {
			return err
		}

		rotatedAt := entry.RotatedAt.UTC()
		history := models.SecretRotation{
			SecretID:        row.ID,
			RotatedAt:       rotatedAt,
			PreviousVersion: entry.PreviousVersion,
			NewVersion:      entry.NewVersion,
			Method:          entry.Method,
		}
		if err := tx.Create(&history).Error; err != nil {
			return err
		}

		err = tx.Model(&models.Secret{}).Where("id = ?", row.ID).UpdateColumns(map[string]interface{}{
			"last_rotated_at":  rotatedAt,
			"next_rotation_at": utcPtr(nextRotationAt),
			"updated_at":       s.now(),
		}).Error
		if err != nil {
			return err
		}

		reloaded, err := s.reload(tx, row.ID)
		if err != nil {
			return err
		}
		out = toDomain(reloaded)
		return nil
	})
	if errors.Is(err, secret.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("vault: record rotation: %w", err)
	}
	return out, nil
}

// Deactivate marks a secret inactive; rows are never hard-deleted
func (s *GormStore) Deactivate(ctx context.Context, ownerID, name string) error {
	result := s.db.WithContext(ctx).Model(&models.Secret{}).
		Where("owner_id = ? AND name = ?", ownerID, name).
		UpdateColumns(map[string]interface{}{
			"is_active":  false,
			"updated_at": s.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("vault: deactivate secret: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return secret.ErrNotFound
	}
	return nil
}

// ListRotationCandidates finds access tokens due for rotation before the given time
func (s *GormStore) ListRotationCandidates(ctx context.Context, before time.Time) ([]*secret.Secret, error) {
	before = before.UTC()
	var rows []models.Secret
	err := s.db.WithContext(ctx).
		Where("type = ? AND is_active = ? AND rotation_enabled = ?", string(secret.TypeOAuth2AccessToken), true, true).
		Where("(next_rotation_at IS NOT NULL AND next_rotation_at <= ?) OR (expires_at IS NOT NULL AND expires_at <= ?)", before, before).
		Order("owner_id ASC, connection_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("vault: list rotation candidates: %w", err)
	}

	out := make([]*secret.Secret, 0, len(rows))
	for i := range rows {
		out = append(out, toDomain(&rows[i]))
	}
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
