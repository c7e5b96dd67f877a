package oauth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fuomag9/oauth-vault/internal/models"
)

// GormNonceStore consumes nonces through the unique index of
// oauth_state_nonces, for deployments without Redis.
type GormNonceStore struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewGormNonceStore creates a store over db. db must translate dialect
// errors so duplicate inserts surface as gorm.ErrDuplicatedKey.
func NewGormNonceStore(db *gorm.DB, logger *zap.Logger) *GormNonceStore {
	if logger == nil {
		logger = zap.L()
	}
	return &GormNonceStore{
		db:     db,
		logger: logger.Named("oauth.nonce"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Consume implements NonceStore.
func (g *GormNonceStore) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	row := models.OAuthStateNonce{
		Nonce:     nonce,
		ExpiresAt: g.now().Add(ttl),
	}
	err := g.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PurgeExpired deletes nonce rows whose state can no longer validate.
func (g *GormNonceStore) PurgeExpired(ctx context.Context) (int64, error) {
	result := g.db.WithContext(ctx).Where("expires_at < ?", g.now()).Delete(&models.OAuthStateNonce{})
	if result.Error != nil {
		g.logger.Warn("failed to delete expired state nonces", zap.Error(result.Error))
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		g.logger.Info("deleted expired state nonces", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}
