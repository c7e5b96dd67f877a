package models

import "time"

// LegacyCredential is a row of the pre-vault credential table.
// Token columns hold ciphertext produced by the same vault cipher.
type LegacyCredential struct {
	ID              int        `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID          string     `json:"user_id" gorm:"not null;index:idx_api_credentials_owner_connection"`
	APIConnectionID string     `json:"api_connection_id" gorm:"column:api_connection_id;not null;index:idx_api_credentials_owner_connection"`
	Provider        string     `json:"provider"`
	AccessToken     []byte     `json:"-"`
	RefreshToken    []byte     `json:"-"`
	TokenType       string     `json:"token_type"`
	Scope           string     `json:"scope"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	MigratedAt      *time.Time `json:"migrated_at,omitempty" gorm:"index"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName specifies the table name for LegacyCredential
func (LegacyCredential) TableName() string {
	return "api_credentials"
}

// HasRefreshToken reports whether the legacy row carries a refresh token
func (c *LegacyCredential) HasRefreshToken() bool {
	return len(c.RefreshToken) > 0
}
