package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Secret is a versioned, encrypted credential row in the vault
type Secret struct {
	ID                   string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID              string            `json:"owner_id" gorm:"not null;uniqueIndex:idx_secrets_owner_name"`
	Name                 string            `json:"name" gorm:"not null;uniqueIndex:idx_secrets_owner_name"`
	Type                 string            `json:"type" gorm:"not null;index"`
	EncryptedValue       []byte            `json:"-" gorm:"not null"` // Never expose ciphertext in JSON
	Metadata             map[string]string `json:"metadata" gorm:"-"`
	MetadataRaw          string            `json:"-" gorm:"column:metadata;type:text"`
	ExpiresAt            *time.Time        `json:"expires_at,omitempty"`
	RotationEnabled      bool              `json:"rotation_enabled" gorm:"not null"`
	RotationIntervalDays int               `json:"rotation_interval_days" gorm:"not null"`
	LastRotatedAt        *time.Time        `json:"last_rotated_at,omitempty"`
	NextRotationAt       *time.Time        `json:"next_rotation_at,omitempty" gorm:"index"`
	Version              int               `json:"version" gorm:"not null"`
	IsActive             bool              `json:"is_active" gorm:"not null;index"`
	ConnectionID         *string           `json:"connection_id,omitempty" gorm:"index"`
	ConnectionName       *string           `json:"connection_name,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`

	// Relationships (optional, for eager loading)
	Rotations []SecretRotation `json:"rotations,omitempty" gorm:"foreignKey:SecretID"`
}

// TableName specifies the table name for Secret
func (Secret) TableName() string {
	return "secrets"
}

// BeforeSave marshals the Metadata map to JSON before saving (GORM hook)
func (s *Secret) BeforeSave(tx *gorm.DB) error {
	raw, err := MarshalMetadata(s.Metadata)
	if err != nil {
		return err
	}
	s.MetadataRaw = raw
	return nil
}

// AfterFind unmarshals the Metadata JSON after loading (GORM hook)
func (s *Secret) AfterFind(tx *gorm.DB) error {
	s.Metadata = map[string]string{}
	if s.MetadataRaw != "" {
		return json.Unmarshal([]byte(s.MetadataRaw), &s.Metadata)
	}
	return nil
}

// SecretRotation is one append-only rotation history entry
type SecretRotation struct {
	ID              int       `json:"id" gorm:"primaryKey;autoIncrement"`
	SecretID        string    `json:"secret_id" gorm:"not null;index;type:varchar(36)"`
	RotatedAt       time.Time `json:"rotated_at" gorm:"not null"`
	PreviousVersion int       `json:"previous_version" gorm:"not null"`
	NewVersion      int       `json:"new_version" gorm:"not null"`
	Method          string    `json:"method" gorm:"not null"`
	CreatedAt       time.Time `json:"created_at"`
}

// TableName specifies the table name for SecretRotation
func (SecretRotation) TableName() string {
	return "secret_rotations"
}

// MarshalMetadata encodes metadata for the text column; nil becomes "{}"
func MarshalMetadata(meta map[string]string) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
