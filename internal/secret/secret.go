package secret

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a secret is absent or inactive.
var ErrNotFound = errors.New("secret: not found")

// Type identifies what kind of credential a secret holds.
type Type string

const (
	TypeOAuth2AccessToken  Type = "OAUTH2_ACCESS_TOKEN"
	TypeOAuth2RefreshToken Type = "OAUTH2_REFRESH_TOKEN"
	TypeBasicAuthUsername  Type = "BASIC_AUTH_USERNAME"
	TypeBasicAuthPassword  Type = "BASIC_AUTH_PASSWORD"
	TypeAPIKey             Type = "API_KEY"
)

// Valid reports whether t is a known secret type.
func (t Type) Valid() bool {
	switch t {
	case TypeOAuth2AccessToken, TypeOAuth2RefreshToken, TypeBasicAuthUsername, TypeBasicAuthPassword, TypeAPIKey:
		return true
	}
	return false
}

// IsOAuth2 reports whether the type belongs to the OAuth2 write path.
func (t Type) IsOAuth2() bool {
	return t == TypeOAuth2AccessToken || t == TypeOAuth2RefreshToken
}

// RotationMethodOAuth2Refresh marks history entries produced by a refresh_token grant.
const RotationMethodOAuth2Refresh = "oauth2_refresh"

// RotationEntry is one append-only rotation history record.
type RotationEntry struct {
	RotatedAt       time.Time `json:"rotatedAt"`
	PreviousVersion int       `json:"previousVersion"`
	NewVersion      int       `json:"newVersion"`
	Method          string    `json:"method"`
}

// RotationConfig enables scheduled rotation for a secret.
type RotationConfig struct {
	Enabled      bool
	IntervalDays int
}

// Value is the plaintext shape a secret is stored as.
type Value struct {
	Value    string
	Metadata map[string]string
}

// Secret is the persisted, versioned credential record.
// Value is only populated by Store.GetSecret.
type Secret struct {
	ID                   string
	OwnerID              string
	Name                 string
	Type                 Type
	EncryptedValue       []byte
	Metadata             map[string]string
	ExpiresAt            *time.Time
	RotationEnabled      bool
	RotationIntervalDays int
	LastRotatedAt        *time.Time
	NextRotationAt       *time.Time
	Version              int
	RotationHistory      []RotationEntry
	IsActive             bool
	ConnectionID         string
	ConnectionName       string
	CreatedAt            time.Time
	UpdatedAt            time.Time

	Value Value
}

// IsExpired reports whether the secret carries an expiry at or before now.
func (s *Secret) IsExpired(now time.Time) bool {
	if s.ExpiresAt == nil {
		return false
	}
	return !s.ExpiresAt.After(now)
}

// Payload decodes the plaintext value into its typed form.
func (s *Secret) Payload() (Payload, error) {
	return Decode(s.Type, s.Value)
}

// StoreRequest describes a single upsert.
type StoreRequest struct {
	OwnerID        string
	Name           string
	Value          Value
	Type           Type
	ExpiresAt      *time.Time
	Rotation       *RotationConfig
	ConnectionID   string
	ConnectionName string
}

// Validate checks the fields every store requires.
func (r StoreRequest) Validate() error {
	if r.OwnerID == "" {
		return fmt.Errorf("secret: owner id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("secret: name is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("secret: unknown type %q", r.Type)
	}
	return nil
}

// AccessTokenName is the vault name of a connection's access token.
func AccessTokenName(connectionID string) string {
	return "oauth2_access_token_" + connectionID
}

// RefreshTokenName is the vault name of a connection's refresh token.
func RefreshTokenName(connectionID string) string {
	return "oauth2_refresh_token_" + connectionID
}

// FindByType returns the first secret of type t, or nil.
func FindByType(secrets []*Secret, t Type) *Secret {
	for _, s := range secrets {
		if s.Type == t {
			return s
		}
	}
	return nil
}
