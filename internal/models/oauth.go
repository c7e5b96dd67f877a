package models

import "time"

// OAuthStateNonce records a consumed authorization state nonce so a state
// token can only complete one callback
type OAuthStateNonce struct {
	ID        int       `json:"id" gorm:"primaryKey;autoIncrement"`
	Nonce     string    `json:"nonce" gorm:"uniqueIndex;not null"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null;index"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for OAuthStateNonce
func (OAuthStateNonce) TableName() string {
	return "oauth_state_nonces"
}
