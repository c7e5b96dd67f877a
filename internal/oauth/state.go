package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultStateTTL bounds how long an authorize redirect may take.
	DefaultStateTTL = 5 * time.Minute

	// maxStateSkew tolerates clocks of other replicas running slightly ahead.
	maxStateSkew = 30 * time.Second

	nonceBytes = 16
)

// AuthorizationState binds a callback to the authorize request that started it.
// Field order is the wire order.
type AuthorizationState struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"apiConnectionId"`
	Provider     string `json:"provider"`
	IssuedAt     int64  `json:"timestamp"`
	Nonce        string `json:"nonce"`
}

// IssuedTime returns IssuedAt as a time.Time.
func (s AuthorizationState) IssuedTime() time.Time {
	return time.UnixMilli(s.IssuedAt)
}

func (s AuthorizationState) complete() bool {
	return s.UserID != "" && s.ConnectionID != "" && s.Provider != "" && s.IssuedAt > 0 && s.Nonce != ""
}

// StateCodec turns AuthorizationState into the opaque state parameter.
// The token is unsigned; see DESIGN.md.
type StateCodec struct {
	ttl time.Duration
}

// NewStateCodec creates a codec; ttl <= 0 selects DefaultStateTTL.
func NewStateCodec(ttl time.Duration) *StateCodec {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateCodec{ttl: ttl}
}

// TTL returns the validity window of issued states.
func (c *StateCodec) TTL() time.Duration {
	return c.ttl
}

// Encode serializes the state as base64url JSON.
func (c *StateCodec) Encode(state AuthorizationState) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a state token. It never fails loudly: malformed or
// incomplete input yields ok == false.
func (c *StateCodec) Decode(token string) (AuthorizationState, bool) {
	token = strings.TrimRight(strings.TrimSpace(token), "=")
	if token == "" {
		return AuthorizationState{}, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return AuthorizationState{}, false
	}

	var state AuthorizationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return AuthorizationState{}, false
	}
	if !state.complete() {
		return AuthorizationState{}, false
	}
	return state, true
}

// IsExpired reports whether more than ttl has elapsed since the state was issued.
func IsExpired(state AuthorizationState, now time.Time, ttl time.Duration) bool {
	return now.Sub(state.IssuedTime()) > ttl
}

// Validate decodes the token and enforces the TTL and clock skew.
func (c *StateCodec) Validate(token string, now time.Time) (AuthorizationState, error) {
	state, ok := c.Decode(token)
	if !ok {
		return AuthorizationState{}, newError(CodeInvalidState, msgInvalidState)
	}
	if state.IssuedTime().Sub(now) > maxStateSkew {
		return AuthorizationState{}, newError(CodeInvalidState, msgInvalidState)
	}
	if IsExpired(state, now, c.ttl) {
		return AuthorizationState{}, newError(CodeExpiredState, msgExpiredState)
	}
	return state, nil
}

// NewNonce returns 16 random bytes, hex encoded.
func NewNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
