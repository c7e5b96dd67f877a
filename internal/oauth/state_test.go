package oauth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState(issued time.Time) AuthorizationState {
	return AuthorizationState{
		UserID:       "user-1",
		ConnectionID: "conn-1",
		Provider:     ProviderGoogle,
		IssuedAt:     issued.UnixMilli(),
		Nonce:        "0123456789abcdef0123456789abcdef",
	}
}

func TestStateCodec_RoundTrip(t *testing.T) {
	codec := NewStateCodec(0)
	states := []AuthorizationState{
		sampleState(time.Now()),
		{UserID: "ü/ser", ConnectionID: "c+=&?", Provider: "generic", IssuedAt: 1, Nonce: "n"},
	}
	for _, s := range states {
		token, err := codec.Encode(s)
		require.NoError(t, err)
		assert.NotContains(t, token, "=")
		assert.NotContains(t, token, "+")
		assert.NotContains(t, token, "/")

		decoded, ok := codec.Decode(token)
		require.True(t, ok)
		assert.Equal(t, s, decoded)

		again, err := codec.Encode(decoded)
		require.NoError(t, err)
		assert.Equal(t, token, again)
	}
}

func TestStateCodec_WireFormat(t *testing.T) {
	codec := NewStateCodec(0)
	token, err := codec.Encode(AuthorizationState{UserID: "u", ConnectionID: "c", Provider: "p", IssuedAt: 42, Nonce: "n"})
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"u","apiConnectionId":"c","provider":"p","timestamp":42,"nonce":"n"}`, string(raw))

	padded := base64.URLEncoding.EncodeToString(raw)
	decoded, ok := codec.Decode(padded)
	require.True(t, ok)
	assert.Equal(t, "c", decoded.ConnectionID)
}

func TestStateCodec_DecodeRejectsMalformed(t *testing.T) {
	codec := NewStateCodec(0)
	inputs := []string{
		"",
		"!!!not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("not json")),
		base64.RawURLEncoding.EncodeToString([]byte(`{}`)),
		base64.RawURLEncoding.EncodeToString([]byte(`{"userId":"u","apiConnectionId":"c","provider":"p","timestamp":1}`)),
		base64.RawURLEncoding.EncodeToString([]byte(`["array"]`)),
	}
	for _, in := range inputs {
		_, ok := codec.Decode(in)
		assert.False(t, ok, "input %q", in)
	}
}

func TestStateCodec_TTL(t *testing.T) {
	codec := NewStateCodec(DefaultStateTTL)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fresh, err := codec.Encode(sampleState(now.Add(-299 * time.Second)))
	require.NoError(t, err)
	_, err = codec.Validate(fresh, now)
	require.NoError(t, err)

	stale, err := codec.Encode(sampleState(now.Add(-301 * time.Second)))
	require.NoError(t, err)
	_, err = codec.Validate(stale, now)
	require.Error(t, err)
	oe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeExpiredState, oe.Code)
	assert.Equal(t, "State parameter expired", oe.Message)

	assert.True(t, IsExpired(sampleState(now.Add(-301*time.Second)), now, DefaultStateTTL))
	assert.False(t, IsExpired(sampleState(now.Add(-299*time.Second)), now, DefaultStateTTL))
}

func TestStateCodec_RejectsFutureStates(t *testing.T) {
	codec := NewStateCodec(0)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	skewed, err := codec.Encode(sampleState(now.Add(10 * time.Second)))
	require.NoError(t, err)
	_, err = codec.Validate(skewed, now)
	require.NoError(t, err)

	future, err := codec.Encode(sampleState(now.Add(time.Minute)))
	require.NoError(t, err)
	_, err = codec.Validate(future, now)
	assert.Equal(t, CodeInvalidState, CodeOf(err))
}

func TestStateCodec_ValidateMalformed(t *testing.T) {
	_, err := NewStateCodec(0).Validate("garbage", time.Now())
	oe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidState, oe.Code)
	assert.Equal(t, "Invalid state parameter", oe.Message)
}

func TestNewNonce(t *testing.T) {
	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
