package secret

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadEncoding(t *testing.T) {
	cases := []struct {
		name     string
		payload  Payload
		value    string
		metadata map[string]string
	}{
		{
			name:     "access token",
			payload:  AccessToken{Token: "A", TokenType: "Bearer", Scope: "read", Provider: "github"},
			value:    "A",
			metadata: map[string]string{"tokenType": "Bearer", "scope": "read", "provider": "github"},
		},
		{
			name:     "access token without scope",
			payload:  AccessToken{Token: "A", Provider: "slack"},
			value:    "A",
			metadata: map[string]string{"provider": "slack"},
		},
		{
			name:     "refresh token",
			payload:  RefreshToken{Token: "R", Provider: "google"},
			value:    "R",
			metadata: map[string]string{"provider": "google"},
		},
		{
			name:     "api key",
			payload:  APIKey{Key: "k", Header: "X-Api-Key"},
			value:    "k",
			metadata: map[string]string{"header": "X-Api-Key"},
		},
		{
			name:     "password",
			payload:  BasicAuthPassword{Password: "p"},
			value:    "p",
			metadata: map[string]string{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := Encode(tc.payload)
			assert.Equal(t, tc.value, v.Value)
			assert.Equal(t, tc.metadata, v.Metadata)

			back, err := Decode(tc.payload.Type(), v)
			require.NoError(t, err)
			assert.Equal(t, tc.payload, back)
		})
	}

	_, err := Decode(Type("SSH_KEY"), Value{Value: "x"})
	assert.Error(t, err)
}

func TestStoreRequestValidate(t *testing.T) {
	ok := StoreRequest{OwnerID: "u", Name: "n", Type: TypeAPIKey}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.OwnerID = ""
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Type = "nope"
	assert.Error(t, bad.Validate())
}

func TestSecretHelpers(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	s := &Secret{}
	assert.False(t, s.IsExpired(now))
	s.ExpiresAt = &now
	assert.True(t, s.IsExpired(now), "expiry is inclusive")

	assert.Equal(t, "oauth2_access_token_c1", AccessTokenName("c1"))
	assert.Equal(t, "oauth2_refresh_token_c1", RefreshTokenName("c1"))

	list := []*Secret{
		{Type: TypeOAuth2RefreshToken, Metadata: map[string]string{"provider": "github"}},
		{Type: TypeOAuth2AccessToken},
	}
	assert.Same(t, list[1], FindByType(list, TypeOAuth2AccessToken))
	assert.Nil(t, FindByType(list, TypeAPIKey))
	assert.Equal(t, "github", ProviderOf(list[0]))
	assert.Empty(t, ProviderOf(nil))

	assert.True(t, TypeOAuth2RefreshToken.IsOAuth2())
	assert.False(t, TypeAPIKey.IsOAuth2())
}
