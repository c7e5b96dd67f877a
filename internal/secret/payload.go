package secret

import "fmt"

// Payload is the typed plaintext of a secret. Each secret type has exactly
// one payload struct so only the fields legal for that type can be set.
type Payload interface {
	Type() Type
	encode() Value
}

// AccessToken is an OAuth2 bearer credential.
type AccessToken struct {
	Token     string
	TokenType string
	Scope     string
	Provider  string
}

// RefreshToken is an OAuth2 refresh credential.
type RefreshToken struct {
	Token    string
	Provider string
}

// BasicAuthUsername is the user half of a basic-auth pair.
type BasicAuthUsername struct {
	Username string
}

// BasicAuthPassword is the password half of a basic-auth pair.
type BasicAuthPassword struct {
	Password string
}

// APIKey is a static key sent in a header.
type APIKey struct {
	Key    string
	Header string
}

const (
	metaTokenType = "tokenType"
	metaScope     = "scope"
	metaProvider  = "provider"
	metaHeader    = "header"
)

func (AccessToken) Type() Type       { return TypeOAuth2AccessToken }
func (RefreshToken) Type() Type      { return TypeOAuth2RefreshToken }
func (BasicAuthUsername) Type() Type { return TypeBasicAuthUsername }
func (BasicAuthPassword) Type() Type { return TypeBasicAuthPassword }
func (APIKey) Type() Type            { return TypeAPIKey }

func (p AccessToken) encode() Value {
	meta := map[string]string{}
	putNonEmpty(meta, metaTokenType, p.TokenType)
	putNonEmpty(meta, metaScope, p.Scope)
	putNonEmpty(meta, metaProvider, p.Provider)
	return Value{Value: p.Token, Metadata: meta}
}

func (p RefreshToken) encode() Value {
	meta := map[string]string{}
	putNonEmpty(meta, metaProvider, p.Provider)
	return Value{Value: p.Token, Metadata: meta}
}

func (p BasicAuthUsername) encode() Value { return Value{Value: p.Username, Metadata: map[string]string{}} }
func (p BasicAuthPassword) encode() Value { return Value{Value: p.Password, Metadata: map[string]string{}} }

func (p APIKey) encode() Value {
	meta := map[string]string{}
	putNonEmpty(meta, metaHeader, p.Header)
	return Value{Value: p.Key, Metadata: meta}
}

// Encode flattens a payload into the store's value/metadata shape.
func Encode(p Payload) Value {
	return p.encode()
}

// Decode rebuilds the typed payload for a stored value.
func Decode(t Type, v Value) (Payload, error) {
	meta := v.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	switch t {
	case TypeOAuth2AccessToken:
		return AccessToken{
			Token:     v.Value,
			TokenType: meta[metaTokenType],
			Scope:     meta[metaScope],
			Provider:  meta[metaProvider],
		}, nil
	case TypeOAuth2RefreshToken:
		return RefreshToken{Token: v.Value, Provider: meta[metaProvider]}, nil
	case TypeBasicAuthUsername:
		return BasicAuthUsername{Username: v.Value}, nil
	case TypeBasicAuthPassword:
		return BasicAuthPassword{Password: v.Value}, nil
	case TypeAPIKey:
		return APIKey{Key: v.Value, Header: meta[metaHeader]}, nil
	}
	return nil, fmt.Errorf("secret: unknown type %q", t)
}

// ProviderOf returns the provider recorded in a secret's metadata.
func ProviderOf(s *Secret) string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	return s.Metadata[metaProvider]
}

func putNonEmpty(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}
