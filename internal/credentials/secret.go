package credentials

import (
	"encoding/json"
	"fmt"
)

// secretEnvelope is the JSON shape credentials take inside a secret store
// entry. It exists for backends whose only payload channel is world-visible
// (EC2 user-data): the launcher stages the credentials under a name, and the
// booted worker resolves the name back into this envelope.
type secretEnvelope struct {
	AuthType AuthType `json:"auth_type"`
	APIKey   string   `json:"api_key,omitempty"`
	OAuth    *OAuth   `json:"oauth,omitempty"`
}

// EncodeSecret serializes credentials for storage in a secret store.
func EncodeSecret(c *Credentials) (string, error) {
	if c == nil {
		return "", fmt.Errorf("no credentials to encode")
	}
	raw, err := json.Marshal(secretEnvelope{AuthType: c.AuthType, APIKey: c.APIKey, OAuth: c.OAuth})
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	return string(raw), nil
}

// DecodeSecret parses a secret store entry written by EncodeSecret.
func DecodeSecret(s string) (*Credentials, error) {
	var env secretEnvelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, fmt.Errorf("decode credential secret: %w", err)
	}
	switch env.AuthType {
	case AuthAPIKey:
		if env.APIKey == "" {
			return nil, fmt.Errorf("credential secret has auth_type api_key but no api_key")
		}
		return FromAPIKey(env.APIKey), nil
	case AuthOAuth:
		if env.OAuth == nil || env.OAuth.AccessToken == "" {
			return nil, fmt.Errorf("credential secret has auth_type oauth but no access token")
		}
		return FromOAuth(*env.OAuth), nil
	}
	return nil, fmt.Errorf("credential secret has invalid auth_type %q", env.AuthType)
}
