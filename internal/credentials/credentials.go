// Package credentials models the capability token an agent worker boots
// with, independent of which backend hosts it.
//
// A worker authenticates to the model API in one of two modes: a plain API
// key, or an OAuth token captured from an interactive login. Adapters never
// read tokens from ambient process state; the resolved Credentials value is
// threaded explicitly into launch and rendered into whichever side channel
// the backend offers (instance metadata, container environment).
package credentials

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AuthType discriminates the two supported authentication modes.
type AuthType string

const (
	AuthAPIKey AuthType = "api_key"
	AuthOAuth  AuthType = "oauth"
)

// ParseAuthType validates an auth-type string.
func ParseAuthType(s string) (AuthType, error) {
	switch AuthType(strings.ToLower(s)) {
	case AuthAPIKey:
		return AuthAPIKey, nil
	case AuthOAuth:
		return AuthOAuth, nil
	}
	return "", fmt.Errorf("invalid auth type %q: must be %q or %q", s, AuthAPIKey, AuthOAuth)
}

// OAuth holds tokens from a Claude Code OAuth login.
type OAuth struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// Credentials is the resolved capability token plus its mode discriminator.
type Credentials struct {
	AuthType AuthType
	APIKey   string
	OAuth    *OAuth
	// GitHubToken optionally grants the worker push access to its
	// repository. Like the model token it travels only on side channels.
	GitHubToken string
}

// FromAPIKey wraps a raw Anthropic API key.
func FromAPIKey(key string) *Credentials {
	return &Credentials{AuthType: AuthAPIKey, APIKey: key}
}

// FromOAuth wraps OAuth tokens.
func FromOAuth(o OAuth) *Credentials {
	return &Credentials{AuthType: AuthOAuth, OAuth: &o}
}

// oauthEnvelope mirrors the on-disk ~/.claude/.credentials.json shape.
type oauthEnvelope struct {
	ClaudeAIOAuth *OAuth `json:"claudeAiOauth"`
}

// ParseOAuthJSON parses a credentials.json document of the form
// {"claudeAiOauth": {"accessToken": "...", "refreshToken": "..."}}.
// Returns an error for malformed JSON or a missing claudeAiOauth key.
func ParseOAuthJSON(s string) (*Credentials, error) {
	var env oauthEnvelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, fmt.Errorf("parse oauth credentials: %w", err)
	}
	if env.ClaudeAIOAuth == nil || env.ClaudeAIOAuth.AccessToken == "" {
		return nil, fmt.Errorf("oauth credentials missing claudeAiOauth.accessToken")
	}
	return FromOAuth(*env.ClaudeAIOAuth), nil
}

// ValidAPIKeyFormat reports whether key looks like an Anthropic API key.
func ValidAPIKeyFormat(key string) bool {
	return strings.HasPrefix(key, "sk-ant-") && len(key) > len("sk-ant-")
}

// ValidOAuthTokenFormat reports whether tok looks like a Claude OAuth
// access token.
func ValidOAuthTokenFormat(tok string) bool {
	return strings.HasPrefix(tok, "sk-ant-oat") && len(tok) > len("sk-ant-oat")
}

// Token returns the sensitive literal value. Callers use it for redaction
// and for asserting that generated payload text never contains it.
func (c *Credentials) Token() string {
	if c == nil {
		return ""
	}
	if c.AuthType == AuthOAuth && c.OAuth != nil {
		return c.OAuth.AccessToken
	}
	return c.APIKey
}

// VMMetadata renders the GCE instance-metadata side channel. The booted
// worker fetches these keys from the metadata server; they never appear in
// payload text.
func (c *Credentials) VMMetadata() map[string]string {
	md := map[string]string{"auth-type": string(c.AuthType)}
	if c.GitHubToken != "" {
		md["github-token"] = c.GitHubToken
	}
	if c.AuthType == AuthOAuth && c.OAuth != nil {
		raw, _ := json.Marshal(oauthEnvelope{ClaudeAIOAuth: c.OAuth})
		md["oauth-credentials"] = string(raw)
		return md
	}
	md["anthropic-api-key"] = c.APIKey
	return md
}

// EnvVars renders the container environment contract used by the Docker and
// Railway backends. Injection happens through the backend create API, not
// through generated payload text.
func (c *Credentials) EnvVars() map[string]string {
	env := map[string]string{"AUTH_TYPE": string(c.AuthType)}
	if c.GitHubToken != "" {
		env["GITHUB_TOKEN"] = c.GitHubToken
	}
	if c.AuthType == AuthOAuth && c.OAuth != nil {
		env["CLAUDE_CODE_OAUTH_TOKEN"] = c.OAuth.AccessToken
		return env
	}
	env["ANTHROPIC_API_KEY"] = c.APIKey
	return env
}
