package config

import "time"

// AuthConfig configures the Subscription Hub's bearer-token gate on the
// `connect` frame (close code 4002 on failure) and the OAuth2 helper some
// adapters use to refresh a non-interactive CLI login.
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	Required    bool          `yaml:"required"`

	OAuth map[string]OAuthProviderConfig `yaml:"oauth"` // keyed by AgentKind
}

type OAuthProviderConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	RefreshToken string   `yaml:"refresh_token"`
	Scopes       []string `yaml:"scopes"`
}
