package config

import (
	"fmt"
	"time"
)

// AuthConfig configures JWT bearer authentication for the chat endpoints.
//
// Authentication is disabled by default. When enabled, tokens are validated
// either against a JWKS endpoint or with a shared HMAC secret.
//
// Example:
//
//	auth:
//	  enabled: true
//	  jwks_url: "https://auth.example.com/.well-known/jwks.json"
//	  issuer: "https://auth.example.com"
//	  audience: "trawl-api"
type AuthConfig struct {
	// Enabled controls whether authentication is required.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Require JWT bearer tokens,default=false"`

	// JWKSURL is the URL to fetch the JSON Web Key Set from.
	JWKSURL string `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty" jsonschema:"title=JWKS URL,description=Key set endpoint for signature validation"`

	// Secret is a shared HMAC secret, used when no JWKS URL is set.
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty" jsonschema:"title=Secret,description=Shared HMAC secret (use ${VAR})"`

	// Issuer is the expected iss claim. Empty skips the check.
	Issuer string `yaml:"issuer,omitempty" json:"issuer,omitempty" jsonschema:"title=Issuer,description=Expected iss claim"`

	// Audience is the expected aud claim. Empty skips the check.
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty" jsonschema:"title=Audience,description=Expected aud claim"`

	// RefreshInterval is how often the JWKS cache refreshes.
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty" json:"refresh_interval,omitempty" jsonschema:"title=Refresh Interval,description=JWKS cache refresh period,default=15m"`
}

// SetDefaults applies default values.
func (c *AuthConfig) SetDefaults() {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 15 * time.Minute
	}
}

// Validate checks the auth configuration.
func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.JWKSURL == "" && c.Secret == "" {
		return fmt.Errorf("jwks_url or secret is required when auth is enabled")
	}
	if c.JWKSURL != "" && c.Secret != "" {
		return fmt.Errorf("jwks_url and secret are mutually exclusive")
	}
	if c.RefreshInterval < time.Minute {
		return fmt.Errorf("refresh_interval must be at least 1 minute")
	}
	return nil
}

// IsEnabled reports whether authentication is configured and enabled.
func (c *AuthConfig) IsEnabled() bool {
	return c != nil && c.Enabled
}
