package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/veritylab/trawl/pkg/config"
)

// Validator verifies JWT bearer tokens.
//
// With a JWKS URL configured, signatures are checked against the provider's
// key set. The set is cached and refreshed in the background so key rotation
// does not interrupt service; the refresh goroutine stops when the context
// passed to NewValidator is canceled. With a shared secret, tokens are
// checked with HMAC-SHA256 instead.
type Validator struct {
	jwksURL  string
	cache    *jwk.Cache
	secret   []byte
	issuer   string
	audience string
}

// NewValidator builds a Validator from configuration. It returns (nil, nil)
// when authentication is disabled.
//
// In JWKS mode the key set is fetched once up front, so an unreachable or
// malformed endpoint fails at startup rather than on the first request.
func NewValidator(ctx context.Context, cfg *config.AuthConfig) (*Validator, error) {
	if !cfg.IsEnabled() {
		return nil, nil
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}

	v := &Validator{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}
	if cfg.JWKSURL == "" {
		v.secret = []byte(cfg.Secret)
		return v, nil
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.RefreshInterval)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}
	v.jwksURL = cfg.JWKSURL
	v.cache = cache
	return v, nil
}

// Validate checks the token's signature and expiration, plus the configured
// issuer and audience when set, and extracts its claims.
func (v *Validator) Validate(ctx context.Context, raw string) (*Claims, error) {
	opts := []jwt.ParseOption{jwt.WithValidate(true)}
	if v.cache != nil {
		keyset, err := v.cache.Get(ctx, v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWKS: %w", err)
		}
		opts = append(opts, jwt.WithKeySet(keyset))
	} else {
		opts = append(opts, jwt.WithKey(jwa.HS256, v.secret))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claimsFromToken(token), nil
}

func claimsFromToken(token jwt.Token) *Claims {
	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]any),
	}
	for key, value := range token.PrivateClaims() {
		switch key {
		case "email":
			if s, ok := value.(string); ok {
				claims.Email = s
				continue
			}
		case "role":
			if s, ok := value.(string); ok {
				claims.Role = s
				continue
			}
		}
		claims.Custom[key] = value
	}
	return claims
}
