// Package auth validates JWT bearer tokens on the chat endpoints.
//
// Tokens are verified against a JWKS endpoint (asymmetric keys, cached and
// refreshed in the background) or with a shared HMAC secret, depending on
// configuration. Validated claims travel on the request context.
//
// Authentication is optional: a nil *Validator turns Middleware into a
// pass-through, so the server can install it unconditionally.
package auth

import (
	"context"
	"errors"
)

// Sentinel errors returned by token validation.
var (
	// ErrMissingToken is returned when no bearer token is present.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned when a token fails validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when a token is past its expiration.
	ErrTokenExpired = errors.New("token expired")
)

// Claims holds the validated claims of a bearer token.
type Claims struct {
	// Subject is the authenticated principal (sub claim).
	Subject string `json:"sub"`

	// Email is the principal's email address, when the provider includes one.
	Email string `json:"email,omitempty"`

	// Role carries the principal's role for authorization decisions.
	Role string `json:"role,omitempty"`

	// Custom holds the remaining private claims.
	Custom map[string]any `json:"-"`
}

// HasRole reports whether the principal has any of the given roles.
func (c *Claims) HasRole(roles ...string) bool {
	for _, role := range roles {
		if c.Role == role {
			return true
		}
	}
	return false
}

// StringClaim returns a custom claim as a string, or "" when absent or not
// a string.
func (c *Claims) StringClaim(key string) string {
	s, _ := c.Custom[key].(string)
	return s
}

type contextKey struct{}

// ContextWithClaims returns a context carrying the given claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// ClaimsFromContext returns the claims stored on the context, or nil when
// the request was not authenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(contextKey{}).(*Claims)
	return claims
}
