package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Middleware returns a handler wrapper that rejects requests without a valid
// bearer token. A nil validator disables authentication and the wrapper
// passes requests through untouched.
func Middleware(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "authentication_error", err.Error())
				return
			}
			claims, err := v.Validate(r.Context(), raw)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "authentication_error", err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

// RequireRole returns a handler wrapper that rejects authenticated requests
// whose claims carry none of the given roles. It must run inside Middleware:
// a request without claims on its context is rejected as unauthenticated.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeAuthError(w, http.StatusUnauthorized, "authentication_error", ErrMissingToken.Error())
				return
			}
			if !claims.HasRole(roles...) {
				writeAuthError(w, http.StatusForbidden, "permission_error", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == header || raw == "" {
		return "", fmt.Errorf("%w: expected Authorization: Bearer <token>", ErrInvalidToken)
	}
	return raw, nil
}

// writeAuthError responds with the same error envelope the chat endpoints
// use, so clients see a uniform shape.
func writeAuthError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
		},
	})
}
