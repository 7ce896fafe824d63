// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"qarunner/internal/auth"
	"qarunner/pkg/api"
)

// clientKey is the context key for the authenticated client id.
type clientKey struct{}

// NewContextWithClient stores the authenticated client id in ctx.
func NewContextWithClient(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientKey{}, clientID)
}

// ClientFromContext returns the client id set by BearerAuth.
func ClientFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientKey{}).(string)
	return id, ok && id != ""
}

// BearerAuth accepts requests whose bearer token hashes (auth.HashKey) to one
// of tokenHashes. With no hashes configured every request passes.
func BearerAuth(tokenHashes []string) func(http.Handler) http.Handler {
	allowed := make([][]byte, 0, len(tokenHashes))
	for _, h := range tokenHashes {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowed = append(allowed, []byte(h))
		}
	}

	return func(next http.Handler) http.Handler {
		if len(allowed) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "Missing authorization header")
				return
			}

			token, ok := auth.ParseBearer(authHeader)
			if !ok {
				unauthorized(w, "Invalid authorization header")
				return
			}

			hash := auth.HashKey(token)
			match := 0
			for _, a := range allowed {
				match |= subtle.ConstantTimeCompare([]byte(hash), a)
			}
			if match != 1 {
				unauthorized(w, "Invalid authorization token")
				return
			}

			ctx := NewContextWithClient(r.Context(), auth.ClientID(hash))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: message,
		Code:  "401",
	})
}
