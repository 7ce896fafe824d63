// Package auth mints API tokens and derives the hashes the controller stores.
// Only SHA-256 hashes of tokens are ever configured on the server.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// TokenPrefix marks qarunner API tokens so they are easy to spot in secret scanners.
const TokenPrefix = "qar_"

// clientIDLen is how much of a token hash identifies a client in logs and rate limits.
const clientIDLen = 12

// HashKey returns the hex SHA-256 of the trimmed key.
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(hash[:])
}

// NewToken returns a random token and its hash for API_TOKEN_HASHES.
func NewToken() (token, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("reading random bytes: %w", err)
	}
	token = TokenPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return token, HashKey(token), nil
}

// ParseBearer extracts the token of an "Authorization: Bearer <token>" header.
func ParseBearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

// ClientID shortens a token hash to the id used in logs and rate limiting.
func ClientID(hash string) string {
	if len(hash) <= clientIDLen {
		return hash
	}
	return hash[:clientIDLen]
}
