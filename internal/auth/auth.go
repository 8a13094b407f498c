// Package auth provides bearer-token authentication for the device's
// RemoteControlServer and the central controller's fleet HTTP API.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// Config holds bearer-token authentication configuration for one HTTP
// server. An empty Token disables authentication entirely (used for
// loopback-only deployments where filesystem permissions on the local
// control rendezvous path are the real boundary).
type Config struct {
	// Token is the single shared bearer token this server accepts.
	Token string
	// SkipPaths are always served without a credential check.
	SkipPaths []string
}

// Enabled reports whether requests must present a token.
func (c *Config) Enabled() bool {
	return c != nil && c.Token != ""
}

// contextKey is an unexported type for context keys to prevent collisions.
type contextKey struct{ name string }

var authenticatedKey = &contextKey{"authenticated"}

// WithAuthenticated marks the context as having passed authentication.
func WithAuthenticated(ctx context.Context) context.Context {
	return context.WithValue(ctx, authenticatedKey, true)
}

// IsAuthenticated reports whether the context passed through Middleware.
func IsAuthenticated(ctx context.Context) bool {
	v, _ := ctx.Value(authenticatedKey).(bool)
	return v
}

func hashToken(token string) [32]byte {
	return sha256.Sum256([]byte(token))
}

// constantTimeEqual compares two tokens without leaking timing information
// about where they first differ.
func constantTimeEqual(a, b string) bool {
	ah := hashToken(a)
	bh := hashToken(b)
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// HashForLog returns a short, non-reversible identifier for a token
// suitable for structured logging (never log the raw token).
func HashForLog(token string) string {
	h := hashToken(token)
	return hex.EncodeToString(h[:])[:12]
}
