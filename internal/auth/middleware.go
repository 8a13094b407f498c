package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// AuthError carries the HTTP status an authentication failure maps to.
type AuthError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *AuthError) Error() string { return e.Message }

var (
	ErrMissingCredentials = &AuthError{StatusCode: http.StatusUnauthorized, Code: "MISSING_CREDENTIALS", Message: "missing bearer token"}
	ErrInvalidCredentials = &AuthError{StatusCode: http.StatusUnauthorized, Code: "INVALID_CREDENTIALS", Message: "invalid bearer token"}
)

// Middleware enforces bearer-token authentication on an http.Handler chain.
type Middleware struct {
	config    *Config
	skipPaths map[string]bool
}

// NewMiddleware builds a Middleware from a Config. A nil or disabled config
// produces a pass-through middleware.
func NewMiddleware(config *Config) *Middleware {
	skip := map[string]bool{"/api/health": true, "/healthz": true}
	if config != nil {
		for _, p := range config.SkipPaths {
			skip[p] = true
		}
	}
	return &Middleware{config: config, skipPaths: skip}
}

// Handler wraps next with bearer-token enforcement.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.config.Enabled() || m.shouldSkip(r.URL.Path) {
			next.ServeHTTP(w, r.WithContext(WithAuthenticated(r.Context())))
			return
		}

		token := extractBearerToken(r)
		if token == "" {
			writeAuthError(w, ErrMissingCredentials)
			return
		}
		if !constantTimeEqual(token, m.config.Token) {
			writeAuthError(w, ErrInvalidCredentials)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAuthenticated(r.Context())))
	})
}

func (m *Middleware) shouldSkip(path string) bool {
	if m.skipPaths[path] {
		return true
	}
	for p := range m.skipPaths {
		if strings.HasPrefix(path, p) && (len(path) == len(p) || path[len(p)] == '/') {
			return true
		}
	}
	return false
}

func writeAuthError(w http.ResponseWriter, err *AuthError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	json.NewEncoder(w).Encode(map[string]string{"detail": err.Message})
}
