package gateway

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Authenticator enforces the configured bearer token.
type Authenticator struct {
	token string
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(token string) *Authenticator {
	return &Authenticator{token: token}
}

// Authenticate validates a request
func (a *Authenticator) Authenticate(r *http.Request) error {
	token := extractBearerToken(r)
	if token == "" {
		// Browsers cannot set headers on websocket upgrades.
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return errors.New("missing authorization token")
	}
	if !secureCompare(token, a.token) {
		return errors.New("invalid token")
	}
	return nil
}

// extractBearerToken extracts the bearer token from Authorization header
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}

	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}

	return auth[len(prefix):]
}

// secureCompare performs constant-time string comparison
func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Middleware returns an HTTP middleware that enforces authentication.
// It wraps the provided handler and returns 401 Unauthorized if authentication fails.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Authenticate(r); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
