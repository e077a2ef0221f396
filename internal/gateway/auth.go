package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware requires the configured API token on host API requests.
// An empty token disables the check; the API binds to loopback by default.
type AuthMiddleware struct {
	token []byte
}

func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: []byte(strings.TrimSpace(token))}
}

// Wrap wraps an http.Handler with token checking. /healthz stays open so
// `aibo status` works without credentials.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if len(am.token) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), am.token) != 1 {
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key query param.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// Browsers cannot set headers on WebSocket upgrades.
	return r.URL.Query().Get("api_key")
}
