package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Context keys for authentication.
type contextKey string

const (
	// APIKeyContextKey is the context key for the authenticated key's name.
	APIKeyContextKey contextKey = "apiKey"
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Keys are the accepted API keys. Authentication is disabled when empty.
	Keys []string
}

// Enabled reports whether requests must present a key.
func (c AuthConfig) Enabled() bool {
	return len(c.Keys) > 0
}

func (c AuthConfig) valid(key string) bool {
	ok := 0
	for _, k := range c.Keys {
		ok |= subtle.ConstantTimeCompare([]byte(k), []byte(key))
	}
	return ok == 1
}

// NewAuthMiddleware creates an authentication middleware.
func NewAuthMiddleware(config AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := extractAPIKey(r)
			if apiKey == "" {
				writeMiddlewareError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "API key required")
				return
			}
			if !config.valid(apiKey) {
				writeMiddlewareError(w, http.StatusForbidden, ErrCodeForbidden, "invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), APIKeyContextKey, keyID(apiKey))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractAPIKey extracts the API key from the request.
// Supports: X-API-Key header, Authorization: Bearer token, Authorization: ApiKey token
func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if strings.HasPrefix(auth, "ApiKey ") {
		return strings.TrimPrefix(auth, "ApiKey ")
	}
	return ""
}

// keyID is a loggable prefix of an API key.
func keyID(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

// GetAPIKeyFromContext returns the prefix of the key that authenticated the request.
func GetAPIKeyFromContext(ctx context.Context) string {
	if k, ok := ctx.Value(APIKeyContextKey).(string); ok {
		return k
	}
	return ""
}

func writeMiddlewareError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"success":false,"error":{"code":"` + code + `","message":"` + message + `"}}`))
}
