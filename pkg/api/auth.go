package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthConfig holds the API credentials. A request is accepted with HTTP
// Basic credentials of a listed user, or with a listed key sent either as
// a bearer token or in X-API-Key.
type AuthConfig struct {
	Users   map[string]string // username -> password
	APIKeys map[string]bool
}

// unauthenticated paths, scraped by monitoring.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

func authMiddleware(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || cfg.allow(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="dhcp6c API"`)
		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

func (c AuthConfig) allow(r *http.Request) bool {
	if user, pass, ok := r.BasicAuth(); ok {
		want, exists := c.Users[user]
		return exists && subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return c.APIKeys[token]
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return c.APIKeys[key]
	}
	return false
}
