// Package auth guards the simulation control endpoints with a static Bearer
// token. Probes, metrics and read-only status stay public.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Config holds authentication configuration.
type Config struct {
	Enabled bool
	Token   string
}

// publicPaths are readable without a token.
var publicPaths = map[string]bool{
	"/healthz":                    true,
	"/readyz":                     true,
	"/metrics":                    true,
	"/api/v1/simulation":          true,
	"/api/v1/simulation/snapshot": true,
	"/api/v1/simulation/events":   true,
}

// isPublic reports whether r needs no token. Anything that is not a read
// needs one.
func isPublic(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	return publicPaths[r.URL.Path] || strings.HasPrefix(r.URL.Path, "/api/v1/simulation/snapshot/")
}

// Middleware returns an HTTP middleware that enforces Bearer token auth
// on control requests when auth is enabled.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || isPublic(r) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="stargnss"`)
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
