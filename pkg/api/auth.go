package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthConfig holds the API credentials. A request is accepted with HTTP
// basic auth for one of Users, or with one of APIKeys sent as a bearer
// token or in the X-API-Key header.
type AuthConfig struct {
	Users   map[string]string // username -> password
	APIKeys []string
}

// Empty reports whether no credentials are configured.
func (a *AuthConfig) Empty() bool {
	return a == nil || (len(a.Users) == 0 && len(a.APIKeys) == 0)
}

// Health checks and scrapers reach these without credentials.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// requireAuth rejects requests to non-public paths that carry no valid
// credential.
func requireAuth(a *AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || a.allow(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="vrhost"`)
		writeJSON(w, http.StatusUnauthorized, Response{Error: "authentication required"})
	})
}

func (a *AuthConfig) allow(r *http.Request) bool {
	if user, pass, ok := r.BasicAuth(); ok {
		want, known := a.Users[user]
		return known && subtle.ConstantTimeCompare([]byte(pass), []byte(want)) == 1
	}
	if tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return a.validKey(tok)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return a.validKey(key)
	}
	return false
}

// validKey compares k against every key so the time taken does not depend
// on which one matched.
func (a *AuthConfig) validKey(k string) bool {
	match := 0
	for _, key := range a.APIKeys {
		match |= subtle.ConstantTimeCompare([]byte(k), []byte(key))
	}
	return match == 1
}
