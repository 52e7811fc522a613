package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authExemptPaths lists endpoints that never require a token.
var authExemptPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// requireAuth guards the API with bearer token validation. An empty
// configured token disables authentication entirely.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	want := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authExemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "missing or invalid bearer token",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
