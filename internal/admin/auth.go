package admin

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// requireAPIKey wraps a handler with bearer API-key authentication. The
// expected key is stored as a bcrypt hash in configuration (generate one
// with scripts/hash.go). An empty hash disables auth for local use.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKeyHash == "" {
			next(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		key, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || key == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "missing API key", http.StatusUnauthorized)
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(s.apiKeyHash), []byte(key)); err != nil {
			s.logger.Warnw("rejected API key", "remote", r.RemoteAddr)
			http.Error(w, "invalid API key", http.StatusForbidden)
			return
		}

		next(w, r)
	}
}
