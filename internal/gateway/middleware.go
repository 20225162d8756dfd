package gateway

import (
	"net/http"
	"strings"

	"github.com/conduitrun/conduit/internal/auth"
)

// withAuth enforces bearer-token/API-key auth when s.auth is configured,
// adapted from internal/auth/middleware.go's gRPC interceptor to plain
// net/http. When auth is disabled or unconfigured, requests pass through.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil || !s.auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		if token := extractBearer(r); token != "" {
			user, err := s.auth.ValidateJWT(token)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
				return
			}
		}
		if key := r.Header.Get("X-API-Key"); key != "" {
			user, err := s.auth.ValidateAPIKey(key)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
				return
			}
		}

		http.Error(w, "missing or invalid credentials", http.StatusUnauthorized)
	})
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
