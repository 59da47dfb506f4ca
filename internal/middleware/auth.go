package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/brokerlab/control-plane/internal/auth"
	"github.com/brokerlab/control-plane/internal/config"
)

type contextKey string

const principalContextKey contextKey = "principal"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// bearerToken extracts the token from the Authorization header, falling
// back to the ?token query parameter for WebSocket upgrades where custom
// headers are not available from the browser.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func RequireAuth(verifier auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.Cfg.AuthDisabled {
				p := &auth.Principal{ID: "local", Role: auth.RoleAdmin}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalContextKey, p)))
				return
			}

			token := bearerToken(r)
			if token == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			p, err := verifier.Verify(token)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalContextKey, p)))
		})
	}
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := GetPrincipal(r)
		if p == nil || p.Role != auth.RoleAdmin {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func GetPrincipal(r *http.Request) *auth.Principal {
	p, _ := r.Context().Value(principalContextKey).(*auth.Principal)
	return p
}

// WithPrincipal returns a request carrying the given principal. Test helper.
func WithPrincipal(r *http.Request, p *auth.Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalContextKey, p))
}
