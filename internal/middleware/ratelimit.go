package middleware

import (
	"net/http"
)

// Limiter is the fixed-window rate limit check backed by the state store.
// A store outage must not take requests down with it, so implementations
// return an error instead of panicking and the middleware fails open.
type Limiter interface {
	Allow(r *http.Request, id string) (bool, error)
}

// LimiterFunc adapts a function to the Limiter interface.
type LimiterFunc func(r *http.Request, id string) (bool, error)

func (f LimiterFunc) Allow(r *http.Request, id string) (bool, error) { return f(r, id) }

// RateLimit rejects requests over the per-principal budget with 429.
// Requests without a principal are keyed by remote address.
func RateLimit(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.RemoteAddr
			if p := GetPrincipal(r); p != nil {
				id = p.ID
			}

			ok, err := limiter.Allow(r, id)
			if err != nil {
				// Store briefly unavailable: let the request through rather
				// than turning a cache outage into an API outage.
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"detail": "Rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
