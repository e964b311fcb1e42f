package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/docflow/pkg/metrics"
	"github.com/cuemby/docflow/pkg/types"
)

// headerName carries the API key on every authenticated request.
const headerName = "X-API-Key"

type contextKey string

const keyContextKey contextKey = "api_key"

// Middleware authenticates requests against the store: 401 without a
// key, 403 for unknown or expired keys, 429 past the key's rate limit.
// The resolved key lands in the request context for handlers to scope
// their queries with.
func (s *Store) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := r.Header.Get(headerName)
		if secret == "" {
			metrics.AuthFailuresTotal.WithLabelValues("missing").Inc()
			s.logger.Warn().Str("path", r.URL.Path).Msg("Request without API key")
			writeDetail(w, http.StatusUnauthorized, "missing API key")
			return
		}

		key, err := s.Lookup(secret)
		if err != nil {
			reason := "unknown"
			if errors.Is(err, ErrKeyExpired) {
				reason = "expired"
			}
			metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
			s.logger.Warn().
				Str("fingerprint", Fingerprint(secret)).
				Str("reason", reason).
				Str("path", r.URL.Path).
				Msg("Request with rejected API key")
			writeDetail(w, http.StatusForbidden, "invalid or expired API key")
			return
		}

		if !s.Limiter(key.KeyID).Allow() {
			metrics.RateLimitedTotal.Inc()
			writeDetail(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		ctx := context.WithValue(r.Context(), keyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// KeyFromContext retrieves the authenticated key placed by Middleware.
func KeyFromContext(ctx context.Context) (*types.APIKey, bool) {
	key, ok := ctx.Value(keyContextKey).(*types.APIKey)
	return key, ok
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
