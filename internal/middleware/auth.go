package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/WoodrowLove/advisorygate/internal/port/database"
)

type callerCtxKey struct{}

// DefaultCaller is injected when caller authentication is disabled.
const DefaultCaller = "dev"

const headerAPIKey = "X-API-Key"

// publicPaths are exempt from caller authentication. The deliveries
// callback belongs to the backend, not a caller; it is guarded by the
// webhook HMAC middleware instead.
var publicPaths = map[string]bool{
	"/health":            true,
	"/api/v1/deliveries": true,
}

// Auth returns middleware that resolves the caller from its API key.
// Keys are never stored; the SHA-256 of the presented key is looked up in
// the caller registry. When enabled is false, DefaultCaller is injected.
func Auth(store database.Store, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), DefaultCaller)))
				return
			}

			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get(headerAPIKey)
			// WebSocket consoles cannot set headers; allow ?token= there.
			if apiKey == "" && r.URL.Path == "/ws" {
				apiKey = r.URL.Query().Get("token")
			}
			if apiKey == "" {
				http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
				return
			}

			sum := sha256.Sum256([]byte(apiKey))
			caller, err := store.GetCallerByKeyHash(r.Context(), hex.EncodeToString(sum[:]))
			if err != nil || !caller.Enabled {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller.Name)))
		})
	}
}

func withCaller(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, callerCtxKey{}, name)
}

// CallerFromContext returns the authenticated caller name, or "" if absent.
func CallerFromContext(ctx context.Context) string {
	name, _ := ctx.Value(callerCtxKey{}).(string)
	return name
}
