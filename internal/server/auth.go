package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jellydator/ttlcache/v3"

	"expertdesk/internal/engine/auth"
	"expertdesk/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// APIKeyTTL bounds how long a resolved API key is trusted without a
	// database lookup, and so how long a revoked key keeps working on this
	// server. Zero disables caching.
	APIKeyTTL time.Duration
}

// APIKeyResolver maps a plaintext API key to its principal.
type APIKeyResolver func(ctx context.Context, key string) (auth.Principal, error)

type principalKey struct{}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (auth.Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" {
		return p, nil
	}
	return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// apiKeyAuthenticator caches principals by key hash so the plaintext key is
// never held in memory past the request.
type apiKeyAuthenticator struct {
	resolve APIKeyResolver
	cache   *ttlcache.Cache[string, auth.Principal]
}

func newAPIKeyAuthenticator(resolve APIKeyResolver, ttl time.Duration) *apiKeyAuthenticator {
	a := &apiKeyAuthenticator{resolve: resolve}
	if ttl > 0 {
		a.cache = ttlcache.New(
			ttlcache.WithTTL[string, auth.Principal](ttl),
			ttlcache.WithCapacity[string, auth.Principal](4096),
			ttlcache.WithDisableTouchOnHit[string, auth.Principal](),
		)
	}
	return a
}

func (a *apiKeyAuthenticator) authenticate(ctx context.Context, key string) (auth.Principal, error) {
	hash := repo.HashAPIKey(key)
	if a.cache != nil {
		if item := a.cache.Get(hash); item != nil && !item.IsExpired() {
			return item.Value(), nil
		}
	}
	p, err := a.resolve(ctx, key)
	if err != nil {
		return auth.Principal{}, err
	}
	if a.cache != nil {
		a.cache.Set(hash, p, ttlcache.DefaultTTL)
	}
	return p, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, resolve APIKeyResolver) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	specPath := path.Join(basePath, "openapi.json")
	keys := newAPIKeyAuthenticator(resolve, cfg.APIKeyTTL)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == specPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := auth.ParseToken(cfg.JWTSecret, token)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" && resolve != nil {
				principal, err := keys.authenticate(req.Context(), apiKeyHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
