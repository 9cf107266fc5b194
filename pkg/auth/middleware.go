package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/shapeshift/security-hall-of-fame/pkg/api"
	"github.com/shapeshift/security-hall-of-fame/pkg/ratelimit"
)

// isReadOnly reports whether the request may proceed anonymously. Every
// query in the registry is public; only mutations need a caller.
func isReadOnly(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

// NewMiddleware creates JWT auth middleware.
// A bearer token, when sent, is always validated. Mutating requests without
// one are rejected. If validator is nil they are rejected too (fail closed).
func NewMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if isReadOnly(r) {
					next.ServeHTTP(w, r)
					return
				}
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}

			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || scheme != "Bearer" || tokenStr == "" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if validator == nil {
				api.WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := validator.Validate(tokenStr)
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, "Token subject is required")
				return
			}

			principal := &BasePrincipal{ID: claims.Subject}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RateLimitMiddleware enforces per-actor rate limiting at the HTTP layer.
// The actor is the authenticated principal, falling back to the remote
// address. Limiter errors fail open.
func RateLimitMiddleware(store ratelimit.LimiterStore, policy ratelimit.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := "addr/" + remoteHost(r.RemoteAddr)
			if principal, err := GetPrincipal(r.Context()); err == nil {
				actorID = fmt.Sprintf("id/%s", principal.GetID())
			}

			allowed, err := store.Allow(r.Context(), actorID, policy, 1)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				api.WriteTooManyRequests(w, policy.RetryAfter())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteHost(addr string) string {
	if i := strings.LastIndex(addr, ":"); i > 0 {
		addr = addr[:i]
	}
	return strings.Trim(addr, "[]")
}
