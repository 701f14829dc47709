package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/slotbook/libs/httpx"
)

type ctxKey struct{}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the verified caller, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok && c != nil
}

// Middleware verifies a bearer token when one is sent. Anonymous requests pass
// through; handlers decide whether they need an identity. A bad token is 401.
func Middleware(secret string) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if raw == "" || secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := strings.CutPrefix(raw, "Bearer ")
			if !ok {
				httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "authorization must be a bearer token")
				return
			}
			claims, err := ParseAndVerifyHS256(strings.TrimSpace(token), secret)
			if err != nil {
				httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
