package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type ctxKey struct{}

type tokenKey struct{}

// ClaimsFrom returns the claims attached by RequireBearer.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}

// TokenFrom returns the raw bearer token attached by RequireBearer.
func TokenFrom(ctx context.Context) string {
	t, _ := ctx.Value(tokenKey{}).(string)
	return t
}

// WithClaims attaches claims and the raw token to ctx.
func WithClaims(ctx context.Context, c *Claims, token string) context.Context {
	ctx = context.WithValue(ctx, ctxKey{}, c)
	return context.WithValue(ctx, tokenKey{}, token)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// RequireBearer rejects requests without a valid, unrevoked bearer token.
func (s *Service) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r.Header.Get("Authorization"))
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := s.Verify(token)
		if err != nil {
			msg := "invalid token"
			switch {
			case errors.Is(err, ErrExpired):
				msg = "token expired"
			case errors.Is(err, ErrRevoked):
				msg = "token revoked"
			}
			http.Error(w, msg, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims, token)))
	})
}
