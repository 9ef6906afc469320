package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/premail/premail/internal/auth"
)

// Context keys for authenticated caller data
const (
	UserIDKey contextKey = "user_id"
	ScopeKey  contextKey = "scope"
)

// Auth creates an authentication middleware that validates API bearer tokens.
// An empty token subject marks a service token that may act for any user.
func (m *Middleware) Auth(tokenSvc *auth.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !tokenSvc.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var tokenString string

			authHeader := r.Header.Get("Authorization")
			if authHeader != "" {
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
					tokenString = strings.TrimSpace(parts[1])
				}
			}

			if tokenString == "" {
				http.Error(w, `{"error":{"code":"unauthorized","message":"Authentication required"}}`, http.StatusUnauthorized)
				return
			}

			claims, err := tokenSvc.ValidateAccessToken(tokenString)
			if err != nil {
				m.log.Debug().Err(err).Msg("token validation failed")
				http.Error(w, `{"error":{"code":"token_invalid","message":"The access token is invalid or expired"}}`, http.StatusUnauthorized)
				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
			ctx = context.WithValue(ctx, ScopeKey, claims.Scope)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SubjectFromContext returns the authenticated subject. ok is false when the
// request did not pass through Auth.
func SubjectFromContext(ctx context.Context) (subject string, ok bool) {
	subject, ok = ctx.Value(UserIDKey).(string)
	return subject, ok
}
