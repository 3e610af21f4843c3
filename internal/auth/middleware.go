package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/BradenHooton/sentinel/internal/models"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// UserContextKey is the key for storing verified claims in context
	UserContextKey contextKey = "user"
	// TokenContextKey holds the raw bearer token
	TokenContextKey contextKey = "bearer_token"
)

// Authenticator verifies an access token and checks it against the revocation registry.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*models.TokenClaims, error)
}

// AuthMiddleware validates bearer tokens and injects claims into the request context.
// Every token or credential failure yields the same 401 body.
func AuthMiddleware(authn Authenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				pkghttp.WriteUnauthorized(w, "authentication required")
				return
			}

			claims, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				switch {
				case errors.Is(err, models.ErrConfiguration):
					pkghttp.WriteInternalError(w, "authentication unavailable")
				case errors.Is(err, models.ErrServiceUnavailable):
					pkghttp.WriteError(w, http.StatusServiceUnavailable, "service_unavailable", "unable to verify token status")
				default:
					pkghttp.WriteUnauthorized(w, "authentication required")
				}
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			ctx = context.WithValue(ctx, TokenContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// GetUserFromContext extracts verified claims from request context
func GetUserFromContext(r *http.Request) *models.TokenClaims {
	claims, ok := r.Context().Value(UserContextKey).(*models.TokenClaims)
	if !ok {
		return nil
	}
	return claims
}

// WithClaims returns a context carrying claims, as AuthMiddleware would.
func WithClaims(ctx context.Context, claims *models.TokenClaims) context.Context {
	return context.WithValue(ctx, UserContextKey, claims)
}
