package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/sentinel/internal/models"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockAuthenticator struct {
	AuthenticateFunc func(ctx context.Context, token string) (*models.TokenClaims, error)
}

func (m *MockAuthenticator) Authenticate(ctx context.Context, token string) (*models.TokenClaims, error) {
	return m.AuthenticateFunc(ctx, token)
}

func okHandler(t *testing.T, want string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := GetUserFromContext(r)
		require.NotNil(t, claims)
		assert.Equal(t, want, claims.Subject)
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	authn := &MockAuthenticator{AuthenticateFunc: func(ctx context.Context, token string) (*models.TokenClaims, error) {
		assert.Equal(t, "good-token", token)
		claims := &models.TokenClaims{Role: models.RoleUser}
		claims.Subject = "user-1"
		return claims, nil
	}}

	req := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()

	AuthMiddleware(authn)(okHandler(t, "user-1")).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAuthMiddleware_UniformFailures(t *testing.T) {
	failures := []error{
		models.ErrTokenExpired,
		models.ErrTokenMalformed,
		models.ErrTokenBadSignature,
		models.ErrTokenRevoked,
		fmt.Errorf("wrapped: %w", models.ErrTokenRevoked),
	}

	var bodies []string
	for _, failure := range failures {
		authn := &MockAuthenticator{AuthenticateFunc: func(context.Context, string) (*models.TokenClaims, error) {
			return nil, failure
		}}
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer x.y.z")
		rec := httptest.NewRecorder()

		AuthMiddleware(authn)(http.NotFoundHandler()).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "error %v", failure)
		bodies = append(bodies, rec.Body.String())
	}

	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b, "401 bodies must not reveal the failure reason")
	}
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	authn := &MockAuthenticator{AuthenticateFunc: func(context.Context, string) (*models.TokenClaims, error) {
		t.Fatal("authenticator must not be called without a token")
		return nil, nil
	}}

	for _, header := range []string{"", "Basic abc", "Bearer", "Bearer   "} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		AuthMiddleware(authn)(http.NotFoundHandler()).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func TestAuthMiddleware_ConfigurationErrorIs500(t *testing.T) {
	authn := &MockAuthenticator{AuthenticateFunc: func(context.Context, string) (*models.TokenClaims, error) {
		return nil, fmt.Errorf("verify: %w", models.ErrConfiguration)
	}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer t")
	rec := httptest.NewRecorder()

	AuthMiddleware(authn)(http.NotFoundHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body pkghttp.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "internal_error", body.Error)
}

func TestAuthMiddleware_RegistryUnavailableIs503(t *testing.T) {
	authn := &MockAuthenticator{AuthenticateFunc: func(context.Context, string) (*models.TokenClaims, error) {
		return nil, models.ErrServiceUnavailable
	}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer t")
	rec := httptest.NewRecorder()

	AuthMiddleware(authn)(http.NotFoundHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
