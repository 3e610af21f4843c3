package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/BradenHooton/sentinel/internal/services"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// TestClaims builds access-token claims for userID bound to sessionID
func TestClaims(userID, sessionID string) *models.TokenClaims {
	return &models.TokenClaims{
		Role:      models.RoleUser,
		SessionID: sessionID,
		Type:      models.TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-" + sessionID,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(15 * time.Minute)),
		},
	}
}

// WithAuthContext adds verified claims to the request as AuthMiddleware would
func WithAuthContext(req *http.Request, claims *models.TokenClaims) *http.Request {
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) pkghttp.ErrorResponse {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
	return resp
}

// TestTokenPair returns a fixed pair for handler tests
func TestTokenPair() *models.TokenPair {
	now := time.Now()
	return &models.TokenPair{
		AccessToken:      "access_token_123",
		RefreshToken:     "refresh_token_123",
		TokenType:        "Bearer",
		AccessExpiresAt:  now.Add(15 * time.Minute),
		RefreshExpiresAt: now.Add(7 * 24 * time.Hour),
	}
}

// MockSessionService implements SessionServiceInterface, MFALoginCompleter and MagicLinkLogin
type MockSessionService struct {
	LoginFunc            func(ctx context.Context, in services.LoginInput) (*services.AuthResult, error)
	RefreshFunc          func(ctx context.Context, rawRefresh string, client models.ClientInfo) (*services.AuthResult, error)
	LogoutFunc           func(ctx context.Context, claims *models.TokenClaims, client models.ClientInfo) error
	LogoutAllFunc        func(ctx context.Context, claims *models.TokenClaims, client models.ClientInfo) (int, error)
	ListActiveFunc       func(ctx context.Context, userID string) ([]models.Session, error)
	ChangePasswordFunc   func(ctx context.Context, claims *models.TokenClaims, current, next string, client models.ClientInfo) error
	CompleteMFALoginFunc func(ctx context.Context, mfaToken, code string, client models.ClientInfo) (*services.AuthResult, error)
	RedeemMagicLinkFunc  func(ctx context.Context, token string, client models.ClientInfo) (*services.AuthResult, error)
}

func (m *MockSessionService) Login(ctx context.Context, in services.LoginInput) (*services.AuthResult, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, in)
	}
	return nil, models.ErrInvalidCredentials
}

func (m *MockSessionService) Refresh(ctx context.Context, rawRefresh string, client models.ClientInfo) (*services.AuthResult, error) {
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, rawRefresh, client)
	}
	return nil, models.ErrTokenMalformed
}

func (m *MockSessionService) Logout(ctx context.Context, claims *models.TokenClaims, client models.ClientInfo) error {
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx, claims, client)
	}
	return nil
}

func (m *MockSessionService) LogoutAll(ctx context.Context, claims *models.TokenClaims, client models.ClientInfo) (int, error) {
	if m.LogoutAllFunc != nil {
		return m.LogoutAllFunc(ctx, claims, client)
	}
	return 0, nil
}

func (m *MockSessionService) ListActive(ctx context.Context, userID string) ([]models.Session, error) {
	if m.ListActiveFunc != nil {
		return m.ListActiveFunc(ctx, userID)
	}
	return nil, nil
}

func (m *MockSessionService) ChangePassword(ctx context.Context, claims *models.TokenClaims, current, next string, client models.ClientInfo) error {
	if m.ChangePasswordFunc != nil {
		return m.ChangePasswordFunc(ctx, claims, current, next, client)
	}
	return nil
}

func (m *MockSessionService) CompleteMFALogin(ctx context.Context, mfaToken, code string, client models.ClientInfo) (*services.AuthResult, error) {
	if m.CompleteMFALoginFunc != nil {
		return m.CompleteMFALoginFunc(ctx, mfaToken, code, client)
	}
	return nil, models.ErrMfaChallengeFailed
}

func (m *MockSessionService) RedeemMagicLink(ctx context.Context, token string, client models.ClientInfo) (*services.AuthResult, error) {
	if m.RedeemMagicLinkFunc != nil {
		return m.RedeemMagicLinkFunc(ctx, token, client)
	}
	return nil, models.ErrMagicLinkNotFound
}

// MockMFAService implements MFAServiceInterface for testing
type MockMFAService struct {
	BeginEnrollmentFunc func(ctx context.Context, userID, email string, client models.ClientInfo) (*models.MFASetup, error)
	EnableFunc          func(ctx context.Context, userID, code string, client models.ClientInfo) ([]string, error)
	AbandonFunc         func(ctx context.Context, userID string, client models.ClientInfo) error
	DisableFunc         func(ctx context.Context, userID, code string, client models.ClientInfo) error
	StatusFunc          func(ctx context.Context, userID string) (*models.MFAStatus, error)
}

func (m *MockMFAService) BeginEnrollment(ctx context.Context, userID, email string, client models.ClientInfo) (*models.MFASetup, error) {
	if m.BeginEnrollmentFunc != nil {
		return m.BeginEnrollmentFunc(ctx, userID, email, client)
	}
	return nil, models.ErrInternalServer
}

func (m *MockMFAService) Enable(ctx context.Context, userID, code string, client models.ClientInfo) ([]string, error) {
	if m.EnableFunc != nil {
		return m.EnableFunc(ctx, userID, code, client)
	}
	return nil, models.ErrMfaNotEnrolled
}

func (m *MockMFAService) Abandon(ctx context.Context, userID string, client models.ClientInfo) error {
	if m.AbandonFunc != nil {
		return m.AbandonFunc(ctx, userID, client)
	}
	return nil
}

func (m *MockMFAService) Disable(ctx context.Context, userID, code string, client models.ClientInfo) error {
	if m.DisableFunc != nil {
		return m.DisableFunc(ctx, userID, code, client)
	}
	return nil
}

func (m *MockMFAService) Status(ctx context.Context, userID string) (*models.MFAStatus, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, userID)
	}
	return &models.MFAStatus{State: models.MFAStateNotEnrolled}, nil
}

// MockUserLookup implements UserLookup for testing
type MockUserLookup struct {
	GetByIDFunc func(ctx context.Context, id string) (*models.User, error)
}

func (m *MockUserLookup) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

// MockMagicLinkRequester implements MagicLinkRequester for testing
type MockMagicLinkRequester struct {
	RequestFunc func(ctx context.Context, email string, client models.ClientInfo) error
}

func (m *MockMagicLinkRequester) Request(ctx context.Context, email string, client models.ClientInfo) error {
	if m.RequestFunc != nil {
		return m.RequestFunc(ctx, email, client)
	}
	return nil
}

// MockSecurityEventReader implements SecurityEventReader for testing
type MockSecurityEventReader struct {
	ListForUserFunc  func(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error)
	CountForUserFunc func(ctx context.Context, userID string) (int64, error)
}

func (m *MockSecurityEventReader) ListForUser(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error) {
	if m.ListForUserFunc != nil {
		return m.ListForUserFunc(ctx, userID, limit, offset)
	}
	return nil, nil
}

func (m *MockSecurityEventReader) CountForUser(ctx context.Context, userID string) (int64, error) {
	if m.CountForUserFunc != nil {
		return m.CountForUserFunc(ctx, userID)
	}
	return 0, nil
}
