package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/sentinel/internal/handlers"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/BradenHooton/sentinel/internal/services"
	"github.com/stretchr/testify/assert"
)

func newMFAHandler(mfa *handlers.MockMFAService, sessions *handlers.MockSessionService) *handlers.MFAHandler {
	users := &handlers.MockUserLookup{
		GetByIDFunc: func(ctx context.Context, id string) (*models.User, error) {
			return &models.User{ID: id, Email: "user@example.com", Role: models.RoleUser}, nil
		},
	}
	if sessions == nil {
		sessions = &handlers.MockSessionService{}
	}
	return handlers.NewMFAHandler(mfa, sessions, users, nil, nil)
}

func authed(t *testing.T, method, url string, body interface{}) *http.Request {
	return handlers.WithAuthContext(handlers.NewTestRequest(t, method, url, body), handlers.TestClaims("user-1", "sess-1"))
}

func TestMFASetup_ReturnsProvisioningData(t *testing.T) {
	expires := time.Now().Add(15 * time.Minute).UTC().Truncate(time.Second)
	mfa := &handlers.MockMFAService{
		BeginEnrollmentFunc: func(ctx context.Context, userID, email string, client models.ClientInfo) (*models.MFASetup, error) {
			assert.Equal(t, "user-1", userID)
			assert.Equal(t, "user@example.com", email)
			return &models.MFASetup{
				Secret:          "JBSWY3DPEHPK3PXP",
				ProvisioningURL: "otpauth://totp/Sentinel:user@example.com?secret=JBSWY3DPEHPK3PXP",
				QRCode:          "data:image/png;base64,AAAA",
				ExpiresAt:       expires,
			}, nil
		},
	}

	w := httptest.NewRecorder()
	newMFAHandler(mfa, nil).Setup(w, authed(t, "POST", "/mfa/setup", nil))

	var resp handlers.MFASetupResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", resp.Secret)
	assert.Contains(t, resp.QRCode, "data:image/png;base64,")
	assert.True(t, expires.Equal(resp.ExpiresAt))
}

func TestMFASetup_AlreadyEnabled(t *testing.T) {
	mfa := &handlers.MockMFAService{
		BeginEnrollmentFunc: func(ctx context.Context, userID, email string, client models.ClientInfo) (*models.MFASetup, error) {
			return nil, models.ErrConflict
		},
	}
	w := httptest.NewRecorder()
	newMFAHandler(mfa, nil).Setup(w, authed(t, "POST", "/mfa/setup", nil))
	handlers.AssertErrorResponse(t, w, 409, "conflict")
}

func TestMFAEnable(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"success", nil, 200, ""},
		{"wrong code", models.ErrMfaChallengeFailed, 401, "unauthorized"},
		{"no pending enrollment", models.ErrMfaNotEnrolled, 400, "mfa_not_enrolled"},
		{"locked", models.NewMfaLockedError(10 * time.Minute), 423, "mfa_locked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mfa := &handlers.MockMFAService{
				EnableFunc: func(ctx context.Context, userID, code string, client models.ClientInfo) ([]string, error) {
					assert.Equal(t, "123456", code)
					if tt.err != nil {
						return nil, tt.err
					}
					return []string{"abcd-efgh", "ijkl-mnop"}, nil
				},
			}
			w := httptest.NewRecorder()
			newMFAHandler(mfa, nil).Enable(w, authed(t, "POST", "/mfa/enable", handlers.MFACodeRequest{Code: "123456"}))

			if tt.err == nil {
				var resp handlers.MFAEnableResponse
				handlers.AssertJSONResponse(t, w, 200, &resp)
				assert.True(t, resp.MFAEnabled)
				assert.Len(t, resp.BackupCodes, 2)
				return
			}
			handlers.AssertErrorResponse(t, w, tt.status, tt.code)
		})
	}
}

func TestMFAChallenge_CompletesLogin(t *testing.T) {
	sessions := &handlers.MockSessionService{
		CompleteMFALoginFunc: func(ctx context.Context, mfaToken, code string, client models.ClientInfo) (*services.AuthResult, error) {
			assert.Equal(t, "pending-token", mfaToken)
			assert.Equal(t, "654321", code)
			return sessionResult(), nil
		},
	}

	req := handlers.NewTestRequest(t, "POST", "/mfa/challenge", handlers.MFAChallengeRequest{
		MFAToken: "pending-token",
		Code:     "654321",
	})
	w := httptest.NewRecorder()
	newMFAHandler(&handlers.MockMFAService{}, sessions).Challenge(w, req)

	var resp handlers.AuthResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Equal(t, "access_token_123", resp.AccessToken)
}

func TestMFAChallenge_Failures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"bad code", models.ErrMfaChallengeFailed, 401, "unauthorized"},
		{"expired pending token", models.ErrTokenExpired, 401, "unauthorized"},
		{"pending token reused", models.ErrTokenRevoked, 401, "unauthorized"},
		{"locked", models.NewMfaLockedError(5 * time.Minute), 423, "mfa_locked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &handlers.MockSessionService{
				CompleteMFALoginFunc: func(ctx context.Context, mfaToken, code string, client models.ClientInfo) (*services.AuthResult, error) {
					return nil, tt.err
				},
			}
			w := httptest.NewRecorder()
			newMFAHandler(&handlers.MockMFAService{}, sessions).Challenge(w, handlers.NewTestRequest(t, "POST", "/mfa/challenge",
				handlers.MFAChallengeRequest{MFAToken: "t", Code: "000000"}))
			handlers.AssertErrorResponse(t, w, tt.status, tt.code)
		})
	}
}

func TestMFAChallenge_MissingFields(t *testing.T) {
	w := httptest.NewRecorder()
	newMFAHandler(&handlers.MockMFAService{}, nil).Challenge(w, handlers.NewTestRequest(t, "POST", "/mfa/challenge",
		handlers.MFAChallengeRequest{Code: "000000"}))
	resp := handlers.AssertErrorResponse(t, w, 400, "bad_request")
	assert.Contains(t, resp.Message, "mfa_token")
}

func TestMFAAbandonAndDisable(t *testing.T) {
	abandoned, disabled := false, false
	mfa := &handlers.MockMFAService{
		AbandonFunc: func(ctx context.Context, userID string, client models.ClientInfo) error {
			abandoned = true
			return nil
		},
		DisableFunc: func(ctx context.Context, userID, code string, client models.ClientInfo) error {
			disabled = true
			assert.Equal(t, "abcd-efgh", code)
			return nil
		},
	}
	h := newMFAHandler(mfa, nil)

	w := httptest.NewRecorder()
	h.Abandon(w, authed(t, "DELETE", "/mfa/setup", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	h.Disable(w, authed(t, "POST", "/mfa/disable", handlers.MFACodeRequest{Code: "abcd-efgh"}))
	assert.Equal(t, http.StatusNoContent, w.Code)

	assert.True(t, abandoned)
	assert.True(t, disabled)
}

func TestMFAStatus(t *testing.T) {
	mfa := &handlers.MockMFAService{
		StatusFunc: func(ctx context.Context, userID string) (*models.MFAStatus, error) {
			return &models.MFAStatus{State: models.MFAStateEnabled, MFAEnabled: true, BackupCodesRemaining: 7}, nil
		},
	}
	w := httptest.NewRecorder()
	newMFAHandler(mfa, nil).Status(w, authed(t, "GET", "/mfa/status", nil))

	var resp models.MFAStatus
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Equal(t, models.MFAStateEnabled, resp.State)
	assert.Equal(t, 7, resp.BackupCodesRemaining)
}

func TestMFAEndpoints_RequireClaims(t *testing.T) {
	h := newMFAHandler(&handlers.MockMFAService{}, nil)
	for name, fn := range map[string]http.HandlerFunc{
		"setup":   h.Setup,
		"enable":  h.Enable,
		"abandon": h.Abandon,
		"disable": h.Disable,
		"status":  h.Status,
	} {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			fn(w, handlers.NewTestRequest(t, "POST", "/mfa", handlers.MFACodeRequest{Code: "123456"}))
			handlers.AssertErrorResponse(t, w, 401, "unauthorized")
		})
	}
}
