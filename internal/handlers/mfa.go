package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/BradenHooton/sentinel/internal/services"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
)

// MFAServiceInterface defines the enrollment operations exposed over HTTP
type MFAServiceInterface interface {
	BeginEnrollment(ctx context.Context, userID, email string, client models.ClientInfo) (*models.MFASetup, error)
	Enable(ctx context.Context, userID, code string, client models.ClientInfo) ([]string, error)
	Abandon(ctx context.Context, userID string, client models.ClientInfo) error
	Disable(ctx context.Context, userID, code string, client models.ClientInfo) error
	Status(ctx context.Context, userID string) (*models.MFAStatus, error)
}

// MFALoginCompleter exchanges an mfa_pending token and a code for a session
type MFALoginCompleter interface {
	CompleteMFALogin(ctx context.Context, mfaToken, code string, client models.ClientInfo) (*services.AuthResult, error)
}

// UserLookup resolves the account behind verified claims
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// MFAHandler handles MFA-related HTTP requests
type MFAHandler struct {
	mfa      MFAServiceInterface
	sessions MFALoginCompleter
	users    UserLookup
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewMFAHandler creates a new MFA handler
func NewMFAHandler(mfa MFAServiceInterface, sessions MFALoginCompleter, users UserLookup, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *MFAHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MFAHandler{
		mfa:      mfa,
		sessions: sessions,
		users:    users,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// MFA DTOs

// MFASetupResponse contains provisioning data for an authenticator app
type MFASetupResponse struct {
	Secret          string    `json:"secret"`
	ProvisioningURL string    `json:"provisioning_url"`
	QRCode          string    `json:"qr_code"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// MFACodeRequest carries a TOTP or backup code for an authenticated user
type MFACodeRequest struct {
	Code string `json:"code" validate:"required,max=20"`
}

// MFAChallengeRequest carries the pending token issued at login and a code
type MFAChallengeRequest struct {
	MFAToken string `json:"mfa_token" validate:"required"`
	Code     string `json:"code" validate:"required,max=20"` // TOTP (6 digits) or backup code
}

// MFAEnableResponse returns the backup codes. They are shown once.
type MFAEnableResponse struct {
	MFAEnabled  bool     `json:"mfa_enabled"`
	BackupCodes []string `json:"backup_codes"`
	Message     string   `json:"message"`
}

// Setup handles POST /mfa/setup
func (h *MFAHandler) Setup(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailedMessage)
		return
	}

	user, err := h.users.GetByID(r.Context(), claims.UserID())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	setup, err := h.mfa.BeginEnrollment(r.Context(), user.ID, user.Email, clientInfo(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, MFASetupResponse{
		Secret:          setup.Secret,
		ProvisioningURL: setup.ProvisioningURL,
		QRCode:          setup.QRCode,
		ExpiresAt:       setup.ExpiresAt,
	})
}

// Enable handles POST /mfa/enable
func (h *MFAHandler) Enable(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailedMessage)
		return
	}

	var req MFACodeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	codes, err := h.mfa.Enable(r.Context(), claims.UserID(), req.Code, clientInfo(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, MFAEnableResponse{
		MFAEnabled:  true,
		BackupCodes: codes,
		Message:     "Store these backup codes somewhere safe. They will not be shown again.",
	})
}

// Challenge handles POST /mfa/challenge and completes a password login
func (h *MFAHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	var req MFAChallengeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.sessions.CompleteMFALogin(r.Context(), req.MFAToken, req.Code, clientInfo(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeAuthResult(w, result)
}

// Abandon handles DELETE /mfa/setup
func (h *MFAHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailedMessage)
		return
	}

	if err := h.mfa.Abandon(r.Context(), claims.UserID(), clientInfo(r, h.ipConfig)); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Disable handles POST /mfa/disable
func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailedMessage)
		return
	}

	var req MFACodeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.mfa.Disable(r.Context(), claims.UserID(), req.Code, clientInfo(r, h.ipConfig)); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Status handles GET /mfa/status
func (h *MFAHandler) Status(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailedMessage)
		return
	}

	status, err := h.mfa.Status(r.Context(), claims.UserID())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, status)
}
