package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/BradenHooton/sentinel/internal/services"
	pkgauth "github.com/BradenHooton/sentinel/pkg/auth"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
)

// SessionServiceInterface defines the session operations the HTTP layer needs
type SessionServiceInterface interface {
	Login(ctx context.Context, in services.LoginInput) (*services.AuthResult, error)
	Refresh(ctx context.Context, rawRefresh string, client models.ClientInfo) (*services.AuthResult, error)
	Logout(ctx context.Context, claims *models.TokenClaims, client models.ClientInfo) error
	LogoutAll(ctx context.Context, claims *models.TokenClaims, client models.ClientInfo) (int, error)
	ListActive(ctx context.Context, userID string) ([]models.Session, error)
	ChangePassword(ctx context.Context, claims *models.TokenClaims, current, next string, client models.ClientInfo) error
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  SessionServiceInterface
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service SessionServiceInterface, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		service:  service,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Identifier string `json:"identifier" validate:"required,max=320"`
	Secret     string `json:"secret" validate:"required,max=1024"`
}

// RefreshTokenRequest represents the request body for token refresh
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,max=256"`
}

// ChangePasswordRequest represents the request body for a password change
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

// Response DTOs

// AuthResponse is returned whenever a session is opened or refreshed
type AuthResponse struct {
	*models.TokenPair
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// SessionResponse describes an active session
type SessionResponse struct {
	ID         string    `json:"id"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Current    bool      `json:"current"`
}

// SessionListResponse wraps the caller's active sessions
type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Count    int               `json:"count"`
}

// writeAuthResult renders either an MFA challenge or the issued token pair.
func writeAuthResult(w http.ResponseWriter, result *services.AuthResult) {
	if result.MFARequired {
		pkghttp.WriteJSON(w, http.StatusOK, models.MFARequiredResponse{
			MFARequired: true,
			MFAToken:    result.MFAToken,
		})
		return
	}

	resp := AuthResponse{TokenPair: result.Tokens}
	if result.Session != nil {
		resp.SessionID = result.Session.ID
		resp.UserID = result.Session.UserID
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// Login handles password login
// @Summary User login
// @Accept json
// @Param request body LoginRequest true "Login request"
// @Produce json
// @Success 200 {object} AuthResponse
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Failure 423 {object} pkghttp.ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.Login(r.Context(), services.LoginInput{
		Identifier: strings.TrimSpace(req.Identifier),
		Secret:     req.Secret,
		Client:     clientInfo(r, h.ipConfig),
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeAuthResult(w, result)
}

// Refresh rotates a refresh token
// @Summary Refresh access token
// @Accept json
// @Param request body RefreshTokenRequest true "Refresh token request"
// @Produce json
// @Success 200 {object} AuthResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.Refresh(r.Context(), req.RefreshToken, clientInfo(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeAuthResult(w, result)
}

// Logout ends the caller's current session
// @Summary User logout
// @Security BearerAuth
// @Success 204
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil || claims.Type != models.TokenTypeAccess {
		pkghttp.WriteUnauthorized(w, authFailedMessage)
		return
	}

	if err := h.service.Logout(r.Context(), claims, clientInfo(r, h.ipConfig)); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll ends every session of the caller
// @Summary Logout from all devices
// @Security BearerAuth
// @Success 204
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/logout-all [post]
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailedMessage)
		return
	}

	if _, err := h.service.LogoutAll(r.Context(), claims, clientInfo(r, h.ipConfig)); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Sessions lists the caller's active sessions
// @Summary List active sessions
// @Security BearerAuth
// @Produce json
// @Success 200 {object} SessionListResponse
// @Router /auth/sessions [get]
func (h *AuthHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailedMessage)
		return
	}

	sessions, err := h.service.ListActive(r.Context(), claims.UserID())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resp := SessionListResponse{Sessions: make([]SessionResponse, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, SessionResponse{
			ID:         s.ID,
			IPAddress:  s.IPAddress,
			UserAgent:  s.UserAgent,
			CreatedAt:  s.CreatedAt,
			LastSeenAt: s.LastSeenAt,
			ExpiresAt:  s.ExpiresAt,
			Current:    s.ID == claims.SessionID,
		})
	}
	resp.Count = len(resp.Sessions)

	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// ChangePassword replaces the caller's password and ends their other sessions
// @Summary Change password
// @Security BearerAuth
// @Accept json
// @Param request body ChangePasswordRequest true "Change password request"
// @Success 204
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/password [post]
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailedMessage)
		return
	}

	var req ChangePasswordRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	err := h.service.ChangePassword(r.Context(), claims, req.CurrentPassword, req.NewPassword, clientInfo(r, h.ipConfig))
	if err != nil {
		var pve *pkgauth.PasswordValidationError
		if errors.As(err, &pve) {
			pkghttp.WriteErrorWithDetails(w, http.StatusBadRequest, "invalid_password", "New password does not meet requirements", strings.Join(pve.Reasons, "; "))
			return
		}
		writeServiceError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
