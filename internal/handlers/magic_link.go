package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/BradenHooton/sentinel/internal/services"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
)

// MagicLinkRequester issues sign-in links by email
type MagicLinkRequester interface {
	Request(ctx context.Context, email string, client models.ClientInfo) error
}

// MagicLinkLogin redeems a sign-in link into a session
type MagicLinkLogin interface {
	RedeemMagicLink(ctx context.Context, token string, client models.ClientInfo) (*services.AuthResult, error)
}

// MagicLinkHandler handles passwordless sign-in requests
type MagicLinkHandler struct {
	links    MagicLinkRequester
	sessions MagicLinkLogin
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewMagicLinkHandler creates a new MagicLinkHandler
func NewMagicLinkHandler(links MagicLinkRequester, sessions MagicLinkLogin, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *MagicLinkHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MagicLinkHandler{
		links:    links,
		sessions: sessions,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// MagicLinkRequest represents the request body for a sign-in link
type MagicLinkRequest struct {
	Email string `json:"email" validate:"required,email,max=320"`
}

const magicLinkAcceptedMessage = "If an account exists for this address, a sign-in link has been sent."

// Request handles POST /magic-link/request. Known and unknown addresses get the same 202.
func (h *MagicLinkHandler) Request(w http.ResponseWriter, r *http.Request) {
	var req MagicLinkRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if err := h.links.Request(r.Context(), email, clientInfo(r, h.ipConfig)); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, map[string]string{"message": magicLinkAcceptedMessage})
}

// Redeem handles GET /magic-link/redeem?token=
func (h *MagicLinkHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		pkghttp.WriteUnauthorized(w, authFailedMessage)
		return
	}

	result, err := h.sessions.RedeemMagicLink(r.Context(), token, clientInfo(r, h.ipConfig))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeAuthResult(w, result)
}
