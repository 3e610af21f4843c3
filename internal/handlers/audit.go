package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/models"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
)

// SecurityEventReader is the read side of the audit recorder
type SecurityEventReader interface {
	ListForUser(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error)
	CountForUser(ctx context.Context, userID string) (int64, error)
}

// AuditHandler serves a user's own security events
type AuditHandler struct {
	events SecurityEventReader
	logger *slog.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(events SecurityEventReader, logger *slog.Logger) *AuditHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandler{events: events, logger: logger}
}

// SecurityEventListResponse is a page of security events
type SecurityEventListResponse struct {
	Events []*models.SecurityEvent `json:"events"`
	Total  int64                   `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// ListOwn handles GET /security-events
func (h *AuditHandler) ListOwn(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, authFailedMessage)
		return
	}

	limit, offset := 50, 0
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	userID := claims.UserID()
	events, err := h.events.ListForUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list security events", slog.String("user_id", userID), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	total, err := h.events.CountForUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to count security events", slog.String("user_id", userID), slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if events == nil {
		events = []*models.SecurityEvent{}
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(total, 10))
	pkghttp.WriteJSON(w, http.StatusOK, SecurityEventListResponse{
		Events: events,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}
