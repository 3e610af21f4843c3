package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BradenHooton/sentinel/internal/models"
	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
)

// authFailedMessage is the single body every credential or token failure gets.
const authFailedMessage = "Authentication failed"

// DeviceFingerprintHeader is an optional client-supplied device identifier stored on sessions.
const DeviceFingerprintHeader = "X-Device-Fingerprint"

// clientInfo collects the request metadata recorded on sessions and security events.
func clientInfo(r *http.Request, ipConfig *pkghttp.IPConfig) models.ClientInfo {
	return models.ClientInfo{
		IP:                pkghttp.ExtractClientIP(r, ipConfig),
		UserAgent:         r.UserAgent(),
		DeviceFingerprint: strings.TrimSpace(r.Header.Get(DeviceFingerprintHeader)),
	}
}

// decodeAndValidate reads a JSON body into dst and runs struct validation.
// It writes the 400 itself and reports false when the request is unusable.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := pkghttp.DecodeJSON(w, r, dst); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return false
	}
	if err := ValidateRequest(dst); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// writeServiceError maps service errors onto HTTP responses.
// Token, credential and magic link failures share one 401 so callers learn nothing about which check failed.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if remaining, ok := models.RemainingLockout(err); ok {
		if errors.Is(err, models.ErrRateLimitExceeded) {
			pkghttp.WriteRetryAfter(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests. Please try again later.", remaining)
			return
		}
		if errors.Is(err, models.ErrMfaLocked) {
			pkghttp.WriteRetryAfter(w, http.StatusLocked, "mfa_locked", "Too many failed verification attempts", remaining)
			return
		}
		pkghttp.WriteLocked(w, "Account temporarily locked", remaining)
		return
	}

	switch {
	case errors.Is(err, models.ErrConfiguration):
		pkghttp.WriteInternalError(w, "Internal server error")
	case errors.Is(err, models.ErrServiceUnavailable):
		pkghttp.WriteError(w, http.StatusServiceUnavailable, "service_unavailable", "Service temporarily unavailable")
	case errors.Is(err, models.ErrRateLimitExceeded):
		pkghttp.WriteTooManyRequests(w, "Too many requests. Please try again later.")
	case errors.Is(err, models.ErrInvalidCredentials),
		errors.Is(err, models.ErrUnauthorized),
		errors.Is(err, models.ErrTokenExpired),
		errors.Is(err, models.ErrTokenMalformed),
		errors.Is(err, models.ErrTokenBadSignature),
		errors.Is(err, models.ErrTokenRevoked),
		errors.Is(err, models.ErrMagicLinkNotFound),
		errors.Is(err, models.ErrMagicLinkExpired),
		errors.Is(err, models.ErrMagicLinkAlreadyUsed),
		errors.Is(err, models.ErrMfaChallengeFailed),
		errors.Is(err, models.ErrMfaRequired),
		errors.Is(err, models.ErrNotFound):
		pkghttp.WriteUnauthorized(w, authFailedMessage)
	case errors.Is(err, models.ErrMfaNotEnrolled):
		pkghttp.WriteError(w, http.StatusBadRequest, "mfa_not_enrolled", "No multi-factor enrollment in the required state")
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, "Multi-factor authentication is already enabled")
	case errors.Is(err, models.ErrForbidden):
		pkghttp.WriteForbidden(w, "This account cannot use the requested sign-in method")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "Invalid request")
	default:
		if logger != nil {
			logger.Error("unhandled service error", slog.Any("error", err))
		}
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
