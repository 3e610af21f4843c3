package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Credential errors. Unknown identifier and wrong secret both map to ErrInvalidCredentials.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account is temporarily locked")

	// Token errors
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenMalformed    = errors.New("token malformed")
	ErrTokenBadSignature = errors.New("token signature invalid")
	ErrTokenRevoked      = errors.New("token revoked")
	ErrTokenReuse        = fmt.Errorf("%w: refresh token reuse detected", ErrTokenRevoked)

	// Magic link errors
	ErrMagicLinkNotFound    = errors.New("magic link not found")
	ErrMagicLinkExpired     = errors.New("magic link expired")
	ErrMagicLinkAlreadyUsed = errors.New("magic link already used")

	// MFA errors
	ErrMfaRequired        = errors.New("multi-factor authentication required")
	ErrMfaChallengeFailed = errors.New("multi-factor challenge failed")
	ErrMfaLocked          = errors.New("multi-factor authentication temporarily locked")
	ErrMfaNotEnrolled     = errors.New("multi-factor authentication not enrolled")

	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrServiceUnavailable is returned when a fail-closed dependency cannot be reached.
	ErrServiceUnavailable = errors.New("service temporarily unavailable")

	// ErrConfiguration is fatal for the request and never degrades to unauthenticated.
	ErrConfiguration = errors.New("configuration error")
)

// LockoutError carries the remaining lock time. Kind is ErrAccountLocked or ErrMfaLocked.
type LockoutError struct {
	Kind      error
	Remaining time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Kind, e.Remaining.Round(time.Second))
}

func (e *LockoutError) Unwrap() error {
	return e.Kind
}

// NewAccountLockedError wraps ErrAccountLocked with the remaining duration.
func NewAccountLockedError(remaining time.Duration) error {
	return &LockoutError{Kind: ErrAccountLocked, Remaining: remaining}
}

func NewMfaLockedError(remaining time.Duration) error {
	return &LockoutError{Kind: ErrMfaLocked, Remaining: remaining}
}

// RemainingLockout extracts the lock duration from err, if any.
func RemainingLockout(err error) (time.Duration, bool) {
	var le *LockoutError
	if errors.As(err, &le) {
		return le.Remaining, true
	}
	return 0, false
}
