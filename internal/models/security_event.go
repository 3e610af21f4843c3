package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Security event types
const (
	EventLoginSuccess       = "login_success"
	EventLoginFailure       = "login_failure"
	EventAccountLocked      = "account_locked"
	EventLogout             = "logout"
	EventLogoutAll          = "logout_all"
	EventTokenRefreshed     = "token_refreshed"
	EventTokenReuse         = "token_reuse"
	EventTokenRefreshFailed = "token_refresh_failed"
	EventPasswordChanged    = "password_changed"
	EventMagicLinkRequested = "magic_link_requested"
	EventMagicLinkRedeemed  = "magic_link_redeemed"
	EventMagicLinkFailed    = "magic_link_failed"
	EventMagicLinkBlocked   = "magic_link_blocked"
	EventEmailDeliveryError = "email_delivery_failed"
	EventMFASetupStarted    = "mfa_setup_started"
	EventMFAEnabled         = "mfa_enabled"
	EventMFADisabled        = "mfa_disabled"
	EventMFAAbandoned       = "mfa_abandoned"
	EventMFAChallengeOK     = "mfa_challenge_success"
	EventMFAChallengeFailed = "mfa_challenge_failed"
	EventMFABackupCodeUsed  = "mfa_backup_code_used"
	EventMFALocked          = "mfa_locked"
	EventRateLimited        = "rate_limited"
	EventConfigurationError = "configuration_error"
)

const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SecurityEvent is an append-only audit record.
type SecurityEvent struct {
	ID        string       `json:"id"`
	UserID    *string      `json:"user_id,omitempty"`
	Type      string       `json:"type"`
	Severity  string       `json:"severity"`
	IPAddress string       `json:"ip_address,omitempty"`
	UserAgent string       `json:"user_agent,omitempty"`
	Details   EventDetails `json:"details,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// MustNotDrop reports whether a failed write of the event has to be escalated.
func (e *SecurityEvent) MustNotDrop() bool {
	return e.Severity == SeverityHigh || e.Severity == SeverityCritical
}

// EventDetails holds structured incident context (actor, before/after, reason)
type EventDetails map[string]any

// Scan implements sql.Scanner for JSONB
func (d *EventDetails) Scan(value any) error {
	if value == nil {
		*d = make(EventDetails)
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("event details: unsupported type %T", value)
	}

	m := make(map[string]any)
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*d = EventDetails(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (d EventDetails) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(d))
}
