package models

import (
	"time"
)

// MFA enrollment states
const (
	MFAStateNotEnrolled = "not_enrolled"
	MFAStatePending     = "pending_verification"
	MFAStateEnabled     = "enabled"
)

// MFAEnrollment is a user's TOTP enrollment. Enabled is set only after a verified code.
type MFAEnrollment struct {
	UserID           string
	SecretEncrypted  []byte // AES-256-GCM encrypted TOTP secret
	SecretNonce      []byte // GCM nonce (12 bytes)
	BackupCodeHashes []string
	Enabled          bool
	PendingExpiresAt *time.Time
	SetupCompletedAt *time.Time
	LastUsedStep     int64 // TOTP step of the last accepted code, for replay prevention
	CreatedAt        time.Time
}

// State derives the enrollment state machine position at now.
func (e *MFAEnrollment) State(now time.Time) string {
	if e == nil {
		return MFAStateNotEnrolled
	}
	if e.Enabled {
		return MFAStateEnabled
	}
	if e.PendingExpiresAt != nil && !e.PendingExpiresAt.After(now) {
		return MFAStateNotEnrolled
	}
	return MFAStatePending
}

// MFAAttempt is one entry of the MFA failure log, keyed by user and IP.
type MFAAttempt struct {
	ID            string
	UserID        string
	IPAddress     string
	Success       bool
	FailureReason *string
	AttemptedAt   time.Time
}

// MFAStatus represents the MFA status for a user
type MFAStatus struct {
	State                string     `json:"state"`
	MFAEnabled           bool       `json:"mfa_enabled"`
	EnrolledAt           *time.Time `json:"enrolled_at,omitempty"`
	BackupCodesRemaining int        `json:"backup_codes_remaining"`
}

// MFASetup contains provisioning data for a pending enrollment
type MFASetup struct {
	Secret          string    `json:"secret"`
	ProvisioningURL string    `json:"provisioning_url"`
	QRCode          string    `json:"qr_code"` // Data URL for QR code
	ExpiresAt       time.Time `json:"expires_at"`
}
