package models

import "time"

// Session termination reasons
const (
	TerminationLogout         = "logout"
	TerminationLogoutAll      = "logout_all"
	TerminationTokenReuse     = "token_reuse"
	TerminationExpired        = "expired"
	TerminationPasswordChange = "password_changed"
)

// Refresh token revocation reasons. Only RevokedRotated marks a token whose replay is theft.
const (
	RevokedRotated        = "rotated"
	RevokedLogout         = "logout"
	RevokedReuseDetected  = "reuse_detected"
	RevokedPasswordChange = "password_changed"
)

// Session is one device's login. IsActive is false iff TerminatedAt and
// TerminationReason are both set.
type Session struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	IPAddress         string     `json:"ip_address"`
	UserAgent         string     `json:"user_agent"`
	DeviceFingerprint string     `json:"device_fingerprint,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
	IsActive          bool       `json:"is_active"`
	TerminatedAt      *time.Time `json:"terminated_at,omitempty"`
	TerminationReason *string    `json:"termination_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	LastSeenAt        time.Time  `json:"last_seen_at"`
}

// RefreshToken stores only the SHA-256 hash of the raw token.
type RefreshToken struct {
	ID            string
	UserID        string
	SessionID     string
	TokenHash     string
	ExpiresAt     time.Time
	IsRevoked     bool
	RevokedReason *string
	LastUsedAt    *time.Time
	DeviceInfo    string
	CreatedAt     time.Time
}

// RevokedToken is a Postgres-backed revocation registry entry.
type RevokedToken struct {
	JTI       string
	UserID    string
	TokenType string
	ExpiresAt time.Time
	Reason    string
	CreatedAt time.Time
}
