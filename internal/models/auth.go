package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenTypeAccess     = "access"
	TokenTypeMFAPending = "mfa_pending"
)

// TokenClaims is the strict claim set carried by every signed token.
// Subject and ID (jti) live in RegisteredClaims.
type TokenClaims struct {
	Role      string `json:"role"`
	SessionID string `json:"sid,omitempty"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

// UserID returns the subject claim.
func (c *TokenClaims) UserID() string {
	return c.Subject
}

// Expiry returns the exp claim, zero if absent.
func (c *TokenClaims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// ClientInfo describes the caller of an authentication operation.
type ClientInfo struct {
	IP                string
	UserAgent         string
	DeviceFingerprint string
}

type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// AuthResult is either a token pair with its session or a pending MFA challenge.
type AuthResult struct {
	Tokens      *TokenPair
	Session     *Session
	User        *User
	MFARequired bool
	MFAToken    string
}

// MFARequiredResponse is returned when MFA is required for login
type MFARequiredResponse struct {
	MFARequired bool   `json:"mfa_required"`
	MFAToken    string `json:"mfa_token"`
}
