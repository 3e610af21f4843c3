package models

import "time"

// MagicLink is a single-use login link. Used flips false to true exactly once.
type MagicLink struct {
	ID        string
	UserID    string
	Email     string
	TokenHash string
	ExpiresAt time.Time
	Used      bool
	UsedAt    *time.Time
	UsedIP    *string
	RequestIP string
	CreatedAt time.Time
}
