package models

import (
	"time"
)

const (
	RoleUser    = "user"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

// User is the credential record. LockedUntil is non-nil only while a lock is in force;
// a lapsed value is treated as unlocked on read and cleared on the next write.
type User struct {
	ID                 string
	Email              string
	PasswordHash       string
	Name               string
	Role               string
	FailedAttemptCount int
	LockedUntil        *time.Time
	LastFailedAt       *time.Time
	PasswordChangedAt  *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsLocked reports whether the lock is still in force at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// LockoutState is the counter snapshot returned by lockout stores.
// JustLocked is set only by the failure that crossed the threshold.
type LockoutState struct {
	FailedCount  int
	LockedUntil  *time.Time
	LastFailedAt *time.Time
	JustLocked   bool
}

// Locked reports whether the state holds an unexpired lock at now.
func (s LockoutState) Locked(now time.Time) bool {
	return s.LockedUntil != nil && s.LockedUntil.After(now)
}

// Remaining returns the time left on the lock, or zero.
func (s LockoutState) Remaining(now time.Time) time.Duration {
	if !s.Locked(now) {
		return 0
	}
	return s.LockedUntil.Sub(now)
}

// LockoutPolicy is the threshold and lock length applied by a lockout store.
// Window bounds how long failures count toward the threshold; zero means Duration.
type LockoutPolicy struct {
	MaxAttempts int
	Duration    time.Duration
	Window      time.Duration
}

// CountWindow returns Window, defaulting to Duration.
func (p LockoutPolicy) CountWindow() time.Duration {
	if p.Window > 0 {
		return p.Window
	}
	return p.Duration
}
