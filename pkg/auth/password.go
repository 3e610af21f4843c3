package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultBcryptCost = 12
	MinPasswordLen    = 8
	MaxPasswordLen    = 72 // bcrypt ignores bytes beyond 72
)

// ErrPasswordMismatch is returned when a password does not match its hash.
var ErrPasswordMismatch = errors.New("password mismatch")

// PasswordValidationError lists failed rules. Error() stays generic for clients.
type PasswordValidationError struct {
	Reasons []string
}

func (e *PasswordValidationError) Error() string {
	return "invalid password"
}

var commonPasswords = map[string]struct{}{
	"password": {}, "password1": {}, "password123": {}, "password123!": {},
	"12345678": {}, "123456789": {}, "qwerty123": {}, "letmein1": {},
	"welcome1": {}, "passw0rd": {}, "trustno1": {}, "iloveyou": {},
	"sunshine1": {}, "football1": {}, "admin123": {}, "changeme": {},
}

// Hasher hashes and compares bcrypt passwords at a fixed cost.
type Hasher struct {
	cost      int
	dummyOnce sync.Once
	dummyHash []byte
}

// NewHasher returns a Hasher; cost outside bcrypt's range falls back to DefaultBcryptCost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &Hasher{cost: cost}
}

func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// Compare returns ErrPasswordMismatch when password does not match hash.
func (h *Hasher) Compare(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrPasswordMismatch
	}
	return err
}

// CompareDummy spends one bcrypt comparison against a fixed hash so that unknown
// identifiers cost the same as wrong passwords. It always reports a mismatch.
func (h *Hasher) CompareDummy(password string) error {
	h.dummyOnce.Do(func() {
		h.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("sentinel-dummy-password"), h.cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(password))
	return ErrPasswordMismatch
}

var defaultHasher = NewHasher(DefaultBcryptCost)

func HashPassword(password string) (string, error) {
	return defaultHasher.Hash(password)
}

func ComparePassword(hashedPassword, password string) error {
	return defaultHasher.Compare(hashedPassword, password)
}

// ValidatePassword enforces length, character class and common-password rules
func ValidatePassword(password string) error {
	var reasons []string

	if len(password) < MinPasswordLen {
		reasons = append(reasons, fmt.Sprintf("must be at least %d characters", MinPasswordLen))
	}
	if len(password) > MaxPasswordLen {
		reasons = append(reasons, fmt.Sprintf("must be at most %d bytes", MaxPasswordLen))
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	if !upper || !lower || !digit || !special {
		reasons = append(reasons, "must mix upper, lower, digit and symbol characters")
	}

	if _, common := commonPasswords[strings.ToLower(password)]; common {
		reasons = append(reasons, "is too common")
	}

	if len(reasons) > 0 {
		return &PasswordValidationError{Reasons: reasons}
	}
	return nil
}
