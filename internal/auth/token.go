package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSigningKeyLength is the shortest HS256 key the codec accepts.
const MinSigningKeyLength = 16

// TokenCodec signs and verifies compact HS256 tokens. It holds no state beyond its key
// and is safe for concurrent use.
type TokenCodec struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewTokenCodec returns models.ErrConfiguration for an empty or short key.
func NewTokenCodec(secret, issuer string) (*TokenCodec, error) {
	if len(secret) < MinSigningKeyLength {
		return nil, fmt.Errorf("%w: signing key must be at least %d bytes", models.ErrConfiguration, MinSigningKeyLength)
	}
	return &TokenCodec{
		key:    []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}, nil
}

// WithClock returns a copy of the codec that reads time from now.
func (c *TokenCodec) WithClock(now func() time.Time) *TokenCodec {
	cp := *c
	cp.now = now
	return &cp
}

// Issue creates an access token bound to a session.
func (c *TokenCodec) Issue(subjectID, role, sessionID string, ttl time.Duration) (string, *models.TokenClaims, error) {
	return c.issue(subjectID, role, sessionID, models.TokenTypeAccess, ttl)
}

// IssueMFAToken creates a short-lived token proving the password step passed.
func (c *TokenCodec) IssueMFAToken(subjectID, role string, ttl time.Duration) (string, *models.TokenClaims, error) {
	return c.issue(subjectID, role, "", models.TokenTypeMFAPending, ttl)
}

func (c *TokenCodec) issue(subjectID, role, sessionID, tokenType string, ttl time.Duration) (string, *models.TokenClaims, error) {
	if ttl <= 0 {
		return "", nil, fmt.Errorf("%w: token ttl must be positive", models.ErrConfiguration)
	}
	if subjectID == "" || role == "" {
		return "", nil, fmt.Errorf("issue token: subject and role are required")
	}

	now := c.now().Truncate(time.Second)
	claims := &models.TokenClaims{
		Role:      role,
		SessionID: sessionID,
		Type:      tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subjectID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify checks signature, expiry and claim shape. It never returns partially
// populated claims: any ambiguity is ErrTokenMalformed.
func (c *TokenCodec) Verify(tokenString string) (*models.TokenClaims, error) {
	if strings.Count(tokenString, ".") != 2 {
		return nil, models.ErrTokenMalformed
	}

	claims := &models.TokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.issuer),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.now),
	)

	_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return c.key, nil
	})
	if err != nil {
		return nil, classifyJWTError(err)
	}

	if claims.Subject == "" || claims.Role == "" || claims.ID == "" || claims.Type == "" || claims.IssuedAt == nil {
		return nil, models.ErrTokenMalformed
	}
	if claims.Type != models.TokenTypeAccess && claims.Type != models.TokenTypeMFAPending {
		return nil, models.ErrTokenMalformed
	}
	if claims.Type == models.TokenTypeAccess && claims.SessionID == "" {
		return nil, models.ErrTokenMalformed
	}

	return claims, nil
}

// VerifyType verifies the token and requires the given typ claim.
func (c *TokenCodec) VerifyType(tokenString, tokenType string) (*models.TokenClaims, error) {
	claims, err := c.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != tokenType {
		return nil, models.ErrTokenMalformed
	}
	return claims, nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return models.ErrTokenBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return models.ErrTokenExpired
	default:
		return models.ErrTokenMalformed
	}
}
