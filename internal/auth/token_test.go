package auth

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-32-characters-long!!"

func newTestCodec(t *testing.T, now time.Time) *TokenCodec {
	t.Helper()
	codec, err := NewTokenCodec(testSecret, "sentinel-test")
	require.NoError(t, err)
	return codec.WithClock(func() time.Time { return now })
}

func TestNewTokenCodec_RejectsShortKey(t *testing.T) {
	for _, key := range []string{"", "short"} {
		codec, err := NewTokenCodec(key, "sentinel")
		assert.Nil(t, codec)
		assert.ErrorIs(t, err, models.ErrConfiguration)
	}
}

func TestTokenCodec_RoundTrip(t *testing.T) {
	now := time.Now()
	codec := newTestCodec(t, now)

	token, issued, err := codec.Issue("user-1", models.RoleUser, "session-1", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(token, "."))

	claims, err := codec.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())
	assert.Equal(t, models.RoleUser, claims.Role)
	assert.Equal(t, "session-1", claims.SessionID)
	assert.Equal(t, models.TokenTypeAccess, claims.Type)
	assert.Equal(t, issued.ID, claims.ID)
	assert.Equal(t, now.Truncate(time.Second).Add(15*time.Minute).Unix(), claims.Expiry().Unix())
}

func TestTokenCodec_Expired(t *testing.T) {
	issuedAt := time.Now()
	token, _, err := newTestCodec(t, issuedAt).Issue("user-1", models.RoleUser, "s", time.Minute)
	require.NoError(t, err)

	_, err = newTestCodec(t, issuedAt.Add(59*time.Second)).Verify(token)
	assert.NoError(t, err)

	claims, err := newTestCodec(t, issuedAt.Add(2*time.Minute)).Verify(token)
	assert.Nil(t, claims)
	assert.ErrorIs(t, err, models.ErrTokenExpired)
}

func TestTokenCodec_BadSignature(t *testing.T) {
	codec := newTestCodec(t, time.Now())
	token, _, err := codec.Issue("user-1", models.RoleUser, "s", time.Minute)
	require.NoError(t, err)

	other, err := NewTokenCodec("another-secret-that-is-long-enough", "sentinel-test")
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, models.ErrTokenBadSignature)

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString([]byte("forged-signature"))
	_, err = codec.Verify(tampered)
	assert.ErrorIs(t, err, models.ErrTokenBadSignature)
}

func TestTokenCodec_Malformed(t *testing.T) {
	codec := newTestCodec(t, time.Now())
	token, _, err := codec.Issue("user-1", models.RoleUser, "s", time.Minute)
	require.NoError(t, err)
	parts := strings.Split(token, ".")

	cases := map[string]string{
		"empty":            "",
		"one segment":      "abc",
		"two segments":     parts[0] + "." + parts[1],
		"four segments":    token + ".extra",
		"garbage payload":  parts[0] + ".!!!notbase64!!!." + parts[2],
		"non-json payload": parts[0] + "." + base64.RawURLEncoding.EncodeToString([]byte("not json")) + "." + parts[2],
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			claims, err := codec.Verify(input)
			assert.Nil(t, claims)
			assert.Error(t, err)
			assert.NotErrorIs(t, err, models.ErrTokenExpired)
		})
	}

	claims, err := codec.Verify("a.b")
	assert.Nil(t, claims)
	assert.ErrorIs(t, err, models.ErrTokenMalformed)
}

func TestTokenCodec_RejectsAlgNone(t *testing.T) {
	now := time.Now()
	claims := &models.TokenClaims{
		Role:      models.RoleAdmin,
		SessionID: "s",
		Type:      models.TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "sentinel-test",
			Subject:   "attacker",
			ID:        "jti",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	got, err := newTestCodec(t, now).Verify(unsigned)
	assert.Nil(t, got)
	assert.Error(t, err)
}

func TestTokenCodec_MissingRequiredClaims(t *testing.T) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": "sentinel-test",
		"sub": "user-1",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"typ": models.TokenTypeAccess,
		"sid": "s",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	got, err := newTestCodec(t, now).Verify(token)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, models.ErrTokenMalformed)
}

func TestTokenCodec_VerifyType(t *testing.T) {
	codec := newTestCodec(t, time.Now())

	mfaToken, _, err := codec.IssueMFAToken("user-1", models.RoleUser, 5*time.Minute)
	require.NoError(t, err)

	claims, err := codec.VerifyType(mfaToken, models.TokenTypeMFAPending)
	require.NoError(t, err)
	assert.Empty(t, claims.SessionID)

	_, err = codec.VerifyType(mfaToken, models.TokenTypeAccess)
	assert.ErrorIs(t, err, models.ErrTokenMalformed)
}

func TestTokenCodec_IssueRejectsNonPositiveTTL(t *testing.T) {
	_, _, err := newTestCodec(t, time.Now()).Issue("user-1", models.RoleUser, "s", 0)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}
