package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	TOTPPeriod = 30
	// TOTPSkew is the number of steps of clock drift accepted in each direction.
	TOTPSkew = 1

	backupCodeCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	backupCodeLength  = 10
)

var totpOpts = totp.ValidateOpts{
	Period:    TOTPPeriod,
	Skew:      TOTPSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTPManager handles TOTP generation, secret encryption, and backup codes
type TOTPManager struct {
	encryptionKey []byte // 32-byte AES-256 key
	issuer        string
}

// NewTOTPManager creates a new TOTP manager
// encryptionKey must be exactly 32 bytes for AES-256
func NewTOTPManager(encryptionKey []byte, issuer string) (*TOTPManager, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}

	return &TOTPManager{
		encryptionKey: encryptionKey,
		issuer:        issuer,
	}, nil
}

// ProvisionedSecret is a freshly generated secret with its provisioning data.
type ProvisionedSecret struct {
	Secret          string // base32
	Encrypted       []byte
	Nonce           []byte
	ProvisioningURL string
	QRCodeDataURL   string
}

// Provision generates a secret for accountName, encrypts it and renders the QR code.
func (tm *TOTPManager) Provision(accountName string) (*ProvisionedSecret, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountName,
		SecretSize:  20,
		Period:      TOTPPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	encrypted, nonce, err := tm.EncryptSecret([]byte(key.Secret()))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	png, err := qrcode.Encode(key.URL(), qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return &ProvisionedSecret{
		Secret:          key.Secret(),
		Encrypted:       encrypted,
		Nonce:           nonce,
		ProvisioningURL: key.URL(),
		QRCodeDataURL:   "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

// EncryptSecret encrypts a TOTP secret using AES-256-GCM
func (tm *TOTPManager) EncryptSecret(secret []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := tm.gcm()
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, secret, nil), nonce, nil
}

// DecryptSecret decrypts an encrypted TOTP secret
func (tm *TOTPManager) DecryptSecret(ciphertext, nonce []byte) (string, error) {
	gcm, err := tm.gcm()
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(plaintext), nil
}

func (tm *TOTPManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// MatchStep returns the time step whose code equals code, searching TOTPSkew steps
// either side of at. Callers persist the step to reject replays.
func (tm *TOTPManager) MatchStep(secret, code string, at time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if len(code) != int(otp.DigitsSix) {
		return 0, false
	}

	current := at.Unix() / TOTPPeriod
	for delta := int64(-TOTPSkew); delta <= TOTPSkew; delta++ {
		step := current + delta
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*TOTPPeriod, 0).UTC(), totpOpts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return step, true
		}
	}
	return 0, false
}

// GenerateBackupCodes generates count single-use codes from an unambiguous charset
// (no 0/O/1/I/L).
func (tm *TOTPManager) GenerateBackupCodes(count int) ([]string, error) {
	limit := big.NewInt(int64(len(backupCodeCharset)))

	codes := make([]string, count)
	for i := range codes {
		code := make([]byte, backupCodeLength)
		for j := range code {
			n, err := rand.Int(rand.Reader, limit)
			if err != nil {
				return nil, fmt.Errorf("failed to generate backup code: %w", err)
			}
			code[j] = backupCodeCharset[n.Int64()]
		}
		codes[i] = string(code)
	}
	return codes, nil
}

// HashBackupCode returns the hex SHA-256 of the normalized code.
// Backup codes carry enough entropy that a fast hash is sufficient.
func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(NormalizeBackupCode(code)))
	return hex.EncodeToString(sum[:])
}

// NormalizeBackupCode uppercases and strips separators users tend to type.
func NormalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// LooksLikeBackupCode reports whether code has the backup code shape rather than a TOTP code.
func LooksLikeBackupCode(code string) bool {
	code = NormalizeBackupCode(code)
	if len(code) != backupCodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(backupCodeCharset, r) {
			return false
		}
	}
	return true
}
