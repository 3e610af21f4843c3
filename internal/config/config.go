package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database      DatabaseConfig
	Server        ServerConfig
	Auth          AuthConfig
	Lockout       LockoutConfig
	MagicLink     MagicLinkConfig
	MFA           MFAConfig
	Redis         RedisConfig
	Email         EmailConfig
	Observability ObservabilityConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	TrustedProxies []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	// AuthRequestsPerMinute caps unauthenticated auth endpoints per client IP.
	AuthRequestsPerMinute int
}

type AuthConfig struct {
	JWTSecret            string
	Issuer               string
	AccessTokenExpiry    time.Duration
	RefreshTokenExpiry   time.Duration
	MFATokenExpiry       time.Duration
	CleanupInterval      time.Duration
	TimingDelayBaseMs    int
	TimingDelayRandomMs  int
	RevocationFailClosed bool
}

// LockoutConfig controls the login lockout guard and the per-IP refresh failure throttle.
type LockoutConfig struct {
	MaxAttempts        int
	Duration           time.Duration
	RefreshMaxFailures int
	RefreshDuration    time.Duration
}

type MagicLinkConfig struct {
	TTL           time.Duration
	MaxRequests   int
	RequestWindow time.Duration
	BlockedRoles  []string
	RedeemURLBase string
}

type MFAConfig struct {
	EncryptionKey    []byte
	Issuer           string
	EnrollmentTTL    time.Duration
	BackupCodeCount  int
	MaxAttempts      int
	LockoutDuration  time.Duration
	AttemptRetention time.Duration
}

// RedisConfig configures the Redis client. Redis backs the lockout and request throttles
// and, when RevocationStore is "redis", the revocation registry.
type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	KeyPrefix       string
	RevocationStore string // "redis" or "postgres"
}

type EmailConfig struct {
	Provider     string // "ses" or "log"
	AWSRegion    string
	FromAddress  string
	SendRatePerS float64
}

type ObservabilityConfig struct {
	SentryDSN      string
	MetricsEnabled bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "sentinel"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES", nil),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),

			AuthRequestsPerMinute: getEnvAsInt("AUTH_RATE_LIMIT_PER_MINUTE", 20),
		},
		Auth: AuthConfig{
			JWTSecret:            jwtSecret,
			Issuer:               getEnv("JWT_ISSUER", "sentinel"),
			AccessTokenExpiry:    getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry:   getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
			MFATokenExpiry:       getEnvAsDuration("MFA_TOKEN_EXPIRY", 5*time.Minute),
			CleanupInterval:      getEnvAsDuration("TOKEN_CLEANUP_INTERVAL", 1*time.Hour),
			TimingDelayBaseMs:    getEnvAsInt("TIMING_DELAY_BASE_MS", 100),
			TimingDelayRandomMs:  getEnvAsInt("TIMING_DELAY_RANDOM_MS", 50),
			RevocationFailClosed: getEnvAsBool("REVOCATION_FAIL_CLOSED", true),
		},
		Lockout: LockoutConfig{
			MaxAttempts:        getEnvAsInt("LOCKOUT_MAX_ATTEMPTS", 5),
			Duration:           getEnvAsDuration("LOCKOUT_DURATION", 30*time.Minute),
			RefreshMaxFailures: getEnvAsInt("REFRESH_MAX_FAILURES", 20),
			RefreshDuration:    getEnvAsDuration("REFRESH_LOCKOUT_DURATION", 15*time.Minute),
		},
		MagicLink: MagicLinkConfig{
			TTL:           getEnvAsDuration("MAGIC_LINK_TTL", 15*time.Minute),
			MaxRequests:   getEnvAsInt("MAGIC_LINK_MAX_REQUESTS", 3),
			RequestWindow: getEnvAsDuration("MAGIC_LINK_REQUEST_WINDOW", 15*time.Minute),
			BlockedRoles:  getEnvAsList("MAGIC_LINK_BLOCKED_ROLES", []string{"admin", "manager"}),
			RedeemURLBase: getEnv("MAGIC_LINK_URL_BASE", "http://localhost:8080"),
		},
		MFA: MFAConfig{
			Issuer:           getEnv("MFA_ISSUER", "Sentinel"),
			EnrollmentTTL:    getEnvAsDuration("MFA_ENROLLMENT_TTL", 10*time.Minute),
			BackupCodeCount:  getEnvAsInt("MFA_BACKUP_CODE_COUNT", 10),
			MaxAttempts:      getEnvAsInt("MFA_MAX_ATTEMPTS", 5),
			LockoutDuration:  getEnvAsDuration("MFA_LOCKOUT_DURATION", 15*time.Minute),
			AttemptRetention: getEnvAsDuration("MFA_ATTEMPT_RETENTION", 24*time.Hour),
		},
		Redis: RedisConfig{
			Addr:            getEnv("REDIS_ADDR", "localhost:6379"),
			Password:        getEnv("REDIS_PASSWORD", ""),
			DB:              getEnvAsInt("REDIS_DB", 0),
			KeyPrefix:       getEnv("REDIS_KEY_PREFIX", "sentinel:"),
			RevocationStore: getEnv("REVOCATION_STORE", "redis"),
		},
		Email: EmailConfig{
			Provider:     getEnv("EMAIL_PROVIDER", "log"),
			AWSRegion:    getEnv("AWS_REGION", "us-east-1"),
			FromAddress:  getEnv("EMAIL_FROM_ADDRESS", "no-reply@localhost"),
			SendRatePerS: getEnvAsFloat("EMAIL_SEND_RATE", 14),
		},
		Observability: ObservabilityConfig{
			SentryDSN:      getEnv("SENTRY_DSN", ""),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	key, err := parseEncryptionKey(getEnv("MFA_ENCRYPTION_KEY", ""), env)
	if err != nil {
		return nil, err
	}
	cfg.MFA.EncryptionKey = key

	if cfg.Lockout.MaxAttempts < 1 {
		return nil, fmt.Errorf("LOCKOUT_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.Lockout.Duration <= 0 {
		return nil, fmt.Errorf("LOCKOUT_DURATION must be positive")
	}
	if cfg.Lockout.RefreshMaxFailures < 1 || cfg.Lockout.RefreshDuration <= 0 {
		return nil, fmt.Errorf("REFRESH_MAX_FAILURES and REFRESH_LOCKOUT_DURATION must be positive")
	}
	if cfg.Redis.RevocationStore != "redis" && cfg.Redis.RevocationStore != "postgres" {
		return nil, fmt.Errorf("REVOCATION_STORE must be redis or postgres, got %q", cfg.Redis.RevocationStore)
	}

	return cfg, nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

// parseEncryptionKey decodes the base64 AES-256 key used for TOTP secrets.
// Outside production a missing key yields nil and the caller generates one per process.
func parseEncryptionKey(raw, env string) ([]byte, error) {
	if raw == "" {
		if env == "production" {
			return nil, fmt.Errorf("MFA_ENCRYPTION_KEY is required in production")
		}
		return nil, nil
	}

	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("MFA_ENCRYPTION_KEY must decode to 32 bytes (got %d)", len(key))
	}
	return key, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsList(key string, defaultVal []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		return getEnvAsList("ALLOWED_ORIGINS", []string{})
	}

	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173", // Vite default
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}
