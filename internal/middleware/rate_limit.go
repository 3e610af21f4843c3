package middleware

import (
	"net/http"
	"time"

	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
	"github.com/go-chi/httprate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
	IPConfig          *pkghttp.IPConfig
}

// DefaultAuthRateLimit returns the per-IP budget for unauthenticated auth endpoints
func DefaultAuthRateLimit(ipConfig *pkghttp.IPConfig) RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 20,
		IPConfig:          ipConfig,
	}
}

// RateLimitByIP is a coarse per-IP request cap in front of the auth endpoints.
// Account lockout and magic link throttling are enforced separately by the services.
// The client IP is resolved through the trusted proxy list, never raw headers.
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return pkghttp.ExtractClientIP(r, config.IPConfig), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteRetryAfter(w, http.StatusTooManyRequests, "rate_limit_exceeded",
				"Too many requests. Please try again later.", time.Minute)
		}),
	)
}
