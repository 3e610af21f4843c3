package logger

import (
	"log/slog"
	"net/url"
	"strings"
)

var sensitiveParams = map[string]struct{}{
	"password":      {},
	"token":         {},
	"secret":        {},
	"code":          {},
	"refresh_token": {},
	"mfa_token":     {},
	"email":         {},
}

// SanitizedEmail masks an email address for logging (e.g., "u***@*******.com")
func SanitizedEmail(email string) string {
	user, domain, ok := strings.Cut(email, "@")
	if !ok || user == "" || domain == "" {
		return "[invalid-email]"
	}

	if len(user) > 1 {
		user = user[:1] + strings.Repeat("*", len(user)-1)
	}

	labels := strings.Split(domain, ".")
	for i := 0; i < len(labels)-1; i++ {
		labels[i] = strings.Repeat("*", len(labels[i]))
	}

	return user + "@" + strings.Join(labels, ".")
}

// RedactedAttr returns a redacted slog attribute for sensitive values
// In production, returns "[REDACTED]"; in development, returns the actual value
func RedactedAttr(key, value, env string) slog.Attr {
	if env == "production" {
		return slog.String(key, "[REDACTED]")
	}
	return slog.String(key, value)
}

// RedactQuery replaces values of sensitive query parameters with REDACTED.
// Magic link tokens travel in the query string. An unparseable query is redacted whole.
func RedactQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "[REDACTED]"
	}
	for key := range values {
		if _, ok := sensitiveParams[strings.ToLower(key)]; ok {
			values[key] = []string{"REDACTED"}
		}
	}
	return values.Encode()
}
