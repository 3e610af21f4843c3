package logger

import (
	"context"
	"log/slog"
	"sort"
)

// SecurityLogEntry is the log-line form of a security event.
type SecurityLogEntry struct {
	ID        string
	Type      string
	Severity  string
	UserID    string
	IPAddress string
	UserAgent string
	Details   map[string]any
}

// AuditLogger writes security events as structured slog lines
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger}
}

// LevelForSeverity maps event severity onto slog levels.
func LevelForSeverity(severity string) slog.Level {
	switch severity {
	case "critical":
		return slog.LevelError
	case "high":
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Log emits one audit line. Detail keys are sorted so lines are stable.
func (al *AuditLogger) Log(ctx context.Context, e SecurityLogEntry) {
	attrs := []slog.Attr{
		slog.String("audit_type", "security_event"),
		slog.String("event_id", e.ID),
		slog.String("event_type", e.Type),
		slog.String("severity", e.Severity),
	}

	if e.UserID != "" {
		attrs = append(attrs, slog.String("user_id", e.UserID))
	}
	if e.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", e.IPAddress))
	}
	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		details := make([]any, 0, len(keys))
		for _, k := range keys {
			details = append(details, slog.Any(k, e.Details[k]))
		}
		attrs = append(attrs, slog.Group("details", details...))
	}

	al.logger.LogAttrs(ctx, LevelForSeverity(e.Severity), "audit", attrs...)
}
