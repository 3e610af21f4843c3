package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/sentinel/internal/ids"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/BradenHooton/sentinel/internal/obs"
	pkglogger "github.com/BradenHooton/sentinel/pkg/logger"
)

const (
	auditMaxAttempts = 3
	auditRetryDelay  = 50 * time.Millisecond
)

// SecurityEventRepository defines the append-only security event store
type SecurityEventRepository interface {
	Insert(ctx context.Context, e *models.SecurityEvent) error
	ListForUser(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error)
	CountForUser(ctx context.Context, userID string) (int64, error)
}

// AuditRecorder is what other services use to record security events.
type AuditRecorder interface {
	Record(ctx context.Context, e models.SecurityEvent)
}

// ErrorReporter escalates an error to an external tracker.
type ErrorReporter func(ctx context.Context, err error, tags map[string]string)

// AuditService handles audit logging with dual-write pattern (slog + database)
type AuditService struct {
	repo        SecurityEventRepository
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
	report      ErrorReporter
	retryDelay  time.Duration
	now         func() time.Time
}

// NewAuditService creates a new AuditService
func NewAuditService(repo SecurityEventRepository, logger *slog.Logger) *AuditService {
	return &AuditService{
		repo:        repo,
		logger:      logger,
		auditLogger: pkglogger.NewAuditLogger(logger),
		report:      obs.CaptureError,
		retryDelay:  auditRetryDelay,
		now:         time.Now,
	}
}

// WithReporter replaces the Sentry reporter.
func (s *AuditService) WithReporter(report ErrorReporter) *AuditService {
	s.report = report
	return s
}

// Record writes the event to the log, then persists it. Callers never see an error.
// High and critical events are retried and escalated if they still cannot be stored.
// The insert ignores caller cancellation so a disconnecting client cannot drop an event.
func (s *AuditService) Record(ctx context.Context, e models.SecurityEvent) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	if e.ID == "" {
		e.ID = ids.NewAt(e.CreatedAt)
	}
	if e.Severity == "" {
		e.Severity = models.SeverityInfo
	}

	entry := pkglogger.SecurityLogEntry{
		ID:        e.ID,
		Type:      e.Type,
		Severity:  e.Severity,
		IPAddress: e.IPAddress,
		UserAgent: e.UserAgent,
		Details:   e.Details,
	}
	if e.UserID != nil {
		entry.UserID = *e.UserID
	}
	s.auditLogger.Log(ctx, entry)

	attempts := 1
	if e.MustNotDrop() {
		attempts = auditMaxAttempts
	}

	writeCtx := context.WithoutCancel(ctx)
	var err error
	for i := 1; i <= attempts; i++ {
		if err = s.repo.Insert(writeCtx, &e); err == nil {
			return
		}
		if i < attempts {
			time.Sleep(s.retryDelay * time.Duration(i))
		}
	}

	obs.AuditWriteFailures.WithLabelValues(e.Severity).Inc()
	s.logger.ErrorContext(ctx, "failed to persist security event",
		slog.String("event_id", e.ID),
		slog.String("event_type", e.Type),
		slog.String("severity", e.Severity),
		slog.Any("user_id", e.UserID),
		slog.String("ip_address", e.IPAddress),
		slog.Any("details", map[string]any(e.Details)),
		slog.Int("attempts", attempts),
		slog.Any("error", err),
	)
	if e.MustNotDrop() && s.report != nil {
		s.report(ctx, fmt.Errorf("security event %s (%s) not persisted: %w", e.ID, e.Type, err), map[string]string{
			"component":  "audit",
			"event_type": e.Type,
			"severity":   e.Severity,
		})
	}
}

// ListForUser retrieves the audit trail for a specific user
func (s *AuditService) ListForUser(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	events, err := s.repo.ListForUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user audit trail: %w", err)
	}
	return events, nil
}

// CountForUser returns the count of security events for a user
func (s *AuditService) CountForUser(ctx context.Context, userID string) (int64, error) {
	count, err := s.repo.CountForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to count security events: %w", err)
	}
	return count, nil
}

// newEvent builds an event from the caller's client info. userID may be empty.
func newEvent(eventType, severity, userID string, client models.ClientInfo, details models.EventDetails) models.SecurityEvent {
	e := models.SecurityEvent{
		Type:      eventType,
		Severity:  severity,
		IPAddress: client.IP,
		UserAgent: client.UserAgent,
		Details:   details,
	}
	if userID != "" {
		e.UserID = &userID
	}
	return e
}
