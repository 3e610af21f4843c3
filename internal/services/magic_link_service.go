package services

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/BradenHooton/sentinel/internal/obs"
	pkglogger "github.com/BradenHooton/sentinel/pkg/logger"
	"github.com/google/uuid"
)

// MagicLinkRepository stores magic link hashes.
type MagicLinkRepository interface {
	CreateReplacing(ctx context.Context, link *models.MagicLink) (int64, error)
	Redeem(ctx context.Context, tokenHash, ip string, now time.Time) (*models.MagicLink, error)
	GetByHash(ctx context.Context, tokenHash string) (*models.MagicLink, error)
}

// MagicLinkConfig holds magic link configuration
type MagicLinkConfig struct {
	TTL          time.Duration
	BlockedRoles []string
}

// MagicLinkService issues and redeems single-use login links.
type MagicLinkService struct {
	links    MagicLinkRepository
	users    UserRepository
	throttle *LockoutGuard // counts requests per email and per IP
	email    EmailSender
	audit    AuditRecorder
	logger   *slog.Logger
	config   MagicLinkConfig
	now      func() time.Time
}

// NewMagicLinkService creates a new MagicLinkService
func NewMagicLinkService(
	links MagicLinkRepository,
	users UserRepository,
	throttle *LockoutGuard,
	email EmailSender,
	audit AuditRecorder,
	logger *slog.Logger,
	config MagicLinkConfig,
) *MagicLinkService {
	return &MagicLinkService{
		links:    links,
		users:    users,
		throttle: throttle,
		email:    email,
		audit:    audit,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (s *MagicLinkService) WithClock(now func() time.Time) *MagicLinkService {
	s.now = now
	return s
}

// Request issues a link for email. Unknown addresses succeed silently. A failed
// delivery is audited but still reported as success.
func (s *MagicLinkService) Request(ctx context.Context, email string, client models.ClientInfo) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return models.ErrBadRequest
	}

	if err := s.checkThrottle(ctx, email, client); err != nil {
		return err
	}

	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, models.ErrNotFound) {
		s.audit.Record(ctx, newEvent(models.EventMagicLinkRequested, models.SeverityLow, "", client, models.EventDetails{
			"identifier": pkglogger.SanitizedEmail(email),
			"outcome":    "unknown_identifier",
		}))
		return nil
	}
	if err != nil {
		s.logger.Error("failed to get user by email", slog.Any("error", err))
		return models.ErrInternalServer
	}

	if slices.Contains(s.config.BlockedRoles, user.Role) {
		s.audit.Record(ctx, newEvent(models.EventMagicLinkBlocked, models.SeverityMedium, user.ID, client, models.EventDetails{
			"role": user.Role,
		}))
		return models.ErrForbidden
	}

	token, err := newOpaqueToken()
	if err != nil {
		return models.ErrInternalServer
	}

	now := s.now().UTC()
	link := &models.MagicLink{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Email:     user.Email,
		TokenHash: hashOpaqueToken(token),
		ExpiresAt: now.Add(s.config.TTL),
		RequestIP: client.IP,
		CreatedAt: now,
	}

	replaced, err := s.links.CreateReplacing(ctx, link)
	if err != nil {
		s.logger.Error("failed to store magic link", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.audit.Record(ctx, newEvent(models.EventMagicLinkRequested, models.SeverityInfo, user.ID, client, models.EventDetails{
		"link_id":  link.ID,
		"replaced": replaced,
	}))

	if err := s.email.SendMagicLink(ctx, user.Email, token, link.ExpiresAt); err != nil {
		obs.EmailSendFailures.Inc()
		s.logger.Error("failed to deliver magic link",
			slog.String("user_id", user.ID),
			slog.String("email", pkglogger.SanitizedEmail(user.Email)),
			slog.Any("error", err))
		s.audit.Record(ctx, newEvent(models.EventEmailDeliveryError, models.SeverityMedium, user.ID, client, models.EventDetails{
			"link_id": link.ID,
		}))
	}
	return nil
}

// checkThrottle rejects the request when either the email or the IP is over its
// request budget, then counts this request against both. Store errors fail closed.
func (s *MagicLinkService) checkThrottle(ctx context.Context, email string, client models.ClientInfo) error {
	keys := []string{"magic:email:" + email}
	if client.IP != "" {
		keys = append(keys, "magic:ip:"+client.IP)
	}

	for _, key := range keys {
		st, err := s.throttle.IsLocked(ctx, key)
		if err != nil {
			s.logger.Error("magic link throttle unavailable", slog.Any("error", err))
			return models.ErrServiceUnavailable
		}
		if st.Locked {
			s.audit.Record(ctx, newEvent(models.EventRateLimited, models.SeverityMedium, "", client, models.EventDetails{
				"endpoint":   "magic_link_request",
				"identifier": pkglogger.SanitizedEmail(email),
			}))
			return &models.LockoutError{Kind: models.ErrRateLimitExceeded, Remaining: st.Remaining}
		}
	}

	for _, key := range keys {
		if _, err := s.throttle.RecordFailure(ctx, key); err != nil {
			s.logger.Error("magic link throttle unavailable", slog.Any("error", err))
			return models.ErrServiceUnavailable
		}
	}
	return nil
}

// Redeem consumes token and returns the owning user id. Exactly one of any number of
// concurrent redemptions succeeds.
func (s *MagicLinkService) Redeem(ctx context.Context, token string, client models.ClientInfo) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", models.ErrMagicLinkNotFound
	}

	hash := hashOpaqueToken(token)
	now := s.now().UTC()

	link, err := s.links.Redeem(ctx, hash, client.IP, now)
	if errors.Is(err, models.ErrNotFound) {
		userID, reason := s.classifyMiss(ctx, hash, now)
		s.audit.Record(ctx, newEvent(models.EventMagicLinkFailed, models.SeverityMedium, userID, client, models.EventDetails{
			"reason": reason.Error(),
		}))
		return "", reason
	}
	if err != nil {
		s.logger.Error("failed to redeem magic link", slog.Any("error", err))
		return "", models.ErrInternalServer
	}

	s.audit.Record(ctx, newEvent(models.EventMagicLinkRedeemed, models.SeverityInfo, link.UserID, client, models.EventDetails{
		"link_id": link.ID,
	}))
	return link.UserID, nil
}

// classifyMiss returns the link's owner, if any, and why it could not be redeemed.
func (s *MagicLinkService) classifyMiss(ctx context.Context, hash string, now time.Time) (string, error) {
	link, err := s.links.GetByHash(ctx, hash)
	if err != nil {
		return "", models.ErrMagicLinkNotFound
	}
	if link.Used {
		return link.UserID, models.ErrMagicLinkAlreadyUsed
	}
	if !link.ExpiresAt.After(now) {
		return link.UserID, models.ErrMagicLinkExpired
	}
	return link.UserID, models.ErrMagicLinkNotFound
}
