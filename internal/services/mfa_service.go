package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/BradenHooton/sentinel/internal/obs"
	"github.com/BradenHooton/sentinel/internal/repositories"
)

// MFAConfig holds MFA configuration
type MFAConfig struct {
	EnrollmentTTL   time.Duration
	BackupCodeCount int
}

// MFAService handles TOTP enrollment, login challenges, and backup codes.
// Challenge failures feed a LockoutGuard over the MFA failure log, keyed by user and IP,
// independent of the login counter.
type MFAService struct {
	enrollments repositories.MFAEnrollmentRepository
	lockout     *LockoutGuard
	totpMgr     *auth.TOTPManager
	audit       AuditRecorder
	logger      *slog.Logger
	config      MFAConfig
	now         func() time.Time
}

// NewMFAService creates a new MFA service
func NewMFAService(
	enrollments repositories.MFAEnrollmentRepository,
	lockout *LockoutGuard,
	totpMgr *auth.TOTPManager,
	audit AuditRecorder,
	logger *slog.Logger,
	config MFAConfig,
) *MFAService {
	return &MFAService{
		enrollments: enrollments,
		lockout:     lockout,
		totpMgr:     totpMgr,
		audit:       audit,
		logger:      logger,
		config:      config,
		now:         time.Now,
	}
}

// WithClock overrides the time source.
func (s *MFAService) WithClock(now func() time.Time) *MFAService {
	s.now = now
	return s
}

func (s *MFAService) load(ctx context.Context, userID string) (*models.MFAEnrollment, error) {
	e, err := s.enrollments.Get(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("failed to load MFA enrollment", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return e, nil
}

// BeginEnrollment moves NotEnrolled or PendingVerification to a fresh PendingVerification.
// An enabled enrollment returns ErrConflict.
func (s *MFAService) BeginEnrollment(ctx context.Context, userID, email string, client models.ClientInfo) (*models.MFASetup, error) {
	now := s.now()
	existing, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing.State(now) == models.MFAStateEnabled {
		return nil, models.ErrConflict
	}

	prov, err := s.totpMgr.Provision(email)
	if err != nil {
		s.logger.Error("failed to generate TOTP secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	expiresAt := now.Add(s.config.EnrollmentTTL)
	err = s.enrollments.UpsertPending(ctx, &models.MFAEnrollment{
		UserID:           userID,
		SecretEncrypted:  prov.Encrypted,
		SecretNonce:      prov.Nonce,
		PendingExpiresAt: &expiresAt,
		CreatedAt:        now,
	})
	if errors.Is(err, models.ErrConflict) {
		return nil, models.ErrConflict
	}
	if err != nil {
		s.logger.Error("failed to store pending enrollment", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.audit.Record(ctx, newEvent(models.EventMFASetupStarted, models.SeverityInfo, userID, client, nil))
	s.logger.Info("MFA setup initiated", slog.String("user_id", userID))

	return &models.MFASetup{
		Secret:          prov.Secret,
		ProvisioningURL: prov.ProvisioningURL,
		QRCode:          prov.QRCodeDataURL,
		ExpiresAt:       expiresAt,
	}, nil
}

// Enable verifies the first TOTP code and flips the pending enrollment to enabled.
// The plaintext backup codes are returned once and never stored.
func (s *MFAService) Enable(ctx context.Context, userID, code string, client models.ClientInfo) ([]string, error) {
	now := s.now()
	e, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	switch e.State(now) {
	case models.MFAStateEnabled:
		return nil, models.ErrConflict
	case models.MFAStateNotEnrolled:
		return nil, models.ErrMfaNotEnrolled
	}

	key := repositories.MFAAttemptKey(userID, client.IP)
	if err := s.checkLocked(ctx, key); err != nil {
		return nil, err
	}

	step, ok := s.matchTOTP(e, code, now)
	if !ok {
		return nil, s.fail(ctx, key, userID, client, "enable")
	}

	codes, err := s.totpMgr.GenerateBackupCodes(s.config.BackupCodeCount)
	if err != nil {
		s.logger.Error("failed to generate backup codes", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = auth.HashBackupCode(c)
	}

	if err := s.enrollments.Enable(ctx, userID, hashes, step, now); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrMfaNotEnrolled
		}
		s.logger.Error("failed to enable MFA", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.succeed(ctx, key)
	s.audit.Record(ctx, newEvent(models.EventMFAEnabled, models.SeverityHigh, userID, client, models.EventDetails{
		"backup_codes_issued": len(codes),
	}))
	s.logger.Info("MFA enabled", slog.String("user_id", userID))

	return codes, nil
}

// IsEnabled reports whether login for userID needs a second factor.
func (s *MFAService) IsEnabled(ctx context.Context, userID string) (bool, error) {
	e, err := s.load(ctx, userID)
	if err != nil {
		return false, err
	}
	return e.State(s.now()) == models.MFAStateEnabled, nil
}

// Challenge verifies a TOTP code or a backup code for an enabled enrollment. TOTP steps
// are accepted at most once; backup codes are removed from the set on use.
func (s *MFAService) Challenge(ctx context.Context, userID, code string, client models.ClientInfo) error {
	key := repositories.MFAAttemptKey(userID, client.IP)
	if err := s.checkLocked(ctx, key); err != nil {
		return err
	}

	now := s.now()
	e, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	if e.State(now) != models.MFAStateEnabled {
		return models.ErrMfaNotEnrolled
	}

	if auth.LooksLikeBackupCode(code) {
		remaining, ok, err := s.enrollments.ConsumeBackupCode(ctx, userID, auth.HashBackupCode(code))
		if err != nil {
			s.logger.Error("failed to consume backup code", slog.Any("error", err))
			return models.ErrInternalServer
		}
		if !ok {
			return s.fail(ctx, key, userID, client, "backup_code")
		}
		s.succeed(ctx, key)
		s.audit.Record(ctx, newEvent(models.EventMFABackupCodeUsed, models.SeverityMedium, userID, client, models.EventDetails{
			"backup_codes_remaining": remaining,
		}))
		return nil
	}

	step, ok := s.matchTOTP(e, code, now)
	if !ok {
		return s.fail(ctx, key, userID, client, "totp")
	}
	advanced, err := s.enrollments.AdvanceStep(ctx, userID, step)
	if err != nil {
		s.logger.Error("failed to record TOTP step", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if !advanced {
		return s.fail(ctx, key, userID, client, "totp_replay")
	}

	s.succeed(ctx, key)
	s.audit.Record(ctx, newEvent(models.EventMFAChallengeOK, models.SeverityInfo, userID, client, nil))
	return nil
}

// Abandon deletes an enrollment that was never verified.
func (s *MFAService) Abandon(ctx context.Context, userID string, client models.ClientInfo) error {
	e, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	if e == nil {
		return models.ErrMfaNotEnrolled
	}
	if e.Enabled {
		return models.ErrConflict
	}

	deleted, err := s.enrollments.DeletePending(ctx, userID)
	if err != nil {
		s.logger.Error("failed to abandon MFA enrollment", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if !deleted {
		return models.ErrMfaNotEnrolled
	}

	s.audit.Record(ctx, newEvent(models.EventMFAAbandoned, models.SeverityInfo, userID, client, nil))
	return nil
}

// Disable requires a passing challenge, then removes the enrollment.
func (s *MFAService) Disable(ctx context.Context, userID, code string, client models.ClientInfo) error {
	if err := s.Challenge(ctx, userID, code, client); err != nil {
		return err
	}

	if err := s.enrollments.Delete(ctx, userID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrMfaNotEnrolled
		}
		s.logger.Error("failed to disable MFA", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.audit.Record(ctx, newEvent(models.EventMFADisabled, models.SeverityHigh, userID, client, nil))
	s.logger.Info("MFA disabled", slog.String("user_id", userID))
	return nil
}

// Status reports the enrollment state for userID.
func (s *MFAService) Status(ctx context.Context, userID string) (*models.MFAStatus, error) {
	e, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	state := e.State(s.now())
	status := &models.MFAStatus{State: state, MFAEnabled: state == models.MFAStateEnabled}
	if status.MFAEnabled {
		status.EnrolledAt = e.SetupCompletedAt
		status.BackupCodesRemaining = len(e.BackupCodeHashes)
	}
	return status, nil
}

func (s *MFAService) matchTOTP(e *models.MFAEnrollment, code string, now time.Time) (int64, bool) {
	secret, err := s.totpMgr.DecryptSecret(e.SecretEncrypted, e.SecretNonce)
	if err != nil {
		s.logger.Error("failed to decrypt TOTP secret", slog.String("user_id", e.UserID), slog.Any("error", err))
		return 0, false
	}
	return s.totpMgr.MatchStep(secret, code, now)
}

func (s *MFAService) checkLocked(ctx context.Context, key string) error {
	st, err := s.lockout.IsLocked(ctx, key)
	if err != nil {
		s.logger.Error("failed to read MFA lockout", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if st.Locked {
		return models.NewMfaLockedError(st.Remaining)
	}
	return nil
}

// fail logs the failure in the MFA failure log and returns the error to surface.
func (s *MFAService) fail(ctx context.Context, key, userID string, client models.ClientInfo, method string) error {
	obs.AuthAttempts.WithLabelValues("mfa", "failure").Inc()

	st, err := s.lockout.RecordFailure(ctx, key)
	if err != nil {
		s.logger.Error("failed to record MFA failure", slog.Any("error", err))
		return fmt.Errorf("%w: %v", models.ErrMfaChallengeFailed, err)
	}

	s.audit.Record(ctx, newEvent(models.EventMFAChallengeFailed, models.SeverityMedium, userID, client, models.EventDetails{
		"method":       method,
		"failed_count": st.FailedCount,
	}))

	if st.JustLocked {
		obs.Lockouts.WithLabelValues("mfa").Inc()
		s.audit.Record(ctx, newEvent(models.EventMFALocked, models.SeverityHigh, userID, client, models.EventDetails{
			"failed_count":    st.FailedCount,
			"locked_for_secs": int(st.Remaining.Seconds()),
			"lockout_scope":   "mfa",
		}))
	}
	if st.Locked {
		return models.NewMfaLockedError(st.Remaining)
	}
	return models.ErrMfaChallengeFailed
}

func (s *MFAService) succeed(ctx context.Context, key string) {
	obs.AuthAttempts.WithLabelValues("mfa", "success").Inc()
	if err := s.lockout.RecordSuccess(ctx, key); err != nil {
		s.logger.Warn("failed to reset MFA lockout", slog.Any("error", err))
	}
}
