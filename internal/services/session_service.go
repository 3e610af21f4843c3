package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/BradenHooton/sentinel/internal/obs"
	pkgauth "github.com/BradenHooton/sentinel/pkg/auth"
	pkglogger "github.com/BradenHooton/sentinel/pkg/logger"
	"github.com/google/uuid"
)

const opaqueTokenBytes = 32

// UserRepository is the credential store seen by the services.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
}

// SessionRepository persists sessions together with their refresh chains.
type SessionRepository interface {
	Create(ctx context.Context, s *models.Session, rt *models.RefreshToken) error
	ListActive(ctx context.Context, userID string, now time.Time) ([]models.Session, error)
	Terminate(ctx context.Context, userID, sessionID, reason string, now time.Time) error
	TerminateAll(ctx context.Context, userID, keepSessionID, reason, tokenReason string, now time.Time) ([]string, error)
}

// RefreshTokenRepository rotates refresh tokens with a single compare-and-set.
type RefreshTokenRepository interface {
	GetByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	Rotate(ctx context.Context, tokenHash string, next *models.RefreshToken, now time.Time) (*models.RefreshToken, error)
}

// RevocationRegistry is the denylist consulted on every protected request.
type RevocationRegistry interface {
	RevokeToken(ctx context.Context, jti, userID string, expiresAt time.Time, reason string) error
	RevokeSession(ctx context.Context, sessionID, userID string, until time.Time, reason string) error
	IsRevoked(ctx context.Context, jti, sessionID string) (bool, error)
	// ConsumeToken revokes jti and reports whether this call was the one that did.
	ConsumeToken(ctx context.Context, jti, userID string, expiresAt time.Time, reason string) (bool, error)
}

// PasswordHasher hashes and compares secrets.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
	CompareDummy(password string) error
}

// MFAGate is the second factor consulted after a password or magic link succeeds.
type MFAGate interface {
	IsEnabled(ctx context.Context, userID string) (bool, error)
	Challenge(ctx context.Context, userID, code string, client models.ClientInfo) error
}

// MagicLinkRedeemer consumes a magic link token and yields its user.
type MagicLinkRedeemer interface {
	Redeem(ctx context.Context, token string, client models.ClientInfo) (string, error)
}

// SessionConfig holds token lifetimes and the registry failure policy
type SessionConfig struct {
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	MFATokenTTL          time.Duration
	RevocationFailClosed bool
}

// SessionDeps collects the collaborators of SessionService. UnknownLockout, RefreshLockout
// and MFA are optional.
type SessionDeps struct {
	Users          UserRepository
	Sessions       SessionRepository
	RefreshTokens  RefreshTokenRepository
	Registry       RevocationRegistry
	Codec          *auth.TokenCodec
	Hasher         PasswordHasher
	Lockout        *LockoutGuard // keyed by user id
	UnknownLockout *LockoutGuard // keyed by normalized identifier, for identifiers with no account
	RefreshLockout *LockoutGuard // keyed by client IP, counts failed refreshes
	MFA            MFAGate
	MagicLinks     MagicLinkRedeemer
	Audit          AuditRecorder
	Timing         *auth.TimingDelay
	Logger         *slog.Logger
}

// LoginInput is a password login attempt.
type LoginInput struct {
	Identifier string
	Secret     string
	Client     models.ClientInfo
}

// SessionService issues, rotates, verifies and terminates sessions.
type SessionService struct {
	SessionDeps
	config SessionConfig
	now    func() time.Time
}

// NewSessionService creates a new SessionService
func NewSessionService(deps SessionDeps, config SessionConfig) *SessionService {
	return &SessionService{SessionDeps: deps, config: config, now: time.Now}
}

// WithClock overrides the time source.
func (s *SessionService) WithClock(now func() time.Time) *SessionService {
	s.now = now
	return s
}

// Login authenticates a password credential. Unknown identifiers and wrong secrets both
// return ErrInvalidCredentials and pass through the same lockout accounting.
func (s *SessionService) Login(ctx context.Context, in LoginInput) (result *AuthResult, err error) {
	start := time.Now()
	defer func() { s.Timing.WaitFrom(ctx, start, err == nil) }()

	email := strings.ToLower(strings.TrimSpace(in.Identifier))
	if email == "" || in.Secret == "" {
		_ = s.Hasher.CompareDummy(in.Secret)
		return nil, models.ErrInvalidCredentials
	}

	user, err := s.Users.GetByEmail(ctx, email)
	if errors.Is(err, models.ErrNotFound) {
		_ = s.Hasher.CompareDummy(in.Secret)
		return nil, s.unknownIdentifierFailure(ctx, email, in.Client)
	}
	if err != nil {
		s.Logger.Error("failed to get user by email", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	st, err := s.Lockout.IsLocked(ctx, user.ID)
	if err != nil {
		s.Logger.Error("failed to read lockout state", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if st.Locked {
		_ = s.Hasher.CompareDummy(in.Secret)
		obs.AuthAttempts.WithLabelValues("password", "locked").Inc()
		s.Audit.Record(ctx, newEvent(models.EventLoginFailure, models.SeverityMedium, user.ID, in.Client, models.EventDetails{
			"reason":            "account_locked",
			"remaining_seconds": int(st.Remaining.Seconds()),
		}))
		return nil, models.NewAccountLockedError(st.Remaining)
	}

	if err := s.Hasher.Compare(user.PasswordHash, in.Secret); err != nil {
		return nil, s.credentialFailure(ctx, user, in.Client)
	}

	if err := s.Lockout.RecordSuccess(ctx, user.ID); err != nil {
		s.Logger.Warn("failed to reset lockout counter", slog.String("user_id", user.ID), slog.Any("error", err))
	}
	obs.AuthAttempts.WithLabelValues("password", "success").Inc()

	return s.completeLogin(ctx, user, in.Client, "password")
}

// AuthResult is re-exported for handler convenience.
type AuthResult = models.AuthResult

func (s *SessionService) unknownIdentifierFailure(ctx context.Context, email string, client models.ClientInfo) error {
	obs.AuthAttempts.WithLabelValues("password", "failure").Inc()
	details := models.EventDetails{
		"reason":     "invalid_credentials",
		"identifier": pkglogger.SanitizedEmail(email),
	}

	if s.UnknownLockout != nil {
		key := "login:" + email
		st, err := s.UnknownLockout.IsLocked(ctx, key)
		if err == nil && !st.Locked {
			st, err = s.UnknownLockout.RecordFailure(ctx, key)
		}
		if err != nil {
			s.Logger.Warn("failed to track unknown identifier", slog.Any("error", err))
		} else if st.Locked {
			details["reason"] = "account_locked"
			s.Audit.Record(ctx, newEvent(models.EventLoginFailure, models.SeverityMedium, "", client, details))
			return models.NewAccountLockedError(st.Remaining)
		}
	}

	s.Audit.Record(ctx, newEvent(models.EventLoginFailure, models.SeverityLow, "", client, details))
	return models.ErrInvalidCredentials
}

// credentialFailure counts a wrong secret against a real account.
func (s *SessionService) credentialFailure(ctx context.Context, user *models.User, client models.ClientInfo) error {
	obs.AuthAttempts.WithLabelValues("password", "failure").Inc()

	st, err := s.Lockout.RecordFailure(ctx, user.ID)
	if err != nil {
		s.Logger.Error("failed to record login failure", slog.Any("error", err))
		return models.ErrInvalidCredentials
	}

	s.Audit.Record(ctx, newEvent(models.EventLoginFailure, models.SeverityLow, user.ID, client, models.EventDetails{
		"reason":       "invalid_credentials",
		"failed_count": st.FailedCount,
	}))

	if st.JustLocked {
		obs.Lockouts.WithLabelValues("login").Inc()
		s.Audit.Record(ctx, newEvent(models.EventAccountLocked, models.SeverityHigh, user.ID, client, models.EventDetails{
			"failed_count":    st.FailedCount,
			"locked_for_secs": int(st.Remaining.Seconds()),
			"lockout_scope":   "login",
		}))
		s.Logger.Warn("account locked", slog.String("user_id", user.ID), slog.Int("failed_attempts", st.FailedCount))
	}
	if st.Locked {
		return models.NewAccountLockedError(st.Remaining)
	}
	return models.ErrInvalidCredentials
}

// completeLogin applies the MFA gate, then opens a session.
func (s *SessionService) completeLogin(ctx context.Context, user *models.User, client models.ClientInfo, method string) (*AuthResult, error) {
	if s.MFA != nil {
		enabled, err := s.MFA.IsEnabled(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if enabled {
			token, _, err := s.Codec.IssueMFAToken(user.ID, user.Role, s.config.MFATokenTTL)
			if err != nil {
				return nil, s.tokenIssueError(ctx, err)
			}
			return &AuthResult{MFARequired: true, MFAToken: token, User: user}, nil
		}
	}

	result, err := s.openSession(ctx, user, client)
	if err != nil {
		return nil, err
	}
	s.Audit.Record(ctx, newEvent(models.EventLoginSuccess, models.SeverityInfo, user.ID, client, models.EventDetails{
		"method":     method,
		"session_id": result.Session.ID,
	}))
	return result, nil
}

// CompleteMFALogin exchanges an mfa_pending token plus a second factor for a session.
// The pending token is single use.
func (s *SessionService) CompleteMFALogin(ctx context.Context, mfaToken, code string, client models.ClientInfo) (*AuthResult, error) {
	claims, err := s.Codec.VerifyType(mfaToken, models.TokenTypeMFAPending)
	if err != nil {
		return nil, err
	}
	if err := s.checkRevoked(ctx, claims.ID, ""); err != nil {
		return nil, err
	}

	if err := s.MFA.Challenge(ctx, claims.UserID(), code, client); err != nil {
		return nil, err
	}

	won, err := s.Registry.ConsumeToken(ctx, claims.ID, claims.UserID(), claims.Expiry(), "mfa_completed")
	if err != nil {
		s.Logger.Error("failed to consume mfa token", slog.Any("error", err))
		return nil, models.ErrServiceUnavailable
	}
	if !won {
		return nil, models.ErrTokenRevoked
	}

	user, err := s.Users.GetByID(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrInvalidCredentials
		}
		return nil, models.ErrInternalServer
	}

	result, err := s.openSession(ctx, user, client)
	if err != nil {
		return nil, err
	}
	s.Audit.Record(ctx, newEvent(models.EventLoginSuccess, models.SeverityInfo, user.ID, client, models.EventDetails{
		"method":     "mfa",
		"session_id": result.Session.ID,
	}))
	return result, nil
}

// RedeemMagicLink consumes a magic link and logs its user in. The MFA gate applies.
func (s *SessionService) RedeemMagicLink(ctx context.Context, token string, client models.ClientInfo) (*AuthResult, error) {
	userID, err := s.MagicLinks.Redeem(ctx, token, client)
	if err != nil {
		obs.AuthAttempts.WithLabelValues("magic_link", "failure").Inc()
		return nil, err
	}

	user, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrMagicLinkNotFound
		}
		return nil, models.ErrInternalServer
	}
	obs.AuthAttempts.WithLabelValues("magic_link", "success").Inc()
	return s.completeLogin(ctx, user, client, "magic_link")
}

// openSession persists a session with its first refresh token and signs an access token.
func (s *SessionService) openSession(ctx context.Context, user *models.User, client models.ClientInfo) (*AuthResult, error) {
	now := s.now().UTC()

	rawRefresh, err := newOpaqueToken()
	if err != nil {
		return nil, models.ErrInternalServer
	}

	session := &models.Session{
		ID:                uuid.New().String(),
		UserID:            user.ID,
		IPAddress:         client.IP,
		UserAgent:         client.UserAgent,
		DeviceFingerprint: client.DeviceFingerprint,
		ExpiresAt:         now.Add(s.config.RefreshTokenTTL),
		IsActive:          true,
		CreatedAt:         now,
		LastSeenAt:        now,
	}
	rt := &models.RefreshToken{
		ID:         uuid.New().String(),
		UserID:     user.ID,
		SessionID:  session.ID,
		TokenHash:  hashOpaqueToken(rawRefresh),
		ExpiresAt:  session.ExpiresAt,
		DeviceInfo: client.UserAgent,
		CreatedAt:  now,
	}

	if err := s.Sessions.Create(ctx, session, rt); err != nil {
		s.Logger.Error("failed to create session", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	access, claims, err := s.Codec.Issue(user.ID, user.Role, session.ID, s.config.AccessTokenTTL)
	if err != nil {
		return nil, s.tokenIssueError(ctx, err)
	}

	return &AuthResult{
		Tokens: &models.TokenPair{
			AccessToken:      access,
			RefreshToken:     rawRefresh,
			TokenType:        "Bearer",
			AccessExpiresAt:  claims.Expiry(),
			RefreshExpiresAt: rt.ExpiresAt,
		},
		Session: session,
		User:    user,
	}, nil
}

// Refresh rotates rawRefresh. Presenting a token that was already rotated revokes
// every session of its user and returns ErrTokenReuse.
func (s *SessionService) Refresh(ctx context.Context, rawRefresh string, client models.ClientInfo) (*AuthResult, error) {
	if err := s.checkRefreshThrottle(ctx, client); err != nil {
		return nil, err
	}

	rawRefresh = strings.TrimSpace(rawRefresh)
	if rawRefresh == "" {
		return nil, s.refreshFailure(ctx, models.ErrTokenMalformed, nil, client)
	}

	now := s.now().UTC()
	hash := hashOpaqueToken(rawRefresh)

	nextRaw, err := newOpaqueToken()
	if err != nil {
		return nil, models.ErrInternalServer
	}
	next := &models.RefreshToken{
		ID:         uuid.New().String(),
		TokenHash:  hashOpaqueToken(nextRaw),
		DeviceInfo: client.UserAgent,
		CreatedAt:  now,
	}

	old, err := s.RefreshTokens.Rotate(ctx, hash, next, now)
	if errors.Is(err, models.ErrNotFound) {
		rt, missErr := s.classifyRefreshMiss(ctx, hash, client, now)
		return nil, s.refreshFailure(ctx, missErr, rt, client)
	}
	if err != nil {
		s.Logger.Error("failed to rotate refresh token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	user, err := s.Users.GetByID(ctx, old.UserID)
	if err != nil {
		s.Logger.Error("failed to load user for refresh", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	access, claims, err := s.Codec.Issue(user.ID, user.Role, old.SessionID, s.config.AccessTokenTTL)
	if err != nil {
		return nil, s.tokenIssueError(ctx, err)
	}

	obs.AuthAttempts.WithLabelValues("refresh", "success").Inc()
	s.Audit.Record(ctx, newEvent(models.EventTokenRefreshed, models.SeverityInfo, user.ID, client, models.EventDetails{
		"session_id": old.SessionID,
	}))

	return &AuthResult{
		Tokens: &models.TokenPair{
			AccessToken:      access,
			RefreshToken:     nextRaw,
			TokenType:        "Bearer",
			AccessExpiresAt:  claims.Expiry(),
			RefreshExpiresAt: next.ExpiresAt,
		},
		Session: &models.Session{
			ID:        old.SessionID,
			UserID:    user.ID,
			ExpiresAt: old.ExpiresAt,
			IsActive:  true,
		},
		User: user,
	}, nil
}

// classifyRefreshMiss explains why a rotation did not happen. The stored token is
// returned when one matched.
func (s *SessionService) classifyRefreshMiss(ctx context.Context, hash string, client models.ClientInfo, now time.Time) (*models.RefreshToken, error) {
	rt, err := s.RefreshTokens.GetByHash(ctx, hash)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrTokenMalformed
	}
	if err != nil {
		s.Logger.Error("failed to look up refresh token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if rt.IsRevoked {
		if rt.RevokedReason != nil && *rt.RevokedReason == models.RevokedRotated {
			s.handleReuse(ctx, rt, client, now)
			return rt, models.ErrTokenReuse
		}
		return rt, models.ErrTokenRevoked
	}
	if !rt.ExpiresAt.After(now) {
		return rt, models.ErrTokenExpired
	}
	// Token is live but its session was terminated or expired.
	return rt, models.ErrTokenRevoked
}

// checkRefreshThrottle refuses refreshes from an IP that has failed too often.
func (s *SessionService) checkRefreshThrottle(ctx context.Context, client models.ClientInfo) error {
	if s.RefreshLockout == nil || client.IP == "" {
		return nil
	}
	st, err := s.RefreshLockout.IsLocked(ctx, refreshThrottleKey(client.IP))
	if err != nil {
		s.Logger.Warn("refresh throttle unavailable", slog.Any("error", err))
		return nil
	}
	if !st.Locked {
		return nil
	}
	obs.AuthAttempts.WithLabelValues("refresh", "throttled").Inc()
	s.Audit.Record(ctx, newEvent(models.EventRateLimited, models.SeverityMedium, "", client, models.EventDetails{
		"endpoint":          "token_refresh",
		"remaining_seconds": int(st.Remaining.Seconds()),
	}))
	return &models.LockoutError{Kind: models.ErrRateLimitExceeded, Remaining: st.Remaining}
}

// refreshFailure audits a failed refresh and counts it against the client IP. It
// returns cause unchanged.
func (s *SessionService) refreshFailure(ctx context.Context, cause error, rt *models.RefreshToken, client models.ClientInfo) error {
	obs.AuthAttempts.WithLabelValues("refresh", "failure").Inc()

	userID := ""
	details := models.EventDetails{"reason": refreshFailureReason(cause)}
	if rt != nil {
		userID = rt.UserID
		details["session_id"] = rt.SessionID
	}

	if s.RefreshLockout != nil && client.IP != "" && !errors.Is(cause, models.ErrInternalServer) {
		st, err := s.RefreshLockout.RecordFailure(ctx, refreshThrottleKey(client.IP))
		if err != nil {
			s.Logger.Warn("failed to count refresh failure", slog.Any("error", err))
		} else {
			details["failed_count"] = st.FailedCount
			if st.JustLocked {
				obs.Lockouts.WithLabelValues("refresh").Inc()
			}
		}
	}

	s.Audit.Record(ctx, newEvent(models.EventTokenRefreshFailed, models.SeverityLow, userID, client, details))
	return cause
}

func refreshThrottleKey(ip string) string {
	return "refresh:ip:" + ip
}

func refreshFailureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrTokenReuse):
		return "token_reuse"
	case errors.Is(err, models.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, models.ErrTokenExpired):
		return "expired"
	case errors.Is(err, models.ErrTokenMalformed):
		return "malformed"
	default:
		return "internal_error"
	}
}

// handleReuse terminates every session of the token's user and denylists them.
func (s *SessionService) handleReuse(ctx context.Context, rt *models.RefreshToken, client models.ClientInfo, now time.Time) {
	obs.TokenReuseDetected.Inc()

	sessionIDs, err := s.Sessions.TerminateAll(ctx, rt.UserID, "", models.TerminationTokenReuse, models.RevokedReuseDetected, now)
	if err != nil {
		s.Logger.Error("failed to revoke sessions after refresh token reuse",
			slog.String("user_id", rt.UserID), slog.Any("error", err))
	}
	s.revokeSessions(ctx, rt.UserID, sessionIDs, models.RevokedReuseDetected, now)

	s.Audit.Record(ctx, newEvent(models.EventTokenReuse, models.SeverityHigh, rt.UserID, client, models.EventDetails{
		"session_id":          rt.SessionID,
		"refresh_token_id":    rt.ID,
		"sessions_terminated": len(sessionIDs),
	}))
	s.Logger.Warn("refresh token reuse detected",
		slog.String("user_id", rt.UserID),
		slog.String("session_id", rt.SessionID),
		slog.Int("sessions_terminated", len(sessionIDs)))
}

func (s *SessionService) revokeSessions(ctx context.Context, userID string, sessionIDs []string, reason string, now time.Time) {
	until := now.Add(s.config.AccessTokenTTL)
	for _, sid := range sessionIDs {
		if err := s.Registry.RevokeSession(ctx, sid, userID, until, reason); err != nil {
			s.Logger.Error("failed to denylist session", slog.String("session_id", sid), slog.Any("error", err))
		}
	}
}

// Logout terminates the caller's session only.
func (s *SessionService) Logout(ctx context.Context, claims *models.TokenClaims, client models.ClientInfo) error {
	now := s.now().UTC()
	userID := claims.UserID()

	err := s.Sessions.Terminate(ctx, userID, claims.SessionID, models.TerminationLogout, now)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.Logger.Error("failed to terminate session", slog.Any("error", err))
		return models.ErrInternalServer
	}

	if err := s.Registry.RevokeToken(ctx, claims.ID, userID, claims.Expiry(), models.RevokedLogout); err != nil {
		s.Logger.Error("failed to revoke access token", slog.Any("error", err))
		return models.ErrServiceUnavailable
	}
	s.revokeSessions(ctx, userID, []string{claims.SessionID}, models.RevokedLogout, now)

	s.Audit.Record(ctx, newEvent(models.EventLogout, models.SeverityInfo, userID, client, models.EventDetails{
		"session_id": claims.SessionID,
	}))
	return nil
}

// LogoutAll terminates every session of the caller, including the current one.
func (s *SessionService) LogoutAll(ctx context.Context, claims *models.TokenClaims, client models.ClientInfo) (int, error) {
	now := s.now().UTC()
	userID := claims.UserID()

	ids, err := s.Sessions.TerminateAll(ctx, userID, "", models.TerminationLogoutAll, models.RevokedLogout, now)
	if err != nil {
		s.Logger.Error("failed to terminate sessions", slog.Any("error", err))
		return 0, models.ErrInternalServer
	}
	s.revokeSessions(ctx, userID, ids, models.RevokedLogout, now)
	if err := s.Registry.RevokeToken(ctx, claims.ID, userID, claims.Expiry(), models.RevokedLogout); err != nil {
		s.Logger.Error("failed to revoke access token", slog.Any("error", err))
	}

	s.Audit.Record(ctx, newEvent(models.EventLogoutAll, models.SeverityMedium, userID, client, models.EventDetails{
		"sessions_terminated": len(ids),
	}))
	return len(ids), nil
}

// ListActive returns the user's active sessions.
func (s *SessionService) ListActive(ctx context.Context, userID string) ([]models.Session, error) {
	sessions, err := s.Sessions.ListActive(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// Authenticate verifies an access token and checks its id and session against the
// registry. It never revokes anything.
func (s *SessionService) Authenticate(ctx context.Context, accessToken string) (*models.TokenClaims, error) {
	claims, err := s.Codec.VerifyType(accessToken, models.TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	if err := s.checkRevoked(ctx, claims.ID, claims.SessionID); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *SessionService) checkRevoked(ctx context.Context, jti, sessionID string) error {
	revoked, err := s.Registry.IsRevoked(ctx, jti, sessionID)
	if err != nil {
		obs.RevocationCheckErrors.Inc()
		s.Logger.Error("revocation check failed", slog.Any("error", err))
		if s.config.RevocationFailClosed {
			return models.ErrServiceUnavailable
		}
		return nil
	}
	if revoked {
		return models.ErrTokenRevoked
	}
	return nil
}

// ChangePassword replaces the password and terminates every other session.
func (s *SessionService) ChangePassword(ctx context.Context, claims *models.TokenClaims, current, next string, client models.ClientInfo) error {
	userID := claims.UserID()
	user, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrInvalidCredentials
		}
		return models.ErrInternalServer
	}

	if err := s.Hasher.Compare(user.PasswordHash, current); err != nil {
		return s.credentialFailure(ctx, user, client)
	}
	if err := pkgauth.ValidatePassword(next); err != nil {
		return err
	}

	hash, err := s.Hasher.Hash(next)
	if err != nil {
		return models.ErrInternalServer
	}
	if err := s.Users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		s.Logger.Error("failed to update password", slog.Any("error", err))
		return models.ErrInternalServer
	}

	now := s.now().UTC()
	ids, err := s.Sessions.TerminateAll(ctx, userID, claims.SessionID, models.TerminationPasswordChange, models.RevokedPasswordChange, now)
	if err != nil {
		s.Logger.Error("failed to terminate sessions after password change", slog.Any("error", err))
	}
	s.revokeSessions(ctx, userID, ids, models.RevokedPasswordChange, now)

	s.Audit.Record(ctx, newEvent(models.EventPasswordChanged, models.SeverityHigh, userID, client, models.EventDetails{
		"sessions_terminated": len(ids),
	}))
	return nil
}

// tokenIssueError reports a signing failure. A codec that cannot sign is misconfigured.
func (s *SessionService) tokenIssueError(ctx context.Context, err error) error {
	s.Logger.Error("failed to issue token", slog.Any("error", err))
	s.Audit.Record(ctx, newEvent(models.EventConfigurationError, models.SeverityCritical, "", models.ClientInfo{}, models.EventDetails{
		"component": "token_codec",
	}))
	obs.CaptureError(ctx, err, map[string]string{"component": "token_codec"})
	return fmt.Errorf("%w: %v", models.ErrConfiguration, err)
}

// newOpaqueToken returns 32 random bytes, base64url encoded without padding.
func newOpaqueToken() (string, error) {
	b := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hashOpaqueToken is the storage form of refresh tokens and magic link tokens.
func hashOpaqueToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
