package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/sentinel/internal/auth"
	"github.com/BradenHooton/sentinel/internal/models"
	pkgauth "github.com/BradenHooton/sentinel/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret   = "test-signing-key-that-is-long-enough-0123456789"
	testPassword = "CorrectHorse9!"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memSessionStore keeps sessions and refresh tokens in memory with the same
// compare-and-set semantics as the Postgres repositories.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	tokens   map[string]*models.RefreshToken // by hash
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{
		sessions: make(map[string]*models.Session),
		tokens:   make(map[string]*models.RefreshToken),
	}
}

func (m *memSessionStore) Create(_ context.Context, s *models.Session, rt *models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, crt := *s, *rt
	m.sessions[s.ID] = &cs
	m.tokens[rt.TokenHash] = &crt
	return nil
}

func (m *memSessionStore) ListActive(_ context.Context, userID string, now time.Time) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Session{}
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive && s.ExpiresAt.After(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memSessionStore) terminateLocked(s *models.Session, reason, tokenReason string, now time.Time) {
	s.IsActive = false
	s.TerminatedAt = &now
	s.TerminationReason = &reason
	for _, t := range m.tokens {
		if t.SessionID == s.ID && !t.IsRevoked {
			t.IsRevoked = true
			r := tokenReason
			t.RevokedReason = &r
		}
	}
}

func (m *memSessionStore) Terminate(_ context.Context, userID, sessionID, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID || !s.IsActive {
		return models.ErrNotFound
	}
	m.terminateLocked(s, reason, reason, now)
	return nil
}

func (m *memSessionStore) TerminateAll(_ context.Context, userID, keep, reason, tokenReason string, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive && s.ID != keep {
			m.terminateLocked(s, reason, tokenReason, now)
			ids = append(ids, s.ID)
		}
	}
	for _, t := range m.tokens {
		if t.UserID == userID && !t.IsRevoked && t.SessionID != keep {
			t.IsRevoked = true
			r := tokenReason
			t.RevokedReason = &r
		}
	}
	return ids, nil
}

func (m *memSessionStore) GetByHash(_ context.Context, hash string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[hash]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memSessionStore) Rotate(_ context.Context, hash string, next *models.RefreshToken, now time.Time) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[hash]
	if !ok || t.IsRevoked || !t.ExpiresAt.After(now) {
		return nil, models.ErrNotFound
	}
	s := m.sessions[t.SessionID]
	if s == nil || !s.IsActive || !s.ExpiresAt.After(now) {
		return nil, models.ErrNotFound
	}

	t.IsRevoked = true
	reason := models.RevokedRotated
	t.RevokedReason = &reason
	next.UserID, next.SessionID, next.ExpiresAt = t.UserID, t.SessionID, t.ExpiresAt
	cp := *next
	m.tokens[next.TokenHash] = &cp
	old := *t
	return &old, nil
}

// memRegistry is an in-memory RevocationRegistry.
type memRegistry struct {
	mu       sync.Mutex
	jtis     map[string]string
	sessions map[string]string
	err      error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{jtis: make(map[string]string), sessions: make(map[string]string)}
}

func (r *memRegistry) RevokeToken(_ context.Context, jti, _ string, _ time.Time, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jtis[jti] = reason
	return nil
}

func (r *memRegistry) RevokeSession(_ context.Context, sid, _ string, _ time.Time, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = reason
	return nil
}

func (r *memRegistry) ConsumeToken(_ context.Context, jti, _ string, _ time.Time, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jtis[jti]; ok {
		return false, nil
	}
	r.jtis[jti] = reason
	return true, nil
}

func (r *memRegistry) IsRevoked(_ context.Context, jti, sid string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	_, j := r.jtis[jti]
	_, s := r.sessions[sid]
	return j || s, nil
}

type sessionFixture struct {
	svc      *SessionService
	clock    *testClock
	store    *memSessionStore
	registry *memRegistry
	lockouts *fakeLockoutStore
	audit    *RecordingAuditor
	user     *models.User
	hasher   *pkgauth.Hasher
}

func newSessionFixture(t *testing.T, mfa MFAGate, failClosed bool) *sessionFixture {
	t.Helper()

	clock := newTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	codec, err := auth.NewTokenCodec(testSecret, "sentinel-test")
	require.NoError(t, err)
	codec = codec.WithClock(clock.Now)

	hasher := pkgauth.NewHasher(bcrypt.MinCost)
	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)
	user := NewTestUser("11111111-1111-1111-1111-111111111111", "alice@example.com", models.RoleUser, hash)

	users := &MockUserRepository{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			if email == user.Email {
				return user, nil
			}
			return nil, models.ErrNotFound
		},
		GetByIDFunc: func(ctx context.Context, id string) (*models.User, error) {
			if id == user.ID {
				return user, nil
			}
			return nil, models.ErrNotFound
		},
		UpdatePasswordHashFunc: func(ctx context.Context, id, hash string) error {
			user.PasswordHash = hash
			return nil
		},
	}

	lockouts := newFakeLockoutStore()
	guard, err := NewLockoutGuard(lockouts, models.LockoutPolicy{MaxAttempts: 5, Duration: 30 * time.Minute})
	require.NoError(t, err)
	guard.WithClock(clock.Now)

	unknown, err := NewLockoutGuard(newFakeLockoutStore(), models.LockoutPolicy{MaxAttempts: 5, Duration: 30 * time.Minute})
	require.NoError(t, err)
	unknown.WithClock(clock.Now)

	refreshGuard, err := NewLockoutGuard(newFakeLockoutStore(), models.LockoutPolicy{MaxAttempts: 5, Duration: 15 * time.Minute})
	require.NoError(t, err)
	refreshGuard.WithClock(clock.Now)

	store := newMemSessionStore()
	registry := newMemRegistry()
	recorder := &RecordingAuditor{}

	svc := NewSessionService(SessionDeps{
		Users:          users,
		Sessions:       store,
		RefreshTokens:  store,
		Registry:       registry,
		Codec:          codec,
		Hasher:         hasher,
		Lockout:        guard,
		UnknownLockout: unknown,
		RefreshLockout: refreshGuard,
		MFA:            mfa,
		Audit:          recorder,
		Logger:         discardLogger(),
	}, SessionConfig{
		AccessTokenTTL:       15 * time.Minute,
		RefreshTokenTTL:      7 * 24 * time.Hour,
		MFATokenTTL:          5 * time.Minute,
		RevocationFailClosed: failClosed,
	}).WithClock(clock.Now)

	return &sessionFixture{
		svc: svc, clock: clock, store: store, registry: registry,
		lockouts: lockouts, audit: recorder, user: user, hasher: hasher,
	}
}

func (f *sessionFixture) login(t *testing.T, secret string) (*AuthResult, error) {
	t.Helper()
	return f.svc.Login(context.Background(), LoginInput{
		Identifier: f.user.Email,
		Secret:     secret,
		Client:     models.ClientInfo{IP: "203.0.113.7", UserAgent: "test"},
	})
}

func TestSessionService_Login_Success(t *testing.T) {
	f := newSessionFixture(t, nil, true)

	res, err := f.login(t, testPassword)
	require.NoError(t, err)
	require.NotNil(t, res.Tokens)
	assert.False(t, res.MFARequired)
	assert.Equal(t, "Bearer", res.Tokens.TokenType)
	assert.NotEmpty(t, res.Tokens.RefreshToken)
	assert.WithinDuration(t, f.clock.Now().Add(15*time.Minute), res.Tokens.AccessExpiresAt, 0)

	ev, ok := f.audit.Find(models.EventLoginSuccess)
	require.True(t, ok)
	assert.Equal(t, f.user.ID, *ev.UserID)
	assert.Equal(t, "203.0.113.7", ev.IPAddress)
}

func TestSessionService_Login_IdentifierIsCaseInsensitive(t *testing.T) {
	f := newSessionFixture(t, nil, true)

	_, err := f.svc.Login(context.Background(), LoginInput{Identifier: "  ALICE@example.com ", Secret: testPassword})
	assert.NoError(t, err)
}

func TestSessionService_Login_UnknownAndWrongSecretAreUniform(t *testing.T) {
	f := newSessionFixture(t, nil, true)

	_, errUnknown := f.svc.Login(context.Background(), LoginInput{Identifier: "nobody@example.com", Secret: testPassword})
	_, errWrong := f.login(t, "WrongHorse9!")

	assert.ErrorIs(t, errUnknown, models.ErrInvalidCredentials)
	assert.ErrorIs(t, errWrong, models.ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
}

func TestSessionService_Login_LockoutScenario(t *testing.T) {
	f := newSessionFixture(t, nil, true)

	for i := 1; i <= 4; i++ {
		_, err := f.login(t, "WrongHorse9!")
		require.ErrorIs(t, err, models.ErrInvalidCredentials, "attempt %d", i)
	}

	_, err := f.login(t, "WrongHorse9!")
	require.ErrorIs(t, err, models.ErrAccountLocked)
	remaining, ok := models.RemainingLockout(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, remaining)

	locked, ok := f.audit.Find(models.EventAccountLocked)
	require.True(t, ok)
	assert.Equal(t, models.SeverityHigh, locked.Severity)

	// The correct secret does not bypass an active lock.
	f.clock.Advance(10 * time.Minute)
	_, err = f.login(t, testPassword)
	require.ErrorIs(t, err, models.ErrAccountLocked)
	remaining, _ = models.RemainingLockout(err)
	assert.Equal(t, 20*time.Minute, remaining)

	f.clock.Advance(20*time.Minute + time.Second)
	res, err := f.login(t, testPassword)
	require.NoError(t, err)
	assert.NotNil(t, res.Tokens)
}

func TestSessionService_Login_SuccessResetsCounter(t *testing.T) {
	f := newSessionFixture(t, nil, true)

	for i := 0; i < 4; i++ {
		_, _ = f.login(t, "WrongHorse9!")
	}
	_, err := f.login(t, testPassword)
	require.NoError(t, err)

	_, err = f.login(t, "WrongHorse9!")
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
}

func TestSessionService_Login_UnknownIdentifierLocksToo(t *testing.T) {
	f := newSessionFixture(t, nil, true)

	var err error
	for i := 0; i < 5; i++ {
		_, err = f.svc.Login(context.Background(), LoginInput{Identifier: "ghost@example.com", Secret: "whatever"})
	}
	assert.ErrorIs(t, err, models.ErrAccountLocked)
}

func TestSessionService_Refresh_RotatesAndDetectsReuse(t *testing.T) {
	f := newSessionFixture(t, nil, true)
	ctx := context.Background()

	first, err := f.login(t, testPassword)
	require.NoError(t, err)
	second, err := f.login(t, testPassword)
	require.NoError(t, err)

	rotated, err := f.svc.Refresh(ctx, first.Tokens.RefreshToken, models.ClientInfo{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Tokens.RefreshToken, rotated.Tokens.RefreshToken)
	require.NotNil(t, rotated.Session)
	assert.Equal(t, first.Session.ID, rotated.Session.ID)
	assert.Equal(t, f.user.ID, rotated.Session.UserID)
	assert.True(t, first.Tokens.RefreshExpiresAt.Equal(rotated.Tokens.RefreshExpiresAt))

	claims, err := f.svc.Authenticate(ctx, rotated.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, first.Session.ID, claims.SessionID)

	// Replaying the rotated token is theft: every session of the user ends.
	_, err = f.svc.Refresh(ctx, first.Tokens.RefreshToken, models.ClientInfo{IP: "198.51.100.1"})
	require.ErrorIs(t, err, models.ErrTokenReuse)
	assert.ErrorIs(t, err, models.ErrTokenRevoked)

	ev, ok := f.audit.Find(models.EventTokenReuse)
	require.True(t, ok)
	assert.Equal(t, models.SeverityHigh, ev.Severity)

	active, err := f.svc.ListActive(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Contains(t, f.registry.sessions, first.Session.ID)
	assert.Contains(t, f.registry.sessions, second.Session.ID)

	_, err = f.svc.Refresh(ctx, rotated.Tokens.RefreshToken, models.ClientInfo{})
	assert.ErrorIs(t, err, models.ErrTokenRevoked)
	assert.NotErrorIs(t, err, models.ErrTokenReuse)

	_, err = f.svc.Authenticate(ctx, second.Tokens.AccessToken)
	assert.ErrorIs(t, err, models.ErrTokenRevoked)
}

func TestSessionService_Refresh_ConcurrentSingleWinner(t *testing.T) {
	f := newSessionFixture(t, nil, true)
	res, err := f.login(t, testPassword)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Refresh(context.Background(), res.Tokens.RefreshToken, models.ClientInfo{})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, models.ErrTokenRevoked)
	}
	assert.Equal(t, 1, wins)
}

func TestSessionService_Refresh_UnknownAndExpired(t *testing.T) {
	f := newSessionFixture(t, nil, true)
	ctx := context.Background()
	client := models.ClientInfo{IP: "198.51.100.9", UserAgent: "curl/8.5"}

	_, err := f.svc.Refresh(ctx, "not-a-real-token", client)
	assert.ErrorIs(t, err, models.ErrTokenMalformed)

	_, err = f.svc.Refresh(ctx, "  ", client)
	assert.ErrorIs(t, err, models.ErrTokenMalformed)

	res, err := f.login(t, testPassword)
	require.NoError(t, err)
	f.clock.Advance(8 * 24 * time.Hour)
	_, err = f.svc.Refresh(ctx, res.Tokens.RefreshToken, client)
	assert.ErrorIs(t, err, models.ErrTokenExpired)

	failed := f.audit.All(models.EventTokenRefreshFailed)
	require.Len(t, failed, 3)
	// The IP counter window lapsed during the eight days.
	for i, want := range []struct {
		reason string
		count  int
	}{{"malformed", 1}, {"malformed", 2}, {"expired", 1}} {
		assert.Equal(t, want.reason, failed[i].Details["reason"])
		assert.Equal(t, want.count, failed[i].Details["failed_count"])
		assert.Equal(t, client.IP, failed[i].IPAddress)
		assert.Equal(t, client.UserAgent, failed[i].UserAgent)
	}
	assert.Nil(t, failed[0].UserID)
	require.NotNil(t, failed[2].UserID)
	assert.Equal(t, f.user.ID, *failed[2].UserID)
	assert.Equal(t, res.Session.ID, failed[2].Details["session_id"])
}

func TestSessionService_Refresh_RevokedIsAudited(t *testing.T) {
	f := newSessionFixture(t, nil, true)
	ctx := context.Background()

	res, err := f.login(t, testPassword)
	require.NoError(t, err)
	claims, err := f.svc.Authenticate(ctx, res.Tokens.AccessToken)
	require.NoError(t, err)
	require.NoError(t, f.svc.Logout(ctx, claims, models.ClientInfo{}))

	_, err = f.svc.Refresh(ctx, res.Tokens.RefreshToken, models.ClientInfo{IP: "198.51.100.9"})
	assert.ErrorIs(t, err, models.ErrTokenRevoked)

	ev, ok := f.audit.Find(models.EventTokenRefreshFailed)
	require.True(t, ok)
	assert.Equal(t, "revoked", ev.Details["reason"])
	require.NotNil(t, ev.UserID)
	assert.Equal(t, f.user.ID, *ev.UserID)
}

func TestSessionService_Refresh_FailuresThrottleByIP(t *testing.T) {
	f := newSessionFixture(t, nil, true)
	ctx := context.Background()
	noisy := models.ClientInfo{IP: "198.51.100.20"}

	res, err := f.login(t, testPassword)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := f.svc.Refresh(ctx, "guess-"+string(rune('a'+i)), noisy)
		assert.ErrorIs(t, err, models.ErrTokenMalformed)
	}

	// Even a valid token is refused from the throttled address, and not rotated.
	_, err = f.svc.Refresh(ctx, res.Tokens.RefreshToken, noisy)
	require.ErrorIs(t, err, models.ErrRateLimitExceeded)
	remaining, ok := models.RemainingLockout(err)
	require.True(t, ok)
	assert.Equal(t, 15*time.Minute, remaining)

	ev, ok := f.audit.Find(models.EventRateLimited)
	require.True(t, ok)
	assert.Equal(t, "token_refresh", ev.Details["endpoint"])

	_, err = f.svc.Refresh(ctx, res.Tokens.RefreshToken, models.ClientInfo{IP: "198.51.100.21"})
	assert.NoError(t, err)

	f.clock.Advance(16 * time.Minute)
	_, err = f.svc.Refresh(ctx, "guess-z", noisy)
	assert.ErrorIs(t, err, models.ErrTokenMalformed)
}

func TestSessionService_Logout_EndsOnlyCurrentSession(t *testing.T) {
	f := newSessionFixture(t, nil, true)
	ctx := context.Background()

	a, err := f.login(t, testPassword)
	require.NoError(t, err)
	b, err := f.login(t, testPassword)
	require.NoError(t, err)

	claimsA, err := f.svc.Authenticate(ctx, a.Tokens.AccessToken)
	require.NoError(t, err)
	require.NoError(t, f.svc.Logout(ctx, claimsA, models.ClientInfo{}))

	_, err = f.svc.Authenticate(ctx, a.Tokens.AccessToken)
	assert.ErrorIs(t, err, models.ErrTokenRevoked)
	_, err = f.svc.Authenticate(ctx, b.Tokens.AccessToken)
	assert.NoError(t, err)

	// A refresh token revoked by logout is not a reuse signal.
	_, err = f.svc.Refresh(ctx, a.Tokens.RefreshToken, models.ClientInfo{})
	assert.ErrorIs(t, err, models.ErrTokenRevoked)
	assert.NotErrorIs(t, err, models.ErrTokenReuse)

	active, err := f.svc.ListActive(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.Session.ID, active[0].ID)
}

func TestSessionService_LogoutAll(t *testing.T) {
	f := newSessionFixture(t, nil, true)
	ctx := context.Background()

	a, _ := f.login(t, testPassword)
	_, _ = f.login(t, testPassword)

	claims, err := f.svc.Authenticate(ctx, a.Tokens.AccessToken)
	require.NoError(t, err)
	n, err := f.svc.LogoutAll(ctx, claims, models.ClientInfo{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.svc.Authenticate(ctx, a.Tokens.AccessToken)
	assert.ErrorIs(t, err, models.ErrTokenRevoked)
}

func TestSessionService_Authenticate_RegistryFailure(t *testing.T) {
	closed := newSessionFixture(t, nil, true)
	res, err := closed.login(t, testPassword)
	require.NoError(t, err)
	closed.registry.err = errors.New("redis down")
	_, err = closed.svc.Authenticate(context.Background(), res.Tokens.AccessToken)
	assert.ErrorIs(t, err, models.ErrServiceUnavailable)

	open := newSessionFixture(t, nil, false)
	res, err = open.login(t, testPassword)
	require.NoError(t, err)
	open.registry.err = errors.New("redis down")
	_, err = open.svc.Authenticate(context.Background(), res.Tokens.AccessToken)
	assert.NoError(t, err)
}

func TestSessionService_Authenticate_RejectsMFAToken(t *testing.T) {
	gate := &MockMFAGate{IsEnabledFunc: func(ctx context.Context, userID string) (bool, error) { return true, nil }}
	f := newSessionFixture(t, gate, true)

	res, err := f.login(t, testPassword)
	require.NoError(t, err)
	require.True(t, res.MFARequired)

	_, err = f.svc.Authenticate(context.Background(), res.MFAToken)
	assert.ErrorIs(t, err, models.ErrTokenMalformed)
}

func TestSessionService_CompleteMFALogin_SingleUse(t *testing.T) {
	gate := &MockMFAGate{
		IsEnabledFunc: func(ctx context.Context, userID string) (bool, error) { return true, nil },
		ChallengeFunc: func(ctx context.Context, userID, code string, client models.ClientInfo) error {
			if code == "123456" {
				return nil
			}
			return models.ErrMfaChallengeFailed
		},
	}
	f := newSessionFixture(t, gate, true)
	ctx := context.Background()

	pending, err := f.login(t, testPassword)
	require.NoError(t, err)
	require.True(t, pending.MFARequired)
	assert.Nil(t, pending.Tokens)
	_, ok := f.audit.Find(models.EventLoginSuccess)
	assert.False(t, ok)

	_, err = f.svc.CompleteMFALogin(ctx, pending.MFAToken, "000000", models.ClientInfo{})
	assert.ErrorIs(t, err, models.ErrMfaChallengeFailed)

	res, err := f.svc.CompleteMFALogin(ctx, pending.MFAToken, "123456", models.ClientInfo{})
	require.NoError(t, err)
	require.NotNil(t, res.Tokens)

	_, err = f.svc.CompleteMFALogin(ctx, pending.MFAToken, "123456", models.ClientInfo{})
	assert.ErrorIs(t, err, models.ErrTokenRevoked)

	f.clock.Advance(6 * time.Minute)
	again, err := f.login(t, testPassword)
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)
	_, err = f.svc.CompleteMFALogin(ctx, again.MFAToken, "123456", models.ClientInfo{})
	assert.ErrorIs(t, err, models.ErrTokenExpired)
}

func TestSessionService_CompleteMFALogin_ConcurrentSingleSession(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	gate := &MockMFAGate{
		IsEnabledFunc: func(ctx context.Context, userID string) (bool, error) { return true, nil },
		// Both callers hold distinct valid factors and pass the challenge together.
		ChallengeFunc: func(ctx context.Context, userID, code string, client models.ClientInfo) error {
			arrived.Done()
			arrived.Wait()
			return nil
		},
	}
	f := newSessionFixture(t, gate, true)

	pending, err := f.login(t, testPassword)
	require.NoError(t, err)
	require.True(t, pending.MFARequired)

	codes := []string{"ABCD-EFGH", "JKLM-NPQR"}
	errs := make([]error, len(codes))
	var wg sync.WaitGroup
	for i, code := range codes {
		wg.Add(1)
		go func(i int, code string) {
			defer wg.Done()
			_, errs[i] = f.svc.CompleteMFALogin(context.Background(), pending.MFAToken, code, models.ClientInfo{})
		}(i, code)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, models.ErrTokenRevoked)
	}
	assert.Equal(t, 1, wins)

	active, err := f.svc.ListActive(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestSessionService_RedeemMagicLink(t *testing.T) {
	f := newSessionFixture(t, nil, true)
	f.svc.MagicLinks = redeemerFunc(func(ctx context.Context, token string, client models.ClientInfo) (string, error) {
		if token == "good" {
			return f.user.ID, nil
		}
		return "", models.ErrMagicLinkAlreadyUsed
	})

	res, err := f.svc.RedeemMagicLink(context.Background(), "good", models.ClientInfo{})
	require.NoError(t, err)
	assert.NotNil(t, res.Tokens)
	ev, ok := f.audit.Find(models.EventLoginSuccess)
	require.True(t, ok)
	assert.Equal(t, "magic_link", ev.Details["method"])

	_, err = f.svc.RedeemMagicLink(context.Background(), "bad", models.ClientInfo{})
	assert.ErrorIs(t, err, models.ErrMagicLinkAlreadyUsed)
}

type redeemerFunc func(ctx context.Context, token string, client models.ClientInfo) (string, error)

func (f redeemerFunc) Redeem(ctx context.Context, token string, client models.ClientInfo) (string, error) {
	return f(ctx, token, client)
}

func TestSessionService_ChangePassword(t *testing.T) {
	f := newSessionFixture(t, nil, true)
	ctx := context.Background()

	current, err := f.login(t, testPassword)
	require.NoError(t, err)
	other, err := f.login(t, testPassword)
	require.NoError(t, err)

	claims, err := f.svc.Authenticate(ctx, current.Tokens.AccessToken)
	require.NoError(t, err)

	err = f.svc.ChangePassword(ctx, claims, "WrongHorse9!", "NewHorse9!x", models.ClientInfo{})
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)

	err = f.svc.ChangePassword(ctx, claims, testPassword, "short", models.ClientInfo{})
	var pve *pkgauth.PasswordValidationError
	assert.ErrorAs(t, err, &pve)

	require.NoError(t, f.svc.ChangePassword(ctx, claims, testPassword, "NewHorse9!x", models.ClientInfo{}))

	_, err = f.svc.Authenticate(ctx, current.Tokens.AccessToken)
	assert.NoError(t, err)
	_, err = f.svc.Authenticate(ctx, other.Tokens.AccessToken)
	assert.ErrorIs(t, err, models.ErrTokenRevoked)

	assert.NoError(t, f.hasher.Compare(f.user.PasswordHash, "NewHorse9!x"))
	ev, ok := f.audit.Find(models.EventPasswordChanged)
	require.True(t, ok)
	assert.Equal(t, models.SeverityHigh, ev.Severity)
}

func TestOpaqueToken(t *testing.T) {
	a, err := newOpaqueToken()
	require.NoError(t, err)
	b, err := newOpaqueToken()
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
	assert.Len(t, hashOpaqueToken(a), 64)
	assert.Equal(t, hashOpaqueToken(a), hashOpaqueToken(a))
}
