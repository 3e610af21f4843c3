package services

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/sentinel/internal/models"
)

// MockUserRepository implements UserRepository for testing
type MockUserRepository struct {
	GetByIDFunc            func(ctx context.Context, id string) (*models.User, error)
	GetByEmailFunc         func(ctx context.Context, email string) (*models.User, error)
	UpdatePasswordHashFunc func(ctx context.Context, id, hash string) error
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	if m.UpdatePasswordHashFunc != nil {
		return m.UpdatePasswordHashFunc(ctx, id, hash)
	}
	return nil
}

// MockSessionRepository implements SessionRepository for testing
type MockSessionRepository struct {
	CreateFunc       func(ctx context.Context, s *models.Session, rt *models.RefreshToken) error
	ListActiveFunc   func(ctx context.Context, userID string, now time.Time) ([]models.Session, error)
	TerminateFunc    func(ctx context.Context, userID, sessionID, reason string, now time.Time) error
	TerminateAllFunc func(ctx context.Context, userID, keepSessionID, reason, tokenReason string, now time.Time) ([]string, error)
}

func (m *MockSessionRepository) Create(ctx context.Context, s *models.Session, rt *models.RefreshToken) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, s, rt)
	}
	return nil
}

func (m *MockSessionRepository) ListActive(ctx context.Context, userID string, now time.Time) ([]models.Session, error) {
	if m.ListActiveFunc != nil {
		return m.ListActiveFunc(ctx, userID, now)
	}
	return []models.Session{}, nil
}

func (m *MockSessionRepository) Terminate(ctx context.Context, userID, sessionID, reason string, now time.Time) error {
	if m.TerminateFunc != nil {
		return m.TerminateFunc(ctx, userID, sessionID, reason, now)
	}
	return nil
}

func (m *MockSessionRepository) TerminateAll(ctx context.Context, userID, keepSessionID, reason, tokenReason string, now time.Time) ([]string, error) {
	if m.TerminateAllFunc != nil {
		return m.TerminateAllFunc(ctx, userID, keepSessionID, reason, tokenReason, now)
	}
	return nil, nil
}

// MockRefreshTokenRepository implements RefreshTokenRepository for testing
type MockRefreshTokenRepository struct {
	GetByHashFunc func(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	RotateFunc    func(ctx context.Context, tokenHash string, next *models.RefreshToken, now time.Time) (*models.RefreshToken, error)
}

func (m *MockRefreshTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	if m.GetByHashFunc != nil {
		return m.GetByHashFunc(ctx, tokenHash)
	}
	return nil, models.ErrNotFound
}

func (m *MockRefreshTokenRepository) Rotate(ctx context.Context, tokenHash string, next *models.RefreshToken, now time.Time) (*models.RefreshToken, error) {
	if m.RotateFunc != nil {
		return m.RotateFunc(ctx, tokenHash, next, now)
	}
	return nil, models.ErrNotFound
}

// MockRevocationRegistry implements RevocationRegistry for testing
type MockRevocationRegistry struct {
	RevokeTokenFunc   func(ctx context.Context, jti, userID string, expiresAt time.Time, reason string) error
	RevokeSessionFunc func(ctx context.Context, sessionID, userID string, until time.Time, reason string) error
	IsRevokedFunc     func(ctx context.Context, jti, sessionID string) (bool, error)
	ConsumeTokenFunc  func(ctx context.Context, jti, userID string, expiresAt time.Time, reason string) (bool, error)
}

func (m *MockRevocationRegistry) RevokeToken(ctx context.Context, jti, userID string, expiresAt time.Time, reason string) error {
	if m.RevokeTokenFunc != nil {
		return m.RevokeTokenFunc(ctx, jti, userID, expiresAt, reason)
	}
	return nil
}

func (m *MockRevocationRegistry) RevokeSession(ctx context.Context, sessionID, userID string, until time.Time, reason string) error {
	if m.RevokeSessionFunc != nil {
		return m.RevokeSessionFunc(ctx, sessionID, userID, until, reason)
	}
	return nil
}

func (m *MockRevocationRegistry) IsRevoked(ctx context.Context, jti, sessionID string) (bool, error) {
	if m.IsRevokedFunc != nil {
		return m.IsRevokedFunc(ctx, jti, sessionID)
	}
	return false, nil
}

func (m *MockRevocationRegistry) ConsumeToken(ctx context.Context, jti, userID string, expiresAt time.Time, reason string) (bool, error) {
	if m.ConsumeTokenFunc != nil {
		return m.ConsumeTokenFunc(ctx, jti, userID, expiresAt, reason)
	}
	return true, nil
}

// MockMFAGate implements MFAGate for testing
type MockMFAGate struct {
	IsEnabledFunc func(ctx context.Context, userID string) (bool, error)
	ChallengeFunc func(ctx context.Context, userID, code string, client models.ClientInfo) error
}

func (m *MockMFAGate) IsEnabled(ctx context.Context, userID string) (bool, error) {
	if m.IsEnabledFunc != nil {
		return m.IsEnabledFunc(ctx, userID)
	}
	return false, nil
}

func (m *MockMFAGate) Challenge(ctx context.Context, userID, code string, client models.ClientInfo) error {
	if m.ChallengeFunc != nil {
		return m.ChallengeFunc(ctx, userID, code, client)
	}
	return models.ErrMfaChallengeFailed
}

// MockMagicLinkRepository implements MagicLinkRepository for testing
type MockMagicLinkRepository struct {
	CreateReplacingFunc func(ctx context.Context, link *models.MagicLink) (int64, error)
	RedeemFunc          func(ctx context.Context, tokenHash, ip string, now time.Time) (*models.MagicLink, error)
	GetByHashFunc       func(ctx context.Context, tokenHash string) (*models.MagicLink, error)
}

func (m *MockMagicLinkRepository) CreateReplacing(ctx context.Context, link *models.MagicLink) (int64, error) {
	if m.CreateReplacingFunc != nil {
		return m.CreateReplacingFunc(ctx, link)
	}
	return 0, nil
}

func (m *MockMagicLinkRepository) Redeem(ctx context.Context, tokenHash, ip string, now time.Time) (*models.MagicLink, error) {
	if m.RedeemFunc != nil {
		return m.RedeemFunc(ctx, tokenHash, ip, now)
	}
	return nil, models.ErrNotFound
}

func (m *MockMagicLinkRepository) GetByHash(ctx context.Context, tokenHash string) (*models.MagicLink, error) {
	if m.GetByHashFunc != nil {
		return m.GetByHashFunc(ctx, tokenHash)
	}
	return nil, models.ErrNotFound
}

// MockMFAEnrollmentRepository implements repositories.MFAEnrollmentRepository for testing
type MockMFAEnrollmentRepository struct {
	GetFunc                  func(ctx context.Context, userID string) (*models.MFAEnrollment, error)
	UpsertPendingFunc        func(ctx context.Context, e *models.MFAEnrollment) error
	EnableFunc               func(ctx context.Context, userID string, hashes []string, step int64, now time.Time) error
	AdvanceStepFunc          func(ctx context.Context, userID string, step int64) (bool, error)
	ConsumeBackupCodeFunc    func(ctx context.Context, userID, codeHash string) (int, bool, error)
	DeletePendingFunc        func(ctx context.Context, userID string) (bool, error)
	DeleteFunc               func(ctx context.Context, userID string) error
	DeleteExpiredPendingFunc func(ctx context.Context, now time.Time) (int64, error)
}

func (m *MockMFAEnrollmentRepository) Get(ctx context.Context, userID string) (*models.MFAEnrollment, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, userID)
	}
	return nil, models.ErrNotFound
}

func (m *MockMFAEnrollmentRepository) UpsertPending(ctx context.Context, e *models.MFAEnrollment) error {
	if m.UpsertPendingFunc != nil {
		return m.UpsertPendingFunc(ctx, e)
	}
	return nil
}

func (m *MockMFAEnrollmentRepository) Enable(ctx context.Context, userID string, hashes []string, step int64, now time.Time) error {
	if m.EnableFunc != nil {
		return m.EnableFunc(ctx, userID, hashes, step, now)
	}
	return nil
}

func (m *MockMFAEnrollmentRepository) AdvanceStep(ctx context.Context, userID string, step int64) (bool, error) {
	if m.AdvanceStepFunc != nil {
		return m.AdvanceStepFunc(ctx, userID, step)
	}
	return true, nil
}

func (m *MockMFAEnrollmentRepository) ConsumeBackupCode(ctx context.Context, userID, codeHash string) (int, bool, error) {
	if m.ConsumeBackupCodeFunc != nil {
		return m.ConsumeBackupCodeFunc(ctx, userID, codeHash)
	}
	return 0, false, nil
}

func (m *MockMFAEnrollmentRepository) DeletePending(ctx context.Context, userID string) (bool, error) {
	if m.DeletePendingFunc != nil {
		return m.DeletePendingFunc(ctx, userID)
	}
	return false, nil
}

func (m *MockMFAEnrollmentRepository) Delete(ctx context.Context, userID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, userID)
	}
	return nil
}

func (m *MockMFAEnrollmentRepository) DeleteExpiredPending(ctx context.Context, now time.Time) (int64, error) {
	if m.DeleteExpiredPendingFunc != nil {
		return m.DeleteExpiredPendingFunc(ctx, now)
	}
	return 0, nil
}

// MockSecurityEventRepository implements SecurityEventRepository for testing
type MockSecurityEventRepository struct {
	InsertFunc       func(ctx context.Context, e *models.SecurityEvent) error
	ListForUserFunc  func(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error)
	CountForUserFunc func(ctx context.Context, userID string) (int64, error)
}

func (m *MockSecurityEventRepository) Insert(ctx context.Context, e *models.SecurityEvent) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, e)
	}
	return nil
}

func (m *MockSecurityEventRepository) ListForUser(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error) {
	if m.ListForUserFunc != nil {
		return m.ListForUserFunc(ctx, userID, limit, offset)
	}
	return []*models.SecurityEvent{}, nil
}

func (m *MockSecurityEventRepository) CountForUser(ctx context.Context, userID string) (int64, error) {
	if m.CountForUserFunc != nil {
		return m.CountForUserFunc(ctx, userID)
	}
	return 0, nil
}

// MockEmailSender implements EmailSender for testing
type MockEmailSender struct {
	SendMagicLinkFunc func(ctx context.Context, email, token string, expiresAt time.Time) error
}

func (m *MockEmailSender) SendMagicLink(ctx context.Context, email, token string, expiresAt time.Time) error {
	if m.SendMagicLinkFunc != nil {
		return m.SendMagicLinkFunc(ctx, email, token, expiresAt)
	}
	return nil
}

// RecordingAuditor collects recorded events.
type RecordingAuditor struct {
	mu     sync.Mutex
	Events []models.SecurityEvent
}

func (r *RecordingAuditor) Record(_ context.Context, e models.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, e)
}

// Types returns the recorded event types in order.
func (r *RecordingAuditor) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Type
	}
	return out
}

// All returns every recorded event of eventType.
func (r *RecordingAuditor) All(eventType string) []models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SecurityEvent
	for _, e := range r.Events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Find returns the first recorded event of eventType.
func (r *RecordingAuditor) Find(eventType string) (models.SecurityEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.Events {
		if e.Type == eventType {
			return e, true
		}
	}
	return models.SecurityEvent{}, false
}

// fakeLockoutStore is an in-memory LockoutStore with the same transitions as the
// real stores.
type fakeLockoutStore struct {
	mu     sync.Mutex
	states map[string]*models.LockoutState
	err    error
}

func newFakeLockoutStore() *fakeLockoutStore {
	return &fakeLockoutStore{states: make(map[string]*models.LockoutState)}
}

func (f *fakeLockoutStore) RecordFailure(_ context.Context, key string, policy models.LockoutPolicy, now time.Time) (models.LockoutState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.LockoutState{}, f.err
	}

	st, ok := f.states[key]
	if !ok {
		st = &models.LockoutState{}
		f.states[key] = st
	}
	if st.Locked(now) {
		cp := *st
		cp.JustLocked = false
		return cp, nil
	}
	if st.LockedUntil != nil || (st.LastFailedAt != nil && now.Sub(*st.LastFailedAt) > policy.CountWindow()) {
		st.FailedCount = 0
		st.LockedUntil = nil
	}

	st.FailedCount++
	t := now
	st.LastFailedAt = &t
	st.JustLocked = false
	if st.FailedCount >= policy.MaxAttempts {
		until := now.Add(policy.Duration)
		st.LockedUntil = &until
		st.JustLocked = true
	}
	return *st, nil
}

func (f *fakeLockoutStore) Reset(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	delete(f.states, key)
	return nil
}

func (f *fakeLockoutStore) State(_ context.Context, key string, _ models.LockoutPolicy, now time.Time) (models.LockoutState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.LockoutState{}, f.err
	}
	st, ok := f.states[key]
	if !ok {
		return models.LockoutState{}, nil
	}
	cp := *st
	cp.JustLocked = false
	if !cp.Locked(now) && cp.LockedUntil != nil {
		cp.LockedUntil = nil
		cp.FailedCount = 0
	}
	return cp, nil
}

// testClock is a settable time source shared by services under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// NewTestUser returns a user with the given password hash.
func NewTestUser(id, email, role, passwordHash string) *models.User {
	now := time.Now()
	return &models.User{
		ID:           id,
		Email:        email,
		Name:         "Test User",
		Role:         role,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
