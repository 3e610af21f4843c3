//go:build integration

package repositories

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BradenHooton/sentinel/internal/database"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *database.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("sentinel"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("failed to create connection pool: %v", err)
	}

	goose.SetLogger(log.New(io.Discard, "", 0))
	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	if err := database.Migrate(sqlDB); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	sqlDB.Close()

	testDB = database.NewFromPool(pool, slog.New(slog.NewTextHandler(io.Discard, nil)))

	code := m.Run()

	pool.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func seedUser(t *testing.T, role string) *models.User {
	t.Helper()
	u, err := NewUserRepository(testDB).Create(context.Background(), &models.User{
		Email:        uuid.NewString() + "@example.com",
		PasswordHash: "$2a$04$placeholderplaceholderplaceholderplaceholderplacehold",
		Role:         role,
	})
	require.NoError(t, err)
	return u
}

func seedSession(t *testing.T, userID, tokenHash string, now time.Time) *models.Session {
	t.Helper()
	s := &models.Session{
		ID: uuid.NewString(), UserID: userID, ExpiresAt: now.Add(7 * 24 * time.Hour), CreatedAt: now,
	}
	rt := &models.RefreshToken{
		ID: uuid.NewString(), UserID: userID, SessionID: s.ID, TokenHash: tokenHash,
		ExpiresAt: s.ExpiresAt, CreatedAt: now,
	}
	require.NoError(t, NewSessionRepository(testDB).Create(context.Background(), s, rt))
	return s
}

func TestCredentialLockoutStore_LocksOnFifthFailure(t *testing.T) {
	ctx := context.Background()
	u := seedUser(t, models.RoleUser)
	store := NewCredentialLockoutStore(testDB)
	policy := models.LockoutPolicy{MaxAttempts: 5, Duration: 30 * time.Minute}
	now := time.Now()

	for i := 1; i <= 4; i++ {
		state, err := store.RecordFailure(ctx, u.ID, policy, now)
		require.NoError(t, err)
		assert.Equal(t, i, state.FailedCount)
		assert.False(t, state.Locked(now))
	}

	state, err := store.RecordFailure(ctx, u.ID, policy, now)
	require.NoError(t, err)
	assert.True(t, state.JustLocked)
	assert.True(t, state.Locked(now))

	later := now.Add(31 * time.Minute)
	state, err = store.State(ctx, u.ID, policy, later)
	require.NoError(t, err)
	assert.False(t, state.Locked(later))
	assert.Zero(t, state.FailedCount)

	state, err = store.RecordFailure(ctx, u.ID, policy, later)
	require.NoError(t, err)
	assert.Equal(t, 1, state.FailedCount, "a lapsed lock restarts the count")
}

func TestCredentialLockoutStore_ConcurrentFailuresLockOnce(t *testing.T) {
	ctx := context.Background()
	u := seedUser(t, models.RoleUser)
	store := NewCredentialLockoutStore(testDB)
	policy := models.LockoutPolicy{MaxAttempts: 5, Duration: 30 * time.Minute}
	now := time.Now()

	var justLocked atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := store.RecordFailure(ctx, u.ID, policy, now)
			if err == nil && state.JustLocked {
				justLocked.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), justLocked.Load())
}

func TestRefreshTokenRepository_RotateSingleWinner(t *testing.T) {
	ctx := context.Background()
	u := seedUser(t, models.RoleUser)
	now := time.Now()
	seedSession(t, u.ID, "hash-"+u.ID, now)
	repo := NewRefreshTokenRepository(testDB)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := &models.RefreshToken{
				ID: uuid.NewString(), TokenHash: uuid.NewString(), ExpiresAt: now.Add(time.Hour), CreatedAt: now,
			}
			if _, err := repo.Rotate(ctx, "hash-"+u.ID, next, now); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	old, err := repo.GetByHash(ctx, "hash-"+u.ID)
	require.NoError(t, err)
	assert.True(t, old.IsRevoked)
	require.NotNil(t, old.RevokedReason)
	assert.Equal(t, models.RevokedRotated, *old.RevokedReason)
}

func TestSessionRepository_TerminateAllKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	u := seedUser(t, models.RoleUser)
	now := time.Now()
	keep := seedSession(t, u.ID, uuid.NewString(), now)
	seedSession(t, u.ID, uuid.NewString(), now)
	seedSession(t, u.ID, uuid.NewString(), now)
	repo := NewSessionRepository(testDB)

	ids, err := repo.TerminateAll(ctx, u.ID, keep.ID, models.TerminationPasswordChange, models.RevokedPasswordChange, now)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	active, err := repo.ListActive(ctx, u.ID, now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, keep.ID, active[0].ID)

	ended, err := repo.GetByID(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, ended.IsActive)
	require.NotNil(t, ended.TerminationReason)
	assert.Equal(t, models.TerminationPasswordChange, *ended.TerminationReason)

	err = repo.Terminate(ctx, u.ID, ids[0], models.TerminationLogout, now)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMagicLinkRepository_RedeemOnce(t *testing.T) {
	ctx := context.Background()
	u := seedUser(t, models.RoleUser)
	repo := NewMagicLinkRepository(testDB)
	now := time.Now()

	first := &models.MagicLink{ID: uuid.NewString(), UserID: u.ID, Email: u.Email, TokenHash: "ml-1-" + u.ID, ExpiresAt: now.Add(15 * time.Minute), CreatedAt: now}
	_, err := repo.CreateReplacing(ctx, first)
	require.NoError(t, err)

	second := &models.MagicLink{ID: uuid.NewString(), UserID: u.ID, Email: u.Email, TokenHash: "ml-2-" + u.ID, ExpiresAt: now.Add(15 * time.Minute), CreatedAt: now}
	replaced, err := repo.CreateReplacing(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), replaced)

	_, err = repo.Redeem(ctx, first.TokenHash, "10.0.0.1", now)
	assert.ErrorIs(t, err, models.ErrNotFound, "replaced link is gone")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Redeem(ctx, second.TokenHash, "10.0.0.2", now); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	link, err := repo.GetByHash(ctx, second.TokenHash)
	require.NoError(t, err)
	assert.True(t, link.Used)
	require.NotNil(t, link.UsedIP)
	assert.Equal(t, "10.0.0.2", *link.UsedIP)
}

func TestMFAEnrollmentRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	u := seedUser(t, models.RoleUser)
	repo := NewMFAEnrollmentRepository(testDB.Pool)
	now := time.Now()
	pending := now.Add(10 * time.Minute)

	require.NoError(t, repo.UpsertPending(ctx, &models.MFAEnrollment{
		UserID: u.ID, SecretEncrypted: []byte("ct"), SecretNonce: []byte("nonce"), PendingExpiresAt: &pending, CreatedAt: now,
	}))
	require.NoError(t, repo.Enable(ctx, u.ID, []string{"h1", "h2"}, 100, now))

	err := repo.UpsertPending(ctx, &models.MFAEnrollment{UserID: u.ID, SecretEncrypted: []byte("x"), SecretNonce: []byte("y"), PendingExpiresAt: &pending, CreatedAt: now})
	assert.ErrorIs(t, err, models.ErrConflict)

	ok, err := repo.AdvanceStep(ctx, u.ID, 100)
	require.NoError(t, err)
	assert.False(t, ok, "the enabling step cannot be replayed")
	ok, err = repo.AdvanceStep(ctx, u.ID, 101)
	require.NoError(t, err)
	assert.True(t, ok)

	remaining, ok, err := repo.ConsumeBackupCode(ctx, u.ID, "h1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)
	_, ok, err = repo.ConsumeBackupCode(ctx, u.ID, "h1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.Delete(ctx, u.ID))
	_, err = repo.Get(ctx, u.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAttemptLogLockoutStore(t *testing.T) {
	ctx := context.Background()
	u := seedUser(t, models.RoleUser)
	store := NewAttemptLogLockoutStore(testDB)
	policy := models.LockoutPolicy{MaxAttempts: 3, Duration: 15 * time.Minute}
	key := MFAAttemptKey(u.ID, "10.0.0.9")
	now := time.Now()

	for i := 0; i < 2; i++ {
		state, err := store.RecordFailure(ctx, key, policy, now.Add(-time.Duration(i+1)*time.Second))
		require.NoError(t, err)
		assert.False(t, state.Locked(now))
	}
	require.NoError(t, store.Reset(ctx, key))

	state, err := store.State(ctx, key, policy, time.Now())
	require.NoError(t, err)
	assert.Zero(t, state.FailedCount, "success closes the window")

	var locked models.LockoutState
	for i := 0; i < 3; i++ {
		locked, err = store.RecordFailure(ctx, key, policy, time.Now())
		require.NoError(t, err)
	}
	assert.True(t, locked.JustLocked)
	assert.True(t, locked.Locked(time.Now()))

	other, err := store.State(ctx, MFAAttemptKey(u.ID, "10.0.0.10"), policy, time.Now())
	require.NoError(t, err)
	assert.False(t, other.Locked(time.Now()), "counters are per user and IP")
}

func TestPostgresRevocationRegistry(t *testing.T) {
	ctx := context.Background()
	u := seedUser(t, models.RoleUser)
	reg := NewPostgresRevocationRegistry(testDB)
	now := time.Now()
	jti, sid := uuid.NewString(), uuid.NewString()

	require.NoError(t, reg.RevokeToken(ctx, jti, u.ID, now.Add(15*time.Minute), models.RevokedLogout))
	require.NoError(t, reg.RevokeToken(ctx, jti, u.ID, now.Add(15*time.Minute), models.RevokedLogout))
	require.NoError(t, reg.RevokeSession(ctx, sid, u.ID, now.Add(15*time.Minute), models.RevokedReuseDetected))

	revoked, err := reg.IsRevoked(ctx, jti, "")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = reg.IsRevoked(ctx, uuid.NewString(), sid)
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = reg.IsRevoked(ctx, sid, "")
	require.NoError(t, err)
	assert.False(t, revoked, "a session id is not an access token id")

	n, err := reg.DeleteExpired(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(2))
}

func TestPostgresRevocationRegistry_ConsumeTokenOnce(t *testing.T) {
	ctx := context.Background()
	u := seedUser(t, models.RoleUser)
	reg := NewPostgresRevocationRegistry(testDB)
	jti := uuid.NewString()
	exp := time.Now().Add(5 * time.Minute)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := reg.ConsumeToken(ctx, jti, u.ID, exp, "mfa_completed")
			assert.NoError(t, err)
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	revoked, err := reg.IsRevoked(ctx, jti, "")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestSecurityEventRepository_AppendOnly(t *testing.T) {
	ctx := context.Background()
	u := seedUser(t, models.RoleUser)
	repo := NewSecurityEventRepository(testDB)

	e := &models.SecurityEvent{
		ID: uuid.NewString(), UserID: &u.ID, Type: models.EventLoginSuccess, Severity: models.SeverityInfo,
		IPAddress: "10.0.0.1", Details: models.EventDetails{"method": "password"}, CreatedAt: time.Now(),
	}
	require.NoError(t, repo.Insert(ctx, e))

	events, err := repo.ListForUser(ctx, u.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "password", events[0].Details["method"])

	_, err = testDB.Pool.Exec(ctx, `UPDATE security_events SET severity = 'low' WHERE id = $1`, e.ID)
	assert.Error(t, err)
	_, err = testDB.Pool.Exec(ctx, `DELETE FROM security_events WHERE id = $1`, e.ID)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, models.ErrNotFound))
}
