package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/sentinel/internal/database"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserRepository is the credential store.
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{pool: db.Pool}
}

// rowScanner is satisfied by pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, email, password_hash, name, role, failed_attempt_count,
	locked_until, last_failed_at, password_changed_at, created_at, updated_at`

func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User
	err := scanner.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.Name, &user.Role,
		&user.FailedAttemptCount, &user.LockedUntil, &user.LastFailedAt,
		&user.PasswordChangedAt, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUserRow(r.pool.QueryRow(ctx, query, id))
}

// GetByEmail looks up a credential case-insensitively.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	return scanUserRow(r.pool.QueryRow(ctx, query, strings.TrimSpace(email)))
}

// Create inserts a credential. Used by seeding and tests.
func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	query := `
		INSERT INTO users (email, password_hash, name, role)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + userColumns

	role := user.Role
	if role == "" {
		role = models.RoleUser
	}

	created, err := scanUserRow(r.pool.QueryRow(ctx, query, strings.ToLower(user.Email), user.PasswordHash, user.Name, role))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return created, nil
}

// UpdatePasswordHash replaces the hash and stamps password_changed_at.
func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	query := `
		UPDATE users SET password_hash = $2, password_changed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, hash)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// CredentialLockoutStore keeps lockout counters on the users row. Keys are user ids.
type CredentialLockoutStore struct {
	pool *pgxpool.Pool
}

func NewCredentialLockoutStore(db *database.DB) *CredentialLockoutStore {
	return &CredentialLockoutStore{pool: db.Pool}
}

// RecordFailure increments the counter in one conditional UPDATE. A lapsed lock is
// reset so this failure counts as the first; an active lock is left untouched.
func (s *CredentialLockoutStore) RecordFailure(ctx context.Context, userID string, policy models.LockoutPolicy, now time.Time) (models.LockoutState, error) {
	now = now.UTC().Truncate(time.Microsecond)
	lockUntil := now.Add(policy.Duration)

	query := `
		UPDATE users SET
			failed_attempt_count = CASE
				WHEN locked_until > $2 THEN failed_attempt_count
				WHEN locked_until IS NOT NULL THEN 1
				ELSE failed_attempt_count + 1
			END,
			locked_until = CASE
				WHEN locked_until > $2 THEN locked_until
				WHEN (CASE WHEN locked_until IS NOT NULL THEN 1 ELSE failed_attempt_count + 1 END) >= $3 THEN $4::timestamptz
				ELSE NULL
			END,
			last_failed_at = $2,
			updated_at = $2
		WHERE id = $1
		RETURNING failed_attempt_count, locked_until, last_failed_at
	`

	var state models.LockoutState
	err := s.pool.QueryRow(ctx, query, userID, now, policy.MaxAttempts, lockUntil).
		Scan(&state.FailedCount, &state.LockedUntil, &state.LastFailedAt)
	if err != nil {
		return models.LockoutState{}, database.MapPostgresError(err)
	}

	state.JustLocked = state.LockedUntil != nil && state.LockedUntil.Equal(lockUntil)
	return state, nil
}

func (s *CredentialLockoutStore) Reset(ctx context.Context, userID string) error {
	query := `
		UPDATE users SET failed_attempt_count = 0, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND (failed_attempt_count <> 0 OR locked_until IS NOT NULL)
	`
	_, err := s.pool.Exec(ctx, query, userID)
	return database.MapPostgresError(err)
}

// State reads the counters; a lapsed lock reads as unlocked with a zero count.
func (s *CredentialLockoutStore) State(ctx context.Context, userID string, _ models.LockoutPolicy, now time.Time) (models.LockoutState, error) {
	query := `SELECT failed_attempt_count, locked_until, last_failed_at FROM users WHERE id = $1`

	var state models.LockoutState
	if err := s.pool.QueryRow(ctx, query, userID).Scan(&state.FailedCount, &state.LockedUntil, &state.LastFailedAt); err != nil {
		return models.LockoutState{}, database.MapPostgresError(err)
	}
	if state.LockedUntil != nil && !state.LockedUntil.After(now) {
		state.LockedUntil = nil
		state.FailedCount = 0
	}
	return state, nil
}
