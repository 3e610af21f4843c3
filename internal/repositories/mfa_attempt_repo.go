package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/sentinel/internal/database"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const mfaFailureReasonInvalidCode = "invalid_code"

// MFAAttemptRepository defines MFA verification attempt persistence operations
type MFAAttemptRepository interface {
	RecordAttempt(ctx context.Context, attempt *models.MFAAttempt) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// mfaAttemptRepoImpl implements MFAAttemptRepository
type mfaAttemptRepoImpl struct {
	db *pgxpool.Pool
}

// NewMFAAttemptRepository creates a new MFA attempt repository
func NewMFAAttemptRepository(db *pgxpool.Pool) MFAAttemptRepository {
	return &mfaAttemptRepoImpl{db: db}
}

// RecordAttempt records a verification attempt
func (r *mfaAttemptRepoImpl) RecordAttempt(ctx context.Context, attempt *models.MFAAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO mfa_attempts (id, user_id, ip_address, success, failure_reason, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Exec(ctx, query,
		attempt.ID, attempt.UserID, attempt.IPAddress, attempt.Success, attempt.FailureReason, attempt.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record MFA attempt: %w", database.MapPostgresError(err))
	}
	return nil
}

// DeleteOlderThan deletes attempts older than cutoff
func (r *mfaAttemptRepoImpl) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM mfa_attempts WHERE attempted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired MFA attempts: %w", database.MapPostgresError(err))
	}
	return tag.RowsAffected(), nil
}

// MFAAttemptKey builds the lockout key for AttemptLogLockoutStore.
func MFAAttemptKey(userID, ip string) string {
	return userID + "|" + ip
}

func splitMFAAttemptKey(key string) (userID, ip string) {
	userID, ip, _ = strings.Cut(key, "|")
	return userID, ip
}

// AttemptLogLockoutStore derives MFA lockout state from the mfa_attempts log. Failures
// count inside the policy window and only since the last success for the same user and
// IP. Writers for one key are serialized by a transaction-scoped advisory lock.
type AttemptLogLockoutStore struct {
	db *database.DB
}

func NewAttemptLogLockoutStore(db *database.DB) *AttemptLogLockoutStore {
	return &AttemptLogLockoutStore{db: db}
}

const mfaFailureWindowQuery = `
	SELECT COUNT(*), MAX(attempted_at)
	FROM mfa_attempts
	WHERE user_id = $1 AND ip_address = $2 AND NOT success
	  AND attempted_at > GREATEST($3::timestamptz, COALESCE((
		SELECT MAX(attempted_at) FROM mfa_attempts
		WHERE user_id = $1 AND ip_address = $2 AND success
	  ), '-infinity'::timestamptz))
`

func (s *AttemptLogLockoutStore) RecordFailure(ctx context.Context, key string, policy models.LockoutPolicy, now time.Time) (models.LockoutState, error) {
	userID, ip := splitMFAAttemptKey(key)
	now = now.UTC().Truncate(time.Microsecond)

	var state models.LockoutState
	err := s.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO mfa_attempts (id, user_id, ip_address, success, failure_reason, attempted_at)
			VALUES ($1, $2, $3, FALSE, $4, $5)
		`, uuid.New().String(), userID, ip, mfaFailureReasonInvalidCode, now)
		if err != nil {
			return database.MapPostgresError(err)
		}

		state, err = scanFailureWindow(tx.QueryRow(ctx, mfaFailureWindowQuery, userID, ip, now.Add(-policy.CountWindow())), policy)
		return err
	})
	if err != nil {
		return models.LockoutState{}, err
	}

	state.JustLocked = state.FailedCount == policy.MaxAttempts
	return state, nil
}

// Reset logs a success, which closes the current failure window.
func (s *AttemptLogLockoutStore) Reset(ctx context.Context, key string) error {
	userID, ip := splitMFAAttemptKey(key)
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO mfa_attempts (id, user_id, ip_address, success, attempted_at)
		VALUES ($1, $2, $3, TRUE, NOW())
	`, uuid.New().String(), userID, ip)
	return database.MapPostgresError(err)
}

func (s *AttemptLogLockoutStore) State(ctx context.Context, key string, policy models.LockoutPolicy, now time.Time) (models.LockoutState, error) {
	userID, ip := splitMFAAttemptKey(key)
	state, err := scanFailureWindow(s.db.Pool.QueryRow(ctx, mfaFailureWindowQuery, userID, ip, now.Add(-policy.CountWindow())), policy)
	if err != nil {
		return models.LockoutState{}, err
	}
	if !state.Locked(now) {
		state.LockedUntil = nil
	}
	return state, nil
}

func scanFailureWindow(row pgx.Row, policy models.LockoutPolicy) (models.LockoutState, error) {
	var state models.LockoutState
	if err := row.Scan(&state.FailedCount, &state.LastFailedAt); err != nil {
		return models.LockoutState{}, database.MapPostgresError(err)
	}
	if state.FailedCount >= policy.MaxAttempts && state.LastFailedAt != nil {
		until := state.LastFailedAt.Add(policy.Duration)
		state.LockedUntil = &until
	}
	return state, nil
}
