package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/sentinel/internal/database"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MFAEnrollmentRepository defines TOTP enrollment persistence operations. Every state
// transition is a single conditional statement.
type MFAEnrollmentRepository interface {
	Get(ctx context.Context, userID string) (*models.MFAEnrollment, error)
	UpsertPending(ctx context.Context, e *models.MFAEnrollment) error
	Enable(ctx context.Context, userID string, backupCodeHashes []string, step int64, now time.Time) error
	AdvanceStep(ctx context.Context, userID string, step int64) (bool, error)
	ConsumeBackupCode(ctx context.Context, userID, codeHash string) (remaining int, ok bool, err error)
	DeletePending(ctx context.Context, userID string) (bool, error)
	Delete(ctx context.Context, userID string) error
	DeleteExpiredPending(ctx context.Context, now time.Time) (int64, error)
}

type mfaEnrollmentRepoImpl struct {
	db *pgxpool.Pool
}

// NewMFAEnrollmentRepository creates a new MFA enrollment repository
func NewMFAEnrollmentRepository(db *pgxpool.Pool) MFAEnrollmentRepository {
	return &mfaEnrollmentRepoImpl{db: db}
}

func (r *mfaEnrollmentRepoImpl) Get(ctx context.Context, userID string) (*models.MFAEnrollment, error) {
	query := `
		SELECT user_id, secret_encrypted, secret_nonce, backup_codes, enabled,
		       pending_expires_at, setup_completed_at, last_used_step, created_at
		FROM mfa_enrollments WHERE user_id = $1
	`

	var e models.MFAEnrollment
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&e.UserID, &e.SecretEncrypted, &e.SecretNonce, &e.BackupCodeHashes, &e.Enabled,
		&e.PendingExpiresAt, &e.SetupCompletedAt, &e.LastUsedStep, &e.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &e, nil
}

// UpsertPending starts or restarts a pending enrollment. It never overwrites an enabled
// one: that case returns ErrConflict.
func (r *mfaEnrollmentRepoImpl) UpsertPending(ctx context.Context, e *models.MFAEnrollment) error {
	query := `
		INSERT INTO mfa_enrollments (user_id, secret_encrypted, secret_nonce, enabled, pending_expires_at, created_at)
		VALUES ($1, $2, $3, FALSE, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET secret_encrypted = EXCLUDED.secret_encrypted,
		    secret_nonce = EXCLUDED.secret_nonce,
		    pending_expires_at = EXCLUDED.pending_expires_at,
		    backup_codes = '{}',
		    last_used_step = 0,
		    created_at = EXCLUDED.created_at
		WHERE NOT mfa_enrollments.enabled
	`
	tag, err := r.db.Exec(ctx, query, e.UserID, e.SecretEncrypted, e.SecretNonce, e.PendingExpiresAt, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store pending enrollment: %w", database.MapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}

// Enable flips a live pending enrollment to enabled and stores backup code hashes.
// Returns ErrNotFound if no pending enrollment is live.
func (r *mfaEnrollmentRepoImpl) Enable(ctx context.Context, userID string, backupCodeHashes []string, step int64, now time.Time) error {
	query := `
		UPDATE mfa_enrollments
		SET enabled = TRUE, setup_completed_at = $4, pending_expires_at = NULL,
		    backup_codes = $2, last_used_step = $3
		WHERE user_id = $1 AND NOT enabled AND pending_expires_at > $4 AND last_used_step < $3
	`
	tag, err := r.db.Exec(ctx, query, userID, backupCodeHashes, step, now)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// AdvanceStep records step as used if it is newer than the last accepted one.
// False means the code was already used (replay).
func (r *mfaEnrollmentRepoImpl) AdvanceStep(ctx context.Context, userID string, step int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE mfa_enrollments SET last_used_step = $2
		WHERE user_id = $1 AND enabled AND last_used_step < $2
	`, userID, step)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// ConsumeBackupCode removes codeHash from the set if present. Concurrent callers with
// the same code cannot both succeed.
func (r *mfaEnrollmentRepoImpl) ConsumeBackupCode(ctx context.Context, userID, codeHash string) (int, bool, error) {
	var remaining int
	err := r.db.QueryRow(ctx, `
		UPDATE mfa_enrollments SET backup_codes = array_remove(backup_codes, $2)
		WHERE user_id = $1 AND enabled AND $2 = ANY(backup_codes)
		RETURNING cardinality(backup_codes)
	`, userID, codeHash).Scan(&remaining)
	if err != nil {
		mapped := database.MapPostgresError(err)
		if mapped == models.ErrNotFound {
			return 0, false, nil
		}
		return 0, false, mapped
	}
	return remaining, true, nil
}

// DeletePending abandons an enrollment that was never enabled.
func (r *mfaEnrollmentRepoImpl) DeletePending(ctx context.Context, userID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM mfa_enrollments WHERE user_id = $1 AND NOT enabled`, userID)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *mfaEnrollmentRepoImpl) Delete(ctx context.Context, userID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM mfa_enrollments WHERE user_id = $1`, userID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteExpiredPending removes pending enrollments whose window lapsed.
func (r *mfaEnrollmentRepoImpl) DeleteExpiredPending(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM mfa_enrollments WHERE NOT enabled AND pending_expires_at < $1
	`, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
