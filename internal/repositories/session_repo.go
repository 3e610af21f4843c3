package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/sentinel/internal/database"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/jackc/pgx/v5"
)

// SessionRepository persists sessions together with their refresh token chains.
type SessionRepository struct {
	db *database.DB
}

func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, user_id, ip_address, user_agent, device_fingerprint, expires_at,
	is_active, terminated_at, termination_reason, created_at, last_seen_at`

func scanSessionRow(row rowScanner) (*models.Session, error) {
	var s models.Session
	err := row.Scan(
		&s.ID, &s.UserID, &s.IPAddress, &s.UserAgent, &s.DeviceFingerprint, &s.ExpiresAt,
		&s.IsActive, &s.TerminatedAt, &s.TerminationReason, &s.CreatedAt, &s.LastSeenAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &s, nil
}

// Create inserts a session and its first refresh token in one transaction.
func (r *SessionRepository) Create(ctx context.Context, s *models.Session, rt *models.RefreshToken) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, user_id, ip_address, user_agent, device_fingerprint, expires_at, created_at, last_seen_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		`, s.ID, s.UserID, s.IPAddress, s.UserAgent, s.DeviceFingerprint, s.ExpiresAt, s.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", database.MapPostgresError(err))
		}
		return insertRefreshToken(ctx, tx, rt)
	})
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSessionRow(r.db.Pool.QueryRow(ctx, query, id))
}

// ListActive returns the user's unexpired, unterminated sessions, newest first.
func (r *SessionRepository) ListActive(ctx context.Context, userID string, now time.Time) ([]models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1 AND is_active AND expires_at > $2
		ORDER BY last_seen_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, userID, now)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// Terminate ends one session of userID and revokes its refresh chain.
// Returns ErrNotFound when the session is unknown, foreign, or already terminated.
func (r *SessionRepository) Terminate(ctx context.Context, userID, sessionID, reason string, now time.Time) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sessions SET is_active = FALSE, terminated_at = $3, termination_reason = $4
			WHERE id = $1 AND user_id = $2 AND is_active
		`, sessionID, userID, now, reason)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrNotFound
		}

		_, err = tx.Exec(ctx, `
			UPDATE refresh_tokens SET is_revoked = TRUE, revoked_reason = $2
			WHERE session_id = $1 AND NOT is_revoked
		`, sessionID, reason)
		return database.MapPostgresError(err)
	})
}

// TerminateAll ends every active session of userID except keepSessionID (may be empty)
// and revokes their refresh tokens with tokenReason. Returns the terminated session ids.
func (r *SessionRepository) TerminateAll(ctx context.Context, userID, keepSessionID, reason, tokenReason string, now time.Time) ([]string, error) {
	var ids []string
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE sessions SET is_active = FALSE, terminated_at = $3, termination_reason = $4
			WHERE user_id = $1 AND is_active AND id::text <> $2
			RETURNING id
		`, userID, keepSessionID, now, reason)
		if err != nil {
			return database.MapPostgresError(err)
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("failed to collect session ids: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE refresh_tokens SET is_revoked = TRUE, revoked_reason = $3
			WHERE user_id = $1 AND NOT is_revoked AND session_id::text <> $2
		`, userID, keepSessionID, tokenReason)
		return database.MapPostgresError(err)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ExpireStale marks sessions past expires_at as terminated with reason expired.
func (r *SessionRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE sessions SET is_active = FALSE, terminated_at = $1, termination_reason = $2
		WHERE is_active AND expires_at <= $1
	`, now, models.TerminationExpired)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

// DeleteTerminatedBefore removes terminated sessions whose expiry passed before cutoff.
func (r *SessionRepository) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		DELETE FROM sessions WHERE NOT is_active AND expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
