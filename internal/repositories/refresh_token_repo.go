package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/sentinel/internal/database"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/jackc/pgx/v5"
)

var errNoRotation = errors.New("no rotatable refresh token")

// RefreshTokenRepository stores refresh token hashes and performs rotation.
type RefreshTokenRepository struct {
	db *database.DB
}

func NewRefreshTokenRepository(db *database.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

const refreshTokenColumns = `id, user_id, session_id, token_hash, expires_at, is_revoked,
	revoked_reason, last_used_at, device_info, created_at`

func scanRefreshTokenRow(row rowScanner) (*models.RefreshToken, error) {
	var t models.RefreshToken
	err := row.Scan(
		&t.ID, &t.UserID, &t.SessionID, &t.TokenHash, &t.ExpiresAt, &t.IsRevoked,
		&t.RevokedReason, &t.LastUsedAt, &t.DeviceInfo, &t.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &t, nil
}

func insertRefreshToken(ctx context.Context, tx pgx.Tx, rt *models.RefreshToken) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, session_id, token_hash, expires_at, device_info, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rt.ID, rt.UserID, rt.SessionID, rt.TokenHash, rt.ExpiresAt, rt.DeviceInfo, rt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", database.MapPostgresError(err))
	}
	return nil
}

// GetByHash returns the token row regardless of state; used to classify failed rotations.
func (r *RefreshTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token_hash = $1`
	return scanRefreshTokenRow(r.db.Pool.QueryRow(ctx, query, tokenHash))
}

// Rotate atomically revokes the presented token (reason rotated) and inserts next in
// the same session. The conditional UPDATE is the compare-and-set: of two concurrent
// callers presenting the same token exactly one gets a row back. Returns ErrNotFound
// when the token is not currently rotatable. next inherits the user, session and
// absolute expiry of the token it replaces.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, tokenHash string, next *models.RefreshToken, now time.Time) (*models.RefreshToken, error) {
	var old *models.RefreshToken
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var err error
		old, err = scanRefreshTokenRow(tx.QueryRow(ctx, `
			UPDATE refresh_tokens rt
			SET is_revoked = TRUE, revoked_reason = $3, last_used_at = $2
			FROM sessions s
			WHERE rt.token_hash = $1
			  AND NOT rt.is_revoked
			  AND rt.expires_at > $2
			  AND s.id = rt.session_id
			  AND s.is_active
			  AND s.expires_at > $2
			RETURNING rt.id, rt.user_id, rt.session_id, rt.token_hash, rt.expires_at, rt.is_revoked,
			          rt.revoked_reason, rt.last_used_at, rt.device_info, rt.created_at
		`, tokenHash, now, models.RevokedRotated))
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return errNoRotation
			}
			return err
		}

		next.UserID = old.UserID
		next.SessionID = old.SessionID
		next.ExpiresAt = old.ExpiresAt
		if err := insertRefreshToken(ctx, tx, next); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `UPDATE sessions SET last_seen_at = $2 WHERE id = $1`, old.SessionID, now)
		return database.MapPostgresError(err)
	})
	if errors.Is(err, errNoRotation) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return old, nil
}

// DeleteExpired removes tokens past expiry. Revoked but unexpired tokens are kept so
// that replays of rotated tokens are still recognised.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
