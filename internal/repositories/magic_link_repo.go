package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/sentinel/internal/database"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/jackc/pgx/v5"
)

// MagicLinkRepository stores magic link hashes. Raw tokens never reach the database.
type MagicLinkRepository struct {
	db *database.DB
}

func NewMagicLinkRepository(db *database.DB) *MagicLinkRepository {
	return &MagicLinkRepository{db: db}
}

const magicLinkColumns = `id, user_id, email, token_hash, expires_at, used, used_at, used_ip, request_ip, created_at`

func scanMagicLinkRow(row rowScanner) (*models.MagicLink, error) {
	var l models.MagicLink
	err := row.Scan(
		&l.ID, &l.UserID, &l.Email, &l.TokenHash, &l.ExpiresAt,
		&l.Used, &l.UsedAt, &l.UsedIP, &l.RequestIP, &l.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &l, nil
}

// CreateReplacing inserts link and deletes the user's earlier unused links in the
// same transaction, so at most one link per user is redeemable.
func (r *MagicLinkRepository) CreateReplacing(ctx context.Context, link *models.MagicLink) (replaced int64, err error) {
	err = r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM magic_links WHERE user_id = $1 AND NOT used`, link.UserID)
		if err != nil {
			return database.MapPostgresError(err)
		}
		replaced = tag.RowsAffected()

		_, err = tx.Exec(ctx, `
			INSERT INTO magic_links (id, user_id, email, token_hash, expires_at, request_ip, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, link.ID, link.UserID, link.Email, link.TokenHash, link.ExpiresAt, link.RequestIP, link.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert magic link: %w", database.MapPostgresError(err))
		}
		return nil
	})
	return replaced, err
}

// Redeem marks the link used in a single conditional UPDATE. Only one concurrent
// caller can get the row back; everyone else gets ErrNotFound.
func (r *MagicLinkRepository) Redeem(ctx context.Context, tokenHash, ip string, now time.Time) (*models.MagicLink, error) {
	query := `
		UPDATE magic_links SET used = TRUE, used_at = $2, used_ip = $3
		WHERE token_hash = $1 AND NOT used AND expires_at > $2
		RETURNING ` + magicLinkColumns
	return scanMagicLinkRow(r.db.Pool.QueryRow(ctx, query, tokenHash, now, ip))
}

// GetByHash returns the link in any state; used to classify failed redemptions.
func (r *MagicLinkRepository) GetByHash(ctx context.Context, tokenHash string) (*models.MagicLink, error) {
	query := `SELECT ` + magicLinkColumns + ` FROM magic_links WHERE token_hash = $1`
	return scanMagicLinkRow(r.db.Pool.QueryRow(ctx, query, tokenHash))
}

// DeleteExpired removes links past expiry, used or not.
func (r *MagicLinkRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM magic_links WHERE expires_at < $1`, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
