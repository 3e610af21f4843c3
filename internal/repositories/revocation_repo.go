package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/sentinel/internal/database"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	revokedTypeAccess  = "access"
	revokedTypeSession = "session"
)

// PostgresRevocationRegistry records revoked access token ids and session ids in
// revoked_tokens. Rows are kept until the latest access token they could cover expires.
type PostgresRevocationRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresRevocationRegistry(db *database.DB) *PostgresRevocationRegistry {
	return &PostgresRevocationRegistry{pool: db.Pool}
}

// RevokeToken adds an access token id to the registry. Revoking twice is a no-op.
func (r *PostgresRevocationRegistry) RevokeToken(ctx context.Context, jti, userID string, expiresAt time.Time, reason string) error {
	_, err := r.insert(ctx, jti, userID, revokedTypeAccess, expiresAt, reason)
	return err
}

// ConsumeToken revokes jti and reports whether this call inserted the row.
func (r *PostgresRevocationRegistry) ConsumeToken(ctx context.Context, jti, userID string, expiresAt time.Time, reason string) (bool, error) {
	return r.insert(ctx, jti, userID, revokedTypeAccess, expiresAt, reason)
}

// RevokeSession rejects every access token carrying sessionID until `until`.
func (r *PostgresRevocationRegistry) RevokeSession(ctx context.Context, sessionID, userID string, until time.Time, reason string) error {
	_, err := r.insert(ctx, sessionID, userID, revokedTypeSession, until, reason)
	return err
}

func (r *PostgresRevocationRegistry) insert(ctx context.Context, id, userID, tokenType string, expiresAt time.Time, reason string) (bool, error) {
	query := `
		INSERT INTO revoked_tokens (jti, user_id, token_type, expires_at, reason)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5)
		ON CONFLICT (jti) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query, id, userID, tokenType, expiresAt, reason)
	if err != nil {
		return false, fmt.Errorf("failed to revoke %s: %w", tokenType, database.MapPostgresError(err))
	}
	return tag.RowsAffected() == 1, nil
}

// IsRevoked reports whether either the token id or its session id is revoked.
func (r *PostgresRevocationRegistry) IsRevoked(ctx context.Context, jti, sessionID string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM revoked_tokens
			WHERE (jti = $1 AND token_type = 'access')
			   OR ($2 <> '' AND jti = $2 AND token_type = 'session')
		)
	`
	var revoked bool
	if err := r.pool.QueryRow(ctx, query, jti, sessionID).Scan(&revoked); err != nil {
		return false, database.MapPostgresError(err)
	}
	return revoked, nil
}

// DeleteExpired removes entries that can no longer match a live token.
func (r *PostgresRevocationRegistry) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
