package repositories

import (
	"context"
	"fmt"

	"github.com/BradenHooton/sentinel/internal/database"
	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SecurityEventRepository handles security event data access. The table is
// append-only, so there is no update or delete here.
type SecurityEventRepository struct {
	pool *pgxpool.Pool
}

// NewSecurityEventRepository creates a new SecurityEventRepository
func NewSecurityEventRepository(db *database.DB) *SecurityEventRepository {
	return &SecurityEventRepository{pool: db.Pool}
}

const securityEventColumns = `id, user_id, type, severity, ip_address, user_agent, details, created_at`

// scanSecurityEventRow populates a SecurityEvent from a database row
func scanSecurityEventRow(row rowScanner) (*models.SecurityEvent, error) {
	var e models.SecurityEvent
	err := row.Scan(
		&e.ID, &e.UserID, &e.Type, &e.Severity,
		&e.IPAddress, &e.UserAgent, &e.Details, &e.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &e, nil
}

func scanSecurityEventRows(rows pgx.Rows) ([]*models.SecurityEvent, error) {
	defer rows.Close()

	events := make([]*models.SecurityEvent, 0)
	for rows.Next() {
		e, err := scanSecurityEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security event rows: %w", err)
	}
	return events, nil
}

// Insert appends an event. ID and CreatedAt are assigned by the caller.
func (r *SecurityEventRepository) Insert(ctx context.Context, e *models.SecurityEvent) error {
	query := `
		INSERT INTO security_events (` + securityEventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.pool.Exec(ctx, query,
		e.ID, e.UserID, e.Type, e.Severity, e.IPAddress, e.UserAgent, e.Details, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert security event: %w", database.MapPostgresError(err))
	}
	return nil
}

// ListForUser returns a user's events, newest first.
func (r *SecurityEventRepository) ListForUser(ctx context.Context, userID string, limit, offset int) ([]*models.SecurityEvent, error) {
	query := `
		SELECT ` + securityEventColumns + `
		FROM security_events
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	return scanSecurityEventRows(rows)
}

// CountForUser returns the number of events recorded for a user.
func (r *SecurityEventRepository) CountForUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM security_events WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return n, nil
}
