package notification

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InsertTx writes a notification row inside the caller's transaction so it
// commits or rolls back with the rest of an arbitration run.
func InsertTx(ctx context.Context, tx pgx.Tx, row Row) error {
	const q = `
		INSERT INTO notifications (user_id, kind, title, body)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, q, row.UserID, row.Kind, row.Title, row.Body); err != nil {
		return fmt.Errorf("notification: insert: %w", err)
	}
	return nil
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListForUser returns the newest notifications for a user.
func (r *Repository) ListForUser(ctx context.Context, userID string, limit int) ([]Row, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	const q = `
		SELECT id, user_id, kind, title, body, read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("notification: list: %w", err)
	}
	defer rows.Close()

	out := make([]Row, 0, limit)
	for rows.Next() {
		var n Row
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("notification: scan: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notification: iterate: %w", err)
	}
	return out, nil
}

// MarkRead flags a notification as read for its owner.
func (r *Repository) MarkRead(ctx context.Context, userID, notificationID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2
	`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("notification: mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification: %s not found for user", notificationID)
	}
	return nil
}
