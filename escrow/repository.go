package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("escrow: not found")
	ErrBadStatus = errors.New("escrow: invalid status transition")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id, order_id, client_id, vendor_id, amount, currency, status::text, released_at, created_at, updated_at`

func scan(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.OrderID, &rec.ClientID, &rec.VendorID,
		&rec.Amount, &rec.Currency, &rec.Status, &rec.ReleasedAt, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

// Get returns a single escrow row.
func (r *Repository) Get(ctx context.Context, escrowID string) (Record, error) {
	rec, err := scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM escrows WHERE id = $1`, escrowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: get: %w", err)
	}
	return rec, nil
}

// SettleTx moves a disputed escrow to its terminal status inside the
// caller's transaction. Only escrows still in dispute can be settled.
func (r *Repository) SettleTx(ctx context.Context, tx pgx.Tx, escrowID string, to Status) (Record, error) {
	if to != StatusReleased && to != StatusRefunded {
		return Record{}, ErrBadStatus
	}

	const query = `
		UPDATE escrows
		SET status = $2::escrow_status,
		    released_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status = 'dispute'
		RETURNING ` + columns

	rec, err := scan(tx.QueryRow(ctx, query, escrowID, string(to)))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("escrow: settle: %w", err)
	}

	var status string
	if err := tx.QueryRow(ctx, `SELECT status::text FROM escrows WHERE id = $1`, escrowID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: settle fetch: %w", err)
	}
	return Record{}, fmt.Errorf("escrow: cannot settle from status %s: %w", status, ErrBadStatus)
}
