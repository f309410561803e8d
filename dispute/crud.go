package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// OpenParams captures a client filing a dispute against an escrowed order.
type OpenParams struct {
	DisputeNumber string
	ClientID      string
	EscrowID      string
	DisputeType   string
	RequestType   string
	EvidenceURLs  []string
}

// Open files a dispute: it inserts the dispute row, flips the escrow into
// dispute state, and appends the opening audit action in one transaction.
func (r *Repository) Open(ctx context.Context, params OpenParams) (Record, error) {
	if params.ClientID == "" || params.EscrowID == "" || params.DisputeType == "" {
		return Record{}, ErrInvalidInput
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin open tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		vendorID     string
		escrowStatus string
	)
	const escrowSQL = `
		SELECT vendor_id, status::text
		FROM escrows
		WHERE id = $1 AND client_id = $2
		FOR UPDATE
	`
	if err := tx.QueryRow(ctx, escrowSQL, params.EscrowID, params.ClientID).Scan(&vendorID, &escrowStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrForbidden
		}
		return Record{}, fmt.Errorf("dispute: load escrow: %w", err)
	}
	if escrowStatus == "released" || escrowStatus == "refunded" {
		return Record{}, fmt.Errorf("dispute: escrow already settled (status=%s): %w", escrowStatus, ErrInvalidInput)
	}

	urls := params.EvidenceURLs
	if urls == nil {
		urls = []string{}
	}

	query := `
		INSERT INTO disputes (dispute_number, client_id, vendor_id, escrow_id, dispute_type, request_type, evidence_urls, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'open')
		RETURNING` + recordColumnsBare

	rec, err := scanRecord(tx.QueryRow(ctx, query,
		params.DisputeNumber,
		params.ClientID,
		vendorID,
		params.EscrowID,
		params.DisputeType,
		params.RequestType,
		urls,
	))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE escrows SET status = 'dispute', updated_at = now() WHERE id = $1`, params.EscrowID); err != nil {
		return Record{}, fmt.Errorf("dispute: flag escrow disputed: %w", err)
	}

	if err := insertAction(ctx, tx, rec.ID, ActionOpened, params.ClientID, map[string]any{
		"dispute_number": rec.DisputeNumber,
		"dispute_type":   rec.DisputeType,
		"evidence_count": len(rec.EvidenceURLs),
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open tx: %w", err)
	}
	return rec, nil
}

// RecordVendorResponse stores the vendor's reply exactly once; the first
// response wins and later calls surface ErrInvalidInput.
func (r *Repository) RecordVendorResponse(ctx context.Context, disputeID, vendorID, response string) (Record, error) {
	if response == "" {
		return Record{}, ErrInvalidInput
	}

	query := `
		UPDATE disputes d
		SET vendor_response = $3,
		    vendor_response_date = now(),
		    updated_at = now()
		WHERE d.id = $1 AND d.vendor_id = $2 AND d.vendor_response IS NULL
		RETURNING` + recordColumns

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, disputeID, vendorID, response))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: record vendor response: %w", err)
	}

	// Distinguish missing, foreign, and already-responded disputes.
	var (
		ownerVendorID string
		responded     bool
	)
	if err := r.pool.QueryRow(ctx, `SELECT vendor_id, vendor_response IS NOT NULL FROM disputes WHERE id = $1`, disputeID).Scan(&ownerVendorID, &responded); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: response fetch: %w", err)
	}
	if ownerVendorID != vendorID {
		return Record{}, ErrForbidden
	}
	if responded {
		return Record{}, fmt.Errorf("dispute: vendor already responded: %w", ErrInvalidInput)
	}
	return Record{}, ErrForbidden
}

// AppendMessage adds a negotiation message from either party.
func (r *Repository) AppendMessage(ctx context.Context, disputeID, senderID, body string) (Message, error) {
	if body == "" {
		return Message{}, ErrInvalidInput
	}

	const q = `
		INSERT INTO dispute_messages (dispute_id, sender_id, body)
		SELECT d.id, $2, $3
		FROM disputes d
		WHERE d.id = $1 AND ($2 = d.client_id OR $2 = d.vendor_id)
		RETURNING id, dispute_id, sender_id, body, created_at
	`

	var msg Message
	err := r.pool.QueryRow(ctx, q, disputeID, senderID, body).
		Scan(&msg.ID, &msg.DisputeID, &msg.SenderID, &msg.Body, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrForbidden
		}
		return Message{}, fmt.Errorf("dispute: append message: %w", err)
	}
	return msg, nil
}

// Get returns a single dispute visible to the given participant.
func (r *Repository) Get(ctx context.Context, disputeID, userID string) (Record, error) {
	query := `
		SELECT` + recordColumns + `
		FROM disputes d
		WHERE d.id = $1
	`
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	if userID != "" && userID != rec.ClientID && userID != rec.VendorID {
		return Record{}, ErrForbidden
	}
	return rec, nil
}

// List returns disputes matching the filters, newest first.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]Record, error) {
	query := `
		SELECT` + recordColumns + `
		FROM disputes d
		WHERE 1=1
	`
	args := []any{}
	if filters.ClientID != "" {
		args = append(args, filters.ClientID)
		query += fmt.Sprintf(" AND d.client_id = $%d", len(args))
	}
	if filters.VendorID != "" {
		args = append(args, filters.VendorID)
		query += fmt.Sprintf(" AND d.vendor_id = $%d", len(args))
	}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		query += fmt.Sprintf(" AND d.status = $%d::dispute_status", len(args))
	}
	query += " ORDER BY d.created_at DESC"
	limit := filters.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
