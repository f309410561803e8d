package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketflow/notification"
)

var (
	ErrNotFound     = errors.New("dispute: not found")
	ErrForbidden    = errors.New("dispute: forbidden")
	ErrInvalidInput = errors.New("dispute: invalid input")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `
	d.id, d.dispute_number, d.client_id, d.vendor_id, d.escrow_id,
	d.dispute_type, d.request_type, d.evidence_urls,
	d.vendor_response, d.vendor_response_date, d.status::text,
	d.ai_decision, d.ai_justification, d.ai_confidence, d.ai_analysis,
	d.decision_payload, d.arbitrated_at, d.created_at, d.updated_at`

// recordColumnsBare is the alias-free variant for INSERT ... RETURNING.
const recordColumnsBare = `
	id, dispute_number, client_id, vendor_id, escrow_id,
	dispute_type, request_type, evidence_urls,
	vendor_response, vendor_response_date, status::text,
	ai_decision, ai_justification, ai_confidence, ai_analysis,
	decision_payload, arbitrated_at, created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.DisputeNumber, &rec.ClientID, &rec.VendorID, &rec.EscrowID,
		&rec.DisputeType, &rec.RequestType, &rec.EvidenceURLs,
		&rec.VendorResponse, &rec.VendorResponseDate, &rec.Status,
		&rec.AIDecision, &rec.AIJustification, &rec.AIConfidence, &rec.AIAnalysis,
		&rec.DecisionPayload, &rec.ArbitratedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	return rec, err
}

// GetWithEscrow loads the dispute row and the status of its escrow.
func (r *Repository) GetWithEscrow(ctx context.Context, disputeID string) (Record, string, error) {
	query := `
		SELECT` + recordColumns + `,
		       e.status::text
		FROM disputes d
		JOIN escrows e ON e.id = d.escrow_id
		WHERE d.id = $1
	`

	var (
		rec          Record
		escrowStatus string
	)
	err := r.pool.QueryRow(ctx, query, disputeID).Scan(
		&rec.ID, &rec.DisputeNumber, &rec.ClientID, &rec.VendorID, &rec.EscrowID,
		&rec.DisputeType, &rec.RequestType, &rec.EvidenceURLs,
		&rec.VendorResponse, &rec.VendorResponseDate, &rec.Status,
		&rec.AIDecision, &rec.AIJustification, &rec.AIConfidence, &rec.AIAnalysis,
		&rec.DecisionPayload, &rec.ArbitratedAt, &rec.CreatedAt, &rec.UpdatedAt,
		&escrowStatus,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, "", ErrNotFound
		}
		return Record{}, "", fmt.Errorf("dispute: get with escrow: %w", err)
	}
	return rec, escrowStatus, nil
}

// MessageCount returns how many negotiation messages a dispute has.
func (r *Repository) MessageCount(ctx context.Context, disputeID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dispute_messages WHERE dispute_id = $1`, disputeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("dispute: message count: %w", err)
	}
	return count, nil
}

// VendorHistory returns every dispute involving the vendor, including the
// one under arbitration; callers exclude what they need. The history is
// derived on demand; nothing materialises it.
func (r *Repository) VendorHistory(ctx context.Context, vendorID string) ([]HistoryEntry, error) {
	const query = `
		SELECT id, status::text, COALESCE(ai_decision, '')
		FROM disputes
		WHERE vendor_id = $1
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, vendorID)
	if err != nil {
		return nil, fmt.Errorf("dispute: vendor history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0, 8)
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.Status, &h.AIDecision); err != nil {
			return nil, fmt.Errorf("dispute: scan history: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate history: %w", err)
	}
	return out, nil
}

// ArbitrationWriteParams enumerates the writes of one arbitration run.
type ArbitrationWriteParams struct {
	DisputeID    string
	Outcome      Outcome
	ArbitratedAt time.Time
}

// ExecuteArbitrationTx persists an arbitration outcome: the single dispute
// update, the audit action, the two notifications, and the outbox message,
// all inside the caller's transaction. Re-running overwrites the previous
// ai_* columns rather than appending.
func (r *Repository) ExecuteArbitrationTx(ctx context.Context, tx pgx.Tx, params ArbitrationWriteParams) (Record, error) {
	if params.DisputeID == "" {
		return Record{}, ErrInvalidInput
	}

	analysisJSON, err := json.Marshal(params.Outcome.Analysis)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: marshal analysis: %w", err)
	}
	payloadJSON, err := json.Marshal(params.Outcome.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: marshal payload: %w", err)
	}

	query := `
		UPDATE disputes d
		SET status = 'ai_review',
		    ai_decision = $2,
		    ai_justification = $3,
		    ai_confidence = $4,
		    ai_analysis = $5::jsonb,
		    decision_payload = $6::jsonb,
		    arbitrated_at = $7,
		    updated_at = now()
		WHERE d.id = $1
		RETURNING` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query,
		params.DisputeID,
		string(params.Outcome.Decision),
		params.Outcome.Justification,
		params.Outcome.Confidence,
		analysisJSON,
		payloadJSON,
		params.ArbitratedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: persist arbitration: %w", err)
	}

	if err := insertAction(ctx, tx, rec.ID, ActionArbitration, "arbitration_engine", map[string]any{
		"decision":   string(params.Outcome.Decision),
		"confidence": params.Outcome.Confidence,
		"payload":    params.Outcome.Payload,
	}); err != nil {
		return Record{}, err
	}

	clientNote := notification.Row{
		UserID: rec.ClientID,
		Kind:   "dispute_arbitrated",
		Title:  fmt.Sprintf("Dispute %s decided", rec.DisputeNumber),
		Body:   params.Outcome.Justification,
	}
	vendorNote := notification.Row{
		UserID: rec.VendorID,
		Kind:   "dispute_arbitrated",
		Title:  fmt.Sprintf("Dispute %s decided", rec.DisputeNumber),
		Body:   params.Outcome.Justification,
	}
	for _, note := range []notification.Row{clientNote, vendorNote} {
		if err := notification.InsertTx(ctx, tx, note); err != nil {
			return Record{}, fmt.Errorf("dispute: insert notification: %w", err)
		}
	}

	if err := enqueueOutbox(ctx, tx, "dispute.arbitrated", map[string]any{
		"dispute_id":     rec.ID,
		"dispute_number": rec.DisputeNumber,
		"decision":       string(params.Outcome.Decision),
		"confidence":     params.Outcome.Confidence,
		"vendor_id":      rec.VendorID,
		"client_id":      rec.ClientID,
	}); err != nil {
		return Record{}, err
	}

	return rec, nil
}

func insertAction(ctx context.Context, tx pgx.Tx, disputeID, actionType, actor string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispute: marshal action payload: %w", err)
	}
	const q = `
		INSERT INTO dispute_actions (dispute_id, action_type, actor, payload)
		VALUES ($1, $2, $3, $4::jsonb)
	`
	if _, err := tx.Exec(ctx, q, disputeID, actionType, actor, body); err != nil {
		return fmt.Errorf("dispute: insert action: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispute: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("dispute: enqueue outbox: %w", err)
	}
	return nil
}
