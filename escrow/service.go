package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketflow/dispute"
)

var (
	// ErrNotArbitrated is returned when settlement is requested before the
	// engine has produced a decision.
	ErrNotArbitrated = errors.New("escrow: dispute has no arbitration decision")
)

// HistoryInvalidator evicts cached vendor history. Settlement flips disputes
// to resolved, which is the transition the history score counts, so the
// cached copy must not outlive it.
type HistoryInvalidator interface {
	Delete(ctx context.Context, keys ...string) error
}

// Service applies arbitration outcomes to escrow funds. It is the downstream
// step that moves a dispute out of ai_review.
type Service struct {
	pool        *pgxpool.Pool
	repo        *Repository
	invalidator HistoryInvalidator
}

func NewService(pool *pgxpool.Pool, repo *Repository) *Service {
	return &Service{pool: pool, repo: repo}
}

// WithHistoryInvalidation evicts the vendor's cached dispute history after a
// settlement resolves a dispute.
func (s *Service) WithHistoryInvalidation(inv HistoryInvalidator) *Service {
	s.invalidator = inv
	return s
}

// SettleResult reports what settlement did with a dispute.
type SettleResult struct {
	DisputeID     string
	DisputeStatus dispute.Status
	Escrow        *Record
	Applied       bool
}

// ApplyDecision settles the escrow according to the dispute's persisted
// arbitration payload. Auto-applicable decisions move funds and resolve the
// dispute; everything else parks the dispute in manual_review.
func (s *Service) ApplyDecision(ctx context.Context, disputeID string) (SettleResult, error) {
	if disputeID == "" {
		return SettleResult{}, dispute.ErrInvalidInput
	}
	if _, err := uuid.Parse(disputeID); err != nil {
		return SettleResult{}, fmt.Errorf("escrow: malformed dispute id %q: %w", disputeID, dispute.ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SettleResult{}, fmt.Errorf("escrow: begin settle tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		escrowID   string
		vendorID   string
		aiDecision *string
		payloadRaw []byte
	)
	const loadSQL = `
		SELECT escrow_id, vendor_id, ai_decision, decision_payload
		FROM disputes
		WHERE id = $1
		FOR UPDATE
	`
	if err := tx.QueryRow(ctx, loadSQL, disputeID).Scan(&escrowID, &vendorID, &aiDecision, &payloadRaw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SettleResult{}, dispute.ErrNotFound
		}
		return SettleResult{}, fmt.Errorf("escrow: load dispute: %w", err)
	}
	if aiDecision == nil {
		return SettleResult{}, ErrNotArbitrated
	}

	var payload struct {
		AutoApply bool `json:"auto_apply"`
	}
	if len(payloadRaw) > 0 {
		if err := json.Unmarshal(payloadRaw, &payload); err != nil {
			return SettleResult{}, fmt.Errorf("escrow: decode decision payload: %w", err)
		}
	}

	decision := dispute.Decision(*aiDecision)
	target, applicable := settlementTarget(decision)

	result := SettleResult{DisputeID: disputeID}
	if !payload.AutoApply || !applicable {
		if _, err := tx.Exec(ctx, `
			UPDATE disputes SET status = 'manual_review', updated_at = now() WHERE id = $1
		`, disputeID); err != nil {
			return SettleResult{}, fmt.Errorf("escrow: park for manual review: %w", err)
		}
		result.DisputeStatus = dispute.StatusManualReview
	} else {
		rec, err := s.repo.SettleTx(ctx, tx, escrowID, target)
		if err != nil {
			return SettleResult{}, err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE disputes SET status = 'resolved', updated_at = now() WHERE id = $1
		`, disputeID); err != nil {
			return SettleResult{}, fmt.Errorf("escrow: resolve dispute: %w", err)
		}
		actionPayload, err := json.Marshal(map[string]any{
			"escrow_id":     rec.ID,
			"escrow_status": string(rec.Status),
			"decision":      string(decision),
		})
		if err != nil {
			return SettleResult{}, fmt.Errorf("escrow: marshal action payload: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO dispute_actions (dispute_id, action_type, actor, payload)
			VALUES ($1, $2, 'settlement', $3::jsonb)
		`, disputeID, dispute.ActionSettled, actionPayload); err != nil {
			return SettleResult{}, fmt.Errorf("escrow: insert action: %w", err)
		}
		result.DisputeStatus = dispute.StatusResolved
		result.Escrow = &rec
		result.Applied = true
	}

	if err := tx.Commit(ctx); err != nil {
		return SettleResult{}, fmt.Errorf("escrow: commit settle tx: %w", err)
	}

	// Resolving a dispute changes what the vendor's history looks like to
	// the next arbitration run.
	if result.DisputeStatus == dispute.StatusResolved && s.invalidator != nil {
		_ = s.invalidator.Delete(ctx, dispute.HistoryCacheKey(vendorID))
	}

	return result, nil
}

// settlementTarget maps a decision to the escrow status it implies. Partial
// refunds settle the escrow as refunded; the split itself is handled by the
// wallet ledger downstream.
func settlementTarget(d dispute.Decision) (Status, bool) {
	switch d {
	case dispute.DecisionRefundFull, dispute.DecisionRefundPartial:
		return StatusRefunded, true
	case dispute.DecisionReleasePayment:
		return StatusReleased, true
	default:
		return "", false
	}
}
