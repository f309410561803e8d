package dispute

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestDisputeLifecycle_Integration connects to a real PostgreSQL via
// DATABASE_URL and walks a dispute from filing through arbitration,
// verifying every row the flow is supposed to write.
func TestDisputeLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	for _, table := range []string{"escrows", "disputes", "dispute_messages", "dispute_actions", "notifications", "outbox"} {
		if !tableExists(ctx, t, pool, table) {
			t.Skipf("table %s missing; apply migrations/001_init.sql first", table)
		}
	}

	repo := NewRepository(pool)
	svc := NewService(pool, repo)

	var clientID, vendorID, strangerID string
	for _, dst := range []*string{&clientID, &vendorID, &strangerID} {
		if err := pool.QueryRow(ctx, `SELECT gen_random_uuid()`).Scan(dst); err != nil {
			t.Fatalf("generate id: %v", err)
		}
	}

	var escrowID string
	if err := pool.QueryRow(ctx, `
		INSERT INTO escrows (order_id, client_id, vendor_id, amount, status)
		VALUES (gen_random_uuid(), $1, $2, 50000, 'pending')
		RETURNING id
	`, clientID, vendorID).Scan(&escrowID); err != nil {
		t.Fatalf("seed escrow: %v", err)
	}

	// File the dispute.
	rec, err := svc.Open(ctx, OpenParams{
		ClientID:     clientID,
		EscrowID:     escrowID,
		DisputeType:  "not_delivered",
		EvidenceURLs: []string{"https://cdn.example.com/proof.jpg", "https://cdn.example.com/unboxing.mp4"},
	})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if rec.Status != StatusOpen {
		t.Fatalf("expected open status, got %s", rec.Status)
	}
	if rec.DisputeNumber == "" {
		t.Fatalf("expected generated dispute number")
	}

	var escrowStatus string
	if err := pool.QueryRow(ctx, `SELECT status::text FROM escrows WHERE id = $1`, escrowID).Scan(&escrowStatus); err != nil {
		t.Fatalf("fetch escrow: %v", err)
	}
	if escrowStatus != "dispute" {
		t.Fatalf("expected escrow flipped to dispute, got %s", escrowStatus)
	}

	// Messages are restricted to the two participants.
	if _, err := svc.AppendMessage(ctx, rec.ID, clientID, "the parcel never arrived"); err != nil {
		t.Fatalf("client message: %v", err)
	}
	if _, err := svc.AppendMessage(ctx, rec.ID, strangerID, "let me in"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for stranger message, got %v", err)
	}

	// The vendor responds exactly once.
	if _, err := svc.RespondToDispute(ctx, rec.ID, strangerID, "not my dispute"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign vendor, got %v", err)
	}
	responded, err := svc.RespondToDispute(ctx, rec.ID, vendorID, "tracking shows delivered")
	if err != nil {
		t.Fatalf("vendor response: %v", err)
	}
	if responded.VendorResponseDate == nil {
		t.Fatalf("expected response date recorded")
	}
	if _, err := svc.RespondToDispute(ctx, rec.ID, vendorID, "second try"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput on replayed response, got %v", err)
	}

	// Arbitrate and verify the persisted outcome plus its side effects.
	result, err := svc.Arbitrate(ctx, rec.ID)
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if result.Dispute.Status != StatusAIReview {
		t.Fatalf("expected ai_review, got %s", result.Dispute.Status)
	}
	if result.Dispute.AIDecision == nil || *result.Dispute.AIDecision != string(result.Outcome.Decision) {
		t.Fatalf("persisted decision mismatch: %+v vs %s", result.Dispute.AIDecision, result.Outcome.Decision)
	}
	if result.Dispute.AIConfidence == nil || *result.Dispute.AIConfidence < 0.30 || *result.Dispute.AIConfidence > 0.98 {
		t.Fatalf("confidence out of bounds: %+v", result.Dispute.AIConfidence)
	}
	if result.Dispute.ArbitratedAt == nil {
		t.Fatalf("expected arbitrated_at set")
	}
	if len(result.Dispute.AIAnalysis) == 0 || len(result.Dispute.DecisionPayload) == 0 {
		t.Fatalf("expected analysis and payload persisted")
	}

	assertCounts(t, ctx, pool, rec.ID, 1, 2, 1)

	// Re-running arbitration overwrites the decision and appends fresh
	// side-effect rows; the decision itself must not change.
	second, err := svc.Arbitrate(ctx, rec.ID)
	if err != nil {
		t.Fatalf("re-arbitrate: %v", err)
	}
	if second.Outcome.Decision != result.Outcome.Decision ||
		second.Outcome.Justification != result.Outcome.Justification {
		t.Fatalf("expected identical re-run outcome, got %s vs %s",
			second.Outcome.Decision, result.Outcome.Decision)
	}
	assertCounts(t, ctx, pool, rec.ID, 2, 4, 2)

	// Visibility rules.
	if _, err := svc.Get(ctx, rec.ID, strangerID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for stranger get, got %v", err)
	}
	if _, err := svc.Get(ctx, rec.ID, ""); err != nil {
		t.Fatalf("admin get: %v", err)
	}

	listed, err := svc.List(ctx, ListFilters{VendorID: vendorID, Status: StatusAIReview})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, l := range listed {
		if l.ID == rec.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected dispute in vendor listing")
	}
}

func assertCounts(t *testing.T, ctx context.Context, pool *pgxpool.Pool, disputeID string, actions, notes, outboxRows int) {
	t.Helper()
	var gotActions, gotNotes, gotOutbox int
	err := pool.QueryRow(ctx, `
		SELECT
		  (SELECT COUNT(*) FROM dispute_actions WHERE dispute_id = $1 AND action_type = 'ai_arbitration'),
		  (SELECT COUNT(*) FROM notifications n
		     WHERE n.kind = 'dispute_arbitrated'
		       AND n.user_id IN (SELECT client_id FROM disputes WHERE id = $1
		                         UNION SELECT vendor_id FROM disputes WHERE id = $1)),
		  (SELECT COUNT(*) FROM outbox o
		     WHERE o.topic = 'dispute.arbitrated' AND o.payload->>'dispute_id' = $1::text)
	`, disputeID).Scan(&gotActions, &gotNotes, &gotOutbox)
	if err != nil {
		t.Fatalf("count side effects: %v", err)
	}
	if gotActions != actions || gotNotes != notes || gotOutbox != outboxRows {
		t.Fatalf("expected %d actions / %d notifications / %d outbox rows, got %d / %d / %d",
			actions, notes, outboxRows, gotActions, gotNotes, gotOutbox)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
