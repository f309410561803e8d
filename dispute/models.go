package dispute

import "time"

// Status represents the lifecycle of a dispute record. Transitions to
// ai_review happen when the arbitration engine runs; resolved and
// manual_review are set by the downstream settlement step.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAIReview     Status = "ai_review"
	StatusManualReview Status = "manual_review"
	StatusResolved     Status = "resolved"
	StatusRejected     Status = "rejected"
)

// Decision is an arbitration outcome. DecisionReject only appears as a
// historical value on legacy disputes and feeds the vendor history score.
type Decision string

const (
	DecisionRefundFull     Decision = "refund_full"
	DecisionRefundPartial  Decision = "refund_partial"
	DecisionRequireReturn  Decision = "require_return"
	DecisionReleasePayment Decision = "release_payment"
	DecisionReject         Decision = "reject"
)

// Record mirrors the disputes table.
type Record struct {
	ID                 string
	DisputeNumber      string
	ClientID           string
	VendorID           string
	EscrowID           string
	DisputeType        string
	RequestType        string
	EvidenceURLs       []string
	VendorResponse     *string
	VendorResponseDate *time.Time
	Status             Status
	AIDecision         *string
	AIJustification    *string
	AIConfidence       *float64
	AIAnalysis         []byte
	DecisionPayload    []byte
	ArbitratedAt       *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Message mirrors the dispute_messages table. Messages are append-only; the
// engine only consumes their count as a proxy for negotiation effort.
type Message struct {
	ID        int64
	DisputeID string
	SenderID  string
	Body      string
	CreatedAt time.Time
}

// Action mirrors the dispute_actions audit log. One ai_arbitration row is
// appended per engine run.
type Action struct {
	ID         int64
	DisputeID  string
	ActionType string
	Actor      string
	Payload    []byte
	CreatedAt  time.Time
}

const (
	ActionOpened      = "dispute_opened"
	ActionArbitration = "ai_arbitration"
	ActionSettled     = "escrow_settled"
)

// HistoryEntry is one prior dispute involving the same vendor, derived on
// demand rather than stored.
type HistoryEntry struct {
	ID         string
	Status     Status
	AIDecision string
}

// ListFilters narrows dispute listings per caller.
type ListFilters struct {
	ClientID string
	VendorID string
	Status   Status
	Limit    int
}
