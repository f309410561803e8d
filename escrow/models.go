package escrow

import "time"

// Status is the escrow lifecycle. An escrow enters dispute when a case is
// filed and leaves it through settlement.
type Status string

const (
	StatusPending  Status = "pending"
	StatusDispute  Status = "dispute"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Record mirrors the escrows table.
type Record struct {
	ID         string
	OrderID    string
	ClientID   string
	VendorID   string
	Amount     int64
	Currency   string
	Status     Status
	ReleasedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
