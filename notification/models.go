package notification

import "time"

// Row mirrors the notifications table. Delivery (push/email) happens outside
// this service; inserting the row is the contract.
type Row struct {
	ID        string
	UserID    string
	Kind      string
	Title     string
	Body      string
	Read      bool
	CreatedAt time.Time
}
