// Package events carries the engine's outbound notifications. Payout and
// reconciliation outcomes are published for the notification and audit
// collaborators outside this core; the engine itself never consumes them.
package events

import "time"

// Routing keys for the published event types.
const (
	RoutePayoutSucceeded        = "escrow.payout.succeeded"
	RoutePayoutFailed           = "escrow.payout.failed"
	RouteReconciliationMismatch = "escrow.reconciliation.mismatch"
)

// PayoutSucceeded is emitted when a transfer for an order's base payout or
// an additional billing entry is confirmed by the processor.
type PayoutSucceeded struct {
	OrderID    string    `json:"order_id,omitempty"`
	EntryID    string    `json:"entry_id,omitempty"`
	Amount     int64     `json:"amount"`
	AttemptID  string    `json:"attempt_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PayoutFailed is emitted when the processor rejects a transfer; the
// attempt lands in the operator queue and is not retried automatically.
type PayoutFailed struct {
	OrderID    string    `json:"order_id,omitempty"`
	EntryID    string    `json:"entry_id,omitempty"`
	Reason     string    `json:"reason"`
	AttemptID  string    `json:"attempt_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ReconciliationMismatchDetected is emitted when internal totals disagree
// with externally reported amounts. Always requires manual review.
type ReconciliationMismatchDetected struct {
	OrderID    string    `json:"order_id"`
	Expected   int64     `json:"expected"`
	Actual     int64     `json:"actual"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers events to whatever transport is configured.
type Publisher interface {
	Publish(routingKey string, event interface{}) error
	Close() error
}
