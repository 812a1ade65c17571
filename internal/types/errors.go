package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across packages.
var (
	// ErrVersionConflict is returned when an optimistic-concurrency update
	// loses the race; the caller must re-read state and retry, never
	// overwrite blindly.
	ErrVersionConflict = errors.New("version conflict: order was modified concurrently")

	// ErrProcessorUnavailable signals a network or infrastructure failure
	// talking to the payment processor. Safe to retry on the next sweep.
	ErrProcessorUnavailable = errors.New("payment processor unavailable")
)

// InvalidTransitionError is returned when a state transition is attempted
// from a state that does not match the expected precondition. This is an
// ordering bug, not a transient condition; it is never retried.
type InvalidTransitionError struct {
	Entity string // "order" or "billing_entry"
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// ClearingNotElapsedError is returned when funds are asked to move before
// the mandatory clearing hold has passed. Expected; retry after the hold.
type ClearingNotElapsedError struct {
	OrderID        string
	ClearingEndsAt time.Time
}

func (e *ClearingNotElapsedError) Error() string {
	return fmt.Sprintf("clearing period for order %s has not elapsed (ends %s)",
		e.OrderID, e.ClearingEndsAt.Format(time.RFC3339))
}

// AlreadyCapturedError is returned when a capture is attempted for an order
// that already holds a different snapshot. A byte-identical re-capture is an
// idempotent no-op and does not produce this error.
type AlreadyCapturedError struct {
	OrderID string
}

func (e *AlreadyCapturedError) Error() string {
	return fmt.Sprintf("payment for order %s was already captured with different terms", e.OrderID)
}

// OrderNotEligibleError is returned when additional hours are logged against
// an order whose base amount has not cleared yet.
type OrderNotEligibleError struct {
	OrderID string
	State   OrderState
}

func (e *OrderNotEligibleError) Error() string {
	return fmt.Sprintf("order %s is not eligible for additional billing in state %q", e.OrderID, e.State)
}

// FundsPendingError is returned when the processor balance cannot cover a
// payout from the available bucket yet, but the pending bucket can. The
// obligation is sound; the money just has not settled. Retryable.
type FundsPendingError struct {
	AccountRef string
	Requested  int64
	Available  int64
	Pending    int64
}

func (e *FundsPendingError) Error() string {
	return fmt.Sprintf("funds for account %s still pending: requested %d, available %d, pending %d",
		e.AccountRef, e.Requested, e.Available, e.Pending)
}

// InsufficientFundsError is returned when neither the available nor the
// pending bucket can cover a payout. This suggests the obligation itself may
// be wrong; automatic processing halts and an operator must investigate.
type InsufficientFundsError struct {
	AccountRef string
	Requested  int64
	Available  int64
	Pending    int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for account %s: requested %d, available %d, pending %d",
		e.AccountRef, e.Requested, e.Available, e.Pending)
}

// ReconciliationMismatchError signals that internal ledger totals disagree
// with an externally reported amount. Never auto-corrected: it may indicate
// a double charge or a lost transfer, so it always goes to manual review.
type ReconciliationMismatchError struct {
	OrderID  string
	Expected int64
	Actual   int64
}

func (e *ReconciliationMismatchError) Error() string {
	return fmt.Sprintf("reconciliation mismatch for order %s: expected %d, reported %d",
		e.OrderID, e.Expected, e.Actual)
}
