// Package processor defines the contract with the external payment processor
// and provides a simulated implementation for development, testing and load
// simulation. The processor's ledger is asynchronous and eventually
// consistent with ours: balances it reports are split into an "available"
// bucket (spendable now) and a "pending" bucket (captured, not yet settled),
// each updated on the processor's own schedule.
package processor

import "time"

// TransferStatus is the processor-reported state of a transfer or payout.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferSucceeded TransferStatus = "succeeded"
	TransferFailed    TransferStatus = "failed"
)

// Balance is a point-in-time snapshot of a connected account's funds as
// reported by the processor. It is ephemeral: used only to gate a payout
// attempt within one reconciliation cycle, never treated as authoritative
// ledger state and never persisted.
type Balance struct {
	AccountRef string    `json:"account_ref"`
	Available  int64     `json:"available"` // cents
	Pending    int64     `json:"pending"`   // cents
	ReportedAt time.Time `json:"reported_at"`
}

// Transfer is the processor's record of a money movement to a connected
// account.
type Transfer struct {
	TransferID     string         `json:"transfer_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	AccountRef     string         `json:"account_ref"`
	Amount         int64          `json:"amount"`
	Status         TransferStatus `json:"status"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Payout is the processor's record of a disbursement from a connected
// account's balance to the provider's bank account.
type Payout struct {
	PayoutID       string         `json:"payout_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	AccountRef     string         `json:"account_ref"`
	Amount         int64          `json:"amount"`
	Status         TransferStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Client is the wire-protocol-agnostic surface of the external payment
// processor. RetrieveBalance is a side-effect-free read and may be called
// arbitrarily often. CreateTransfer and CreatePayout must honor the
// idempotency key: repeating a call with the same key returns the original
// result instead of moving money twice. FindTransferByIdempotencyKey exists
// for crash recovery, so a sweep can resolve an attempt whose response was
// lost before creating a new transfer.
type Client interface {
	RetrieveBalance(accountRef string) (*Balance, error)
	CreateTransfer(idempotencyKey, accountRef string, amount int64, metadata map[string]string) (*Transfer, error)
	CreatePayout(idempotencyKey, accountRef string, amount int64) (*Payout, error)
	FindTransferByIdempotencyKey(idempotencyKey string) (*Transfer, error)
}
