package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AttemptOutcome is the recorded result of one payout attempt.
type AttemptOutcome string

const (
	OutcomePending   AttemptOutcome = "pending"
	OutcomeSucceeded AttemptOutcome = "succeeded"
	OutcomeFailed    AttemptOutcome = "failed"
)

// PayoutAttempt is one idempotent request to move money to a provider. It
// is an immutable audit row: after creation only the processor transfer ID
// and the outcome are ever attached, and attempts are never deleted, so the
// audit trail survives independent of ledger mutation. Orders and billing
// entries are referenced by ID only, without back-pointer ownership.
type PayoutAttempt struct {
	gorm.Model          `json:"-"`
	AttemptID           string         `gorm:"uniqueIndex" json:"attempt_id"`
	IdempotencyKey      string         `gorm:"uniqueIndex" json:"idempotency_key"`
	ProviderAccountRef  string         `json:"provider_account_ref"`
	OrderID             string         `gorm:"index" json:"order_id,omitempty"`
	EntryID             string         `gorm:"index" json:"entry_id,omitempty"`
	RequestedAmount     int64          `json:"requested_amount"` // cents
	ProcessorTransferID string         `json:"processor_transfer_id,omitempty"`
	Outcome             AttemptOutcome `json:"outcome"`
	FailureReason       string         `json:"failure_reason,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// IdempotencyKey derives the deterministic key for one logical payout
// obligation. It depends only on immutable inputs (the destination account,
// the order or entry being paid, and the amount), so every retry of the
// same obligation - across crashes, restarts and concurrent sweeps -
// produces the same key and therefore at most one processor-side transfer.
func IdempotencyKey(providerAccountRef, referenceID string, amount int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", providerAccountRef, referenceID, amount)))
	return hex.EncodeToString(sum[:])
}
