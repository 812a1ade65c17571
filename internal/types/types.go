package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderState is the closed set of escrow states an order can be in.
// Transitions between states are validated against a single adjacency
// table in the ledger package; no caller may write an arbitrary value.
type OrderState string

const (
	OrderCreated      OrderState = "created"
	OrderPaidClearing OrderState = "paid_clearing"
	OrderHeld         OrderState = "held"
	OrderReleased     OrderState = "released"
	OrderTransferring OrderState = "transferring"
	OrderTransferred  OrderState = "transferred"
	OrderCompleted    OrderState = "completed"
	OrderFailed       OrderState = "failed"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s OrderState) Terminal() bool {
	return s == OrderCompleted || s == OrderFailed
}

// Order is the authoritative record of one purchase's financial state.
// GrossAmount, FeeRateAtCapture, PlatformFee and NetPayoutAmount are
// snapshotted at capture time and never recomputed, so historical payouts
// stay reproducible even after the platform fee rate changes.
type Order struct {
	gorm.Model         `json:"-"`
	OrderID            string          `gorm:"uniqueIndex" json:"order_id"`
	CustomerID         string          `json:"customer_id"`
	ProviderAccountRef string          `json:"provider_account_ref"`
	GrossAmount        int64           `json:"gross_amount"` // cents, write-once at capture
	FeeRateAtCapture   decimal.Decimal `gorm:"type:decimal(6,4)" json:"fee_rate_at_capture"`
	PlatformFee        int64           `json:"platform_fee"`      // cents
	NetPayoutAmount    int64           `json:"net_payout_amount"` // cents
	State              OrderState      `json:"state"`
	PayoutAttemptID    string          `json:"payout_attempt_id,omitempty"`
	FailureReason      string          `json:"failure_reason,omitempty"`
	Version            int64           `json:"version"` // optimistic concurrency counter
	ClearingEndsAt     time.Time       `json:"clearing_ends_at"`
	CapturedAt         *time.Time      `json:"captured_at,omitempty"`
	ReleasedAt         *time.Time      `json:"released_at,omitempty"`
	TransferredAt      *time.Time      `json:"transferred_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Invariant check helper: the fee split must always reconcile exactly.
func (o *Order) SplitConsistent() bool {
	return o.PlatformFee+o.NetPayoutAmount == o.GrossAmount
}
