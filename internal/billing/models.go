package billing

import (
	"time"

	"gorm.io/gorm"
)

// EntryStatus is the closed set of states for an additional billing entry.
type EntryStatus string

const (
	EntryPending      EntryStatus = "pending"
	EntryPlatformHeld EntryStatus = "platform_held"
	EntryTransferred  EntryStatus = "transferred"
)

// entryTransitions is the authoritative transition table for entries:
// pending -> platform_held -> transferred.
var entryTransitions = map[EntryStatus][]EntryStatus{
	EntryPending:      {EntryPlatformHeld},
	EntryPlatformHeld: {EntryTransferred},
	EntryTransferred:  {},
}

// CanTransition reports whether the entry state machine allows from -> to.
func CanTransition(from, to EntryStatus) bool {
	for _, next := range entryTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Entry is one supplementary charge appended to an already-settled order,
// typically extra hours worked after the base amount was paid.
// HourlyRateAtEntry is the provider's rate at the moment the hours were
// logged; billing is always computed from this snapshot, never from the
// provider's current rate, so a later rate change cannot alter what an
// existing entry is worth.
type Entry struct {
	gorm.Model        `json:"-"`
	EntryID           string      `gorm:"uniqueIndex" json:"entry_id"`
	OrderID           string      `gorm:"index" json:"order_id"`
	Hours             int64       `json:"hours"`
	HourlyRateAtEntry int64       `json:"hourly_rate_at_entry"` // cents per hour, snapshot
	BillableAmount    int64       `json:"billable_amount"`      // hours * hourly_rate_at_entry
	Status            EntryStatus `json:"status"`
	PayoutAttemptID   string      `json:"payout_attempt_id,omitempty"`
	HeldAt            *time.Time  `json:"held_at,omitempty"`
	TransferredAt     *time.Time  `json:"transferred_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// RecordEntryRequest is the payload for logging additional hours.
type RecordEntryRequest struct {
	Hours             int64 `json:"hours" binding:"required"`
	HourlyRateAtEntry int64 `json:"hourly_rate_at_entry" binding:"required"`
}

// AuditResult summarizes a billing audit for one order.
type AuditResult struct {
	OrderID       string `json:"order_id"`
	EntryCount    int    `json:"entry_count"`
	ExpectedTotal int64  `json:"expected_total"`
	ReportedTotal int64  `json:"reported_total"`
}
