package migrations

import (
	"gorm.io/gorm"

	"github.com/dienstmarkt/escrow-api/internal/transfer"
)

// AddPayoutAttempts creates the payout attempts table and required indexes
func AddPayoutAttempts(db *gorm.DB) error {
	if err := db.AutoMigrate(&transfer.PayoutAttempt{}); err != nil {
		return err
	}

	indexes := []string{
		// Index for outcome filtering (pending resolution, operator queue)
		`CREATE INDEX IF NOT EXISTS idx_payout_attempts_outcome
		 ON payout_attempts(outcome)`,

		// Index for per-order audit trail lookups
		`CREATE INDEX IF NOT EXISTS idx_payout_attempts_order_id
		 ON payout_attempts(order_id)`,

		// Index for per-account audit trail lookups
		`CREATE INDEX IF NOT EXISTS idx_payout_attempts_account_ref
		 ON payout_attempts(provider_account_ref)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
