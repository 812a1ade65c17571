package migrations

import (
	"gorm.io/gorm"

	"github.com/dienstmarkt/escrow-api/internal/billing"
)

// AddBillingEntries creates the billing entries table and required indexes
func AddBillingEntries(db *gorm.DB) error {
	if err := db.AutoMigrate(&billing.Entry{}); err != nil {
		return err
	}

	// Add indexes for better query performance
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Index for per-order entry lookups
		`CREATE INDEX IF NOT EXISTS idx_entries_order_id
		 ON entries(order_id)`,

		// Index for status filtering during sweeps
		`CREATE INDEX IF NOT EXISTS idx_entries_status
		 ON entries(status)`,

		// Composite index for the completion guard (order + status)
		`CREATE INDEX IF NOT EXISTS idx_entries_order_status
		 ON entries(order_id, status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
