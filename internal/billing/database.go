package billing

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/dienstmarkt/escrow-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateEntry(entry *Entry) error {
	return d.db.Create(entry).Error
}

func (d *Database) GetEntry(entryID string) (*Entry, error) {
	var entry Entry
	if err := d.db.Where("entry_id = ?", entryID).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (d *Database) GetEntriesByOrder(orderID string) ([]Entry, error) {
	var entries []Entry
	if err := d.db.Where("order_id = ?", orderID).Order("created_at ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (d *Database) GetEntriesByStatus(status EntryStatus) ([]Entry, error) {
	var entries []Entry
	if err := d.db.Where("status = ?", status).Order("created_at ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// UpdateEntryStatus advances an entry with a guard on its current status,
// so two workers racing the same entry cannot both win.
func (d *Database) UpdateEntryStatus(entry *Entry, from EntryStatus) error {
	result := d.db.Model(&Entry{}).
		Where("entry_id = ? AND status = ?", entry.EntryID, from).
		Updates(map[string]interface{}{
			"status":            entry.Status,
			"payout_attempt_id": entry.PayoutAttemptID,
			"held_at":           entry.HeldAt,
			"transferred_at":    entry.TransferredAt,
			"updated_at":        time.Now(),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrVersionConflict
	}
	return nil
}

// CountUnfinishedEntries counts entries of an order that have not reached
// transferred yet.
func (d *Database) CountUnfinishedEntries(orderID string) (int64, error) {
	var count int64
	if err := d.db.Model(&Entry{}).
		Where("order_id = ? AND status <> ?", orderID, EntryTransferred).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// GetOrderByID retrieves the owning order for eligibility checks.
func (d *Database) GetOrderByID(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	return &order, nil
}
