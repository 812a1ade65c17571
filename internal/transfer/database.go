package transfer

import (
	"errors"
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

func (d *Database) CreateAttempt(attempt *PayoutAttempt) error {
	return d.db.Create(attempt).Error
}

func (d *Database) GetAttemptByKey(idempotencyKey string) (*PayoutAttempt, error) {
	var attempt PayoutAttempt
	if err := d.db.Where("idempotency_key = ?", idempotencyKey).First(&attempt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &attempt, nil
}

func (d *Database) GetAttempt(attemptID string) (*PayoutAttempt, error) {
	var attempt PayoutAttempt
	if err := d.db.Where("attempt_id = ?", attemptID).First(&attempt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &attempt, nil
}

func (d *Database) GetPendingAttempts() ([]PayoutAttempt, error) {
	var attempts []PayoutAttempt
	if err := d.db.Where("outcome = ?", OutcomePending).Order("created_at ASC").Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

// GetFailedAttempts returns the operator queue: attempts the processor
// rejected, which are never retried automatically.
func (d *Database) GetFailedAttempts() ([]PayoutAttempt, error) {
	var attempts []PayoutAttempt
	if err := d.db.Where("outcome = ?", OutcomeFailed).Order("created_at DESC").Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

// ResolveAttempt attaches the processor transfer ID and final outcome to a
// pending attempt. Guarded on outcome = pending so a recorded outcome can
// never be overwritten; the attempt row is otherwise immutable.
func (d *Database) ResolveAttempt(attemptID, processorTransferID string, outcome AttemptOutcome, failureReason string) error {
	result := d.db.Model(&PayoutAttempt{}).
		Where("attempt_id = ? AND outcome = ?", attemptID, OutcomePending).
		Updates(map[string]interface{}{
			"processor_transfer_id": processorTransferID,
			"outcome":               outcome,
			"failure_reason":        failureReason,
			"updated_at":            time.Now(),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrVersionConflict
	}
	return nil
}
