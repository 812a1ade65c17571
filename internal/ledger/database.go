package ledger

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

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrdersByState(state types.OrderState) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("state = ?", state).Order("created_at ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// GetOrdersReadyForHold returns paid_clearing orders whose clearing period
// has elapsed as of now.
func (d *Database) GetOrdersReadyForHold(now time.Time) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("state = ? AND clearing_ends_at <= ?", types.OrderPaidClearing, now).
		Order("clearing_ends_at ASC").
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) GetCustomerOrders(customerID string) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("customer_id = ?", customerID).Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// UpdateOrderCAS writes the order's mutable fields with a compare-and-swap
// on (order_id, version). Concurrent writers affecting the same order
// serialize through this: the loser gets ErrVersionConflict and must
// re-read state before retrying. On success the in-memory order's version
// is bumped to match the stored row.
func (d *Database) UpdateOrderCAS(order *types.Order) error {
	expected := order.Version
	result := d.db.Model(&types.Order{}).
		Where("order_id = ? AND version = ?", order.OrderID, expected).
		Updates(map[string]interface{}{
			"state":               order.State,
			"gross_amount":        order.GrossAmount,
			"fee_rate_at_capture": order.FeeRateAtCapture,
			"platform_fee":        order.PlatformFee,
			"net_payout_amount":   order.NetPayoutAmount,
			"clearing_ends_at":    order.ClearingEndsAt,
			"payout_attempt_id":   order.PayoutAttemptID,
			"failure_reason":      order.FailureReason,
			"captured_at":         order.CapturedAt,
			"released_at":         order.ReleasedAt,
			"transferred_at":      order.TransferredAt,
			"completed_at":        order.CompletedAt,
			"version":             expected + 1,
			"updated_at":          time.Now(),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrVersionConflict
	}

	order.Version = expected + 1
	return nil
}
