// Package ledger is the authoritative record of each order's financial
// state and drives the escrow state machine:
//
//	created -> paid_clearing -> held -> released -> transferring
//	        -> transferred -> completed
//
// The ledger only flags state; it never moves money itself. Money movement
// is the transfer executor's job, and a transfer outcome is recorded here
// only after the executor confirms it.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/dienstmarkt/escrow-api/internal/fees"
	"github.com/dienstmarkt/escrow-api/internal/types"
	"github.com/dienstmarkt/escrow-api/pkg/response"
)

// ErrEntriesOutstanding blocks completion while any additional billing
// entry of the order has not reached transferred.
var ErrEntriesOutstanding = errors.New("order has additional billing entries not yet transferred")

// casRetries bounds how often a losing writer re-reads and retries before
// giving up and surfacing the conflict.
const casRetries = 3

// EntryAuditor answers whether every additional billing entry of an order
// has been paid out. The billing tracker implements it; the indirection
// keeps ledger free of a billing dependency.
type EntryAuditor interface {
	AllEntriesTransferred(orderID string) (bool, error)
}

// Service owns all order state transitions.
type Service struct {
	db           *Database
	feeRate      decimal.Decimal
	clearingHold time.Duration
	auditor      EntryAuditor
}

// NewService creates a ledger service. feeRate is the platform commission
// applied to captures that do not specify their own; clearingHold is the
// mandatory escrow hold after capture (zero means immediate release
// eligibility, used for trusted providers).
func NewService(gormDB *gorm.DB, feeRate decimal.Decimal, clearingHold time.Duration) *Service {
	return &Service{
		db:           NewDatabase(gormDB),
		feeRate:      feeRate,
		clearingHold: clearingHold,
	}
}

// SetEntryAuditor wires the billing tracker in after construction; the two
// services reference each other's data so one of the links has to be late.
func (s *Service) SetEntryAuditor(a EntryAuditor) {
	s.auditor = a
}

// FeeRate returns the platform commission rate captures snapshot by default.
func (s *Service) FeeRate() decimal.Decimal {
	return s.feeRate
}

// GetDB exposes the ledger database to the reconciliation sweeper.
func (s *Service) GetDB() *Database {
	return s.db
}

// CreateOrder registers a new order in created state, before any payment.
func (s *Service) CreateOrder(customerID, providerAccountRef string) (*types.Order, error) {
	order := &types.Order{
		OrderID:            "ORD_" + uuid.New().String(),
		CustomerID:         customerID,
		ProviderAccountRef: providerAccountRef,
		State:              types.OrderCreated,
		FeeRateAtCapture:   decimal.Zero,
	}

	if err := s.db.CreateOrder(order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	log.Info().
		Str("order_id", order.OrderID).
		Str("customer_id", customerID).
		Str("provider_account_ref", providerAccountRef).
		Str("service", "ledger").
		Msg("order created")

	return order, nil
}

// GetOrder retrieves an order by its ID.
func (s *Service) GetOrder(orderID string) (*types.Order, error) {
	return s.db.GetOrder(orderID)
}

// CapturePayment records a confirmed payment capture: created ->
// paid_clearing. The gross amount, fee rate, fee split and clearing
// deadline are snapshotted on the order and never recomputed afterwards.
//
// Calling it again with a byte-identical snapshot is an idempotent no-op
// returning the existing state; a differing snapshot fails with
// AlreadyCapturedError.
func (s *Service) CapturePayment(orderID string, grossAmount int64, feeRate decimal.Decimal) (*types.Order, error) {
	logger := log.With().
		Str("order_id", orderID).
		Int64("gross_amount", grossAmount).
		Str("service", "ledger").
		Logger()

	if grossAmount <= 0 {
		return nil, fmt.Errorf("gross amount must be positive, got %d", grossAmount)
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		order, err := s.db.GetOrder(orderID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch order: %w", err)
		}
		if order == nil {
			return nil, gorm.ErrRecordNotFound
		}

		if order.State != types.OrderCreated {
			if order.GrossAmount == grossAmount && order.FeeRateAtCapture.Equal(feeRate) {
				logger.Info().Msg("capture already recorded with identical terms, returning existing state")
				return order, nil
			}
			return nil, &types.AlreadyCapturedError{OrderID: orderID}
		}

		fee, payout := fees.Compute(grossAmount, feeRate)
		now := time.Now()

		order.State = types.OrderPaidClearing
		order.GrossAmount = grossAmount
		order.FeeRateAtCapture = feeRate
		order.PlatformFee = fee
		order.NetPayoutAmount = payout
		order.ClearingEndsAt = now.Add(s.clearingHold)
		order.CapturedAt = &now

		if err := s.db.UpdateOrderCAS(order); err != nil {
			if errors.Is(err, types.ErrVersionConflict) {
				continue
			}
			return nil, fmt.Errorf("failed to record capture: %w", err)
		}

		logger.Info().
			Int64("platform_fee", fee).
			Int64("net_payout", payout).
			Time("clearing_ends_at", order.ClearingEndsAt).
			Msg("payment captured, funds in clearing")

		return order, nil
	}

	return nil, types.ErrVersionConflict
}

// transition applies one state-machine step under optimistic concurrency.
// mutate runs after the adjacency check against the freshly read order.
func (s *Service) transition(orderID string, to types.OrderState, mutate func(*types.Order) error) (*types.Order, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		order, err := s.db.GetOrder(orderID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch order: %w", err)
		}
		if order == nil {
			return nil, gorm.ErrRecordNotFound
		}

		if !CanTransition(order.State, to) {
			return nil, &types.InvalidTransitionError{
				Entity: "order",
				ID:     orderID,
				From:   string(order.State),
				To:     string(to),
			}
		}

		if mutate != nil {
			if err := mutate(order); err != nil {
				return nil, err
			}
		}
		order.State = to

		if err := s.db.UpdateOrderCAS(order); err != nil {
			if errors.Is(err, types.ErrVersionConflict) {
				continue
			}
			return nil, fmt.Errorf("failed to update order: %w", err)
		}

		log.Info().
			Str("order_id", orderID).
			Str("state", string(to)).
			Str("service", "ledger").
			Msg("order transitioned")

		return order, nil
	}

	return nil, types.ErrVersionConflict
}

// MarkHeld moves paid_clearing -> held once the clearing period has passed.
func (s *Service) MarkHeld(orderID string) (*types.Order, error) {
	return s.transition(orderID, types.OrderHeld, func(order *types.Order) error {
		if time.Now().Before(order.ClearingEndsAt) {
			return &types.ClearingNotElapsedError{
				OrderID:        orderID,
				ClearingEndsAt: order.ClearingEndsAt,
			}
		}
		return nil
	})
}

// MarkReleased moves held -> released. Purely a ledger-side flag marking
// the payout as eligible; it does not move money.
func (s *Service) MarkReleased(orderID string) (*types.Order, error) {
	return s.transition(orderID, types.OrderReleased, func(order *types.Order) error {
		now := time.Now()
		order.ReleasedAt = &now
		return nil
	})
}

// BeginTransfer moves released -> transferring before the executor is
// invoked, so a crash mid-transfer leaves a visible in-flight marker.
func (s *Service) BeginTransfer(orderID string) (*types.Order, error) {
	return s.transition(orderID, types.OrderTransferring, nil)
}

// MarkTransferred records a confirmed payout: transferring -> transferred.
// Only called after the transfer executor reports success.
func (s *Service) MarkTransferred(orderID, payoutAttemptID string) (*types.Order, error) {
	return s.transition(orderID, types.OrderTransferred, func(order *types.Order) error {
		now := time.Now()
		order.PayoutAttemptID = payoutAttemptID
		order.TransferredAt = &now
		return nil
	})
}

// MarkCompleted finalizes the order: transferred -> completed. Blocked while
// any additional billing entry for the order is still pending or held; this
// is the cross-entity invariant guarding against closing an order that
// still owes its provider money.
func (s *Service) MarkCompleted(orderID string) (*types.Order, error) {
	return s.transition(orderID, types.OrderCompleted, func(order *types.Order) error {
		if s.auditor != nil {
			done, err := s.auditor.AllEntriesTransferred(orderID)
			if err != nil {
				return fmt.Errorf("failed to audit billing entries: %w", err)
			}
			if !done {
				return ErrEntriesOutstanding
			}
		}
		now := time.Now()
		order.CompletedAt = &now
		return nil
	})
}

// MarkFailed moves any non-terminal order to failed with a reason for the
// operator queue.
func (s *Service) MarkFailed(orderID, reason string) (*types.Order, error) {
	order, err := s.transition(orderID, types.OrderFailed, func(order *types.Order) error {
		order.FailureReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Warn().
		Str("order_id", orderID).
		Str("reason", reason).
		Str("service", "ledger").
		Msg("order marked failed, operator attention required")

	return order, nil
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests to register new orders
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.CreateOrder(req.CustomerID, req.ProviderAccountRef)
		response.Handle(c, order, err)
	}
}

// GetOrderHandler handles GET requests for a single order
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		order, err := h.service.GetOrder(orderID)
		if err == nil && order == nil {
			response.NotFound(c, "Order not found")
			return
		}
		response.Handle(c, order, err)
	}
}

// CapturePaymentHandler handles the payment-captured event for an order.
// Requires internal authentication; the platform fee rate in effect at this
// moment is snapshotted onto the order.
func (h *GinHandlers) CapturePaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		var req CaptureRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.CapturePayment(orderID, req.GrossAmount, h.service.FeeRate())
		response.Handle(c, order, err)
	}
}

// ReleaseOrderHandler marks a held order as released for payout.
// Requires internal authentication.
func (h *GinHandlers) ReleaseOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		order, err := h.service.MarkReleased(orderID)
		response.Handle(c, order, err)
	}
}
