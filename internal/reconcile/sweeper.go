package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dienstmarkt/escrow-api/internal/billing"
	"github.com/dienstmarkt/escrow-api/internal/events"
	"github.com/dienstmarkt/escrow-api/internal/ledger"
	"github.com/dienstmarkt/escrow-api/internal/transfer"
	"github.com/dienstmarkt/escrow-api/internal/types"
	"github.com/dienstmarkt/escrow-api/pkg/response"
)

// Sweeper is the reconciliation sweep worker. Every tick it promotes
// orders whose clearing period elapsed, pays out released orders and held
// billing entries, resolves in-flight transfers left over from crashes or
// outages, finalizes fully paid orders, and verifies ledger integrity.
//
// It processes one order's transaction at a time and never holds two open
// simultaneously; losing an optimistic-concurrency race just means the
// order is picked up again on the next tick.
type Sweeper struct {
	ledger     *ledger.Service
	billing    *billing.Service
	reconciler *Reconciler
	executor   *transfer.Executor
	publisher  events.Publisher
	interval   time.Duration
}

func NewSweeper(
	ledgerSvc *ledger.Service,
	billingSvc *billing.Service,
	reconciler *Reconciler,
	executor *transfer.Executor,
	publisher events.Publisher,
	interval time.Duration,
) *Sweeper {
	return &Sweeper{
		ledger:     ledgerSvc,
		billing:    billingSvc,
		reconciler: reconciler,
		executor:   executor,
		publisher:  publisher,
		interval:   interval,
	}
}

// Start begins the reconciliation loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "reconciliation_sweeper").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting reconciliation sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down reconciliation sweeper")
			return
		case <-ticker.C:
			if err := s.RunSweep(); err != nil {
				logger.Error().Err(err).Msg("reconciliation sweep failed")
			}
		}
	}
}

// RunSweep executes one full reconciliation pass.
func (s *Sweeper) RunSweep() error {
	logger := log.With().Str("component", "reconciliation_sweeper").Logger()
	logger.Info().Msg("starting reconciliation sweep")

	s.promoteClearedOrders()
	s.resolveInFlightOrders()
	s.payoutReleasedOrders()
	s.payoutHeldEntries()
	s.completeSettledOrders()
	s.verifyLedgerIntegrity()

	logger.Info().Msg("reconciliation sweep finished")
	return nil
}

// promoteClearedOrders moves paid_clearing orders whose hold has elapsed
// into held.
func (s *Sweeper) promoteClearedOrders() {
	logger := log.With().Str("component", "reconciliation_sweeper").Logger()

	orders, err := s.ledger.GetDB().GetOrdersReadyForHold(time.Now())
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch orders ready for hold")
		return
	}

	for _, order := range orders {
		if _, err := s.ledger.MarkHeld(order.OrderID); err != nil {
			// A concurrent writer may have advanced the order already.
			logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("failed to mark order held")
			continue
		}
		logger.Info().Str("order_id", order.OrderID).Msg("clearing period elapsed, escrow hold placed")
	}
}

// payoutReleasedOrders authorizes and executes the base payout for every
// released order.
func (s *Sweeper) payoutReleasedOrders() {
	logger := log.With().Str("component", "reconciliation_sweeper").Logger()

	orders, err := s.ledger.GetDB().GetOrdersByState(types.OrderReleased)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch released orders")
		return
	}

	for _, order := range orders {
		s.payoutOrder(&order)
	}
}

func (s *Sweeper) payoutOrder(order *types.Order) {
	logger := log.With().
		Str("component", "reconciliation_sweeper").
		Str("order_id", order.OrderID).
		Int64("net_payout", order.NetPayoutAmount).
		Logger()

	auth, err := s.reconciler.Authorize(order.ProviderAccountRef, order.NetPayoutAmount)
	if err != nil {
		var pending *types.FundsPendingError
		var insufficient *types.InsufficientFundsError
		switch {
		case errors.As(err, &pending):
			logger.Info().Msg("funds pending, order deferred to next sweep")
		case errors.As(err, &insufficient):
			logger.Error().Err(err).Msg("insufficient funds, failing order for operator review")
			if _, ferr := s.ledger.MarkFailed(order.OrderID, err.Error()); ferr != nil {
				logger.Error().Err(ferr).Msg("failed to mark order failed")
			}
			s.publish(events.RoutePayoutFailed, events.PayoutFailed{
				OrderID:    order.OrderID,
				Reason:     err.Error(),
				OccurredAt: time.Now(),
			})
		default:
			logger.Warn().Err(err).Msg("balance check failed, retrying next sweep")
		}
		return
	}

	if _, err := s.ledger.BeginTransfer(order.OrderID); err != nil {
		logger.Warn().Err(err).Msg("failed to begin transfer, skipping")
		return
	}

	s.executeOrderTransfer(order, auth.Amount)
}

// resolveInFlightOrders picks up orders stuck in transferring, the state a
// crash or processor outage leaves behind. The deterministic idempotency
// key makes re-execution safe: either the prior transfer is found and its
// outcome recorded, or no transfer ever happened and one is issued.
func (s *Sweeper) resolveInFlightOrders() {
	logger := log.With().Str("component", "reconciliation_sweeper").Logger()

	orders, err := s.ledger.GetDB().GetOrdersByState(types.OrderTransferring)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch in-flight orders")
		return
	}

	for _, order := range orders {
		logger.Info().Str("order_id", order.OrderID).Msg("resolving in-flight transfer")
		s.executeOrderTransfer(&order, order.NetPayoutAmount)
	}
}

func (s *Sweeper) executeOrderTransfer(order *types.Order, amount int64) {
	logger := log.With().
		Str("component", "reconciliation_sweeper").
		Str("order_id", order.OrderID).
		Logger()

	attempt, err := s.executor.ExecuteTransfer(transfer.TransferRequest{
		IdempotencyKey:     transfer.IdempotencyKey(order.ProviderAccountRef, order.OrderID, amount),
		ProviderAccountRef: order.ProviderAccountRef,
		Amount:             amount,
		OrderID:            order.OrderID,
		Metadata: map[string]string{
			"order_id": order.OrderID,
			"type":     "base_payout",
		},
	})
	if err != nil {
		if errors.Is(err, types.ErrProcessorUnavailable) {
			logger.Warn().Msg("processor unavailable, transfer left in flight for next sweep")
			return
		}
		logger.Error().Err(err).Msg("transfer execution failed")
		return
	}

	switch attempt.Outcome {
	case transfer.OutcomeSucceeded:
		if _, err := s.ledger.MarkTransferred(order.OrderID, attempt.AttemptID); err != nil {
			logger.Error().Err(err).Msg("transfer succeeded but ledger update failed")
			return
		}
		s.publish(events.RoutePayoutSucceeded, events.PayoutSucceeded{
			OrderID:    order.OrderID,
			Amount:     attempt.RequestedAmount,
			AttemptID:  attempt.AttemptID,
			OccurredAt: time.Now(),
		})
	case transfer.OutcomeFailed:
		logger.Error().Str("reason", attempt.FailureReason).Msg("processor rejected transfer")
		if _, err := s.ledger.MarkFailed(order.OrderID, attempt.FailureReason); err != nil {
			logger.Error().Err(err).Msg("failed to mark order failed")
		}
		s.publish(events.RoutePayoutFailed, events.PayoutFailed{
			OrderID:    order.OrderID,
			Reason:     attempt.FailureReason,
			AttemptID:  attempt.AttemptID,
			OccurredAt: time.Now(),
		})
	}
}

// payoutHeldEntries pays out additional billing entries whose funds are
// confirmed held on the platform.
func (s *Sweeper) payoutHeldEntries() {
	logger := log.With().Str("component", "reconciliation_sweeper").Logger()

	entries, err := s.billing.GetDB().GetEntriesByStatus(billing.EntryPlatformHeld)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch held billing entries")
		return
	}

	for _, entry := range entries {
		s.payoutEntry(&entry)
	}
}

func (s *Sweeper) payoutEntry(entry *billing.Entry) {
	logger := log.With().
		Str("component", "reconciliation_sweeper").
		Str("entry_id", entry.EntryID).
		Str("order_id", entry.OrderID).
		Int64("billable_amount", entry.BillableAmount).
		Logger()

	order, err := s.billing.GetDB().GetOrderByID(entry.OrderID)
	if err != nil || order == nil {
		logger.Error().Err(err).Msg("failed to fetch owning order for entry")
		return
	}

	auth, err := s.reconciler.Authorize(order.ProviderAccountRef, entry.BillableAmount)
	if err != nil {
		var pending *types.FundsPendingError
		if errors.As(err, &pending) {
			logger.Info().Msg("entry funds pending, deferred to next sweep")
			return
		}
		logger.Error().Err(err).Msg("entry payout not authorized")
		return
	}

	attempt, err := s.executor.ExecuteTransfer(transfer.TransferRequest{
		IdempotencyKey:     transfer.IdempotencyKey(order.ProviderAccountRef, entry.EntryID, auth.Amount),
		ProviderAccountRef: order.ProviderAccountRef,
		Amount:             auth.Amount,
		EntryID:            entry.EntryID,
		OrderID:            entry.OrderID,
		Metadata: map[string]string{
			"order_id": entry.OrderID,
			"entry_id": entry.EntryID,
			"type":     "additional_hours",
		},
	})
	if err != nil {
		if errors.Is(err, types.ErrProcessorUnavailable) {
			logger.Warn().Msg("processor unavailable, entry transfer retried next sweep")
			return
		}
		logger.Error().Err(err).Msg("entry transfer execution failed")
		return
	}

	switch attempt.Outcome {
	case transfer.OutcomeSucceeded:
		if _, err := s.billing.MarkTransferred(entry.EntryID, attempt.AttemptID); err != nil {
			logger.Error().Err(err).Msg("entry transfer succeeded but status update failed")
			return
		}
		s.publish(events.RoutePayoutSucceeded, events.PayoutSucceeded{
			OrderID:    entry.OrderID,
			EntryID:    entry.EntryID,
			Amount:     attempt.RequestedAmount,
			AttemptID:  attempt.AttemptID,
			OccurredAt: time.Now(),
		})
	case transfer.OutcomeFailed:
		logger.Error().Str("reason", attempt.FailureReason).Msg("processor rejected entry transfer")
		s.publish(events.RoutePayoutFailed, events.PayoutFailed{
			OrderID:    entry.OrderID,
			EntryID:    entry.EntryID,
			Reason:     attempt.FailureReason,
			AttemptID:  attempt.AttemptID,
			OccurredAt: time.Now(),
		})
	}
}

// completeSettledOrders finalizes transferred orders once every additional
// billing entry has also been paid out.
func (s *Sweeper) completeSettledOrders() {
	logger := log.With().Str("component", "reconciliation_sweeper").Logger()

	orders, err := s.ledger.GetDB().GetOrdersByState(types.OrderTransferred)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch transferred orders")
		return
	}

	for _, order := range orders {
		if _, err := s.ledger.MarkCompleted(order.OrderID); err != nil {
			if errors.Is(err, ledger.ErrEntriesOutstanding) {
				logger.Debug().Str("order_id", order.OrderID).Msg("completion blocked by outstanding entries")
				continue
			}
			logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("failed to complete order")
			continue
		}
		logger.Info().Str("order_id", order.OrderID).Msg("order completed")
	}
}

// verifyLedgerIntegrity checks the fee-split invariant on settled orders.
// A violation is a data-integrity signal, never auto-corrected: it is
// published for manual review since it may indicate a double charge or a
// lost transfer.
func (s *Sweeper) verifyLedgerIntegrity() {
	logger := log.With().Str("component", "reconciliation_sweeper").Logger()

	for _, state := range []types.OrderState{types.OrderTransferred, types.OrderCompleted} {
		orders, err := s.ledger.GetDB().GetOrdersByState(state)
		if err != nil {
			logger.Error().Err(err).Msg("failed to fetch orders for integrity check")
			return
		}
		for _, order := range orders {
			if order.SplitConsistent() {
				continue
			}
			logger.Error().
				Str("order_id", order.OrderID).
				Int64("gross_amount", order.GrossAmount).
				Int64("platform_fee", order.PlatformFee).
				Int64("net_payout", order.NetPayoutAmount).
				Msg("fee split does not reconcile, manual review required")
			s.publish(events.RouteReconciliationMismatch, events.ReconciliationMismatchDetected{
				OrderID:    order.OrderID,
				Expected:   order.GrossAmount,
				Actual:     order.PlatformFee + order.NetPayoutAmount,
				OccurredAt: time.Now(),
			})
		}
	}
}

func (s *Sweeper) publish(routingKey string, event interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(routingKey, event); err != nil {
		log.Error().Err(err).
			Str("routing_key", routingKey).
			Str("component", "reconciliation_sweeper").
			Msg("failed to publish event")
	}
}

// GinHandlers contains HTTP handlers for reconciliation endpoints
type GinHandlers struct {
	sweeper *Sweeper
}

func NewGinHandlers(sweeper *Sweeper) *GinHandlers {
	return &GinHandlers{
		sweeper: sweeper,
	}
}

// TriggerSweepHandler runs one reconciliation pass on demand.
// Requires internal authentication.
func (h *GinHandlers) TriggerSweepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.sweeper.RunSweep(); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"message": "reconciliation sweep completed"})
	}
}
