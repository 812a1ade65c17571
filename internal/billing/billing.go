// Package billing tracks supplementary charges (extra hours logged after an
// order's base amount was settled) through their own small lifecycle:
// pending -> platform_held -> transferred. Entries merge into the same
// provider payout account as the base order but never disturb money that
// has already settled.
package billing

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/dienstmarkt/escrow-api/internal/fees"
	"github.com/dienstmarkt/escrow-api/internal/types"
	"github.com/dienstmarkt/escrow-api/pkg/response"
)

// Service manages additional billing entries.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// GetDB exposes the billing database to the reconciliation sweeper.
func (s *Service) GetDB() *Database {
	return s.db
}

// entryEligible lists the order states in which additional work may be
// billed: the base order must have cleared and must not be finalized.
func entryEligible(state types.OrderState) bool {
	switch state {
	case types.OrderHeld, types.OrderReleased, types.OrderTransferring, types.OrderTransferred:
		return true
	default:
		return false
	}
}

// RecordEntry logs additional hours against an order, snapshotting the
// hourly rate in effect right now. Rejected with OrderNotEligibleError if
// the owning order has not at least reached held.
func (s *Service) RecordEntry(orderID string, hours, hourlyRateAtEntry int64) (*Entry, error) {
	logger := log.With().
		Str("order_id", orderID).
		Int64("hours", hours).
		Int64("hourly_rate_at_entry", hourlyRateAtEntry).
		Str("service", "billing").
		Logger()

	if hours <= 0 {
		return nil, fmt.Errorf("hours must be positive, got %d", hours)
	}
	if hourlyRateAtEntry <= 0 {
		return nil, fmt.Errorf("hourly rate must be positive, got %d", hourlyRateAtEntry)
	}

	order, err := s.db.GetOrderByID(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, gorm.ErrRecordNotFound
	}
	if !entryEligible(order.State) {
		return nil, &types.OrderNotEligibleError{OrderID: orderID, State: order.State}
	}

	entry := &Entry{
		EntryID:           "ENT_" + uuid.New().String(),
		OrderID:           orderID,
		Hours:             hours,
		HourlyRateAtEntry: hourlyRateAtEntry,
		BillableAmount:    fees.Billable(hours, hourlyRateAtEntry),
		Status:            EntryPending,
	}

	if err := s.db.CreateEntry(entry); err != nil {
		return nil, fmt.Errorf("failed to create billing entry: %w", err)
	}

	logger.Info().
		Str("entry_id", entry.EntryID).
		Int64("billable_amount", entry.BillableAmount).
		Msg("additional billing entry recorded")

	return entry, nil
}

// GetEntry retrieves one entry by its ID.
func (s *Service) GetEntry(entryID string) (*Entry, error) {
	return s.db.GetEntry(entryID)
}

// GetOrderEntries lists all entries of an order, oldest first.
func (s *Service) GetOrderEntries(orderID string) ([]Entry, error) {
	return s.db.GetEntriesByOrder(orderID)
}

// transition advances one entry through its state machine with a guard on
// the current status.
func (s *Service) transition(entryID string, to EntryStatus, mutate func(*Entry)) (*Entry, error) {
	entry, err := s.db.GetEntry(entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entry: %w", err)
	}
	if entry == nil {
		return nil, gorm.ErrRecordNotFound
	}

	if !CanTransition(entry.Status, to) {
		return nil, &types.InvalidTransitionError{
			Entity: "billing_entry",
			ID:     entryID,
			From:   string(entry.Status),
			To:     string(to),
		}
	}

	from := entry.Status
	entry.Status = to
	if mutate != nil {
		mutate(entry)
	}

	if err := s.db.UpdateEntryStatus(entry, from); err != nil {
		return nil, fmt.Errorf("failed to update entry: %w", err)
	}

	log.Info().
		Str("entry_id", entryID).
		Str("status", string(to)).
		Str("service", "billing").
		Msg("billing entry transitioned")

	return entry, nil
}

// HoldEntry records that the funds for this specific additional charge were
// confirmed captured on the processor side: pending -> platform_held.
func (s *Service) HoldEntry(entryID string) (*Entry, error) {
	return s.transition(entryID, EntryPlatformHeld, func(entry *Entry) {
		now := time.Now()
		entry.HeldAt = &now
	})
}

// MarkTransferred records a confirmed payout for the entry:
// platform_held -> transferred.
func (s *Service) MarkTransferred(entryID, payoutAttemptID string) (*Entry, error) {
	return s.transition(entryID, EntryTransferred, func(entry *Entry) {
		now := time.Now()
		entry.PayoutAttemptID = payoutAttemptID
		entry.TransferredAt = &now
	})
}

// AllEntriesTransferred implements the ledger's completion guard: true only
// when every entry of the order has reached transferred.
func (s *Service) AllEntriesTransferred(orderID string) (bool, error) {
	unfinished, err := s.db.CountUnfinishedEntries(orderID)
	if err != nil {
		return false, err
	}
	return unfinished == 0, nil
}

// AuditEntryTotals recomputes the order's total additional billing from
// each entry's own snapshotted hourly rate and compares it against an
// externally reported amount. A mismatch is returned as
// ReconciliationMismatchError and is never auto-corrected: it is exactly
// the signature of billing computed against a provider's current rate
// instead of the snapshot.
func (s *Service) AuditEntryTotals(orderID string, reportedTotal int64) (*AuditResult, error) {
	entries, err := s.db.GetEntriesByOrder(orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entries: %w", err)
	}

	var expected int64
	for _, entry := range entries {
		expected += fees.Billable(entry.Hours, entry.HourlyRateAtEntry)
	}

	result := &AuditResult{
		OrderID:       orderID,
		EntryCount:    len(entries),
		ExpectedTotal: expected,
		ReportedTotal: reportedTotal,
	}

	if expected != reportedTotal {
		log.Error().
			Str("order_id", orderID).
			Int64("expected_total", expected).
			Int64("reported_total", reportedTotal).
			Str("service", "billing").
			Msg("billing audit mismatch, manual review required")
		return result, &types.ReconciliationMismatchError{
			OrderID:  orderID,
			Expected: expected,
			Actual:   reportedTotal,
		}
	}

	return result, nil
}

// GinHandlers contains HTTP handlers for billing endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RecordEntryHandler handles POST requests logging additional hours
// URL parameter: order_id
func (h *GinHandlers) RecordEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		var req RecordEntryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		entry, err := h.service.RecordEntry(orderID, req.Hours, req.HourlyRateAtEntry)
		response.Handle(c, entry, err)
	}
}

// GetOrderEntriesHandler lists all billing entries of an order
func (h *GinHandlers) GetOrderEntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		entries, err := h.service.GetOrderEntries(orderID)
		response.Handle(c, entries, err)
	}
}

// HoldEntryHandler records processor-side capture confirmation for an entry.
// Requires internal authentication.
func (h *GinHandlers) HoldEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entryID := c.Param("entry_id")

		entry, err := h.service.HoldEntry(entryID)
		response.Handle(c, entry, err)
	}
}

// AuditEntryTotalsHandler compares an order's billing entries against an
// externally reported total. Query parameter: reported_total (cents).
// Requires internal authentication.
func (h *GinHandlers) AuditEntryTotalsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		reported, err := strconv.ParseInt(c.Query("reported_total"), 10, 64)
		if err != nil {
			response.BadRequest(c, "reported_total must be an integer amount in cents")
			return
		}

		result, err := h.service.AuditEntryTotals(orderID, reported)
		response.Handle(c, result, err)
	}
}
