// Package transfer issues idempotent transfer requests to the external
// payment processor and keeps the PayoutAttempt audit trail. At-most-one
// successful transfer per logical obligation is the single most important
// correctness property of the engine; it is enforced by checking the
// deterministic idempotency key against prior attempts before any
// processor call is made, and by the processor-side key dedupe behind that.
package transfer

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/dienstmarkt/escrow-api/internal/processor"
	"github.com/dienstmarkt/escrow-api/internal/types"
	"github.com/dienstmarkt/escrow-api/pkg/response"
)

// Executor issues transfers against the processor and records outcomes.
type Executor struct {
	db        *Database
	processor processor.Client
}

func NewExecutor(gormDB *gorm.DB, client processor.Client) *Executor {
	return &Executor{
		db:        NewDatabase(gormDB),
		processor: client,
	}
}

// GetDB exposes the attempt store to the reconciliation sweeper.
func (e *Executor) GetDB() *Database {
	return e.db
}

// TransferRequest describes one payout obligation to execute.
type TransferRequest struct {
	IdempotencyKey     string
	ProviderAccountRef string
	Amount             int64
	OrderID            string
	EntryID            string
	Metadata           map[string]string
}

// ExecuteTransfer moves money for one obligation. Safe to call any number
// of times with the same idempotency key: a recorded outcome is returned
// as-is, a pending attempt is resolved against the processor before
// anything new is created, and only a never-seen key produces a transfer.
//
// On processor-reported failure the attempt is recorded failed and not
// retried automatically; it lands in the operator queue. On network
// ambiguity (request possibly sent, response unknown) the attempt stays
// pending and ErrProcessorUnavailable is returned; the next reconciliation
// sweep re-queries the processor by key before creating a new transfer.
func (e *Executor) ExecuteTransfer(req TransferRequest) (*PayoutAttempt, error) {
	logger := log.With().
		Str("idempotency_key", req.IdempotencyKey).
		Str("provider_account_ref", req.ProviderAccountRef).
		Int64("amount", req.Amount).
		Str("service", "transfer").
		Logger()

	if req.IdempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive, got %d", req.Amount)
	}

	attempt, err := e.db.GetAttemptByKey(req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to look up payout attempt: %w", err)
	}

	if attempt != nil {
		switch attempt.Outcome {
		case OutcomeSucceeded, OutcomeFailed:
			logger.Info().
				Str("attempt_id", attempt.AttemptID).
				Str("outcome", string(attempt.Outcome)).
				Msg("returning recorded outcome for idempotency key")
			return attempt, nil
		case OutcomePending:
			// Crash-recovery path: the request may or may not have reached
			// the processor. Ask before creating anything new.
			return e.resolvePending(attempt)
		}
	}

	attempt = &PayoutAttempt{
		AttemptID:          "PAY_" + uuid.New().String(),
		IdempotencyKey:     req.IdempotencyKey,
		ProviderAccountRef: req.ProviderAccountRef,
		OrderID:            req.OrderID,
		EntryID:            req.EntryID,
		RequestedAmount:    req.Amount,
		Outcome:            OutcomePending,
	}

	// The attempt row is persisted before the processor call so that a
	// crash between the two leaves a pending marker to recover from.
	if err := e.db.CreateAttempt(attempt); err != nil {
		return nil, fmt.Errorf("failed to create payout attempt: %w", err)
	}

	logger.Info().Str("attempt_id", attempt.AttemptID).Msg("issuing transfer to processor")

	result, err := e.processor.CreateTransfer(req.IdempotencyKey, req.ProviderAccountRef, req.Amount, req.Metadata)
	if err != nil {
		if errors.Is(err, types.ErrProcessorUnavailable) {
			logger.Warn().Msg("processor unavailable, attempt left pending for next sweep")
			return attempt, types.ErrProcessorUnavailable
		}
		logger.Error().Err(err).Msg("transfer rejected by processor")
		if rerr := e.db.ResolveAttempt(attempt.AttemptID, "", OutcomeFailed, err.Error()); rerr != nil {
			return nil, rerr
		}
		attempt.Outcome = OutcomeFailed
		attempt.FailureReason = err.Error()
		return attempt, nil
	}

	return e.recordResult(attempt, result)
}

// ResolvePendingAttempt re-queries the processor for a transfer matching a
// pending attempt's idempotency key. Called by the reconciliation sweep.
func (e *Executor) ResolvePendingAttempt(attemptID string) (*PayoutAttempt, error) {
	attempt, err := e.db.GetAttempt(attemptID)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, gorm.ErrRecordNotFound
	}
	if attempt.Outcome != OutcomePending {
		return attempt, nil
	}
	return e.resolvePending(attempt)
}

func (e *Executor) resolvePending(attempt *PayoutAttempt) (*PayoutAttempt, error) {
	logger := log.With().
		Str("attempt_id", attempt.AttemptID).
		Str("idempotency_key", attempt.IdempotencyKey).
		Str("service", "transfer").
		Logger()

	existing, err := e.processor.FindTransferByIdempotencyKey(attempt.IdempotencyKey)
	if err != nil {
		if errors.Is(err, types.ErrProcessorUnavailable) {
			return attempt, types.ErrProcessorUnavailable
		}
		return nil, fmt.Errorf("failed to query processor for pending attempt: %w", err)
	}

	if existing != nil {
		logger.Info().
			Str("transfer_id", existing.TransferID).
			Str("status", string(existing.Status)).
			Msg("pending attempt matched an existing processor transfer")
		return e.recordResult(attempt, existing)
	}

	// The original request never reached the processor; the same key makes
	// the re-issue safe.
	logger.Info().Msg("no processor transfer for pending attempt, re-issuing")

	result, err := e.processor.CreateTransfer(attempt.IdempotencyKey, attempt.ProviderAccountRef, attempt.RequestedAmount, nil)
	if err != nil {
		if errors.Is(err, types.ErrProcessorUnavailable) {
			return attempt, types.ErrProcessorUnavailable
		}
		if rerr := e.db.ResolveAttempt(attempt.AttemptID, "", OutcomeFailed, err.Error()); rerr != nil {
			return nil, rerr
		}
		attempt.Outcome = OutcomeFailed
		attempt.FailureReason = err.Error()
		return attempt, nil
	}

	return e.recordResult(attempt, result)
}

func (e *Executor) recordResult(attempt *PayoutAttempt, result *processor.Transfer) (*PayoutAttempt, error) {
	outcome := OutcomeSucceeded
	if result.Status == processor.TransferFailed {
		outcome = OutcomeFailed
	}

	if err := e.db.ResolveAttempt(attempt.AttemptID, result.TransferID, outcome, result.FailureReason); err != nil {
		if errors.Is(err, types.ErrVersionConflict) {
			// A concurrent sweep resolved it first; their record wins.
			return e.db.GetAttempt(attempt.AttemptID)
		}
		return nil, fmt.Errorf("failed to record transfer outcome: %w", err)
	}

	attempt.ProcessorTransferID = result.TransferID
	attempt.Outcome = outcome
	attempt.FailureReason = result.FailureReason

	log.Info().
		Str("attempt_id", attempt.AttemptID).
		Str("transfer_id", result.TransferID).
		Str("outcome", string(outcome)).
		Str("service", "transfer").
		Msg("transfer outcome recorded")

	return attempt, nil
}

// GinHandlers contains HTTP handlers for payout attempt endpoints
type GinHandlers struct {
	executor *Executor
}

func NewGinHandlers(executor *Executor) *GinHandlers {
	return &GinHandlers{
		executor: executor,
	}
}

// GetAttemptHandler returns one payout attempt from the audit trail
// URL parameter: attempt_id
func (h *GinHandlers) GetAttemptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		attemptID := c.Param("attempt_id")

		attempt, err := h.executor.db.GetAttempt(attemptID)
		if err == nil && attempt == nil {
			response.NotFound(c, "Payout attempt not found")
			return
		}
		response.Handle(c, attempt, err)
	}
}

// GetFailedAttemptsHandler returns the operator queue of failed payouts.
// Requires internal authentication.
func (h *GinHandlers) GetFailedAttemptsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		attempts, err := h.executor.db.GetFailedAttempts()
		response.Handle(c, attempts, err)
	}
}
