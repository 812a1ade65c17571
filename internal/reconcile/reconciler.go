// Package reconcile compares what the internal ledger believes is payable
// against the external processor's reported balances before authorizing any
// money movement, and runs the periodic sweep that drives eligible payouts
// through the transfer executor.
package reconcile

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dienstmarkt/escrow-api/internal/processor"
	"github.com/dienstmarkt/escrow-api/internal/types"
)

// Authorization is the go-ahead for one payout. Amount always equals the
// requested amount exactly: the requested amount is the net figure already
// computed by the fee calculator, and the processor's automatic fee skim
// must never be subtracted from it a second time. Reducing the amount here
// by re-deducting the platform fee is precisely the defect class this
// contract exists to prevent.
type Authorization struct {
	AccountRef       string    `json:"account_ref"`
	Amount           int64     `json:"amount"` // cents; == requested, never reduced
	BalanceAvailable int64     `json:"balance_available"`
	BalancePending   int64     `json:"balance_pending"`
	AuthorizedAt     time.Time `json:"authorized_at"`
}

// Reconciler gates payouts on the processor's balance snapshot.
type Reconciler struct {
	processor processor.Client
}

func NewReconciler(client processor.Client) *Reconciler {
	return &Reconciler{processor: client}
}

// Authorize checks whether the account's available balance covers the
// requested amount. A payout is all-or-nothing: there is no partial
// authorization.
//
// available >= requested:             authorized for the full amount
// available < requested <= pending:   FundsPendingError, retry next sweep
// otherwise:                          InsufficientFundsError, operator halt
//
// The balance snapshot is a side-effect-free read and is never persisted
// or treated as authoritative for ledger state.
func (r *Reconciler) Authorize(providerAccountRef string, requestedAmount int64) (*Authorization, error) {
	logger := log.With().
		Str("provider_account_ref", providerAccountRef).
		Int64("requested_amount", requestedAmount).
		Str("service", "reconcile").
		Logger()

	balance, err := r.processor.RetrieveBalance(providerAccountRef)
	if err != nil {
		logger.Error().Err(err).Msg("failed to retrieve processor balance")
		return nil, err
	}

	logger.Debug().
		Int64("available", balance.Available).
		Int64("pending", balance.Pending).
		Msg("retrieved processor balance snapshot")

	if balance.Available >= requestedAmount {
		logger.Info().Msg("payout authorized for full requested amount")
		return &Authorization{
			AccountRef:       providerAccountRef,
			Amount:           requestedAmount,
			BalanceAvailable: balance.Available,
			BalancePending:   balance.Pending,
			AuthorizedAt:     time.Now(),
		}, nil
	}

	if balance.Pending >= requestedAmount {
		logger.Info().Msg("funds still pending on processor side, retry next sweep")
		return nil, &types.FundsPendingError{
			AccountRef: providerAccountRef,
			Requested:  requestedAmount,
			Available:  balance.Available,
			Pending:    balance.Pending,
		}
	}

	logger.Error().Msg("neither available nor pending covers the obligation, halting for operator")
	return nil, &types.InsufficientFundsError{
		AccountRef: providerAccountRef,
		Requested:  requestedAmount,
		Available:  balance.Available,
		Pending:    balance.Pending,
	}
}
