package ledger

import (
	"github.com/dienstmarkt/escrow-api/internal/types"
)

// orderTransitions is the single authoritative adjacency table for the
// escrow state machine. Any transition not listed here fails with
// InvalidTransitionError; transitions are never silently coerced.
//
//	created -> paid_clearing -> held -> released -> transferring
//	        -> transferred -> completed
//
// failed is reachable from every non-terminal state on unrecoverable error.
var orderTransitions = map[types.OrderState][]types.OrderState{
	types.OrderCreated:      {types.OrderPaidClearing, types.OrderFailed},
	types.OrderPaidClearing: {types.OrderHeld, types.OrderFailed},
	types.OrderHeld:         {types.OrderReleased, types.OrderFailed},
	types.OrderReleased:     {types.OrderTransferring, types.OrderFailed},
	types.OrderTransferring: {types.OrderTransferred, types.OrderFailed},
	types.OrderTransferred:  {types.OrderCompleted, types.OrderFailed},
	types.OrderCompleted:    {},
	types.OrderFailed:       {},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to types.OrderState) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CreateOrderRequest is the payload for creating an order prior to capture.
type CreateOrderRequest struct {
	CustomerID         string `json:"customer_id" binding:"required"`
	ProviderAccountRef string `json:"provider_account_ref" binding:"required"`
}

// CaptureRequest is the payload confirming a captured payment for an order.
type CaptureRequest struct {
	GrossAmount int64 `json:"gross_amount" binding:"required"`
}
