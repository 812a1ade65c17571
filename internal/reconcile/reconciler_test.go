package reconcile

import (
	"errors"
	"testing"

	"github.com/dienstmarkt/escrow-api/internal/processor"
	"github.com/dienstmarkt/escrow-api/internal/types"
)

func TestAuthorizeFullRequestedAmount(t *testing.T) {
	sim := processor.NewSimulated()
	sim.SetAccount("acct_provider_1", 5730, 0, true)
	r := NewReconciler(sim)

	auth, err := r.Authorize("acct_provider_1", 5730)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if auth.Amount != 5730 {
		t.Errorf("authorized amount: got %d, want exactly the requested 5730", auth.Amount)
	}
	if auth.BalanceAvailable != 5730 {
		t.Errorf("balance snapshot: got %d", auth.BalanceAvailable)
	}
}

// The requested amount is already net of the platform fee. An authorization
// that deducts the fee again (5730 - 270 = 5460 on a 6000 gross at 4.5%)
// would short every provider; the amount must pass through untouched even
// when the balance would cover a larger figure.
func TestAuthorizeNeverDeductsFeeAgain(t *testing.T) {
	sim := processor.NewSimulated()
	sim.SetAccount("acct_provider_1", 6000, 0, true)
	r := NewReconciler(sim)

	auth, err := r.Authorize("acct_provider_1", 5730)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if auth.Amount == 5460 {
		t.Fatal("authorization deducted the platform fee a second time")
	}
	if auth.Amount != 5730 {
		t.Errorf("authorized amount: got %d, want 5730", auth.Amount)
	}
}

func TestAuthorizeFundsPending(t *testing.T) {
	sim := processor.NewSimulated()
	sim.SetAccount("acct_provider_1", 1000, 5730, true)
	r := NewReconciler(sim)

	_, err := r.Authorize("acct_provider_1", 5730)
	var pending *types.FundsPendingError
	if !errors.As(err, &pending) {
		t.Fatalf("got %v, want FundsPendingError", err)
	}
	if pending.Available != 1000 || pending.Pending != 5730 {
		t.Errorf("error detail: %+v", pending)
	}

	// Once the processor settles the pending bucket the same request passes.
	sim.SettlePending("acct_provider_1")
	auth, err := r.Authorize("acct_provider_1", 5730)
	if err != nil {
		t.Fatalf("authorize after settlement: %v", err)
	}
	if auth.Amount != 5730 {
		t.Errorf("authorized amount: got %d, want 5730", auth.Amount)
	}
}

func TestAuthorizeInsufficientFunds(t *testing.T) {
	sim := processor.NewSimulated()
	sim.SetAccount("acct_provider_1", 1000, 2000, true)
	r := NewReconciler(sim)

	_, err := r.Authorize("acct_provider_1", 5730)
	var insufficient *types.InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("got %v, want InsufficientFundsError", err)
	}
}

func TestAuthorizePropagatesProcessorOutage(t *testing.T) {
	sim := processor.NewSimulated()
	sim.SetUnavailable(true)
	r := NewReconciler(sim)

	if _, err := r.Authorize("acct_provider_1", 100); !errors.Is(err, types.ErrProcessorUnavailable) {
		t.Fatalf("got %v, want ErrProcessorUnavailable", err)
	}
}
