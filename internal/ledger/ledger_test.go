package ledger

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/dienstmarkt/escrow-api/internal/types"
)

func newTestService(t *testing.T, clearingHold time.Duration) *Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&types.Order{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	return NewService(db, decimal.RequireFromString("0.045"), clearingHold)
}

func mustCreateOrder(t *testing.T, svc *Service) *types.Order {
	t.Helper()
	order, err := svc.CreateOrder("CUST_1", "acct_provider_1")
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	return order
}

func TestCreateOrderStartsInCreated(t *testing.T) {
	svc := newTestService(t, 0)
	order := mustCreateOrder(t, svc)

	if order.State != types.OrderCreated {
		t.Errorf("state: got %s, want %s", order.State, types.OrderCreated)
	}
	if order.OrderID == "" {
		t.Error("order ID should be assigned")
	}
	if order.GrossAmount != 0 {
		t.Errorf("gross amount before capture: got %d, want 0", order.GrossAmount)
	}
}

func TestCapturePaymentSnapshotsSplit(t *testing.T) {
	svc := newTestService(t, 14*24*time.Hour)
	order := mustCreateOrder(t, svc)

	before := time.Now()
	captured, err := svc.CapturePayment(order.OrderID, 6000, svc.FeeRate())
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}

	if captured.State != types.OrderPaidClearing {
		t.Errorf("state: got %s, want %s", captured.State, types.OrderPaidClearing)
	}
	if captured.PlatformFee != 270 {
		t.Errorf("platform fee: got %d, want 270", captured.PlatformFee)
	}
	if captured.NetPayoutAmount != 5730 {
		t.Errorf("net payout: got %d, want 5730", captured.NetPayoutAmount)
	}
	if !captured.SplitConsistent() {
		t.Error("fee split must reconcile to the gross amount")
	}
	if !captured.FeeRateAtCapture.Equal(decimal.RequireFromString("0.045")) {
		t.Errorf("fee rate snapshot: got %s", captured.FeeRateAtCapture)
	}

	wantEnd := before.Add(14 * 24 * time.Hour)
	if captured.ClearingEndsAt.Before(wantEnd.Add(-time.Minute)) || captured.ClearingEndsAt.After(wantEnd.Add(time.Minute)) {
		t.Errorf("clearing deadline: got %s, want about %s", captured.ClearingEndsAt, wantEnd)
	}
}

func TestCapturePaymentIdempotent(t *testing.T) {
	svc := newTestService(t, 0)
	order := mustCreateOrder(t, svc)

	first, err := svc.CapturePayment(order.OrderID, 10000, svc.FeeRate())
	if err != nil {
		t.Fatalf("first capture failed: %v", err)
	}

	// Identical snapshot is a no-op returning the recorded state.
	second, err := svc.CapturePayment(order.OrderID, 10000, svc.FeeRate())
	if err != nil {
		t.Fatalf("repeat capture should be a no-op, got: %v", err)
	}
	if second.PlatformFee != first.PlatformFee || second.Version != first.Version {
		t.Error("repeat capture must not change the order")
	}

	// A differing snapshot is rejected.
	var already *types.AlreadyCapturedError
	if _, err := svc.CapturePayment(order.OrderID, 12000, svc.FeeRate()); !errors.As(err, &already) {
		t.Errorf("differing capture: got %v, want AlreadyCapturedError", err)
	}
}

func TestCapturePaymentRejectsNonPositiveAmount(t *testing.T) {
	svc := newTestService(t, 0)
	order := mustCreateOrder(t, svc)

	if _, err := svc.CapturePayment(order.OrderID, 0, svc.FeeRate()); err == nil {
		t.Error("zero gross amount should be rejected")
	}
	if _, err := svc.CapturePayment(order.OrderID, -500, svc.FeeRate()); err == nil {
		t.Error("negative gross amount should be rejected")
	}
}

func TestMarkHeldRespectsClearingPeriod(t *testing.T) {
	svc := newTestService(t, time.Hour)
	order := mustCreateOrder(t, svc)
	if _, err := svc.CapturePayment(order.OrderID, 6000, svc.FeeRate()); err != nil {
		t.Fatalf("capture failed: %v", err)
	}

	var notElapsed *types.ClearingNotElapsedError
	if _, err := svc.MarkHeld(order.OrderID); !errors.As(err, &notElapsed) {
		t.Fatalf("hold before clearing elapsed: got %v, want ClearingNotElapsedError", err)
	}

	// With a zero hold the deadline is the capture instant itself.
	svcZero := newTestService(t, 0)
	orderZero := mustCreateOrder(t, svcZero)
	if _, err := svcZero.CapturePayment(orderZero.OrderID, 6000, svcZero.FeeRate()); err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	held, err := svcZero.MarkHeld(orderZero.OrderID)
	if err != nil {
		t.Fatalf("hold with zero clearing period failed: %v", err)
	}
	if held.State != types.OrderHeld {
		t.Errorf("state: got %s, want %s", held.State, types.OrderHeld)
	}
}

func TestTransitionTableRejectsSkips(t *testing.T) {
	svc := newTestService(t, 0)
	order := mustCreateOrder(t, svc)

	var invalid *types.InvalidTransitionError

	// created orders cannot be released, transferred or completed.
	if _, err := svc.MarkReleased(order.OrderID); !errors.As(err, &invalid) {
		t.Errorf("release from created: got %v, want InvalidTransitionError", err)
	}
	if _, err := svc.BeginTransfer(order.OrderID); !errors.As(err, &invalid) {
		t.Errorf("transfer from created: got %v, want InvalidTransitionError", err)
	}
	if _, err := svc.MarkCompleted(order.OrderID); !errors.As(err, &invalid) {
		t.Errorf("complete from created: got %v, want InvalidTransitionError", err)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	svc := newTestService(t, 0)
	order := mustCreateOrder(t, svc)

	if _, err := svc.MarkFailed(order.OrderID, "capture never arrived"); err != nil {
		t.Fatalf("fail from created: %v", err)
	}

	var invalid *types.InvalidTransitionError
	if _, err := svc.CapturePayment(order.OrderID, 6000, svc.FeeRate()); err == nil {
		t.Error("capture on a failed order should be rejected")
	}
	if _, err := svc.MarkFailed(order.OrderID, "again"); !errors.As(err, &invalid) {
		t.Errorf("fail on failed order: got %v, want InvalidTransitionError", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	svc := newTestService(t, 0)
	order := mustCreateOrder(t, svc)

	if _, err := svc.CapturePayment(order.OrderID, 285600, svc.FeeRate()); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, err := svc.MarkHeld(order.OrderID); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if _, err := svc.MarkReleased(order.OrderID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := svc.BeginTransfer(order.OrderID); err != nil {
		t.Fatalf("begin transfer: %v", err)
	}
	if _, err := svc.MarkTransferred(order.OrderID, "PAY_test"); err != nil {
		t.Fatalf("transferred: %v", err)
	}

	final, err := svc.MarkCompleted(order.OrderID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if final.State != types.OrderCompleted {
		t.Errorf("state: got %s, want %s", final.State, types.OrderCompleted)
	}
	if final.PayoutAttemptID != "PAY_test" {
		t.Errorf("payout attempt: got %s, want PAY_test", final.PayoutAttemptID)
	}
	if final.PlatformFee != 12852 || final.NetPayoutAmount != 272748 {
		t.Errorf("split: got fee %d payout %d, want 12852 / 272748", final.PlatformFee, final.NetPayoutAmount)
	}
}

type stubAuditor struct {
	done bool
	err  error
}

func (s stubAuditor) AllEntriesTransferred(string) (bool, error) {
	return s.done, s.err
}

func TestMarkCompletedBlockedByOutstandingEntries(t *testing.T) {
	svc := newTestService(t, 0)
	order := mustCreateOrder(t, svc)

	for _, step := range []func(string) (*types.Order, error){
		func(id string) (*types.Order, error) { return svc.CapturePayment(id, 6000, svc.FeeRate()) },
		svc.MarkHeld,
		svc.MarkReleased,
		svc.BeginTransfer,
		func(id string) (*types.Order, error) { return svc.MarkTransferred(id, "PAY_test") },
	} {
		if _, err := step(order.OrderID); err != nil {
			t.Fatalf("setup transition failed: %v", err)
		}
	}

	svc.SetEntryAuditor(stubAuditor{done: false})
	if _, err := svc.MarkCompleted(order.OrderID); !errors.Is(err, ErrEntriesOutstanding) {
		t.Fatalf("complete with outstanding entries: got %v, want ErrEntriesOutstanding", err)
	}

	// The failed guard must not have advanced the order.
	current, err := svc.GetOrder(order.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if current.State != types.OrderTransferred {
		t.Errorf("state after blocked completion: got %s, want %s", current.State, types.OrderTransferred)
	}

	svc.SetEntryAuditor(stubAuditor{done: true})
	if _, err := svc.MarkCompleted(order.OrderID); err != nil {
		t.Fatalf("complete with settled entries: %v", err)
	}
}

func TestMarkFailedRecordsReason(t *testing.T) {
	svc := newTestService(t, 0)
	order := mustCreateOrder(t, svc)
	if _, err := svc.CapturePayment(order.OrderID, 6000, svc.FeeRate()); err != nil {
		t.Fatalf("capture: %v", err)
	}

	failed, err := svc.MarkFailed(order.OrderID, "insufficient funds on processor")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.State != types.OrderFailed {
		t.Errorf("state: got %s, want %s", failed.State, types.OrderFailed)
	}
	if failed.FailureReason != "insufficient funds on processor" {
		t.Errorf("reason: got %q", failed.FailureReason)
	}
}

func TestUpdateOrderCASRejectsStaleWriters(t *testing.T) {
	svc := newTestService(t, 0)
	order := mustCreateOrder(t, svc)

	stale, err := svc.GetOrder(order.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}

	// Another writer advances the order first.
	if _, err := svc.CapturePayment(order.OrderID, 6000, svc.FeeRate()); err != nil {
		t.Fatalf("capture: %v", err)
	}

	stale.State = types.OrderFailed
	if err := svc.GetDB().UpdateOrderCAS(stale); !errors.Is(err, types.ErrVersionConflict) {
		t.Errorf("stale write: got %v, want ErrVersionConflict", err)
	}
}
