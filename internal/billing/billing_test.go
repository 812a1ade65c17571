package billing

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/dienstmarkt/escrow-api/internal/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "billing.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&types.Order{}, &Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	return NewService(db)
}

func seedOrder(t *testing.T, svc *Service, state types.OrderState) *types.Order {
	t.Helper()
	order := &types.Order{
		OrderID:            "ORD_" + uuid.New().String(),
		CustomerID:         "CUST_1",
		ProviderAccountRef: "acct_provider_1",
		GrossAmount:        285600,
		FeeRateAtCapture:   decimal.RequireFromString("0.045"),
		PlatformFee:        12852,
		NetPayoutAmount:    272748,
		State:              state,
	}
	if err := svc.db.db.Create(order).Error; err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
	return order
}

func TestRecordEntryRequiresEligibleOrder(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		state    types.OrderState
		eligible bool
	}{
		{types.OrderCreated, false},
		{types.OrderPaidClearing, false},
		{types.OrderHeld, true},
		{types.OrderReleased, true},
		{types.OrderTransferring, true},
		{types.OrderTransferred, true},
		{types.OrderCompleted, false},
		{types.OrderFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			order := seedOrder(t, svc, tt.state)
			_, err := svc.RecordEntry(order.OrderID, 2, 6500)

			if tt.eligible {
				if err != nil {
					t.Fatalf("entry on %s order should be allowed: %v", tt.state, err)
				}
				return
			}
			var notEligible *types.OrderNotEligibleError
			if !errors.As(err, &notEligible) {
				t.Fatalf("entry on %s order: got %v, want OrderNotEligibleError", tt.state, err)
			}
		})
	}
}

func TestRecordEntrySnapshotsHourlyRate(t *testing.T) {
	svc := newTestService(t)
	order := seedOrder(t, svc, types.OrderHeld)

	entry, err := svc.RecordEntry(order.OrderID, 8, 6500)
	if err != nil {
		t.Fatalf("record entry: %v", err)
	}

	if entry.BillableAmount != 52000 {
		t.Errorf("billable: got %d, want 52000", entry.BillableAmount)
	}
	if entry.HourlyRateAtEntry != 6500 {
		t.Errorf("rate snapshot: got %d, want 6500", entry.HourlyRateAtEntry)
	}
	if entry.Status != EntryPending {
		t.Errorf("status: got %s, want %s", entry.Status, EntryPending)
	}
}

func TestRecordEntryRejectsNonPositiveInputs(t *testing.T) {
	svc := newTestService(t)
	order := seedOrder(t, svc, types.OrderHeld)

	if _, err := svc.RecordEntry(order.OrderID, 0, 6500); err == nil {
		t.Error("zero hours should be rejected")
	}
	if _, err := svc.RecordEntry(order.OrderID, 2, 0); err == nil {
		t.Error("zero hourly rate should be rejected")
	}
	if _, err := svc.RecordEntry("ORD_missing", 2, 6500); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("unknown order: got %v, want record not found", err)
	}
}

func TestEntryLifecycle(t *testing.T) {
	svc := newTestService(t)
	order := seedOrder(t, svc, types.OrderHeld)

	entry, err := svc.RecordEntry(order.OrderID, 3, 4500)
	if err != nil {
		t.Fatalf("record entry: %v", err)
	}

	// An entry cannot jump straight to transferred.
	var invalid *types.InvalidTransitionError
	if _, err := svc.MarkTransferred(entry.EntryID, "PAY_test"); !errors.As(err, &invalid) {
		t.Fatalf("transfer from pending: got %v, want InvalidTransitionError", err)
	}

	held, err := svc.HoldEntry(entry.EntryID)
	if err != nil {
		t.Fatalf("hold entry: %v", err)
	}
	if held.Status != EntryPlatformHeld || held.HeldAt == nil {
		t.Errorf("held entry: status %s, held_at %v", held.Status, held.HeldAt)
	}

	transferred, err := svc.MarkTransferred(entry.EntryID, "PAY_test")
	if err != nil {
		t.Fatalf("mark transferred: %v", err)
	}
	if transferred.Status != EntryTransferred || transferred.PayoutAttemptID != "PAY_test" {
		t.Errorf("transferred entry: status %s, attempt %s", transferred.Status, transferred.PayoutAttemptID)
	}

	// Terminal: holding again is rejected.
	if _, err := svc.HoldEntry(entry.EntryID); !errors.As(err, &invalid) {
		t.Errorf("hold on transferred entry: got %v, want InvalidTransitionError", err)
	}
}

func TestAllEntriesTransferred(t *testing.T) {
	svc := newTestService(t)
	order := seedOrder(t, svc, types.OrderHeld)

	// No entries at all counts as settled.
	done, err := svc.AllEntriesTransferred(order.OrderID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !done {
		t.Error("order without entries should count as settled")
	}

	first, err := svc.RecordEntry(order.OrderID, 2, 4500)
	if err != nil {
		t.Fatalf("record entry: %v", err)
	}
	second, err := svc.RecordEntry(order.OrderID, 1, 4500)
	if err != nil {
		t.Fatalf("record entry: %v", err)
	}

	done, _ = svc.AllEntriesTransferred(order.OrderID)
	if done {
		t.Error("pending entries should block settlement")
	}

	for _, id := range []string{first.EntryID, second.EntryID} {
		if _, err := svc.HoldEntry(id); err != nil {
			t.Fatalf("hold: %v", err)
		}
	}
	done, _ = svc.AllEntriesTransferred(order.OrderID)
	if done {
		t.Error("held entries should still block settlement")
	}

	for _, id := range []string{first.EntryID, second.EntryID} {
		if _, err := svc.MarkTransferred(id, "PAY_test"); err != nil {
			t.Fatalf("transfer: %v", err)
		}
	}
	done, _ = svc.AllEntriesTransferred(order.OrderID)
	if !done {
		t.Error("fully transferred entries should settle the order")
	}
}

func TestAuditEntryTotalsUsesSnapshots(t *testing.T) {
	svc := newTestService(t)
	order := seedOrder(t, svc, types.OrderHeld)

	// Two entries logged when the provider charged 45.00/h, one after a rate
	// change to 65.00/h.
	if _, err := svc.RecordEntry(order.OrderID, 4, 4500); err != nil {
		t.Fatalf("record entry: %v", err)
	}
	if _, err := svc.RecordEntry(order.OrderID, 2, 4500); err != nil {
		t.Fatalf("record entry: %v", err)
	}
	if _, err := svc.RecordEntry(order.OrderID, 3, 6500); err != nil {
		t.Fatalf("record entry: %v", err)
	}

	const wantTotal = 4*4500 + 2*4500 + 3*6500

	result, err := svc.AuditEntryTotals(order.OrderID, wantTotal)
	if err != nil {
		t.Fatalf("audit with correct total: %v", err)
	}
	if result.ExpectedTotal != wantTotal || result.EntryCount != 3 {
		t.Errorf("audit result: %+v", result)
	}

	// A reporter that recomputed everything at the current 65.00/h rate gets
	// flagged, never silently corrected.
	wrongTotal := int64((4 + 2 + 3) * 6500)
	var mismatch *types.ReconciliationMismatchError
	result, err = svc.AuditEntryTotals(order.OrderID, wrongTotal)
	if !errors.As(err, &mismatch) {
		t.Fatalf("audit with wrong total: got %v, want ReconciliationMismatchError", err)
	}
	if mismatch.Expected != wantTotal || mismatch.Actual != wrongTotal {
		t.Errorf("mismatch detail: %+v", mismatch)
	}
	if result == nil || result.ExpectedTotal != wantTotal {
		t.Errorf("audit result on mismatch: %+v", result)
	}
}
