package reconcile

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/dienstmarkt/escrow-api/internal/billing"
	"github.com/dienstmarkt/escrow-api/internal/ledger"
	"github.com/dienstmarkt/escrow-api/internal/processor"
	"github.com/dienstmarkt/escrow-api/internal/transfer"
	"github.com/dienstmarkt/escrow-api/internal/types"
)

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events map[string]int
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(map[string]int)}
}

func (p *recordingPublisher) Publish(routingKey string, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[routingKey]++
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[routingKey]
}

type sweepFixture struct {
	sweeper   *Sweeper
	ledger    *ledger.Service
	billing   *billing.Service
	executor  *transfer.Executor
	sim       *processor.Simulated
	publisher *recordingPublisher
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sweep.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&types.Order{}, &billing.Entry{}, &transfer.PayoutAttempt{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	sim := processor.NewSimulated()
	ledgerSvc := ledger.NewService(db, decimal.RequireFromString("0.045"), 0)
	billingSvc := billing.NewService(db)
	ledgerSvc.SetEntryAuditor(billingSvc)
	executor := transfer.NewExecutor(db, sim)
	publisher := newRecordingPublisher()

	sweeper := NewSweeper(ledgerSvc, billingSvc, NewReconciler(sim), executor, publisher, time.Minute)

	return &sweepFixture{
		sweeper:   sweeper,
		ledger:    ledgerSvc,
		billing:   billingSvc,
		executor:  executor,
		sim:       sim,
		publisher: publisher,
	}
}

// capturedOrder creates an order and records its capture; with a zero
// clearing hold it is ready for the escrow hold immediately.
func (f *sweepFixture) capturedOrder(t *testing.T, gross int64) *types.Order {
	t.Helper()
	order, err := f.ledger.CreateOrder("CUST_1", "acct_provider_1")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := f.ledger.CapturePayment(order.OrderID, gross, f.ledger.FeeRate()); err != nil {
		t.Fatalf("capture: %v", err)
	}
	f.sim.AddPending("acct_provider_1", gross)
	return order
}

func (f *sweepFixture) orderState(t *testing.T, orderID string) types.OrderState {
	t.Helper()
	order, err := f.ledger.GetOrder(orderID)
	if err != nil || order == nil {
		t.Fatalf("get order %s: %v", orderID, err)
	}
	return order.State
}

func (f *sweepFixture) sweep(t *testing.T) {
	t.Helper()
	if err := f.sweeper.RunSweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}
}

func TestSweepDrivesOrderToCompletion(t *testing.T) {
	f := newSweepFixture(t)
	f.sim.SetAccount("acct_provider_1", 0, 0, true)

	order := f.capturedOrder(t, 285600)

	// First sweep places the escrow hold.
	f.sweep(t)
	if got := f.orderState(t, order.OrderID); got != types.OrderHeld {
		t.Fatalf("state after first sweep: got %s, want %s", got, types.OrderHeld)
	}

	if _, err := f.ledger.MarkReleased(order.OrderID); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Additional hours logged after settlement, 8h at 65.00/h.
	entry, err := f.billing.RecordEntry(order.OrderID, 8, 6500)
	if err != nil {
		t.Fatalf("record entry: %v", err)
	}
	if _, err := f.billing.HoldEntry(entry.EntryID); err != nil {
		t.Fatalf("hold entry: %v", err)
	}
	f.sim.AddPending("acct_provider_1", entry.BillableAmount)
	f.sim.SettlePending("acct_provider_1")

	// Second sweep pays the base payout and the entry, then completes.
	f.sweep(t)
	if got := f.orderState(t, order.OrderID); got != types.OrderCompleted {
		t.Fatalf("state after payout sweep: got %s, want %s", got, types.OrderCompleted)
	}

	// The base payout moved exactly the snapshotted net amount.
	baseKey := transfer.IdempotencyKey("acct_provider_1", order.OrderID, 272748)
	baseAttempt, err := f.executor.GetDB().GetAttemptByKey(baseKey)
	if err != nil || baseAttempt == nil {
		t.Fatalf("base attempt missing: %v", err)
	}
	if baseAttempt.RequestedAmount != 272748 || baseAttempt.Outcome != transfer.OutcomeSucceeded {
		t.Errorf("base attempt: amount %d outcome %s", baseAttempt.RequestedAmount, baseAttempt.Outcome)
	}

	// The entry payout moved the snapshot-derived billable amount.
	entryKey := transfer.IdempotencyKey("acct_provider_1", entry.EntryID, 52000)
	entryAttempt, err := f.executor.GetDB().GetAttemptByKey(entryKey)
	if err != nil || entryAttempt == nil {
		t.Fatalf("entry attempt missing: %v", err)
	}
	if entryAttempt.RequestedAmount != 52000 {
		t.Errorf("entry attempt amount: got %d, want 52000", entryAttempt.RequestedAmount)
	}

	paidEntry, err := f.billing.GetEntry(entry.EntryID)
	if err != nil || paidEntry == nil {
		t.Fatalf("get entry: %v", err)
	}
	if paidEntry.Status != billing.EntryTransferred {
		t.Errorf("entry status: got %s, want %s", paidEntry.Status, billing.EntryTransferred)
	}

	if got := f.sim.TransferCount(); got != 2 {
		t.Errorf("processor transfers: got %d, want exactly 2", got)
	}
	if got := f.publisher.count("escrow.payout.succeeded"); got != 2 {
		t.Errorf("payout succeeded events: got %d, want 2", got)
	}

	// Further sweeps are no-ops on a completed order.
	f.sweep(t)
	if got := f.sim.TransferCount(); got != 2 {
		t.Errorf("processor transfers after extra sweep: got %d, want 2", got)
	}
}

func TestSweepDefersWhileFundsPending(t *testing.T) {
	f := newSweepFixture(t)
	f.sim.SetAccount("acct_provider_1", 0, 0, true)

	order := f.capturedOrder(t, 6000)
	f.sweep(t)
	if _, err := f.ledger.MarkReleased(order.OrderID); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Capture has not settled processor-side: the sweep defers, no transfer,
	// no failure.
	f.sweep(t)
	if got := f.orderState(t, order.OrderID); got != types.OrderReleased {
		t.Fatalf("state with pending funds: got %s, want %s", got, types.OrderReleased)
	}
	if got := f.sim.TransferCount(); got != 0 {
		t.Fatalf("no transfer may be issued while funds are pending, got %d", got)
	}
	if got := f.publisher.count("escrow.payout.failed"); got != 0 {
		t.Fatalf("pending funds must not fail the order, got %d failure events", got)
	}

	// The processor settles; the next sweep pays out.
	f.sim.SettlePending("acct_provider_1")
	f.sweep(t)
	if got := f.orderState(t, order.OrderID); got != types.OrderCompleted {
		t.Fatalf("state after settlement sweep: got %s, want %s", got, types.OrderCompleted)
	}
	if got := f.sim.TransferCount(); got != 1 {
		t.Errorf("processor transfers: got %d, want 1", got)
	}
}

func TestSweepFailsOrderOnInsufficientFunds(t *testing.T) {
	f := newSweepFixture(t)

	order, err := f.ledger.CreateOrder("CUST_1", "acct_empty")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := f.ledger.CapturePayment(order.OrderID, 6000, f.ledger.FeeRate()); err != nil {
		t.Fatalf("capture: %v", err)
	}
	f.sim.SetAccount("acct_empty", 0, 0, true)

	f.sweep(t)
	if _, err := f.ledger.MarkReleased(order.OrderID); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Neither available nor pending covers the payout: operator halt.
	f.sweep(t)
	if got := f.orderState(t, order.OrderID); got != types.OrderFailed {
		t.Fatalf("state: got %s, want %s", got, types.OrderFailed)
	}
	if got := f.sim.TransferCount(); got != 0 {
		t.Errorf("no transfer may be issued on insufficient funds, got %d", got)
	}
	if got := f.publisher.count("escrow.payout.failed"); got != 1 {
		t.Errorf("payout failed events: got %d, want 1", got)
	}

	final, err := f.ledger.GetOrder(order.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if final.FailureReason == "" {
		t.Error("failed order should carry the reason for the operator queue")
	}
}

func TestSweepResolvesLostTransferReply(t *testing.T) {
	f := newSweepFixture(t)
	f.sim.SetAccount("acct_provider_1", 0, 0, true)

	order := f.capturedOrder(t, 6000)
	f.sweep(t)
	if _, err := f.ledger.MarkReleased(order.OrderID); err != nil {
		t.Fatalf("release: %v", err)
	}
	f.sim.SettlePending("acct_provider_1")

	// The transfer executes processor-side but the reply is lost mid-sweep.
	f.sim.DropNextTransferReply()
	f.sweep(t)

	if got := f.orderState(t, order.OrderID); got != types.OrderTransferring {
		t.Fatalf("state after lost reply: got %s, want %s", got, types.OrderTransferring)
	}
	if got := f.sim.TransferCount(); got != 1 {
		t.Fatalf("the transfer did execute processor-side, count %d", got)
	}

	// The next sweep matches the in-flight order against the processor by
	// idempotency key instead of moving money again.
	f.sweep(t)
	if got := f.orderState(t, order.OrderID); got != types.OrderCompleted {
		t.Fatalf("state after resolution sweep: got %s, want %s", got, types.OrderCompleted)
	}
	if got := f.sim.TransferCount(); got != 1 {
		t.Errorf("processor transfers: got %d, want exactly 1", got)
	}
	if got := f.publisher.count("escrow.payout.succeeded"); got != 1 {
		t.Errorf("payout succeeded events: got %d, want 1", got)
	}
}

func TestSweepRejectsPayoutToDisabledAccount(t *testing.T) {
	f := newSweepFixture(t)
	f.sim.SetAccount("acct_provider_1", 0, 0, false)

	order := f.capturedOrder(t, 6000)
	f.sweep(t)
	if _, err := f.ledger.MarkReleased(order.OrderID); err != nil {
		t.Fatalf("release: %v", err)
	}
	f.sim.SettlePending("acct_provider_1")

	f.sweep(t)
	if got := f.orderState(t, order.OrderID); got != types.OrderFailed {
		t.Fatalf("state: got %s, want %s", got, types.OrderFailed)
	}

	queue, err := f.executor.GetDB().GetFailedAttempts()
	if err != nil {
		t.Fatalf("operator queue: %v", err)
	}
	if len(queue) != 1 {
		t.Fatalf("operator queue length: got %d, want 1", len(queue))
	}
	if got := f.publisher.count("escrow.payout.failed"); got != 1 {
		t.Errorf("payout failed events: got %d, want 1", got)
	}
}
