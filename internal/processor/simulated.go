package processor

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dienstmarkt/escrow-api/internal/types"
)

// SimulatedAccount is one connected account inside the simulated processor.
type SimulatedAccount struct {
	AccountRef    string
	Available     int64
	Pending       int64
	PayoutEnabled bool
}

// Simulated is an in-memory payment processor used by tests and the
// lifecycle simulation. It mimics the behaviors the engine has to survive:
// available/pending balance buckets that settle on their own schedule,
// processor-side idempotency on transfers, accounts that are not payout
// enabled, and induced outages.
type Simulated struct {
	mu         sync.Mutex
	accounts   map[string]*SimulatedAccount
	transfers  map[string]*Transfer // keyed by idempotency key
	payouts    map[string]*Payout   // keyed by idempotency key
	unavail    bool
	dropReply  bool // next CreateTransfer performs the transfer but returns an error
	minLatency time.Duration
	maxLatency time.Duration
}

// NewSimulated creates an empty simulated processor with no latency.
func NewSimulated() *Simulated {
	return &Simulated{
		accounts:  make(map[string]*SimulatedAccount),
		transfers: make(map[string]*Transfer),
		payouts:   make(map[string]*Payout),
	}
}

// WithLatency makes every call sleep a random duration in [min, max].
func (s *Simulated) WithLatency(min, max time.Duration) *Simulated {
	s.minLatency, s.maxLatency = min, max
	return s
}

// SetAccount creates or replaces a connected account.
func (s *Simulated) SetAccount(accountRef string, available, pending int64, payoutEnabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountRef] = &SimulatedAccount{
		AccountRef:    accountRef,
		Available:     available,
		Pending:       pending,
		PayoutEnabled: payoutEnabled,
	}
}

// AddPending credits the pending bucket, like a fresh capture whose funds
// have not settled on the processor side yet.
func (s *Simulated) AddPending(accountRef string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.ensureAccount(accountRef)
	acct.Pending += amount
}

// SettlePending moves the whole pending bucket to available, simulating the
// processor's own settlement cycle completing.
func (s *Simulated) SettlePending(accountRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.ensureAccount(accountRef)
	acct.Available += acct.Pending
	acct.Pending = 0
}

// SetUnavailable makes every call fail with ErrProcessorUnavailable until
// cleared. Used to exercise retry behavior.
func (s *Simulated) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavail = down
}

// DropNextTransferReply makes the next CreateTransfer execute processor-side
// but lose the response, the ambiguous-outcome case the sweep has to resolve
// through FindTransferByIdempotencyKey.
func (s *Simulated) DropNextTransferReply() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropReply = true
}

func (s *Simulated) ensureAccount(accountRef string) *SimulatedAccount {
	acct, ok := s.accounts[accountRef]
	if !ok {
		acct = &SimulatedAccount{AccountRef: accountRef, PayoutEnabled: true}
		s.accounts[accountRef] = acct
	}
	return acct
}

func (s *Simulated) sleep() {
	if s.maxLatency <= 0 {
		return
	}
	span := s.maxLatency - s.minLatency
	d := s.minLatency
	if span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	time.Sleep(d)
}

// RetrieveBalance reports the current balance snapshot for an account.
func (s *Simulated) RetrieveBalance(accountRef string) (*Balance, error) {
	s.sleep()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavail {
		return nil, types.ErrProcessorUnavailable
	}
	acct := s.ensureAccount(accountRef)
	return &Balance{
		AccountRef: accountRef,
		Available:  acct.Available,
		Pending:    acct.Pending,
		ReportedAt: time.Now(),
	}, nil
}

// CreateTransfer moves amount from the platform into the connected account.
// Idempotent on idempotencyKey: a repeated call returns the original
// transfer without moving money again.
func (s *Simulated) CreateTransfer(idempotencyKey, accountRef string, amount int64, metadata map[string]string) (*Transfer, error) {
	s.sleep()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavail {
		return nil, types.ErrProcessorUnavailable
	}

	if existing, ok := s.transfers[idempotencyKey]; ok {
		log.Debug().
			Str("idempotency_key", idempotencyKey).
			Str("transfer_id", existing.TransferID).
			Msg("simulated processor deduplicated transfer")
		return existing, nil
	}

	if amount <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive, got %d", amount)
	}

	acct := s.ensureAccount(accountRef)

	transfer := &Transfer{
		TransferID:     "tr_" + uuid.New().String(),
		IdempotencyKey: idempotencyKey,
		AccountRef:     accountRef,
		Amount:         amount,
		Status:         TransferSucceeded,
		CreatedAt:      time.Now(),
	}

	if !acct.PayoutEnabled {
		transfer.Status = TransferFailed
		transfer.FailureReason = "destination account is not payout enabled"
		s.transfers[idempotencyKey] = transfer
		return transfer, nil
	}

	acct.Available += amount
	s.transfers[idempotencyKey] = transfer

	if s.dropReply {
		s.dropReply = false
		return nil, types.ErrProcessorUnavailable
	}

	return transfer, nil
}

// CreatePayout disburses amount from the connected account's available
// balance to the provider's bank account.
func (s *Simulated) CreatePayout(idempotencyKey, accountRef string, amount int64) (*Payout, error) {
	s.sleep()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavail {
		return nil, types.ErrProcessorUnavailable
	}

	if existing, ok := s.payouts[idempotencyKey]; ok {
		return existing, nil
	}

	acct := s.ensureAccount(accountRef)
	payout := &Payout{
		PayoutID:       "po_" + uuid.New().String(),
		IdempotencyKey: idempotencyKey,
		AccountRef:     accountRef,
		Amount:         amount,
		Status:         TransferSucceeded,
		CreatedAt:      time.Now(),
	}

	if !acct.PayoutEnabled {
		payout.Status = TransferFailed
		s.payouts[idempotencyKey] = payout
		return payout, nil
	}
	if acct.Available < amount {
		payout.Status = TransferFailed
		s.payouts[idempotencyKey] = payout
		return payout, nil
	}

	acct.Available -= amount
	s.payouts[idempotencyKey] = payout
	return payout, nil
}

// FindTransferByIdempotencyKey returns the transfer previously created with
// the given key, or nil if the processor has never seen it.
func (s *Simulated) FindTransferByIdempotencyKey(idempotencyKey string) (*Transfer, error) {
	s.sleep()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavail {
		return nil, types.ErrProcessorUnavailable
	}
	if transfer, ok := s.transfers[idempotencyKey]; ok {
		return transfer, nil
	}
	return nil, nil
}

// TransferCount reports how many distinct transfers the processor has
// recorded. Tests use it to assert at-most-once semantics.
func (s *Simulated) TransferCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transfers)
}
