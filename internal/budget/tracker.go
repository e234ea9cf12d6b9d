// Package budget enforces x402 spend ceilings against a running ledger.
// The Tracker is the only mutable entity in the payment core; everything
// it guards happens inside one per-budget critical section.
package budget

import (
	"errors"
	"math/big"
	"sync"

	"github.com/sigloop/agentpay/internal/policy"
)

// WindowSeconds is the length of the rolling daily window.
const WindowSeconds int64 = 24 * 60 * 60

var (
	ErrDomainNotAllowed             = errors.New("budget: domain not allowed")
	ErrAmountExceedsPerRequestLimit = errors.New("budget: amount exceeds per-request limit")
	ErrDailyBudgetExceeded          = errors.New("budget: daily budget exceeded")
	ErrTotalBudgetExceeded          = errors.New("budget: total budget exceeded")
	ErrNothingToRollback            = errors.New("budget: nothing to roll back")
)

// PaymentRecord is one settled (or reserved) payment in the ledger.
type PaymentRecord struct {
	Amount    *big.Int `json:"amount"`
	Resource  string   `json:"resource"`
	Timestamp int64    `json:"timestamp"`
}

// State is the mutable ledger for one budget. Callers outside this
// package must not construct or mutate it directly; it is exported only
// so the store can persist and rehydrate it.
type State struct {
	SpentToday  *big.Int
	SpentTotal  *big.Int
	WindowStart int64
	Records     []PaymentRecord
}

// NewState returns an empty ledger whose daily window opens at now.
func NewState(now int64) State {
	return State{
		SpentToday:  new(big.Int),
		SpentTotal:  new(big.Int),
		WindowStart: now,
	}
}

// Remaining is the read-only projection returned by Tracker.Remaining.
type Remaining struct {
	PerRequest *big.Int
	Daily      *big.Int
	Total      *big.Int
}

// Tracker serializes all spend decisions for one (agent, service) budget.
// Each tracker owns its own lock; unrelated budgets never contend.
type Tracker struct {
	mu     sync.Mutex
	budget policy.X402Budget
	state  State
}

// NewTracker wraps an immutable budget definition around a fresh ledger.
func NewTracker(b policy.X402Budget, now int64) *Tracker {
	return &Tracker{budget: b, state: NewState(now)}
}

// NewTrackerWithState resumes a tracker from a persisted ledger.
func NewTrackerWithState(b policy.X402Budget, s State) *Tracker {
	return &Tracker{budget: b, state: s}
}

// Budget returns the immutable budget definition.
func (t *Tracker) Budget() policy.X402Budget {
	return t.budget
}

// CheckAndReserve validates a spend of amount against domain at now and,
// if every check passes, applies it as a single transaction: both
// counters advance and a PaymentRecord is appended, or nothing happens.
func (t *Tracker) CheckAndReserve(amount *big.Int, domain, resource string, now int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !policy.IsDomainAllowed(t.budget, domain) {
		return ErrDomainNotAllowed
	}
	if amount.Cmp(t.budget.MaxPerRequest) > 0 {
		return ErrAmountExceedsPerRequestLimit
	}

	t.rollWindow(now)

	newToday := new(big.Int).Add(t.state.SpentToday, amount)
	if newToday.Cmp(t.budget.DailyBudget) > 0 {
		return ErrDailyBudgetExceeded
	}
	newTotal := new(big.Int).Add(t.state.SpentTotal, amount)
	if newTotal.Cmp(t.budget.TotalBudget) > 0 {
		return ErrTotalBudgetExceeded
	}

	t.state.SpentToday = newToday
	t.state.SpentTotal = newTotal
	t.state.Records = append(t.state.Records, PaymentRecord{
		Amount:    new(big.Int).Set(amount),
		Resource:  resource,
		Timestamp: now,
	})
	return nil
}

// Remaining reports the headroom left in each ceiling after applying any
// pending window rollover virtually; the ledger is not mutated.
func (t *Tracker) Remaining(now int64) Remaining {
	t.mu.Lock()
	defer t.mu.Unlock()

	spentToday := t.state.SpentToday
	if elapsedWindows(t.state.WindowStart, now) > 0 {
		spentToday = new(big.Int)
	}

	daily := new(big.Int).Sub(t.budget.DailyBudget, spentToday)
	if daily.Sign() < 0 {
		daily.SetInt64(0)
	}
	total := new(big.Int).Sub(t.budget.TotalBudget, t.state.SpentTotal)
	if total.Sign() < 0 {
		total.SetInt64(0)
	}
	return Remaining{
		PerRequest: new(big.Int).Set(t.budget.MaxPerRequest),
		Daily:      daily,
		Total:      total,
	}
}

// RollbackLastRecord undoes the most recent reservation after a payment
// fails to settle: the record is removed and its amount subtracted from
// both counters.
func (t *Tracker) RollbackLastRecord() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.state.Records)
	if n == 0 {
		return ErrNothingToRollback
	}
	last := t.state.Records[n-1]
	t.state.Records = t.state.Records[:n-1]
	t.state.SpentToday = new(big.Int).Sub(t.state.SpentToday, last.Amount)
	if t.state.SpentToday.Sign() < 0 {
		t.state.SpentToday.SetInt64(0)
	}
	t.state.SpentTotal = new(big.Int).Sub(t.state.SpentTotal, last.Amount)
	return nil
}

// SpentToday returns the daily counter after any pending rollover.
func (t *Tracker) SpentToday(now int64) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollWindow(now)
	return new(big.Int).Set(t.state.SpentToday)
}

// SpentTotal returns the lifetime counter.
func (t *Tracker) SpentTotal() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.state.SpentTotal)
}

// IsExhausted reports whether the total budget has been fully consumed.
func (t *Tracker) IsExhausted(now int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollWindow(now)
	return t.state.SpentTotal.Cmp(t.budget.TotalBudget) >= 0
}

// Snapshot copies the ledger for persistence or inspection.
func (t *Tracker) Snapshot(now int64) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollWindow(now)
	records := make([]PaymentRecord, len(t.state.Records))
	for i, r := range t.state.Records {
		records[i] = PaymentRecord{
			Amount:    new(big.Int).Set(r.Amount),
			Resource:  r.Resource,
			Timestamp: r.Timestamp,
		}
	}
	return State{
		SpentToday:  new(big.Int).Set(t.state.SpentToday),
		SpentTotal:  new(big.Int).Set(t.state.SpentTotal),
		WindowStart: t.state.WindowStart,
		Records:     records,
	}
}

// rollWindow advances WindowStart past every fully elapsed daily window
// in one step and zeroes the daily counter. Must be called with the lock
// held.
func (t *Tracker) rollWindow(now int64) {
	n := elapsedWindows(t.state.WindowStart, now)
	if n > 0 {
		t.state.SpentToday = new(big.Int)
		t.state.WindowStart += n * WindowSeconds
	}
}

func elapsedWindows(windowStart, now int64) int64 {
	if now < windowStart+WindowSeconds {
		return 0
	}
	return (now - windowStart) / WindowSeconds
}
