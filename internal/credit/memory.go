package credit

import (
	"context"
	"sync"
)

// Compile-time check that MemoryLedger implements Ledger.
var _ Ledger = (*MemoryLedger)(nil)

// MemoryLedger is an in-memory implementation of Ledger.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]*Balance
	refunded map[string]struct{}
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]*Balance),
		refunded: make(map[string]struct{}),
	}
}

// Increment adds seconds to one of the user's pools.
func (l *MemoryLedger) Increment(_ context.Context, userID string, pool Pool, seconds float64) error {
	if !pool.IsValid() {
		return ErrInvalidPool
	}
	if !ValidAmount(seconds) {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balance(userID)
	if pool == PoolPlan {
		b.PlanSeconds += seconds
	} else {
		b.PurchasedSeconds += seconds
	}
	return nil
}

// Debit reserves seconds, plan pool first.
func (l *MemoryLedger) Debit(_ context.Context, userID string, seconds float64) error {
	if !ValidAmount(seconds) {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balance(userID)
	if b.Total() < seconds {
		return ErrInsufficientCredits
	}
	fromPlan, fromPurchased := split(*b, seconds)
	b.PlanSeconds -= fromPlan
	b.PurchasedSeconds -= fromPurchased
	return nil
}

// Refund returns seconds for jobID to the purchased pool at most once.
func (l *MemoryLedger) Refund(_ context.Context, jobID, userID string, seconds float64) (bool, error) {
	if !ValidAmount(seconds) {
		return false, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.refunded[jobID]; ok {
		return false, nil
	}
	l.refunded[jobID] = struct{}{}
	l.balance(userID).PurchasedSeconds += seconds
	return true, nil
}

// Balance returns a copy of the user's balance.
func (l *MemoryLedger) Balance(_ context.Context, userID string) (Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[userID]; ok {
		return *b, nil
	}
	return Balance{UserID: userID}, nil
}

// balance returns the mutable entry for userID, creating it. Callers hold mu.
func (l *MemoryLedger) balance(userID string) *Balance {
	b, ok := l.balances[userID]
	if !ok {
		b = &Balance{UserID: userID}
		l.balances[userID] = b
	}
	return b
}
