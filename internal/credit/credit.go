// Package credit tracks per-user generation credits, measured in seconds of output video.
package credit

import (
	"context"
	"errors"
	"math"
)

// Pool identifies which balance an increment applies to.
type Pool string

const (
	// PoolPurchased holds seconds bought outright. Refunds land here.
	PoolPurchased Pool = "purchased"
	// PoolPlan holds seconds granted by a subscription plan.
	PoolPlan Pool = "plan"
)

// IsValid returns true if the pool is known.
func (p Pool) IsValid() bool {
	return p == PoolPurchased || p == PoolPlan
}

var (
	// ErrInsufficientCredits is returned when a debit exceeds the available balance.
	ErrInsufficientCredits = errors.New("credit: insufficient credits")
	// ErrInvalidAmount is returned for zero, negative or non-finite amounts.
	ErrInvalidAmount = errors.New("credit: amount must be a positive finite number")
	// ErrInvalidPool is returned for unknown pools.
	ErrInvalidPool = errors.New("credit: unknown pool")
)

// Balance is a user's current credit position.
type Balance struct {
	UserID           string  `json:"user_id"`
	PurchasedSeconds float64 `json:"purchased_seconds"`
	PlanSeconds      float64 `json:"plan_seconds"`
}

// Total returns the seconds available across both pools.
func (b Balance) Total() float64 {
	return b.PurchasedSeconds + b.PlanSeconds
}

// Ledger is the credit store. Implementations must make Refund idempotent per job.
type Ledger interface {
	// Increment adds seconds to one of the user's pools.
	Increment(ctx context.Context, userID string, pool Pool, seconds float64) error

	// Debit reserves seconds for a new job, drawing from the plan pool first.
	// Returns ErrInsufficientCredits without changing anything if the total is short.
	Debit(ctx context.Context, userID string, seconds float64) error

	// Refund returns seconds reserved for jobID to the purchased pool.
	// It reports false when a refund for jobID was already applied.
	Refund(ctx context.Context, jobID, userID string, seconds float64) (bool, error)

	// Balance returns the user's balance. Unknown users have a zero balance.
	Balance(ctx context.Context, userID string) (Balance, error)
}

// ValidAmount reports whether seconds is usable as a ledger amount.
func ValidAmount(seconds float64) bool {
	return seconds > 0 && !math.IsInf(seconds, 0) && !math.IsNaN(seconds)
}

// split computes how a debit is drawn from the plan pool first, then purchased.
func split(b Balance, seconds float64) (fromPlan, fromPurchased float64) {
	fromPlan = math.Min(b.PlanSeconds, seconds)
	return fromPlan, seconds - fromPlan
}
