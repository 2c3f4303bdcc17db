package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maauso/videogen-api/internal/credit"
)

// Compile-time check that CreditLedger implements credit.Ledger.
var _ credit.Ledger = (*CreditLedger)(nil)

// CreditLedger is the Postgres implementation of credit.Ledger.
// Refunds are recorded in credit_refunds keyed by job ID; the insert and the
// balance increment share a transaction, so a job is refunded at most once.
type CreditLedger struct {
	pool *pgxpool.Pool
}

// NewCreditLedger creates a new CreditLedger.
func NewCreditLedger(pool *pgxpool.Pool) *CreditLedger {
	return &CreditLedger{pool: pool}
}

func (l *CreditLedger) Increment(ctx context.Context, userID string, pool credit.Pool, seconds float64) error {
	if !pool.IsValid() {
		return credit.ErrInvalidPool
	}
	if !credit.ValidAmount(seconds) {
		return credit.ErrInvalidAmount
	}
	var purchased, plan float64
	if pool == credit.PoolPlan {
		plan = seconds
	} else {
		purchased = seconds
	}
	if err := addBalance(ctx, l.pool, userID, purchased, plan); err != nil {
		return fmt.Errorf("increment credits: %w", err)
	}
	return nil
}

func (l *CreditLedger) Debit(ctx context.Context, userID string, seconds float64) error {
	if !credit.ValidAmount(seconds) {
		return credit.ErrInvalidAmount
	}
	tag, err := l.pool.Exec(ctx,
		`UPDATE credit_balances SET
		   plan_seconds = plan_seconds - LEAST(plan_seconds, $2),
		   purchased_seconds = GREATEST(purchased_seconds - ($2 - LEAST(plan_seconds, $2)), 0),
		   updated_at = NOW()
		 WHERE user_id = $1 AND plan_seconds + purchased_seconds >= $2`,
		userID, seconds)
	if err != nil {
		return fmt.Errorf("debit credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return credit.ErrInsufficientCredits
	}
	return nil
}

func (l *CreditLedger) Refund(ctx context.Context, jobID, userID string, seconds float64) (bool, error) {
	if !credit.ValidAmount(seconds) {
		return false, credit.ErrInvalidAmount
	}
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin refund: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO credit_refunds (job_id, user_id, seconds) VALUES ($1, $2, $3)
		 ON CONFLICT (job_id) DO NOTHING`,
		jobID, userID, seconds)
	if err != nil {
		return false, fmt.Errorf("record refund: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := addBalance(ctx, tx, userID, seconds, 0); err != nil {
		return false, fmt.Errorf("refund credits: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit refund: %w", err)
	}
	return true, nil
}

func (l *CreditLedger) Balance(ctx context.Context, userID string) (credit.Balance, error) {
	b := credit.Balance{UserID: userID}
	err := l.pool.QueryRow(ctx,
		`SELECT purchased_seconds, plan_seconds FROM credit_balances WHERE user_id = $1`, userID,
	).Scan(&b.PurchasedSeconds, &b.PlanSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return credit.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func addBalance(ctx context.Context, db execer, userID string, purchased, plan float64) error {
	_, err := db.Exec(ctx,
		`INSERT INTO credit_balances (user_id, purchased_seconds, plan_seconds) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET
		   purchased_seconds = credit_balances.purchased_seconds + EXCLUDED.purchased_seconds,
		   plan_seconds = credit_balances.plan_seconds + EXCLUDED.plan_seconds,
		   updated_at = NOW()`,
		userID, purchased, plan)
	return err
}
