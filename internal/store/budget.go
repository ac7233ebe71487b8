package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/steveyegge/switchyard/internal/types"
)

const budgetColumns = `id, period, period_start, budget_limit, spent, created_at`

// AddSpend upserts the (period, period_start) accumulator and adds amount.
// The limit is recorded on first insert only; SetBudgetLimit changes it
// later. Negative amounts are rejected.
func (t *Tx) AddSpend(ctx context.Context, period types.Period, periodStart string, amount, limit float64) error {
	if !period.IsValid() {
		return fmt.Errorf("invalid period %q: %w", period, types.ErrValidation)
	}
	if periodStart == "" {
		return fmt.Errorf("period_start is empty: %w", types.ErrValidation)
	}
	if amount < 0 {
		return fmt.Errorf("cost amount %.4f is negative: %w", amount, types.ErrValidation)
	}
	if limit < 0 {
		return fmt.Errorf("budget limit %.4f is negative: %w", limit, types.ErrValidation)
	}

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO budget_tracking (id, period, period_start, budget_limit, spent, created_at)
		VALUES (?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(period, period_start) DO UPDATE SET spent = spent + excluded.spent
	`, uuid.NewString(), string(period), periodStart, limit, amount)
	if err != nil {
		return wrapDBError("record cost", err)
	}
	return nil
}

// SetBudgetLimit updates the limit on an accumulator, creating the row with
// zero spend when absent. Zero disables enforcement.
func (t *Tx) SetBudgetLimit(ctx context.Context, period types.Period, periodStart string, limit float64) error {
	if !period.IsValid() {
		return fmt.Errorf("invalid period %q: %w", period, types.ErrValidation)
	}
	if limit < 0 {
		return fmt.Errorf("budget limit %.4f is negative: %w", limit, types.ErrValidation)
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO budget_tracking (id, period, period_start, budget_limit, spent, created_at)
		VALUES (?, ?, ?, ?, 0, datetime('now'))
		ON CONFLICT(period, period_start) DO UPDATE SET budget_limit = excluded.budget_limit
	`, uuid.NewString(), string(period), periodStart, limit)
	if err != nil {
		return wrapDBError("set budget limit", err)
	}
	return nil
}

// GetBudgetPeriod returns the accumulator for (period, periodStart), or nil.
func (s *Store) GetBudgetPeriod(ctx context.Context, period types.Period, periodStart string) (*types.BudgetPeriod, error) {
	return getBudgetPeriod(ctx, s.db, period, periodStart)
}

// GetBudgetPeriod reads the accumulator inside the transaction, or nil.
func (t *Tx) GetBudgetPeriod(ctx context.Context, period types.Period, periodStart string) (*types.BudgetPeriod, error) {
	return getBudgetPeriod(ctx, t.conn, period, periodStart)
}

func getBudgetPeriod(ctx context.Context, q querier, period types.Period, periodStart string) (*types.BudgetPeriod, error) {
	row := q.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM budget_tracking
		WHERE period = ? AND period_start = ?`, string(period), periodStart)
	bp, err := scanBudgetPeriod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("get budget period", err)
	}
	return bp, nil
}

// ListBudgetPeriods lists every accumulator, newest period first.
func (s *Store) ListBudgetPeriods(ctx context.Context) ([]*types.BudgetPeriod, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+budgetColumns+` FROM budget_tracking
		ORDER BY period_start DESC, period`)
	if err != nil {
		return nil, wrapDBError("list budget periods", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.BudgetPeriod
	for rows.Next() {
		bp, err := scanBudgetPeriod(rows)
		if err != nil {
			return nil, wrapDBError("scan budget period", err)
		}
		out = append(out, bp)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list budget periods", err)
	}
	return out, nil
}

func scanBudgetPeriod(row rowScanner) (*types.BudgetPeriod, error) {
	var bp types.BudgetPeriod
	var period string
	err := row.Scan(&bp.ID, &period, &bp.PeriodStart, &bp.BudgetLimit, &bp.Spent, &bp.CreatedAt)
	if err != nil {
		return nil, err
	}
	bp.Period = types.Period(period)
	return &bp, nil
}
