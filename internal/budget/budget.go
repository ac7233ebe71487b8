// Package budget tracks agent spend against configured limits. Spend
// accumulates per accounting period (daily, weekly, monthly) in the store;
// warning thresholds fire at most once per threshold per period.
package budget

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/steveyegge/switchyard/internal/store"
	"github.com/steveyegge/switchyard/internal/types"
)

// DefaultThresholds are the warning fractions of a limit, checked in order.
var DefaultThresholds = []float64{0.5, 0.8}

// Manager records costs and evaluates warning thresholds over the store.
type Manager struct {
	store  *store.Store
	limits Limits
}

// Limits carries the configured caps per period. Zero disables enforcement
// for that period.
type Limits struct {
	Daily   float64
	Weekly  float64
	Monthly float64
}

// ForPeriod returns the configured cap for one period.
func (l Limits) ForPeriod(period types.Period) float64 {
	switch period {
	case types.PeriodDaily:
		return l.Daily
	case types.PeriodWeekly:
		return l.Weekly
	case types.PeriodMonthly:
		return l.Monthly
	}
	return 0
}

// NewManager returns a budget manager over the given store.
func NewManager(st *store.Store, limits Limits) *Manager {
	return &Manager{store: st, limits: limits}
}

// PeriodStart returns the canonical ISO date keying the accumulator that
// now falls into: today for daily, the Monday of the ISO week for weekly,
// the first of the month for monthly. All arithmetic is in UTC.
func PeriodStart(period types.Period, now time.Time) (string, error) {
	now = now.UTC()
	switch period {
	case types.PeriodDaily:
		return now.Format("2006-01-02"), nil
	case types.PeriodWeekly:
		// time.Weekday numbers Sunday 0; ISO weeks start Monday.
		offset := (int(now.Weekday()) + 6) % 7
		return now.AddDate(0, 0, -offset).Format("2006-01-02"), nil
	case types.PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02"), nil
	}
	return "", fmt.Errorf("invalid period %q: %w", period, types.ErrValidation)
}

// Warning reports one threshold crossing detected by RecordCost or
// CheckThresholds.
type Warning struct {
	Period      types.Period `json:"period"`
	PeriodStart string       `json:"period_start"`
	Threshold   float64      `json:"threshold"` // fraction of the limit
	Spent       float64      `json:"spent"`
	Limit       float64      `json:"limit"`
}

// RecordCost adds amount to the accumulator for the period now falls into
// and returns any warning thresholds newly crossed by this addition.
// Negative amounts are rejected. A zero limit disables threshold checks
// for the period; spend is still recorded for reporting.
func (m *Manager) RecordCost(ctx context.Context, amount float64, period types.Period, now time.Time) ([]Warning, error) {
	if amount < 0 {
		return nil, fmt.Errorf("cost amount %.4f is negative: %w", amount, types.ErrValidation)
	}
	start, err := PeriodStart(period, now)
	if err != nil {
		return nil, err
	}
	limit := m.limits.ForPeriod(period)

	var warnings []Warning
	err = m.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		before, err := tx.GetBudgetPeriod(ctx, period, start)
		if err != nil {
			return err
		}
		var spentBefore float64
		if before != nil {
			spentBefore = before.Spent
			if before.BudgetLimit != 0 {
				limit = before.BudgetLimit
			}
		}
		if err := tx.AddSpend(ctx, period, start, amount, limit); err != nil {
			return err
		}
		warnings = crossings(period, start, spentBefore, spentBefore+amount, limit, DefaultThresholds)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return warnings, nil
}

// CheckThresholds reports thresholds crossed since the previous check,
// regardless of which process recorded the spend. The high-water mark is
// persisted in schema_metadata, so each threshold fires at most once per
// period across the whole host.
func (m *Manager) CheckThresholds(ctx context.Context, period types.Period, now time.Time) ([]Warning, error) {
	start, err := PeriodStart(period, now)
	if err != nil {
		return nil, err
	}

	var warnings []Warning
	err = m.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		bp, err := tx.GetBudgetPeriod(ctx, period, start)
		if err != nil {
			return err
		}
		if bp == nil {
			return nil
		}
		limit := bp.BudgetLimit
		if limit == 0 {
			limit = m.limits.ForPeriod(period)
		}

		key := markKey(period, start)
		raw, err := tx.GetMeta(ctx, key)
		if err != nil {
			return err
		}
		var mark float64
		if raw != "" {
			mark, err = strconv.ParseFloat(raw, 64)
			if err != nil {
				mark = 0
			}
		}

		warnings = crossings(period, start, mark, bp.Spent, limit, DefaultThresholds)
		if bp.Spent > mark {
			return tx.SetMeta(ctx, key, strconv.FormatFloat(bp.Spent, 'f', -1, 64))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return warnings, nil
}

// SetLimit updates the stored cap on the current accumulator for period.
// Zero disables enforcement.
func (m *Manager) SetLimit(ctx context.Context, period types.Period, limit float64, now time.Time) error {
	start, err := PeriodStart(period, now)
	if err != nil {
		return err
	}
	return m.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		return tx.SetBudgetLimit(ctx, period, start, limit)
	})
}

// PeriodStatus is the spend picture for one current accounting period.
type PeriodStatus struct {
	Period      types.Period `json:"period"`
	PeriodStart string       `json:"period_start"`
	Spent       float64      `json:"spent"`
	Limit       float64      `json:"limit"`     // 0 = enforcement disabled
	Remaining   float64      `json:"remaining"` // 0 when disabled
	Exceeded    bool         `json:"exceeded"`
}

// Status reports spend against limits for the daily, weekly, and monthly
// periods that now falls into. Periods with no recorded spend report zero.
func (m *Manager) Status(ctx context.Context, now time.Time) ([]PeriodStatus, error) {
	periods := []types.Period{types.PeriodDaily, types.PeriodWeekly, types.PeriodMonthly}
	out := make([]PeriodStatus, 0, len(periods))
	for _, p := range periods {
		start, err := PeriodStart(p, now)
		if err != nil {
			return nil, err
		}
		bp, err := m.store.GetBudgetPeriod(ctx, p, start)
		if err != nil {
			return nil, err
		}
		st := PeriodStatus{Period: p, PeriodStart: start, Limit: m.limits.ForPeriod(p)}
		if bp != nil {
			st.Spent = bp.Spent
			if bp.BudgetLimit != 0 {
				st.Limit = bp.BudgetLimit
			}
		}
		if st.Limit > 0 {
			st.Remaining = st.Limit - st.Spent
			if st.Remaining < 0 {
				st.Remaining = 0
			}
			st.Exceeded = st.Spent >= st.Limit
		}
		out = append(out, st)
	}
	return out, nil
}

// crossings returns the thresholds t (as fractions of limit) with
// before < t*limit <= after. Spend only grows, so a threshold crossed in
// one call can never be reported again. A zero or negative limit yields
// nothing.
func crossings(period types.Period, start string, before, after, limit float64, thresholds []float64) []Warning {
	if limit <= 0 || after <= before {
		return nil
	}
	sorted := append([]float64(nil), thresholds...)
	sort.Float64s(sorted)

	var out []Warning
	for _, t := range sorted {
		if t <= 0 || t >= 1 {
			continue
		}
		mark := t * limit
		if before < mark && after >= mark {
			out = append(out, Warning{
				Period:      period,
				PeriodStart: start,
				Threshold:   t,
				Spent:       after,
				Limit:       limit,
			})
		}
	}
	return out
}

func markKey(period types.Period, start string) string {
	return "budget_checked:" + string(period) + ":" + start
}
