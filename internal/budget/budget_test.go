package budget

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/switchyard/internal/store"
	"github.com/steveyegge/switchyard/internal/types"
)

func newTestManager(t *testing.T, limits Limits) *Manager {
	t.Helper()

	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := s.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})
	return NewManager(s, limits)
}

func TestPeriodStart(t *testing.T) {
	// 2026-08-19 is a Wednesday.
	wednesday := time.Date(2026, 8, 19, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		period types.Period
		now    time.Time
		want   string
	}{
		{types.PeriodDaily, wednesday, "2026-08-19"},
		{types.PeriodWeekly, wednesday, "2026-08-17"}, // Monday of that ISO week
		{types.PeriodMonthly, wednesday, "2026-08-01"},
		// A Monday is its own week start; a Sunday belongs to the prior Monday.
		{types.PeriodWeekly, time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC), "2026-08-17"},
		{types.PeriodWeekly, time.Date(2026, 8, 23, 23, 59, 59, 0, time.UTC), "2026-08-17"},
		// First of month maps to itself.
		{types.PeriodMonthly, time.Date(2026, 8, 1, 0, 0, 1, 0, time.UTC), "2026-08-01"},
	}

	for _, tt := range tests {
		got, err := PeriodStart(tt.period, tt.now)
		if err != nil {
			t.Fatalf("PeriodStart(%s, %s) failed: %v", tt.period, tt.now, err)
		}
		if got != tt.want {
			t.Errorf("PeriodStart(%s, %s) = %s, want %s", tt.period, tt.now, got, tt.want)
		}
	}

	if _, err := PeriodStart("hourly", wednesday); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Expected validation error for bogus period, got %v", err)
	}
}

func TestPeriodStartUsesUTC(t *testing.T) {
	// 23:30 on the 19th in UTC+10 is 13:30 on the 19th UTC; local midnight
	// rollovers must not leak into period keys.
	loc := time.FixedZone("UTC+10", 10*3600)
	now := time.Date(2026, 8, 20, 9, 30, 0, 0, loc) // 2026-08-19 23:30 UTC

	got, err := PeriodStart(types.PeriodDaily, now)
	if err != nil {
		t.Fatalf("PeriodStart failed: %v", err)
	}
	if got != "2026-08-19" {
		t.Errorf("PeriodStart = %s, want 2026-08-19 (UTC date)", got)
	}
}

func TestRecordCostAccumulates(t *testing.T) {
	m := newTestManager(t, Limits{Daily: 100})
	ctx := context.Background()
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

	if _, err := m.RecordCost(ctx, 10, types.PeriodDaily, now); err != nil {
		t.Fatalf("RecordCost failed: %v", err)
	}
	if _, err := m.RecordCost(ctx, 15.5, types.PeriodDaily, now.Add(time.Hour)); err != nil {
		t.Fatalf("RecordCost failed: %v", err)
	}

	status, err := m.Status(ctx, now)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status[0].Period != types.PeriodDaily {
		t.Fatalf("Status[0].Period = %s, want daily", status[0].Period)
	}
	if status[0].Spent != 25.5 {
		t.Errorf("Daily spent = %.2f, want 25.50", status[0].Spent)
	}
	if status[0].Remaining != 74.5 {
		t.Errorf("Daily remaining = %.2f, want 74.50", status[0].Remaining)
	}
	if status[0].Exceeded {
		t.Error("Daily period should not be exceeded at 25.5 of 100")
	}
}

func TestRecordCostRejectsNegative(t *testing.T) {
	m := newTestManager(t, Limits{})
	_, err := m.RecordCost(context.Background(), -0.01, types.PeriodDaily, time.Now())
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("Expected validation error for negative amount, got %v", err)
	}
}

func TestRecordCostThresholdFiresOnce(t *testing.T) {
	m := newTestManager(t, Limits{Monthly: 100})
	ctx := context.Background()
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

	// 0 -> 40: below every threshold.
	warns, err := m.RecordCost(ctx, 40, types.PeriodMonthly, now)
	if err != nil {
		t.Fatalf("RecordCost failed: %v", err)
	}
	if len(warns) != 0 {
		t.Fatalf("Expected no warnings at 40%%, got %v", warns)
	}

	// 40 -> 55: crosses 50%.
	warns, err = m.RecordCost(ctx, 15, types.PeriodMonthly, now)
	if err != nil {
		t.Fatalf("RecordCost failed: %v", err)
	}
	if len(warns) != 1 || warns[0].Threshold != 0.5 {
		t.Fatalf("Expected single 0.5 crossing, got %v", warns)
	}
	if warns[0].Spent != 55 || warns[0].Limit != 100 {
		t.Errorf("Warning carries spent=%.1f limit=%.1f, want 55/100", warns[0].Spent, warns[0].Limit)
	}

	// 55 -> 60: 50% already fired, nothing new.
	warns, err = m.RecordCost(ctx, 5, types.PeriodMonthly, now)
	if err != nil {
		t.Fatalf("RecordCost failed: %v", err)
	}
	if len(warns) != 0 {
		t.Fatalf("Expected no repeat warnings, got %v", warns)
	}

	// 60 -> 85: crosses 80%.
	warns, err = m.RecordCost(ctx, 25, types.PeriodMonthly, now)
	if err != nil {
		t.Fatalf("RecordCost failed: %v", err)
	}
	if len(warns) != 1 || warns[0].Threshold != 0.8 {
		t.Fatalf("Expected single 0.8 crossing, got %v", warns)
	}
}

func TestRecordCostCrossesBothThresholdsAtOnce(t *testing.T) {
	m := newTestManager(t, Limits{Daily: 10})
	ctx := context.Background()
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

	warns, err := m.RecordCost(ctx, 9, types.PeriodDaily, now)
	if err != nil {
		t.Fatalf("RecordCost failed: %v", err)
	}
	if len(warns) != 2 {
		t.Fatalf("Expected both thresholds crossed by one jump, got %v", warns)
	}
	if warns[0].Threshold != 0.5 || warns[1].Threshold != 0.8 {
		t.Errorf("Crossings out of order: %v", warns)
	}
}

func TestZeroLimitDisablesWarnings(t *testing.T) {
	m := newTestManager(t, Limits{}) // all limits zero
	ctx := context.Background()
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

	warns, err := m.RecordCost(ctx, 10_000, types.PeriodMonthly, now)
	if err != nil {
		t.Fatalf("RecordCost failed: %v", err)
	}
	if len(warns) != 0 {
		t.Fatalf("Zero limit must disable warnings, got %v", warns)
	}

	status, err := m.Status(ctx, now)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	monthly := status[2]
	if monthly.Spent != 10_000 {
		t.Errorf("Spend still recorded when disabled: got %.0f, want 10000", monthly.Spent)
	}
	if monthly.Exceeded {
		t.Error("Disabled budget must never report exceeded")
	}
	if monthly.Remaining != 0 {
		t.Errorf("Disabled budget remaining = %.0f, want 0", monthly.Remaining)
	}
}

func TestPeriodsAccumulateIndependently(t *testing.T) {
	m := newTestManager(t, Limits{Daily: 10, Weekly: 50, Monthly: 200})
	ctx := context.Background()
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

	if _, err := m.RecordCost(ctx, 5, types.PeriodDaily, now); err != nil {
		t.Fatalf("RecordCost daily failed: %v", err)
	}
	if _, err := m.RecordCost(ctx, 7, types.PeriodWeekly, now); err != nil {
		t.Fatalf("RecordCost weekly failed: %v", err)
	}

	status, err := m.Status(ctx, now)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status[0].Spent != 5 {
		t.Errorf("Daily spent = %.1f, want 5", status[0].Spent)
	}
	if status[1].Spent != 7 {
		t.Errorf("Weekly spent = %.1f, want 7", status[1].Spent)
	}
	if status[2].Spent != 0 {
		t.Errorf("Monthly spent = %.1f, want 0", status[2].Spent)
	}
}

func TestNewPeriodResetsThresholds(t *testing.T) {
	m := newTestManager(t, Limits{Daily: 10})
	ctx := context.Background()
	day1 := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	warns, err := m.RecordCost(ctx, 6, types.PeriodDaily, day1)
	if err != nil {
		t.Fatalf("RecordCost failed: %v", err)
	}
	if len(warns) != 1 {
		t.Fatalf("Expected 0.5 crossing on day one, got %v", warns)
	}

	// A new day means a fresh accumulator; the same threshold fires again.
	warns, err = m.RecordCost(ctx, 6, types.PeriodDaily, day2)
	if err != nil {
		t.Fatalf("RecordCost failed: %v", err)
	}
	if len(warns) != 1 || warns[0].Threshold != 0.5 {
		t.Fatalf("Expected fresh 0.5 crossing on day two, got %v", warns)
	}
	if warns[0].PeriodStart != "2026-08-20" {
		t.Errorf("Warning period start = %s, want 2026-08-20", warns[0].PeriodStart)
	}
}

func TestCheckThresholdsFiresOnceAcrossChecks(t *testing.T) {
	m := newTestManager(t, Limits{Monthly: 100})
	ctx := context.Background()
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

	if _, err := m.RecordCost(ctx, 55, types.PeriodMonthly, now); err != nil {
		t.Fatalf("RecordCost failed: %v", err)
	}

	warns, err := m.CheckThresholds(ctx, types.PeriodMonthly, now)
	if err != nil {
		t.Fatalf("CheckThresholds failed: %v", err)
	}
	if len(warns) != 1 || warns[0].Threshold != 0.5 {
		t.Fatalf("Expected 0.5 crossing on first check, got %v", warns)
	}

	// Second check with no new spend reports nothing.
	warns, err = m.CheckThresholds(ctx, types.PeriodMonthly, now)
	if err != nil {
		t.Fatalf("CheckThresholds failed: %v", err)
	}
	if len(warns) != 0 {
		t.Fatalf("Repeat check must not refire, got %v", warns)
	}

	// Spend past 80%; only the new crossing fires.
	if _, err := m.RecordCost(ctx, 30, types.PeriodMonthly, now); err != nil {
		t.Fatalf("RecordCost failed: %v", err)
	}
	warns, err = m.CheckThresholds(ctx, types.PeriodMonthly, now)
	if err != nil {
		t.Fatalf("CheckThresholds failed: %v", err)
	}
	if len(warns) != 1 || warns[0].Threshold != 0.8 {
		t.Fatalf("Expected only 0.8 crossing, got %v", warns)
	}
}

func TestSetLimitOverridesConfigured(t *testing.T) {
	m := newTestManager(t, Limits{Daily: 100})
	ctx := context.Background()
	now := time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

	if err := m.SetLimit(ctx, types.PeriodDaily, 20, now); err != nil {
		t.Fatalf("SetLimit failed: %v", err)
	}

	// 0 -> 12 against the stored limit of 20 crosses 50%.
	warns, err := m.RecordCost(ctx, 12, types.PeriodDaily, now)
	if err != nil {
		t.Fatalf("RecordCost failed: %v", err)
	}
	if len(warns) != 1 || warns[0].Threshold != 0.5 || warns[0].Limit != 20 {
		t.Fatalf("Expected 0.5 crossing against stored limit 20, got %v", warns)
	}

	status, err := m.Status(ctx, now)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status[0].Limit != 20 {
		t.Errorf("Status limit = %.0f, want stored 20", status[0].Limit)
	}
	if !status[0].Exceeded && status[0].Spent >= status[0].Limit {
		t.Error("Exceeded flag inconsistent with spend")
	}
}

func TestCrossingsBoundary(t *testing.T) {
	// Crossing is before < mark <= after: landing exactly on the mark fires,
	// starting on it does not refire.
	warns := crossings(types.PeriodDaily, "2026-08-19", 0, 50, 100, DefaultThresholds)
	if len(warns) != 1 || warns[0].Threshold != 0.5 {
		t.Fatalf("Landing exactly on 50%% must fire, got %v", warns)
	}
	warns = crossings(types.PeriodDaily, "2026-08-19", 50, 60, 100, DefaultThresholds)
	if len(warns) != 0 {
		t.Fatalf("Starting at the mark must not refire, got %v", warns)
	}
	// Degenerate thresholds are skipped.
	warns = crossings(types.PeriodDaily, "2026-08-19", 0, 100, 100, []float64{0, 1, 1.5, -0.2})
	if len(warns) != 0 {
		t.Fatalf("Out-of-range thresholds must be ignored, got %v", warns)
	}
}
