package configfile

import (
	"encoding/json"
	"fmt"

	"github.com/steveyegge/switchyard/internal/types"
)

// BudgetConfig is the top-level "budget" object. Limits of 0 disable
// enforcement.
type BudgetConfig struct {
	MonthlyLimit      float64   `json:"monthlyLimit"`
	PerSessionDefault float64   `json:"perSessionDefault"`
	WarningThresholds []float64 `json:"warningThresholds"`
	E2BHourlyRate     float64   `json:"e2bHourlyRate"`
}

// DefaultBudget matches the sandbox controller's built-in rates.
func DefaultBudget() BudgetConfig {
	return BudgetConfig{
		WarningThresholds: []float64{0.5, 0.8},
		E2BHourlyRate:     0.10,
	}
}

// Validate enforces the budget rules: limits and rates must be
// non-negative, warning thresholds strictly between 0 and 1.
func (b BudgetConfig) Validate() error {
	if b.MonthlyLimit < 0 {
		return fmt.Errorf("budget monthlyLimit %.2f is negative (0 disables): %w", b.MonthlyLimit, types.ErrValidation)
	}
	if b.PerSessionDefault < 0 {
		return fmt.Errorf("budget perSessionDefault %.2f is negative (0 disables): %w", b.PerSessionDefault, types.ErrValidation)
	}
	if b.E2BHourlyRate < 0 {
		return fmt.Errorf("budget e2bHourlyRate %.4f is negative: %w", b.E2BHourlyRate, types.ErrValidation)
	}
	for _, t := range b.WarningThresholds {
		if t <= 0 || t >= 1 {
			return fmt.Errorf("budget warning threshold %.2f outside (0,1): %w", t, types.ErrValidation)
		}
	}
	return nil
}

// Budget decodes the "budget" object, falling back to the defaults
// when the section is absent or malformed.
func (f *File) Budget() BudgetConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cfg, err := decodeBudget(f.values)
	if err != nil {
		f.log.Warnf("budget config ignored: %v", err)
		return DefaultBudget()
	}
	return cfg
}

// decodeBudget extracts and validates the budget section of a config
// tree. Missing keys inherit the defaults.
func decodeBudget(values map[string]interface{}) (BudgetConfig, error) {
	cfg := DefaultBudget()
	raw, ok := values["budget"]
	if !ok {
		return cfg, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return cfg, fmt.Errorf("encode budget config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultBudget(), fmt.Errorf("budget config is malformed: %w", types.ErrValidation)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
