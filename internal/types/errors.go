package types

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying every failure the coordinator surfaces.
// Callers dispatch with errors.Is; structured variants below carry payloads.
var (
	// ErrValidation indicates a bad path, enum, range, or oversize input
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates an incompatible active claim on the same file
	ErrConflict = errors.New("claim conflict")

	// ErrNotFound indicates a missing session, claim, suggestion, or sandbox
	ErrNotFound = errors.New("not found")

	// ErrAuth indicates a rejected remote credential
	ErrAuth = errors.New("authentication failed")

	// ErrQuota indicates the remote provider refused for quota reasons
	ErrQuota = errors.New("quota exceeded")

	// ErrNetwork indicates remote connectivity failure or timeout
	ErrNetwork = errors.New("network error")

	// ErrBudgetExceeded indicates session cost reached its limit
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrTimeout indicates a hard elapsed-time cap was reached
	ErrTimeout = errors.New("timeout exceeded")

	// ErrResolution indicates a strategy failed on a specific conflict
	ErrResolution = errors.New("resolution failed")

	// ErrMigration indicates a fatal schema migration failure
	ErrMigration = errors.New("migration failed")

	// ErrInternal indicates an unexpected failure
	ErrInternal = errors.New("internal error")
)

// ClaimConflictError is returned when an acquire or escalate collides with an
// incompatible active claim. It carries the first conflicting claim so the
// caller can report who holds the file.
type ClaimConflictError struct {
	Requested   ClaimMode
	Conflicting *FileClaim
}

func (e *ClaimConflictError) Error() string {
	if e.Conflicting == nil {
		return fmt.Sprintf("claim conflict: %s request refused", e.Requested)
	}
	return fmt.Sprintf("claim conflict: %s on %s held %s by session %s (claim %s)",
		e.Requested, e.Conflicting.FilePath, e.Conflicting.ClaimMode, e.Conflicting.SessionID, e.Conflicting.ID)
}

// Unwrap makes the error match ErrConflict under errors.Is.
func (e *ClaimConflictError) Unwrap() error { return ErrConflict }

// BudgetExceededError is returned when a sandbox's accumulated cost reaches
// its limit. It carries the numbers for the termination report.
type BudgetExceededError struct {
	SandboxID string
	Cost      float64
	Limit     float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for sandbox %s: $%.2f of $%.2f limit", e.SandboxID, e.Cost, e.Limit)
}

// Unwrap makes the error match ErrBudgetExceeded under errors.Is.
func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// Kind returns the machine-readable kind string for an error, for RPC
// responses and exit-code mapping.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrQuota):
		return "quota"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrResolution):
		return "resolution"
	case errors.Is(err, ErrMigration):
		return "migration"
	default:
		return "internal"
	}
}
