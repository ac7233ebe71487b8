package rpc

import (
	"errors"

	"github.com/steveyegge/switchyard/internal/types"
)

// ErrDaemonUnavailable indicates that no daemon could be reached.
var ErrDaemonUnavailable = errors.New("daemon unavailable")

// WireError is a daemon-reported failure rehydrated on the client side.
// The message displays verbatim; the kind maps back onto the matching
// sentinel so errors.Is dispatch works identically in daemon and direct
// modes.
type WireError struct {
	Kind    string
	Message string
}

func (e *WireError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind
}

// Unwrap maps the wire kind onto the corresponding sentinel.
func (e *WireError) Unwrap() error {
	switch e.Kind {
	case "validation":
		return types.ErrValidation
	case "conflict":
		return types.ErrConflict
	case "not_found":
		return types.ErrNotFound
	case "auth":
		return types.ErrAuth
	case "quota":
		return types.ErrQuota
	case "network":
		return types.ErrNetwork
	case "budget_exceeded":
		return types.ErrBudgetExceeded
	case "timeout":
		return types.ErrTimeout
	case "resolution":
		return types.ErrResolution
	case "migration":
		return types.ErrMigration
	default:
		return types.ErrInternal
	}
}
