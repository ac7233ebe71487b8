// Package switchyard provides a minimal public API for building custom
// orchestrators on top of sy's coordination database.
//
// Most orchestrators should drive the sy CLI (or the daemon socket) and
// parse its --json output. This package exports only the core types and
// an opener for Go programs that want to read coordination state
// in-process.
package switchyard

import (
	"context"

	"github.com/steveyegge/switchyard/internal/store"
	"github.com/steveyegge/switchyard/internal/types"
)

// Core types for coordination state
type (
	Session            = types.Session
	FileClaim          = types.FileClaim
	ClaimMode          = types.ClaimMode
	MergeEvent         = types.MergeEvent
	Subscription       = types.Subscription
	ConflictResolution = types.ConflictResolution
	AutoFixSuggestion  = types.AutoFixSuggestion
	BudgetPeriod       = types.BudgetPeriod
)

// Claim mode constants
const (
	ClaimIntent    = types.ClaimIntent
	ClaimShared    = types.ClaimShared
	ClaimExclusive = types.ClaimExclusive
)

// Conflict type constants
const (
	ConflictTrivial        = types.ConflictTrivial
	ConflictStructural     = types.ConflictStructural
	ConflictSemantic       = types.ConflictSemantic
	ConflictConcurrentEdit = types.ConflictConcurrentEdit
)

// Store provides direct access to the coordination database
type Store = store.Store

// DefaultDBPath returns the per-user coordination database path
// (~/.switchyard/sessions.db), shared with the sy CLI and daemon.
func DefaultDBPath() string {
	return store.DefaultDBPath()
}

// Open opens the coordination database at path, creating it (and its
// schema) if necessary. Orchestrators that want to see the same state as
// the CLI should pass DefaultDBPath().
//
// The returned store is safe for concurrent use; callers own Close.
func Open(ctx context.Context, path string) (*Store, error) {
	return store.Open(ctx, path)
}
