// Package claims implements cooperative advisory file claims between
// parallel sessions. Claims never block filesystem access; they are the
// shared etiquette that lets sessions avoid stepping on each other's
// edits.
package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/switchyard/internal/hooks"
	"github.com/steveyegge/switchyard/internal/store"
	"github.com/steveyegge/switchyard/internal/types"
)

// Manager enforces the claim compatibility matrix and lifecycle over the
// store.
type Manager struct {
	store *store.Store
}

// NewManager returns a claims manager over the given store.
func NewManager(st *store.Store) *Manager {
	return &Manager{store: st}
}

// AcquireRequest describes one claim acquisition.
type AcquireRequest struct {
	SessionID string
	RepoPath  string
	FilePath  string
	Mode      types.ClaimMode
	Reason    string
	TTL       time.Duration // zero selects the 24h default
}

// Acquire takes a claim on a file for a session. The conflict check and
// the insert run in one immediate transaction, so two sessions racing for
// an EXCLUSIVE claim serialize: exactly one wins, the other gets a
// ClaimConflictError naming the winner.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*types.FileClaim, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("acquire needs a session id: %w", types.ErrValidation)
	}
	if req.RepoPath == "" {
		return nil, fmt.Errorf("acquire needs a repo path: %w", types.ErrValidation)
	}
	if err := types.ValidateFilePath(req.FilePath); err != nil {
		return nil, err
	}
	if !req.Mode.IsValid() {
		return nil, fmt.Errorf("invalid claim mode %q: %w", req.Mode, types.ErrValidation)
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = types.DefaultClaimTTL
	}
	if err := types.ValidateTTL(ttl.Hours()); err != nil {
		return nil, err
	}

	now := time.Now()
	claim := &types.FileClaim{
		SessionID: req.SessionID,
		RepoPath:  req.RepoPath,
		FilePath:  req.FilePath,
		ClaimMode: req.Mode,
		ExpiresAt: now.Add(ttl),
	}
	if req.Reason != "" {
		claim.Metadata = map[string]interface{}{"reason": req.Reason}
	}

	err := m.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		held, err := tx.ActiveClaimsForFile(ctx, req.RepoPath, req.FilePath, req.SessionID, now)
		if err != nil {
			return err
		}
		for _, h := range held {
			if !req.Mode.CompatibleWith(h.ClaimMode) {
				return &types.ClaimConflictError{Requested: req.Mode, Conflicting: h}
			}
		}
		return tx.InsertClaim(ctx, claim)
	})
	if err != nil {
		notifyClaimConflict(req.SessionID, err)
		return nil, err
	}
	return claim, nil
}

// notifyClaimConflict fires the repo's on_claim_conflict hook when an
// acquisition or escalation lost to a holder. Fire and forget; the hook
// never changes the outcome the caller sees.
func notifyClaimConflict(sessionID string, err error) {
	var cc *types.ClaimConflictError
	if !errors.As(err, &cc) || cc.Conflicting == nil {
		return
	}
	hooks.NewRunnerForRepo(cc.Conflicting.RepoPath).Run(hooks.EventClaimConflict, hooks.ClaimConflictPayload{
		RepoPath:      cc.Conflicting.RepoPath,
		FilePath:      cc.Conflicting.FilePath,
		SessionID:     sessionID,
		HolderSession: cc.Conflicting.SessionID,
		RequestedMode: cc.Requested,
		HeldMode:      cc.Conflicting.ClaimMode,
	})
}

// Release deactivates a claim. Without force, only the owning session may
// release; an ownership mismatch returns false without mutating. Releasing
// an already-released or unknown claim returns false cleanly.
func (m *Manager) Release(ctx context.Context, id, sessionID string, force bool) (bool, error) {
	var released bool
	err := m.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		claim, err := tx.GetClaim(ctx, id)
		if err != nil {
			return err
		}
		if claim == nil {
			return nil
		}
		if !force && claim.SessionID != sessionID {
			return nil
		}
		released, err = tx.ReleaseClaim(ctx, id, time.Now())
		return err
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

// Escalate moves a claim to a stronger mode in place, keeping its
// identity and recording the prior mode. Only forward moves
// (INTENT < SHARED < EXCLUSIVE) are permitted, and the new mode must be
// compatible with every other active claim on the file.
func (m *Manager) Escalate(ctx context.Context, id, sessionID string, newMode types.ClaimMode) (*types.FileClaim, error) {
	if !newMode.IsValid() {
		return nil, fmt.Errorf("invalid claim mode %q: %w", newMode, types.ErrValidation)
	}

	var updated *types.FileClaim
	now := time.Now()
	err := m.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		claim, err := tx.GetClaim(ctx, id)
		if err != nil {
			return err
		}
		if claim == nil || !claim.IsActive {
			return fmt.Errorf("active claim %s: %w", id, types.ErrNotFound)
		}
		if claim.SessionID != sessionID {
			return fmt.Errorf("claim %s belongs to session %s: %w", id, claim.SessionID, types.ErrValidation)
		}
		if newMode.Level() <= claim.ClaimMode.Level() {
			return fmt.Errorf("cannot escalate %s to %s: %w", claim.ClaimMode, newMode, types.ErrValidation)
		}

		held, err := tx.ActiveClaimsForFile(ctx, claim.RepoPath, claim.FilePath, sessionID, now)
		if err != nil {
			return err
		}
		for _, h := range held {
			if !newMode.CompatibleWith(h.ClaimMode) {
				return &types.ClaimConflictError{Requested: newMode, Conflicting: h}
			}
		}

		if err := tx.UpdateClaimMode(ctx, id, newMode, claim.ClaimMode); err != nil {
			return err
		}
		updated, err = tx.GetClaim(ctx, id)
		return err
	})
	if err != nil {
		notifyClaimConflict(sessionID, err)
		return nil, err
	}
	return updated, nil
}

// List returns a repo's claims; includeInactive widens to released and
// swept history.
func (m *Manager) List(ctx context.Context, repoPath string, includeInactive bool) ([]*types.FileClaim, error) {
	return m.store.ListClaims(ctx, repoPath, includeInactive)
}

// ListForSession returns a session's active claims.
func (m *Manager) ListForSession(ctx context.Context, sessionID string) ([]*types.FileClaim, error) {
	return m.store.ActiveClaimsForSession(ctx, sessionID)
}

// Holders returns the active claims on a file, for status displays.
func (m *Manager) Holders(ctx context.Context, repoPath, filePath string) ([]*types.FileClaim, error) {
	return m.store.ActiveClaimsForFile(ctx, repoPath, filePath, time.Now())
}

// ReleaseAllForSession bulk-releases a departing session's claims.
func (m *Manager) ReleaseAllForSession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := m.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		var err error
		count, err = tx.ReleaseAllForSession(ctx, sessionID, time.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CleanupStale sweeps expired and heartbeat-stale claims under the
// advisory lock. A sweeper that loses the lock returns 0 without
// blocking; another process swept within the last minute.
func (m *Manager) CleanupStale(ctx context.Context, repoPath string) (int, error) {
	now := time.Now()
	won, err := m.store.TryAcquireCleanupLock(ctx, now)
	if err != nil {
		return 0, err
	}
	if !won {
		return 0, nil
	}

	var swept int
	err = m.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		var err error
		swept, err = tx.CleanupStaleClaims(ctx, repoPath, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	return swept, nil
}
