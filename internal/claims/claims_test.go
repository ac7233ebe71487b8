package claims

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/switchyard/internal/hooks"
	"github.com/steveyegge/switchyard/internal/store"
	"github.com/steveyegge/switchyard/internal/types"
)

func newTestManager(t *testing.T) *Manager {
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
	return NewManager(s)
}

func mustAcquire(t *testing.T, m *Manager, sessionID, file string, mode types.ClaimMode) *types.FileClaim {
	t.Helper()

	claim, err := m.Acquire(context.Background(), AcquireRequest{
		SessionID: sessionID,
		RepoPath:  "/repo",
		FilePath:  file,
		Mode:      mode,
	})
	if err != nil {
		t.Fatalf("Acquire(%s, %s, %s) failed: %v", sessionID, file, mode, err)
	}
	return claim
}

func TestAcquireExclusiveConflict(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first := mustAcquire(t, m, "session-a", "main.go", types.ClaimExclusive)

	_, err := m.Acquire(ctx, AcquireRequest{
		SessionID: "session-b",
		RepoPath:  "/repo",
		FilePath:  "main.go",
		Mode:      types.ClaimExclusive,
	})
	if err == nil {
		t.Fatal("Expected conflict acquiring EXCLUSIVE over EXCLUSIVE")
	}
	var conflict *types.ClaimConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Expected ClaimConflictError, got %T: %v", err, err)
	}
	if conflict.Conflicting == nil || conflict.Conflicting.ID != first.ID {
		t.Errorf("Conflict should name the holding claim %s, got %+v", first.ID, conflict.Conflicting)
	}
	if conflict.Conflicting.SessionID != "session-a" {
		t.Errorf("Conflicting session = %s, want session-a", conflict.Conflicting.SessionID)
	}
	if types.Kind(err) != "conflict" {
		t.Errorf("Kind = %s, want conflict", types.Kind(err))
	}

	// SHARED against a held EXCLUSIVE is also refused.
	_, err = m.Acquire(ctx, AcquireRequest{
		SessionID: "session-b",
		RepoPath:  "/repo",
		FilePath:  "main.go",
		Mode:      types.ClaimShared,
	})
	if !errors.As(err, &conflict) {
		t.Fatalf("Expected ClaimConflictError for SHARED over EXCLUSIVE, got %v", err)
	}
}

func TestAcquireConflictFiresHook(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	repo := t.TempDir()
	out := filepath.Join(t.TempDir(), "payload.json")
	hookDir := filepath.Join(repo, ".switchyard", "hooks")
	if err := os.MkdirAll(hookDir, 0o755); err != nil {
		t.Fatalf("Failed to create hooks dir: %v", err)
	}
	script := "#!/bin/sh\ncat > \"" + out + "\"\n"
	if err := os.WriteFile(filepath.Join(hookDir, hooks.HookOnClaimConflict), []byte(script), 0o755); err != nil {
		t.Fatalf("Failed to write hook: %v", err)
	}

	if _, err := m.Acquire(ctx, AcquireRequest{
		SessionID: "session-a", RepoPath: repo, FilePath: "main.go", Mode: types.ClaimExclusive,
	}); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	_, err := m.Acquire(ctx, AcquireRequest{
		SessionID: "session-b", RepoPath: repo, FilePath: "main.go", Mode: types.ClaimExclusive,
	})
	var conflict *types.ClaimConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Expected ClaimConflictError, got %v", err)
	}

	// The hook runs async; poll for its output.
	var data []byte
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b, rerr := os.ReadFile(out); rerr == nil && len(b) > 0 {
			data = b
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if data == nil {
		t.Fatal("on_claim_conflict hook did not run")
	}

	var payload hooks.ClaimConflictPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("Failed to decode hook payload: %v (%s)", err, data)
	}
	if payload.SessionID != "session-b" || payload.HolderSession != "session-a" {
		t.Errorf("Payload sessions = %s/%s, want session-b/session-a", payload.SessionID, payload.HolderSession)
	}
	if payload.RequestedMode != types.ClaimExclusive || payload.HeldMode != types.ClaimExclusive {
		t.Errorf("Payload modes = %s/%s, want EXCLUSIVE/EXCLUSIVE", payload.RequestedMode, payload.HeldMode)
	}
	if payload.FilePath != "main.go" || payload.RepoPath != repo {
		t.Errorf("Payload target = %s in %s", payload.FilePath, payload.RepoPath)
	}
}

func TestSharedAndIntentCoexist(t *testing.T) {
	m := newTestManager(t)

	mustAcquire(t, m, "session-a", "util.go", types.ClaimShared)
	mustAcquire(t, m, "session-b", "util.go", types.ClaimShared)
	mustAcquire(t, m, "session-c", "util.go", types.ClaimIntent)

	holders, err := m.Holders(context.Background(), "/repo", "util.go")
	if err != nil {
		t.Fatalf("Holders failed: %v", err)
	}
	if len(holders) != 3 {
		t.Errorf("Expected 3 coexisting claims, got %d", len(holders))
	}
}

func TestAcquireOwnClaimNotCounted(t *testing.T) {
	m := newTestManager(t)

	mustAcquire(t, m, "session-a", "main.go", types.ClaimExclusive)
	// A session's own claims never conflict with its new ones.
	mustAcquire(t, m, "session-a", "main.go", types.ClaimExclusive)
}

func TestAcquireIgnoresOtherFilesAndRepos(t *testing.T) {
	m := newTestManager(t)

	mustAcquire(t, m, "session-a", "main.go", types.ClaimExclusive)
	mustAcquire(t, m, "session-b", "other.go", types.ClaimExclusive)

	_, err := m.Acquire(context.Background(), AcquireRequest{
		SessionID: "session-b",
		RepoPath:  "/elsewhere",
		FilePath:  "main.go",
		Mode:      types.ClaimExclusive,
	})
	if err != nil {
		t.Fatalf("Claim in a different repo should not conflict: %v", err)
	}
}

func TestAcquireValidation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  AcquireRequest
	}{
		{"empty session", AcquireRequest{RepoPath: "/repo", FilePath: "a.go", Mode: types.ClaimShared}},
		{"empty repo", AcquireRequest{SessionID: "s", FilePath: "a.go", Mode: types.ClaimShared}},
		{"absolute path", AcquireRequest{SessionID: "s", RepoPath: "/repo", FilePath: "/etc/passwd", Mode: types.ClaimShared}},
		{"traversal path", AcquireRequest{SessionID: "s", RepoPath: "/repo", FilePath: "../a.go", Mode: types.ClaimShared}},
		{"bad mode", AcquireRequest{SessionID: "s", RepoPath: "/repo", FilePath: "a.go", Mode: "SUPER"}},
		{"negative ttl", AcquireRequest{SessionID: "s", RepoPath: "/repo", FilePath: "a.go", Mode: types.ClaimShared, TTL: -time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Acquire(ctx, tt.req); !errors.Is(err, types.ErrValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestAcquireExpiredClaimIgnored(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Seed an EXCLUSIVE claim that has already expired.
	err := m.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		return tx.InsertClaim(ctx, &types.FileClaim{
			SessionID: "session-old",
			RepoPath:  "/repo",
			FilePath:  "main.go",
			ClaimMode: types.ClaimExclusive,
			ExpiresAt: time.Now().Add(-time.Minute),
		})
	})
	if err != nil {
		t.Fatalf("Failed to seed expired claim: %v", err)
	}

	mustAcquire(t, m, "session-new", "main.go", types.ClaimExclusive)
}

func TestReleaseOwnership(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	claim := mustAcquire(t, m, "session-a", "main.go", types.ClaimExclusive)

	// A non-owner without force gets false and the claim stays active.
	released, err := m.Release(ctx, claim.ID, "session-b", false)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released {
		t.Error("Non-owner release should return false")
	}
	holders, err := m.Holders(ctx, "/repo", "main.go")
	if err != nil {
		t.Fatalf("Holders failed: %v", err)
	}
	if len(holders) != 1 {
		t.Fatalf("Claim should still be active, got %d holders", len(holders))
	}

	released, err = m.Release(ctx, claim.ID, "session-a", false)
	if err != nil {
		t.Fatalf("Owner release failed: %v", err)
	}
	if !released {
		t.Error("Owner release should return true")
	}

	// Releasing again is a clean no-op.
	released, err = m.Release(ctx, claim.ID, "session-a", false)
	if err != nil {
		t.Fatalf("Second release failed: %v", err)
	}
	if released {
		t.Error("Second release should return false")
	}

	// Unknown claim IDs release to false, not an error.
	released, err = m.Release(ctx, "no-such-claim", "session-a", false)
	if err != nil || released {
		t.Errorf("Unknown claim release = (%v, %v), want (false, nil)", released, err)
	}
}

func TestReleaseForce(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	claim := mustAcquire(t, m, "session-a", "main.go", types.ClaimExclusive)

	released, err := m.Release(ctx, claim.ID, "session-b", true)
	if err != nil {
		t.Fatalf("Force release failed: %v", err)
	}
	if !released {
		t.Error("Force release by non-owner should return true")
	}
}

func TestEscalate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	claim := mustAcquire(t, m, "session-a", "main.go", types.ClaimIntent)

	updated, err := m.Escalate(ctx, claim.ID, "session-a", types.ClaimExclusive)
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if updated.ClaimMode != types.ClaimExclusive {
		t.Errorf("Mode = %s, want EXCLUSIVE", updated.ClaimMode)
	}
	if updated.EscalatedFrom == nil || *updated.EscalatedFrom != types.ClaimIntent {
		t.Errorf("EscalatedFrom = %v, want INTENT", updated.EscalatedFrom)
	}
	if updated.ID != claim.ID {
		t.Errorf("Escalation must keep claim identity, got %s want %s", updated.ID, claim.ID)
	}
}

func TestEscalateForwardOnly(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	claim := mustAcquire(t, m, "session-a", "main.go", types.ClaimExclusive)

	if _, err := m.Escalate(ctx, claim.ID, "session-a", types.ClaimShared); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Downgrade should be a validation error, got %v", err)
	}
	if _, err := m.Escalate(ctx, claim.ID, "session-a", types.ClaimExclusive); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Same-mode escalation should be a validation error, got %v", err)
	}
}

func TestEscalateBlockedByOtherHolder(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	mine := mustAcquire(t, m, "session-a", "util.go", types.ClaimShared)
	theirs := mustAcquire(t, m, "session-b", "util.go", types.ClaimShared)

	_, err := m.Escalate(ctx, mine.ID, "session-a", types.ClaimExclusive)
	var conflict *types.ClaimConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Expected ClaimConflictError, got %v", err)
	}
	if conflict.Conflicting.ID != theirs.ID {
		t.Errorf("Conflict should name session-b's claim, got %s", conflict.Conflicting.ID)
	}

	// Once the blocker releases, the escalation goes through.
	if _, err := m.Release(ctx, theirs.ID, "session-b", false); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := m.Escalate(ctx, mine.ID, "session-a", types.ClaimExclusive); err != nil {
		t.Fatalf("Escalate after release failed: %v", err)
	}
}

func TestEscalateRequiresOwner(t *testing.T) {
	m := newTestManager(t)

	claim := mustAcquire(t, m, "session-a", "main.go", types.ClaimIntent)

	_, err := m.Escalate(context.Background(), claim.ID, "session-b", types.ClaimExclusive)
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("Non-owner escalation should be a validation error, got %v", err)
	}
}

func TestEscalateReleasedClaim(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	claim := mustAcquire(t, m, "session-a", "main.go", types.ClaimIntent)
	if _, err := m.Release(ctx, claim.ID, "session-a", false); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	_, err := m.Escalate(ctx, claim.ID, "session-a", types.ClaimExclusive)
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Escalating a released claim should be not_found, got %v", err)
	}
}

func TestReleaseAllForSession(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	mustAcquire(t, m, "session-a", "a.go", types.ClaimShared)
	mustAcquire(t, m, "session-a", "b.go", types.ClaimShared)
	mustAcquire(t, m, "session-b", "c.go", types.ClaimShared)

	count, err := m.ReleaseAllForSession(ctx, "session-a")
	if err != nil {
		t.Fatalf("ReleaseAllForSession failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Released %d claims, want 2", count)
	}

	remaining, err := m.ListForSession(ctx, "session-b")
	if err != nil {
		t.Fatalf("ListForSession failed: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("session-b should keep its claim, got %d", len(remaining))
	}
}

func TestCleanupStaleYieldsLock(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Seed one expired claim so the first sweep has work.
	err := m.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		return tx.InsertClaim(ctx, &types.FileClaim{
			SessionID: "session-old",
			RepoPath:  "/repo",
			FilePath:  "stale.go",
			ClaimMode: types.ClaimShared,
			ExpiresAt: time.Now().Add(-time.Hour),
		})
	})
	if err != nil {
		t.Fatalf("Failed to seed expired claim: %v", err)
	}

	swept, err := m.CleanupStale(ctx, "/repo")
	if err != nil {
		t.Fatalf("CleanupStale failed: %v", err)
	}
	if swept != 1 {
		t.Errorf("First sweep removed %d claims, want 1", swept)
	}

	// Inside the advisory window a second sweeper yields without work.
	swept, err = m.CleanupStale(ctx, "/repo")
	if err != nil {
		t.Fatalf("Second CleanupStale failed: %v", err)
	}
	if swept != 0 {
		t.Errorf("Second sweep should yield the lock, swept %d", swept)
	}
}

func TestAcquireRecordsReason(t *testing.T) {
	m := newTestManager(t)

	claim, err := m.Acquire(context.Background(), AcquireRequest{
		SessionID: "session-a",
		RepoPath:  "/repo",
		FilePath:  "main.go",
		Mode:      types.ClaimShared,
		Reason:    "refactoring parser",
	})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	got, err := m.store.GetClaim(context.Background(), claim.ID)
	if err != nil {
		t.Fatalf("GetClaim failed: %v", err)
	}
	if got.Metadata["reason"] != "refactoring parser" {
		t.Errorf("Metadata reason = %v, want refactoring parser", got.Metadata["reason"])
	}
}
