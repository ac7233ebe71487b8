package store

import (
	"context"
	"testing"
	"time"

	"github.com/steveyegge/switchyard/internal/types"
)

// newTestStore opens a store backed by a temp file. File-based databases
// exercise the WAL path and the connection pool the way production does;
// pass a custom dbPath to point somewhere specific.
func newTestStore(t *testing.T, dbPath string) *Store {
	t.Helper()

	if dbPath == "" {
		dbPath = t.TempDir() + "/test.db"
	}

	ctx := context.Background()
	s, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	t.Cleanup(func() {
		if cerr := s.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})

	return s
}

// mustRegisterSession inserts a session row directly, for tests that need
// one in place.
func mustRegisterSession(t *testing.T, s *Store, pid int, repoPath string, mainRepo bool) *types.Session {
	t.Helper()

	session := &types.Session{
		PID:          pid,
		RepoPath:     repoPath,
		WorktreePath: repoPath,
		IsMainRepo:   mainRepo,
	}
	if !mainRepo {
		name := "parallel-test"
		session.WorktreeName = &name
		session.WorktreePath = repoPath + "-worktrees/" + name
	}

	err := s.RunInTransaction(context.Background(), func(tx *Tx) error {
		return tx.InsertSession(context.Background(), session)
	})
	if err != nil {
		t.Fatalf("Failed to insert session: %v", err)
	}
	return session
}

// mustAcquireClaim inserts an active claim directly, bypassing the manager.
func mustAcquireClaim(t *testing.T, s *Store, sessionID, repoPath, filePath string, mode types.ClaimMode) *types.FileClaim {
	t.Helper()

	claim := &types.FileClaim{
		SessionID: sessionID,
		RepoPath:  repoPath,
		FilePath:  filePath,
		ClaimMode: mode,
		ExpiresAt: time.Now().Add(types.DefaultClaimTTL),
	}
	err := s.RunInTransaction(context.Background(), func(tx *Tx) error {
		return tx.InsertClaim(context.Background(), claim)
	})
	if err != nil {
		t.Fatalf("Failed to insert claim: %v", err)
	}
	return claim
}
