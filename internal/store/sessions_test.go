package store

import (
	"context"
	"testing"
	"time"

	"github.com/steveyegge/switchyard/internal/types"
)

func TestInsertAndGetSession(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	session := mustRegisterSession(t, s, 12345, "/repo", true)
	if session.ID == "" {
		t.Fatal("insert should assign an ID")
	}

	got, err := s.GetSessionByPID(ctx, 12345)
	if err != nil {
		t.Fatalf("GetSessionByPID: %v", err)
	}
	if got == nil {
		t.Fatal("session not found by pid")
	}
	if got.ID != session.ID {
		t.Errorf("id = %s, want %s", got.ID, session.ID)
	}
	if !got.IsMainRepo {
		t.Error("session should be main repo")
	}
	if got.WorktreeName != nil {
		t.Errorf("main-repo session should have nil worktree_name, got %v", *got.WorktreeName)
	}
	if got.CreatedAt.IsZero() || got.LastHeartbeat.IsZero() {
		t.Error("timestamps should be stamped on insert")
	}

	byID, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if byID == nil || byID.PID != 12345 {
		t.Errorf("GetSession by id returned %+v", byID)
	}
}

func TestGetSessionMissing(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	got, err := s.GetSessionByPID(ctx, 999)
	if err != nil {
		t.Fatalf("GetSessionByPID: %v", err)
	}
	if got != nil {
		t.Errorf("missing session should be nil, got %+v", got)
	}
}

func TestSessionMainRepoConstraint(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	// worktree_name set on a main-repo row violates the table constraint.
	name := "parallel-x"
	bad := &types.Session{
		PID:          100,
		RepoPath:     "/repo",
		WorktreePath: "/repo",
		IsMainRepo:   true,
		WorktreeName: &name,
	}
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		return tx.InsertSession(ctx, bad)
	})
	if err == nil {
		t.Fatal("main-repo session with worktree_name should be rejected")
	}
}

func TestSessionsForRepo(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	mustRegisterSession(t, s, 101, "/repo-a", true)
	mustRegisterSession(t, s, 102, "/repo-a", false)
	mustRegisterSession(t, s, 103, "/repo-b", true)

	got, err := s.SessionsForRepo(ctx, "/repo-a")
	if err != nil {
		t.Fatalf("SessionsForRepo: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("repo-a sessions = %d, want 2", len(got))
	}

	all, err := s.AllSessions(ctx)
	if err != nil {
		t.Fatalf("AllSessions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all sessions = %d, want 3", len(all))
	}
}

func TestUpdateHeartbeat(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	session := mustRegisterSession(t, s, 2001, "/repo", true)

	ok, err := s.UpdateHeartbeat(ctx, 2001)
	if err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}
	if !ok {
		t.Error("heartbeat for live session should return true")
	}

	// Idempotent: a second call is still fine.
	ok, err = s.UpdateHeartbeat(ctx, 2001)
	if err != nil {
		t.Fatalf("second UpdateHeartbeat: %v", err)
	}
	if !ok {
		t.Error("second heartbeat should return true")
	}

	ok, err = s.UpdateHeartbeat(ctx, 9999)
	if err != nil {
		t.Fatalf("UpdateHeartbeat for unknown pid: %v", err)
	}
	if ok {
		t.Error("heartbeat for unknown pid should return false")
	}

	got, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.LastHeartbeat.Before(session.LastHeartbeat) {
		t.Error("heartbeat should never move backwards")
	}
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	session := mustRegisterSession(t, s, 3001, "/repo", true)

	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		return tx.DeleteSession(ctx, session.ID)
	})
	if err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	got, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != nil {
		t.Error("deleted session should be gone")
	}

	err = s.RunInTransaction(ctx, func(tx *Tx) error {
		return tx.DeleteSession(ctx, session.ID)
	})
	if err == nil {
		t.Error("deleting a missing session should error")
	}
}

func TestUpdateSessionStatus(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	session := mustRegisterSession(t, s, 4001, "/repo", true)

	if err := s.UpdateSessionStatus(ctx, session.ID, types.SessionRunning, "/tmp/out.log"); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}

	got, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != types.SessionRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.OutputLog != "/tmp/out.log" {
		t.Errorf("output_log = %s", got.OutputLog)
	}
}

func TestSessionTimestampGrain(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	session := mustRegisterSession(t, s, 5001, "/repo", true)

	got, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.CreatedAt.Nanosecond() != 0 {
		t.Errorf("created_at should be second-granular, got %v", got.CreatedAt)
	}
	if d := time.Since(got.CreatedAt); d < 0 || d > time.Minute {
		t.Errorf("created_at should be recent UTC wall time, got %v (drift %v)", got.CreatedAt, d)
	}
}
