package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/steveyegge/switchyard/internal/types"
)

func TestInsertMergeEventAndGet(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	event := &types.MergeEvent{
		RepoPath:     "/repo",
		BranchName:   "feature/auth",
		SourceCommit: "abc123",
		TargetBranch: "main",
		TargetCommit: "def456",
	}
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		return tx.InsertMergeEvent(ctx, event)
	})
	if err != nil {
		t.Fatalf("insert merge event: %v", err)
	}
	if event.ID == "" {
		t.Fatal("insert should assign an ID")
	}

	got, err := s.GetMergeEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("GetMergeEvent: %v", err)
	}
	if got == nil {
		t.Fatal("event not found")
	}
	if got.BranchName != "feature/auth" || got.TargetBranch != "main" {
		t.Errorf("got %s -> %s", got.BranchName, got.TargetBranch)
	}
	if got.NotificationSent {
		t.Error("fresh event should not be marked notified")
	}
	if got.DetectedAt.IsZero() {
		t.Error("detected_at should be stamped")
	}
}

func TestMergeEventDuplicateRejected(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	insert := func() error {
		return s.RunInTransaction(ctx, func(tx *Tx) error {
			return tx.InsertMergeEvent(ctx, &types.MergeEvent{
				RepoPath:     "/repo",
				BranchName:   "feature/auth",
				SourceCommit: "abc123",
				TargetBranch: "main",
			})
		})
	}

	if err := insert(); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := insert()
	if err == nil {
		t.Fatal("duplicate (repo, branch, target, commit) should be rejected")
	}
	if !errors.Is(err, types.ErrConflict) {
		t.Errorf("duplicate error = %v, want ErrConflict", err)
	}
}

func TestHasMergeEvent(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		if err := tx.InsertMergeEvent(ctx, &types.MergeEvent{
			RepoPath: "/repo", BranchName: "dev", SourceCommit: "aaa", TargetBranch: "main",
		}); err != nil {
			return err
		}

		seen, err := tx.HasMergeEvent(ctx, "/repo", "dev", "main", "aaa")
		if err != nil {
			return err
		}
		if !seen {
			t.Error("recorded merge should be found")
		}

		seen, err = tx.HasMergeEvent(ctx, "/repo", "dev", "main", "bbb")
		if err != nil {
			return err
		}
		if seen {
			t.Error("different source commit should not match")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestMarkNotificationSent(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	event := &types.MergeEvent{
		RepoPath: "/repo", BranchName: "dev", SourceCommit: "aaa", TargetBranch: "main",
	}
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		return tx.InsertMergeEvent(ctx, event)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	unnotified, err := s.UnnotifiedMergeEvents(ctx, "/repo")
	if err != nil {
		t.Fatalf("UnnotifiedMergeEvents: %v", err)
	}
	if len(unnotified) != 1 {
		t.Fatalf("unnotified = %d, want 1", len(unnotified))
	}

	err = s.RunInTransaction(ctx, func(tx *Tx) error {
		return tx.MarkNotificationSent(ctx, event.ID)
	})
	if err != nil {
		t.Fatalf("MarkNotificationSent: %v", err)
	}

	unnotified, err = s.UnnotifiedMergeEvents(ctx, "/repo")
	if err != nil {
		t.Fatalf("UnnotifiedMergeEvents: %v", err)
	}
	if len(unnotified) != 0 {
		t.Errorf("unnotified after mark = %d, want 0", len(unnotified))
	}

	err = s.RunInTransaction(ctx, func(tx *Tx) error {
		return tx.MarkNotificationSent(ctx, "no-such-event")
	})
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("marking unknown event = %v, want ErrNotFound", err)
	}
}

func TestSubscriptionDefaultTarget(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	session := mustRegisterSession(t, s, 200, "/repo", true)
	sub := &types.Subscription{
		SessionID:  session.ID,
		RepoPath:   "/repo",
		BranchName: "feature/auth",
	}
	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		return tx.InsertSubscription(ctx, sub)
	})
	if err != nil {
		t.Fatalf("insert subscription: %v", err)
	}
	if sub.TargetBranch != "main" {
		t.Errorf("target branch defaulted to %q, want main", sub.TargetBranch)
	}
}

func TestNotifySubscriptionsMatchesAndRetires(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	a := mustRegisterSession(t, s, 201, "/repo", true)
	b := mustRegisterSession(t, s, 202, "/repo", false)

	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		for _, sub := range []*types.Subscription{
			{SessionID: a.ID, RepoPath: "/repo", BranchName: "feature/auth", TargetBranch: "main"},
			{SessionID: b.ID, RepoPath: "/repo", BranchName: "feature/auth", TargetBranch: "main"},
			{SessionID: b.ID, RepoPath: "/repo", BranchName: "feature/other", TargetBranch: "main"},
		} {
			if err := tx.InsertSubscription(ctx, sub); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert subscriptions: %v", err)
	}

	var notified []*types.Subscription
	err = s.RunInTransaction(ctx, func(tx *Tx) error {
		var err error
		notified, err = tx.NotifySubscriptions(ctx, "/repo", "feature/auth", "main", time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("NotifySubscriptions: %v", err)
	}
	if len(notified) != 2 {
		t.Fatalf("notified = %d, want 2", len(notified))
	}
	for _, sub := range notified {
		if sub.NotifiedAt == nil {
			t.Error("notified subscription should carry notified_at")
		}
		if sub.IsActive {
			t.Error("notified subscription should be inactive")
		}
	}

	// The non-matching branch stays active; a second notify finds nothing.
	active, err := s.ActiveSubscriptionsForRepo(ctx, "/repo")
	if err != nil {
		t.Fatalf("ActiveSubscriptionsForRepo: %v", err)
	}
	if len(active) != 1 || active[0].BranchName != "feature/other" {
		t.Errorf("remaining active = %+v", active)
	}

	err = s.RunInTransaction(ctx, func(tx *Tx) error {
		var err error
		notified, err = tx.NotifySubscriptions(ctx, "/repo", "feature/auth", "main", time.Now())
		return err
	})
	if err != nil {
		t.Fatalf("second NotifySubscriptions: %v", err)
	}
	if len(notified) != 0 {
		t.Errorf("second notify = %d subscriptions, want 0", len(notified))
	}
}

func TestDeactivateSubscriptionsForSession(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	a := mustRegisterSession(t, s, 203, "/repo", true)
	b := mustRegisterSession(t, s, 204, "/repo", false)

	err := s.RunInTransaction(ctx, func(tx *Tx) error {
		for _, sub := range []*types.Subscription{
			{SessionID: a.ID, RepoPath: "/repo", BranchName: "x"},
			{SessionID: a.ID, RepoPath: "/repo", BranchName: "y"},
			{SessionID: b.ID, RepoPath: "/repo", BranchName: "z"},
		} {
			if err := tx.InsertSubscription(ctx, sub); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert subscriptions: %v", err)
	}

	var n int
	err = s.RunInTransaction(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.DeactivateSubscriptionsForSession(ctx, a.ID)
		return err
	})
	if err != nil {
		t.Fatalf("DeactivateSubscriptionsForSession: %v", err)
	}
	if n != 2 {
		t.Errorf("deactivated = %d, want 2", n)
	}

	repos, err := s.ReposWithActiveSubscriptions(ctx)
	if err != nil {
		t.Fatalf("ReposWithActiveSubscriptions: %v", err)
	}
	if len(repos) != 1 || repos[0] != "/repo" {
		t.Errorf("subscribed repos = %v", repos)
	}
}
