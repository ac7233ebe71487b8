package types

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClaimModeCompatibility(t *testing.T) {
	tests := []struct {
		name string
		req  ClaimMode
		held ClaimMode
		want bool
	}{
		{"exclusive vs exclusive", ClaimExclusive, ClaimExclusive, false},
		{"exclusive vs shared", ClaimExclusive, ClaimShared, false},
		{"exclusive vs intent", ClaimExclusive, ClaimIntent, false},
		{"shared vs exclusive", ClaimShared, ClaimExclusive, false},
		{"shared vs shared", ClaimShared, ClaimShared, true},
		{"shared vs intent", ClaimShared, ClaimIntent, true},
		{"intent vs exclusive", ClaimIntent, ClaimExclusive, false},
		{"intent vs shared", ClaimIntent, ClaimShared, true},
		{"intent vs intent", ClaimIntent, ClaimIntent, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.CompatibleWith(tt.held); got != tt.want {
				t.Errorf("CompatibleWith(%s, %s) = %v, want %v", tt.req, tt.held, got, tt.want)
			}
		})
	}
}

func TestClaimModeLevel(t *testing.T) {
	if ClaimIntent.Level() >= ClaimShared.Level() {
		t.Errorf("INTENT level %d should be below SHARED level %d", ClaimIntent.Level(), ClaimShared.Level())
	}
	if ClaimShared.Level() >= ClaimExclusive.Level() {
		t.Errorf("SHARED level %d should be below EXCLUSIVE level %d", ClaimShared.Level(), ClaimExclusive.Level())
	}
	if ClaimMode("bogus").Level() != 0 {
		t.Errorf("unknown mode should have level 0, got %d", ClaimMode("bogus").Level())
	}
}

func TestClaimModeIsValid(t *testing.T) {
	for _, m := range []ClaimMode{ClaimIntent, ClaimShared, ClaimExclusive} {
		if !m.IsValid() {
			t.Errorf("%s should be valid", m)
		}
	}
	if ClaimMode("shared").IsValid() {
		t.Error("lowercase mode should be invalid")
	}
	if ClaimMode("").IsValid() {
		t.Error("empty mode should be invalid")
	}
}

func TestFileClaimExpired(t *testing.T) {
	now := time.Now()
	claim := FileClaim{ExpiresAt: now.Add(time.Hour)}
	if claim.Expired(now) {
		t.Error("claim expiring in an hour should not be expired")
	}
	claim.ExpiresAt = now.Add(-time.Minute)
	if !claim.Expired(now) {
		t.Error("claim that expired a minute ago should be expired")
	}
	claim.ExpiresAt = time.Time{}
	if claim.Expired(now) {
		t.Error("zero expiry should never be expired")
	}
}

func TestSessionInMainRepo(t *testing.T) {
	name := "parallel-123"
	s := Session{IsMainRepo: true}
	if !s.InMainRepo() {
		t.Error("is_main_repo session should be in main repo")
	}
	s = Session{IsMainRepo: false, WorktreeName: &name}
	if s.InMainRepo() {
		t.Error("worktree session should not be in main repo")
	}
}

func TestConflictTypeIsValid(t *testing.T) {
	for _, ct := range []ConflictType{ConflictTrivial, ConflictStructural, ConflictSemantic, ConflictConcurrentEdit, ConflictUnknown} {
		if !ct.IsValid() {
			t.Errorf("%s should be valid", ct)
		}
	}
	if ConflictType("trivial").IsValid() {
		t.Error("lowercase conflict type should be invalid")
	}
}

func TestPeriodIsValid(t *testing.T) {
	for _, p := range []Period{PeriodDaily, PeriodWeekly, PeriodMonthly} {
		if !p.IsValid() {
			t.Errorf("%s should be valid", p)
		}
	}
	if Period("yearly").IsValid() {
		t.Error("yearly should be invalid")
	}
}

func TestClaimConflictError(t *testing.T) {
	held := &FileClaim{
		ID:        "claim-1",
		SessionID: "sess-a",
		FilePath:  "src/x.ts",
		ClaimMode: ClaimExclusive,
	}
	err := &ClaimConflictError{Requested: ClaimShared, Conflicting: held}

	if !errors.Is(err, ErrConflict) {
		t.Error("ClaimConflictError should match ErrConflict")
	}

	var cce *ClaimConflictError
	if !errors.As(err, &cce) {
		t.Fatal("errors.As should find ClaimConflictError")
	}
	if cce.Conflicting.ID != "claim-1" {
		t.Errorf("conflicting claim id = %s, want claim-1", cce.Conflicting.ID)
	}
	if Kind(err) != "conflict" {
		t.Errorf("Kind = %s, want conflict", Kind(err))
	}
}

func TestBudgetExceededError(t *testing.T) {
	err := &BudgetExceededError{SandboxID: "sb-1", Cost: 5.25, Limit: 5.00}
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Error("BudgetExceededError should match ErrBudgetExceeded")
	}
	if Kind(err) != "budget_exceeded" {
		t.Errorf("Kind = %s, want budget_exceeded", Kind(err))
	}
}

func TestKindMapping(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrValidation, "validation"},
		{ErrConflict, "conflict"},
		{ErrNotFound, "not_found"},
		{ErrAuth, "auth"},
		{ErrQuota, "quota"},
		{ErrNetwork, "network"},
		{ErrBudgetExceeded, "budget_exceeded"},
		{ErrTimeout, "timeout"},
		{ErrResolution, "resolution"},
		{ErrMigration, "migration"},
		{errors.New("anything else"), "internal"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestKindWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("acquire claim on src/x.ts: %w", ErrConflict)
	if Kind(wrapped) != "conflict" {
		t.Errorf("Kind of wrapped conflict = %q, want conflict", Kind(wrapped))
	}
}
