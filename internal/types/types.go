// Package types defines core data structures for the switchyard session coordinator.
package types

import (
	"time"
)

// Session represents one coordinated development session: a process working
// in either the main checkout or a dedicated worktree of a repository.
type Session struct {
	ID            string        `json:"id"`
	PID           int           `json:"pid"`
	RepoPath      string        `json:"repo_path"` // Canonical git toplevel
	WorktreePath  string        `json:"worktree_path"`
	WorktreeName  *string       `json:"worktree_name,omitempty"` // nil ⇔ session runs in the main checkout
	IsMainRepo    bool          `json:"is_main_repo"`
	CreatedAt     time.Time     `json:"created_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	ExecutionMode ExecutionMode `json:"execution_mode,omitempty"`
	SandboxID     *string       `json:"sandbox_id,omitempty"` // Remote sandbox backing this session, if any
	Prompt        string        `json:"prompt,omitempty"`
	Status        SessionStatus `json:"status,omitempty"`
	OutputLog     string        `json:"output_log,omitempty"`
	BudgetLimit   *float64      `json:"budget_limit,omitempty"` // Per-session spend cap in USD; nil = use config default
	Template      string        `json:"template,omitempty"`
}

// InMainRepo reports whether the session occupies the main checkout.
func (s *Session) InMainRepo() bool {
	return s.IsMainRepo || s.WorktreeName == nil
}

// FileClaim is a cooperative, time-bounded advisory lock on one file.
type FileClaim struct {
	ID            string                 `json:"id"`
	SessionID     string                 `json:"session_id"`
	RepoPath      string                 `json:"repo_path"`
	FilePath      string                 `json:"file_path"` // Repo-relative, traversal-checked
	ClaimMode     ClaimMode              `json:"claim_mode"`
	ClaimedAt     time.Time              `json:"claimed_at"`
	ExpiresAt     time.Time              `json:"expires_at"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	EscalatedFrom *ClaimMode             `json:"escalated_from,omitempty"` // Mode before the most recent escalation
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	IsActive      bool                   `json:"is_active"`
	ReleasedAt    *time.Time             `json:"released_at,omitempty"`
	DeletedAt     *time.Time             `json:"deleted_at,omitempty"`
	DeletedReason string                 `json:"deleted_reason,omitempty"`
}

// Expired reports whether the claim's TTL has lapsed at the given instant.
func (c *FileClaim) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now)
}

// ClaimMode is the compatibility mode of a file claim.
type ClaimMode string

// Claim mode constants, weakest to strongest
const (
	ClaimIntent    ClaimMode = "INTENT"
	ClaimShared    ClaimMode = "SHARED"
	ClaimExclusive ClaimMode = "EXCLUSIVE"
)

// IsValid checks if the claim mode value is valid
func (m ClaimMode) IsValid() bool {
	switch m {
	case ClaimIntent, ClaimShared, ClaimExclusive:
		return true
	}
	return false
}

// Level returns the escalation level of the mode (INTENT < SHARED < EXCLUSIVE).
func (m ClaimMode) Level() int {
	switch m {
	case ClaimIntent:
		return 1
	case ClaimShared:
		return 2
	case ClaimExclusive:
		return 3
	}
	return 0
}

// CompatibleWith reports whether a claim in mode m can coexist with a held
// claim in mode held. EXCLUSIVE on either side excludes everything; SHARED
// and INTENT coexist freely.
func (m ClaimMode) CompatibleWith(held ClaimMode) bool {
	return m != ClaimExclusive && held != ClaimExclusive
}

// MergeEvent records one observed branch→target merge.
type MergeEvent struct {
	ID               string    `json:"id"`
	RepoPath         string    `json:"repo_path"`
	BranchName       string    `json:"branch_name"`
	SourceCommit     string    `json:"source_commit"`
	TargetBranch     string    `json:"target_branch"`
	TargetCommit     string    `json:"target_commit"`
	MergedAt         time.Time `json:"merged_at"`
	DetectedAt       time.Time `json:"detected_at"`
	NotificationSent bool      `json:"notification_sent"`
}

// Subscription registers a session's interest in a branch merging into a target.
type Subscription struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	RepoPath     string     `json:"repo_path"`
	BranchName   string     `json:"branch_name"`
	TargetBranch string     `json:"target_branch"`
	CreatedAt    time.Time  `json:"created_at"`
	NotifiedAt   *time.Time `json:"notified_at,omitempty"`
	IsActive     bool       `json:"is_active"`
}

// ConflictResolution records one detected conflict and its resolution state.
type ConflictResolution struct {
	ID                  string                 `json:"id"`
	SessionID           *string                `json:"session_id,omitempty"`
	RepoPath            string                 `json:"repo_path"`
	FilePath            string                 `json:"file_path"`
	ConflictType        ConflictType           `json:"conflict_type"`
	BaseCommit          string                 `json:"base_commit,omitempty"`
	SourceCommit        string                 `json:"source_commit,omitempty"`
	TargetCommit        string                 `json:"target_commit,omitempty"`
	ResolutionStrategy  ResolutionStrategy     `json:"resolution_strategy,omitempty"`
	ConfidenceScore     float64                `json:"confidence_score"`
	ConflictMarkers     string                 `json:"conflict_markers,omitempty"` // Verbatim marker text
	ResolvedContent     string                 `json:"resolved_content,omitempty"`
	DetectedAt          time.Time              `json:"detected_at"`
	ResolvedAt          *time.Time             `json:"resolved_at,omitempty"`
	AutoFixSuggestionID *string                `json:"auto_fix_suggestion_id,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

// AutoFixSuggestion is one candidate resolution produced by the strategy chain.
type AutoFixSuggestion struct {
	ID                   string       `json:"id"`
	ConflictResolutionID string       `json:"conflict_resolution_id"`
	RepoPath             string       `json:"repo_path"`
	FilePath             string       `json:"file_path"`
	ConflictType         ConflictType `json:"conflict_type"`
	SuggestedResolution  string       `json:"suggested_resolution"`
	ConfidenceScore      float64      `json:"confidence_score"`
	Explanation          string       `json:"explanation,omitempty"`
	Risks                []string     `json:"risks,omitempty"`
	StrategyUsed         string       `json:"strategy_used"`
	BaseContent          string       `json:"base_content,omitempty"`
	SourceContent        string       `json:"source_content,omitempty"`
	TargetContent        string       `json:"target_content,omitempty"`
	GeneratedAt          time.Time    `json:"generated_at"`
	AppliedAt            *time.Time   `json:"applied_at,omitempty"`
	WasAutoApplied       bool         `json:"was_auto_applied"`
}

// BudgetPeriod accumulates spend for one accounting period.
type BudgetPeriod struct {
	ID          string    `json:"id"`
	Period      Period    `json:"period"`
	PeriodStart string    `json:"period_start"` // Canonical ISO date for the period
	BudgetLimit float64   `json:"budget_limit"` // 0 = enforcement disabled
	Spent       float64   `json:"spent"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConflictType classifies a conflict region.
type ConflictType string

// Conflict type constants
const (
	ConflictTrivial        ConflictType = "TRIVIAL"
	ConflictStructural     ConflictType = "STRUCTURAL"
	ConflictSemantic       ConflictType = "SEMANTIC"
	ConflictConcurrentEdit ConflictType = "CONCURRENT_EDIT"
	ConflictUnknown        ConflictType = "UNKNOWN"
)

// IsValid checks if the conflict type value is valid
func (t ConflictType) IsValid() bool {
	switch t {
	case ConflictTrivial, ConflictStructural, ConflictSemantic, ConflictConcurrentEdit, ConflictUnknown:
		return true
	}
	return false
}

// ResolutionStrategy describes how a conflict was (or will be) resolved.
type ResolutionStrategy string

// Resolution strategy constants
const (
	ResolutionAutoFix   ResolutionStrategy = "AUTO_FIX"
	ResolutionManual    ResolutionStrategy = "MANUAL"
	ResolutionHybrid    ResolutionStrategy = "HYBRID"
	ResolutionAbandoned ResolutionStrategy = "ABANDONED"
)

// IsValid checks if the resolution strategy value is valid
func (s ResolutionStrategy) IsValid() bool {
	switch s {
	case ResolutionAutoFix, ResolutionManual, ResolutionHybrid, ResolutionAbandoned:
		return true
	}
	return false
}

// Severity grades how risky a conflicted file is to auto-fix.
type Severity string

// Severity constants
const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Period is a budget accounting period.
type Period string

// Budget period constants
const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// IsValid checks if the period value is valid
func (p Period) IsValid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// ExecutionMode says where a session's agent runs.
type ExecutionMode string

// Execution mode constants
const (
	ExecutionLocal  ExecutionMode = "local"
	ExecutionRemote ExecutionMode = "remote"
)

// IsValid checks if the execution mode value is valid (empty means unset)
func (m ExecutionMode) IsValid() bool {
	switch m {
	case ExecutionLocal, ExecutionRemote, "":
		return true
	}
	return false
}

// SessionStatus is the coarse lifecycle state of a session's agent.
type SessionStatus string

// Session status constants
const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// DefaultClaimTTL is the default time-to-live for a file claim.
const DefaultClaimTTL = 24 * time.Hour

// ClaimStaleHeartbeat is how long a claim may go without a heartbeat before
// a sweep releases it.
const ClaimStaleHeartbeat = 5 * time.Minute

// DefaultStaleSessionThreshold is how long a session may go without a
// heartbeat before it becomes sweep-eligible. A dead process makes the
// session eligible regardless of heartbeat age.
const DefaultStaleSessionThreshold = 10 * time.Minute

// CleanupLockWindow is the advisory-lock window for stale sweeps: a sweeper
// that finds the lock timestamp newer than this yields, and a stuck lock
// self-heals once the window passes.
const CleanupLockWindow = 1 * time.Minute

// MaxMetadataBytes bounds the serialized size of opaque metadata columns.
const MaxMetadataBytes = 16 * 1024
