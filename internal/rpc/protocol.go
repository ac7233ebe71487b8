// Package rpc implements the line-oriented JSON protocol the sy daemon
// speaks over its per-repository Unix socket, and the client the CLI
// uses when a daemon is running.
//
// Wire format: one JSON Request per line in, one JSON Response per line
// out, in order, over a single connection. Error responses carry a
// machine-readable kind so clients can dispatch with errors.Is exactly
// as they would against the managers directly.
package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveyegge/switchyard/internal/budget"
	"github.com/steveyegge/switchyard/internal/types"
)

// Request is a single operation sent to the daemon.
type Request struct {
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Response carries an operation's outcome. Data is the JSON encoding of
// the operation's result; Error and ErrorKind are set on failure.
type Response struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
}

// Operation names.
const (
	OpRegister  = "register"
	OpHeartbeat = "heartbeat"
	OpRelease   = "release"
	OpStatus    = "status"
	OpCleanup   = "cleanup"

	OpClaimAcquire  = "claim_acquire"
	OpClaimList     = "claim_list"
	OpClaimRelease  = "claim_release"
	OpClaimEscalate = "claim_escalate"

	OpSubscribe = "subscribe"
	OpMerges    = "merges"

	OpConflictDetect  = "conflict_detect"
	OpConflictSuggest = "conflict_suggest"
	OpConflictApply   = "conflict_apply"

	OpSandboxCreate   = "sandbox_create"
	OpSandboxRun      = "sandbox_run"
	OpSandboxUpload   = "sandbox_upload"
	OpSandboxDownload = "sandbox_download"
	OpSandboxKill     = "sandbox_kill"
	OpSandboxList     = "sandbox_list"

	OpBudgetStatus = "budget_status"
	OpBudgetRecord = "budget_record"

	OpConfigGet = "config_get"
	OpConfigSet = "config_set"

	OpPing     = "ping"
	OpShutdown = "shutdown"
)

// NewResponse marshals v as the Data of a success response. A value that
// cannot encode degrades to an internal-error response.
func NewResponse(v interface{}) *Response {
	if v == nil {
		return &Response{Success: true}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return NewErrorResponse(fmt.Errorf("encode response: %v: %w", err, types.ErrInternal))
	}
	return &Response{Success: true, Data: data}
}

// NewErrorResponse classifies err with types.Kind and builds the failure
// response.
func NewErrorResponse(err error) *Response {
	return &Response{Success: false, Error: err.Error(), ErrorKind: types.Kind(err)}
}

// RegisterArgs identifies the process claiming a seat in a repo. The
// optional fields fill the session columns sandboxed and templated
// registrations carry.
type RegisterArgs struct {
	RepoPath      string   `json:"repo_path"`
	PID           int      `json:"pid"`
	ExecutionMode string   `json:"execution_mode,omitempty"`
	Prompt        string   `json:"prompt,omitempty"`
	Template      string   `json:"template,omitempty"`
	BudgetLimit   *float64 `json:"budget_limit,omitempty"`
}

// RegisterResult mirrors coordinator registration over the wire; a
// worktree fallback error flattens to a warning string.
type RegisterResult struct {
	Session          *types.Session `json:"session"`
	IsNew            bool           `json:"is_new"`
	ParallelSessions int            `json:"parallel_sessions"`
	WorktreeWarning  string         `json:"worktree_warning,omitempty"`
}

// HeartbeatArgs names the process refreshing its session.
type HeartbeatArgs struct {
	PID int `json:"pid"`
}

// HeartbeatResult reports whether a session row was refreshed.
type HeartbeatResult struct {
	Refreshed bool `json:"refreshed"`
}

// ReleaseArgs names the process unregistering its session.
type ReleaseArgs struct {
	PID int `json:"pid"`
}

// ReleaseResult reports what release did.
type ReleaseResult struct {
	Released        bool   `json:"released"`
	WorktreeRemoved bool   `json:"worktree_removed"`
	SessionID       string `json:"session_id,omitempty"`
}

// StatusArgs scopes the session roster. Empty RepoPath means every repo.
type StatusArgs struct {
	RepoPath string `json:"repo_path,omitempty"`
}

// ClaimAcquireArgs describes one claim acquisition. TTLHours zero selects
// the 24h default.
type ClaimAcquireArgs struct {
	SessionID string          `json:"session_id"`
	RepoPath  string          `json:"repo_path"`
	FilePath  string          `json:"file_path"`
	Mode      types.ClaimMode `json:"mode"`
	Reason    string          `json:"reason,omitempty"`
	TTLHours  float64         `json:"ttl_hours,omitempty"`
}

// ClaimListArgs scopes a claim listing. A non-empty SessionID narrows the
// listing to that session's active claims.
type ClaimListArgs struct {
	RepoPath        string `json:"repo_path,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	IncludeInactive bool   `json:"include_inactive,omitempty"`
}

// ClaimReleaseArgs names one claim to release. Force overrides the
// ownership check.
type ClaimReleaseArgs struct {
	ClaimID   string `json:"claim_id"`
	SessionID string `json:"session_id"`
	Force     bool   `json:"force,omitempty"`
}

// ClaimReleaseResult reports whether the claim was active when released.
type ClaimReleaseResult struct {
	Released bool `json:"released"`
}

// ClaimEscalateArgs raises an existing claim to a stronger mode.
type ClaimEscalateArgs struct {
	ClaimID   string          `json:"claim_id"`
	SessionID string          `json:"session_id"`
	Mode      types.ClaimMode `json:"mode"`
}

// SubscribeArgs registers interest in a branch merging into a target.
// Empty TargetBranch defaults to main.
type SubscribeArgs struct {
	SessionID    string `json:"session_id"`
	RepoPath     string `json:"repo_path"`
	BranchName   string `json:"branch_name"`
	TargetBranch string `json:"target_branch,omitempty"`
}

// MergesArgs scopes a merge-event listing.
type MergesArgs struct {
	RepoPath string `json:"repo_path"`
	Limit    int    `json:"limit,omitempty"`
}

// ConflictDetectArgs describes one merge simulation.
type ConflictDetectArgs struct {
	RepoPath      string `json:"repo_path"`
	CurrentBranch string `json:"current_branch"`
	TargetBranch  string `json:"target_branch"`
	Semantic      bool   `json:"semantic,omitempty"`
}

// ConflictFileSummary is the wire face of one conflicted file; region
// contents stay server-side, only counts and classification travel.
type ConflictFileSummary struct {
	FilePath string             `json:"file_path"`
	Type     types.ConflictType `json:"type"`
	Severity types.Severity     `json:"severity"`
	Regions  int                `json:"regions"`
}

// ConflictDetectResult summarizes one merge simulation.
type ConflictDetectResult struct {
	RepoPath      string                `json:"repo_path"`
	CurrentBranch string                `json:"current_branch"`
	TargetBranch  string                `json:"target_branch"`
	MergeBase     string                `json:"merge_base,omitempty"`
	Clean         bool                  `json:"clean"`
	Files         []ConflictFileSummary `json:"files,omitempty"`
	AnalyzedAt    time.Time             `json:"analyzed_at"`
}

// ConflictSuggestArgs runs detection plus suggestion generation in one
// call and persists what it finds.
type ConflictSuggestArgs struct {
	RepoPath      string `json:"repo_path"`
	CurrentBranch string `json:"current_branch"`
	TargetBranch  string `json:"target_branch"`
	SessionID     string `json:"session_id,omitempty"`
}

// ConflictSuggestResult pairs the simulation summary with the freshly
// generated suggestions.
type ConflictSuggestResult struct {
	Report      ConflictDetectResult       `json:"report"`
	Suggestions []*types.AutoFixSuggestion `json:"suggestions,omitempty"`
}

// ConflictApplyArgs applies one persisted suggestion to the working tree.
type ConflictApplyArgs struct {
	SuggestionID string `json:"suggestion_id"`
	DryRun       bool   `json:"dry_run,omitempty"`
	CreateBackup bool   `json:"create_backup,omitempty"`
}

// SandboxCreateArgs provisions a sandbox for a session. APIKey empty
// defers to the daemon's environment.
type SandboxCreateArgs struct {
	SessionID string `json:"session_id"`
	APIKey    string `json:"api_key,omitempty"`
}

// SandboxSummary is the wire face of one tracked sandbox.
type SandboxSummary struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	RepoPath       string    `json:"repo_path,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	TimeoutMinutes int       `json:"timeout_minutes"`
	BudgetLimit    float64   `json:"budget_limit"`
}

// SandboxRunArgs executes one command in a sandbox.
type SandboxRunArgs struct {
	SandboxID string `json:"sandbox_id"`
	Command   string `json:"command"`
}

// SandboxRunResult carries the combined output of one command.
type SandboxRunResult struct {
	Output string `json:"output"`
}

// SandboxUploadArgs pushes a local workspace into a sandbox. Paths are
// resolved on the daemon's host, which the CLI shares.
type SandboxUploadArgs struct {
	SandboxID  string `json:"sandbox_id"`
	LocalPath  string `json:"local_path"`
	RemotePath string `json:"remote_path"`
}

// SandboxDownloadArgs pulls changed files out of a sandbox.
type SandboxDownloadArgs struct {
	SandboxID  string `json:"sandbox_id"`
	RemotePath string `json:"remote_path"`
	LocalPath  string `json:"local_path"`
}

// SandboxKillArgs names one sandbox to terminate.
type SandboxKillArgs struct {
	SandboxID string `json:"sandbox_id"`
}

// BudgetRecordArgs records spend. Empty Period records against all three
// accumulators.
type BudgetRecordArgs struct {
	Amount float64      `json:"amount"`
	Period types.Period `json:"period,omitempty"`
}

// BudgetRecordResult lists the warning thresholds the recording crossed.
type BudgetRecordResult struct {
	Warnings []budget.Warning `json:"warnings,omitempty"`
}

// ConfigGetArgs reads one dot-path from the daemon's config.
type ConfigGetArgs struct {
	Key string `json:"key"`
}

// ConfigGetResult reports a config lookup.
type ConfigGetResult struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value,omitempty"`
	Found bool        `json:"found"`
}

// ConfigSetArgs writes one dot-path in the daemon's config. Value is any
// JSON value.
type ConfigSetArgs struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// PingResult identifies the daemon answering the socket.
type PingResult struct {
	Version       string  `json:"version"`
	PID           int     `json:"pid"`
	DBPath        string  `json:"db_path,omitempty"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}
