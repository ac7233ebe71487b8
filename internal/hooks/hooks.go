// Package hooks provides a hook system for extensibility.
// Hooks are executable scripts in .switchyard/hooks/ that run after
// coordination events: a watched branch merging, conflicts detected against
// a session's branch, or a claim collision. The hook receives the event
// name as its only argument and a JSON payload on stdin.
package hooks

import (
	"os"
	"path/filepath"
	"time"

	"github.com/steveyegge/switchyard/internal/types"
)

// Event types
const (
	EventMerge         = "merge"
	EventConflict      = "conflict"
	EventClaimConflict = "claim_conflict"
)

// Hook file names
const (
	HookOnMerge         = "on_merge"
	HookOnConflict      = "on_conflict"
	HookOnClaimConflict = "on_claim_conflict"
)

// MergePayload is written to an on_merge hook's stdin.
type MergePayload struct {
	RepoPath     string    `json:"repo_path"`
	BranchName   string    `json:"branch_name"`
	TargetBranch string    `json:"target_branch"`
	SourceCommit string    `json:"source_commit"`
	TargetCommit string    `json:"target_commit"`
	DetectedAt   time.Time `json:"detected_at"`
	SessionIDs   []string  `json:"session_ids,omitempty"` // subscribers notified by this event
}

// ConflictPayload is written to an on_conflict hook's stdin.
type ConflictPayload struct {
	RepoPath      string                `json:"repo_path"`
	SessionID     string                `json:"session_id"`
	CurrentBranch string                `json:"current_branch"`
	TargetBranch  string                `json:"target_branch"`
	Files         []ConflictFileSummary `json:"files"`
}

// ConflictFileSummary is one conflicted file in a ConflictPayload.
type ConflictFileSummary struct {
	Path     string             `json:"path"`
	Type     types.ConflictType `json:"type"`
	Severity types.Severity     `json:"severity"`
	Regions  int                `json:"regions"`
}

// ClaimConflictPayload is written to an on_claim_conflict hook's stdin.
type ClaimConflictPayload struct {
	RepoPath      string          `json:"repo_path"`
	FilePath      string          `json:"file_path"`
	SessionID     string          `json:"session_id"` // the session whose acquire failed
	HolderSession string          `json:"holder_session"`
	RequestedMode types.ClaimMode `json:"requested_mode"`
	HeldMode      types.ClaimMode `json:"held_mode"`
}

// Runner handles hook execution
type Runner struct {
	hooksDir string
	timeout  time.Duration
}

// NewRunner creates a new hook runner.
// hooksDir is typically .switchyard/hooks/ relative to the repo root.
func NewRunner(hooksDir string) *Runner {
	return &Runner{
		hooksDir: hooksDir,
		timeout:  10 * time.Second,
	}
}

// NewRunnerForRepo creates a hook runner for a repository root.
func NewRunnerForRepo(repoPath string) *Runner {
	return NewRunner(filepath.Join(repoPath, ".switchyard", "hooks"))
}

// Run executes a hook if it exists.
// Runs asynchronously - returns immediately, hook runs in background.
func (r *Runner) Run(event string, payload interface{}) {
	hookPath, ok := r.executableHook(event)
	if !ok {
		return
	}
	go func() { _ = r.runHook(hookPath, event, payload) }()
}

// RunSync executes a hook synchronously and returns any error.
// Useful for testing or when you need to wait for the hook.
func (r *Runner) RunSync(event string, payload interface{}) error {
	hookPath, ok := r.executableHook(event)
	if !ok {
		return nil
	}
	return r.runHook(hookPath, event, payload)
}

// HookExists checks if a hook exists for an event
func (r *Runner) HookExists(event string) bool {
	_, ok := r.executableHook(event)
	return ok
}

// executableHook resolves the hook path for an event and verifies it is an
// executable file. Missing or non-executable hooks are skipped silently.
func (r *Runner) executableHook(event string) (string, bool) {
	hookName := eventToHook(event)
	if hookName == "" {
		return "", false
	}

	hookPath := filepath.Join(r.hooksDir, hookName)
	info, err := os.Stat(hookPath)
	if err != nil || info.IsDir() {
		return "", false
	}
	if info.Mode()&0111 == 0 {
		return "", false
	}
	return hookPath, true
}

func eventToHook(event string) string {
	switch event {
	case EventMerge:
		return HookOnMerge
	case EventConflict:
		return HookOnConflict
	case EventClaimConflict:
		return HookOnClaimConflict
	default:
		return ""
	}
}
