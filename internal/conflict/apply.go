package conflict

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/switchyard/internal/store"
	"github.com/steveyegge/switchyard/internal/types"
)

// ApplyRequest describes one suggestion application.
type ApplyRequest struct {
	SuggestionID string
	DryRun       bool
	CreateBackup bool
	AutoApplied  bool // true when the daemon applied it, false for explicit CLI applies
}

// ApplyResult reports what an apply did (or would do, for dry runs).
type ApplyResult struct {
	Applied         bool   `json:"applied"`
	DryRun          bool   `json:"dry_run"`
	FilePath        string `json:"file_path"`
	BackupPath      string `json:"backup_path,omitempty"`
	RollbackCommand string `json:"rollback_command,omitempty"`
	LinesAdded      int    `json:"lines_added"`
	LinesRemoved    int    `json:"lines_removed"`
}

// ApplySuggestion writes a persisted suggestion into the working tree,
// verifies the result parses and carries no leftover markers, and rolls
// the file back on any verification failure. Dry runs verify without
// writing.
func (e *Engine) ApplySuggestion(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	sug, err := e.store.GetSuggestion(ctx, req.SuggestionID)
	if err != nil {
		return nil, err
	}
	if sug == nil {
		return nil, fmt.Errorf("suggestion %s: %w", req.SuggestionID, types.ErrNotFound)
	}

	absPath := filepath.Join(e.repo.Path(), sug.FilePath)
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("conflicted file %s no longer exists: %w", sug.FilePath, types.ErrNotFound)
	}
	original, err := os.ReadFile(absPath) // #nosec G304 - path is repo-relative and validated on insert
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", sug.FilePath, err)
	}

	content := sug.SuggestedResolution
	added, removed := diffStats(string(original), content)
	result := &ApplyResult{
		DryRun:       req.DryRun,
		FilePath:     sug.FilePath,
		LinesAdded:   added,
		LinesRemoved: removed,
	}

	if verr := verifyResolved(sug.FilePath, content); verr != nil {
		e.scorer.RecordOutcome(sug.StrategyUsed, false)
		return nil, verr
	}
	if req.DryRun {
		return result, nil
	}

	if req.CreateBackup {
		backupPath := absPath + ".sy-backup-" + strconv.FormatInt(time.Now().UnixNano(), 10)
		if err := os.WriteFile(backupPath, original, info.Mode().Perm()); err != nil {
			return nil, fmt.Errorf("create backup: %w", err)
		}
		result.BackupPath = backupPath
		result.RollbackCommand = fmt.Sprintf("cp %q %q", backupPath, absPath)
	}

	if err := os.WriteFile(absPath, []byte(content), info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("write resolution: %w", err)
	}

	// Re-verify what actually landed on disk; restore on any failure.
	written, err := os.ReadFile(absPath) // #nosec G304
	if err == nil {
		err = verifyResolved(sug.FilePath, string(written))
	}
	if err != nil {
		if rerr := os.WriteFile(absPath, original, info.Mode().Perm()); rerr != nil {
			e.log.Errorf("rollback of %s failed: %v", sug.FilePath, rerr)
		}
		e.scorer.RecordOutcome(sug.StrategyUsed, false)
		return nil, fmt.Errorf("verification failed, file restored: %w", err)
	}

	now := time.Now()
	err = e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		if err := tx.MarkSuggestionApplied(ctx, sug.ID, req.AutoApplied, now); err != nil {
			return err
		}
		return tx.MarkResolutionResolved(ctx, sug.ConflictResolutionID, types.ResolutionAutoFix, content, sug.ID, now)
	})
	if err != nil {
		return nil, err
	}

	e.scorer.RecordOutcome(sug.StrategyUsed, true)
	result.Applied = true
	return result, nil
}

// verifyResolved checks a candidate resolution is safe to keep: no
// leftover conflict markers and syntactically valid content.
func verifyResolved(path, content string) error {
	if n := CountMarkers(content); n > 0 {
		return fmt.Errorf("%d conflict marker(s) remain in %s: %w", n, path, types.ErrResolution)
	}
	if syntaxValidity(path, content) < 1.0 {
		return fmt.Errorf("%s does not parse after resolution: %w", path, types.ErrResolution)
	}
	return nil
}

// diffStats approximates added/removed line counts between two versions
// using line multisets.
func diffStats(before, after string) (added, removed int) {
	beforeCounts := lineCounts(before)
	afterCounts := lineCounts(after)
	for line, n := range afterCounts {
		if d := n - beforeCounts[line]; d > 0 {
			added += d
		}
	}
	for line, n := range beforeCounts {
		if d := n - afterCounts[line]; d > 0 {
			removed += d
		}
	}
	return added, removed
}

func lineCounts(content string) map[string]int {
	counts := make(map[string]int)
	for _, line := range strings.Split(content, "\n") {
		counts[line]++
	}
	return counts
}
