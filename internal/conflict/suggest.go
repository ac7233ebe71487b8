package conflict

import (
	"context"
	"fmt"
	"sort"

	"github.com/steveyegge/switchyard/internal/store"
	"github.com/steveyegge/switchyard/internal/types"
)

// RecordResolution persists a detected conflict as a resolution row,
// open until an apply or a manual fix closes it.
func (e *Engine) RecordResolution(ctx context.Context, report *ConflictReport, fc *FileConflict, sessionID string) (*types.ConflictResolution, error) {
	res := &types.ConflictResolution{
		RepoPath:        report.RepoPath,
		FilePath:        fc.FilePath,
		ConflictType:    fc.Type,
		BaseCommit:      report.MergeBase,
		SourceCommit:    report.SourceCommit,
		TargetCommit:    report.TargetCommit,
		ConflictMarkers: fc.Content,
		Metadata: map[string]interface{}{
			"severity":      string(fc.Severity),
			"region_count":  len(fc.Regions),
			"source_branch": report.CurrentBranch,
			"target_branch": report.TargetBranch,
		},
	}
	if sessionID != "" {
		res.SessionID = &sessionID
	}
	err := e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		return tx.InsertConflictResolution(ctx, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GenerateSuggestions runs the strategy chain over one conflicted file,
// persists every applicable candidate, and returns them best first,
// truncated to the engine's maximum.
func (e *Engine) GenerateSuggestions(ctx context.Context, report *ConflictReport, fc *FileConflict, resolution *types.ConflictResolution) ([]*types.AutoFixSuggestion, error) {
	if resolution == nil {
		return nil, fmt.Errorf("suggestions need a recorded resolution: %w", types.ErrValidation)
	}

	var suggestions []*types.AutoFixSuggestion
	for _, strategy := range e.chain {
		if !strategy.Applicable(fc) {
			continue
		}
		content, explanation, err := strategy.Resolve(ctx, fc)
		if err != nil {
			e.log.Warnf("strategy %s failed on %s: %v", strategy.Name(), fc.FilePath, err)
			continue
		}
		suggestions = append(suggestions, &types.AutoFixSuggestion{
			ConflictResolutionID: resolution.ID,
			RepoPath:             report.RepoPath,
			FilePath:             fc.FilePath,
			ConflictType:         fc.Type,
			SuggestedResolution:  content,
			ConfidenceScore:      e.scorer.Score(fc, content, strategy.Name()),
			Explanation:          explanation,
			Risks:                strategy.Risks(fc),
			StrategyUsed:         strategy.Name(),
			BaseContent:          fc.BaseContent,
			SourceContent:        fc.OursContent,
			TargetContent:        fc.TheirsContent,
		})
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].ConfidenceScore > suggestions[j].ConfidenceScore
	})
	if len(suggestions) > e.maxSuggestions {
		suggestions = suggestions[:e.maxSuggestions]
	}

	err := e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		for _, sug := range suggestions {
			if err := tx.InsertSuggestion(ctx, sug); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return suggestions, nil
}

// AnalyzeAndSuggest is the precompute entry the merge detector uses:
// detect, record, and suggest for every conflicted file in one call.
func (e *Engine) AnalyzeAndSuggest(ctx context.Context, currentBranch, targetBranch, sessionID string) (*ConflictReport, error) {
	report, err := e.DetectConflicts(ctx, currentBranch, targetBranch, true)
	if err != nil {
		return nil, err
	}
	for _, fc := range report.Files {
		resolution, err := e.RecordResolution(ctx, report, fc, sessionID)
		if err != nil {
			return nil, err
		}
		if _, err := e.GenerateSuggestions(ctx, report, fc, resolution); err != nil {
			return nil, err
		}
	}
	return report, nil
}
