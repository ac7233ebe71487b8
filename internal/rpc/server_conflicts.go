package rpc

import (
	"context"
	"fmt"

	"github.com/steveyegge/switchyard/internal/conflict"
	"github.com/steveyegge/switchyard/internal/types"
)

func summarizeReport(report *conflict.ConflictReport) ConflictDetectResult {
	out := ConflictDetectResult{
		RepoPath:      report.RepoPath,
		CurrentBranch: report.CurrentBranch,
		TargetBranch:  report.TargetBranch,
		MergeBase:     report.MergeBase,
		Clean:         report.Clean,
		AnalyzedAt:    report.AnalyzedAt,
	}
	for _, fc := range report.Files {
		out.Files = append(out.Files, ConflictFileSummary{
			FilePath: fc.FilePath,
			Type:     fc.Type,
			Severity: fc.Severity,
			Regions:  len(fc.Regions),
		})
	}
	return out
}

func (s *Server) handleConflictDetect(ctx context.Context, req *Request) *Response {
	var args ConflictDetectArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}
	if args.RepoPath == "" {
		return NewErrorResponse(fmt.Errorf("conflict detect needs a repo path: %w", types.ErrValidation))
	}

	report, err := s.engine(args.RepoPath).DetectConflicts(ctx, args.CurrentBranch, args.TargetBranch, args.Semantic)
	if err != nil {
		return NewErrorResponse(err)
	}
	if s.deps.Metrics != nil {
		for _, fc := range report.Files {
			s.deps.Metrics.ConflictDetected(ctx, string(fc.Type))
		}
	}
	return NewResponse(summarizeReport(report))
}

func (s *Server) handleConflictSuggest(ctx context.Context, req *Request) *Response {
	var args ConflictSuggestArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}
	if args.RepoPath == "" {
		return NewErrorResponse(fmt.Errorf("conflict suggest needs a repo path: %w", types.ErrValidation))
	}

	// The detect/record/generate sequence runs inline rather than through
	// AnalyzeAndSuggest so the freshly generated suggestions come back on
	// the wire instead of requiring a second lookup.
	eng := s.engine(args.RepoPath)
	report, err := eng.DetectConflicts(ctx, args.CurrentBranch, args.TargetBranch, true)
	if err != nil {
		return NewErrorResponse(err)
	}

	var suggestions []*types.AutoFixSuggestion
	for _, fc := range report.Files {
		if s.deps.Metrics != nil {
			s.deps.Metrics.ConflictDetected(ctx, string(fc.Type))
		}
		resolution, rerr := eng.RecordResolution(ctx, report, fc, args.SessionID)
		if rerr != nil {
			return NewErrorResponse(rerr)
		}
		sugs, gerr := eng.GenerateSuggestions(ctx, report, fc, resolution)
		if gerr != nil {
			return NewErrorResponse(gerr)
		}
		suggestions = append(suggestions, sugs...)
	}

	if s.deps.Metrics != nil {
		byStrategy := make(map[string]int)
		for _, sug := range suggestions {
			byStrategy[sug.StrategyUsed]++
		}
		for strategy, n := range byStrategy {
			s.deps.Metrics.SuggestionsGenerated(ctx, strategy, n)
		}
	}
	return NewResponse(&ConflictSuggestResult{Report: summarizeReport(report), Suggestions: suggestions})
}

func (s *Server) handleConflictApply(ctx context.Context, req *Request) *Response {
	var args ConflictApplyArgs
	if err := unmarshalArgs(req.Args, &args); err != nil {
		return NewErrorResponse(err)
	}

	// The suggestion row names the repo the engine must be rooted at.
	sug, err := s.deps.Store.GetSuggestion(ctx, args.SuggestionID)
	if err != nil {
		return NewErrorResponse(err)
	}
	if sug == nil {
		return NewErrorResponse(fmt.Errorf("suggestion %s: %w", args.SuggestionID, types.ErrNotFound))
	}

	res, err := s.engine(sug.RepoPath).ApplySuggestion(ctx, conflict.ApplyRequest{
		SuggestionID: args.SuggestionID,
		DryRun:       args.DryRun,
		CreateBackup: args.CreateBackup,
	})
	if err != nil {
		return NewErrorResponse(err)
	}
	if res.Applied && !res.DryRun && s.deps.Metrics != nil {
		s.deps.Metrics.SuggestionApplied(ctx, sug.StrategyUsed, false)
	}
	return NewResponse(res)
}
