package conflict

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/steveyegge/switchyard/internal/gitx"
	"github.com/steveyegge/switchyard/internal/store"
	"github.com/steveyegge/switchyard/internal/types"
)

// insertSuggestionFixture seeds a resolution plus one suggestion row
// directly, bypassing detection.
func insertSuggestionFixture(t *testing.T, st *store.Store, repoPath, filePath, resolved, strategy string) *types.AutoFixSuggestion {
	t.Helper()
	ctx := context.Background()
	res := &types.ConflictResolution{
		RepoPath:     repoPath,
		FilePath:     filePath,
		ConflictType: types.ConflictTrivial,
		BaseCommit:   "base",
		SourceCommit: "source",
		TargetCommit: "target",
	}
	sug := &types.AutoFixSuggestion{
		RepoPath:            repoPath,
		FilePath:            filePath,
		ConflictType:        types.ConflictTrivial,
		SuggestedResolution: resolved,
		ConfidenceScore:     0.9,
		StrategyUsed:        strategy,
	}
	err := st.RunInTransaction(ctx, func(tx *store.Tx) error {
		if err := tx.InsertConflictResolution(ctx, res); err != nil {
			return err
		}
		sug.ConflictResolutionID = res.ID
		return tx.InsertSuggestion(ctx, sug)
	})
	if err != nil {
		t.Fatalf("Failed to seed suggestion: %v", err)
	}
	return sug
}

func TestApplyTrivialConflictEndToEnd(t *testing.T) {
	ctx := context.Background()
	repo := conflictRepo(t, "config.js",
		"const x = 0;\n",
		"const x = 1;\n",
		"const  x  =  1;\n")
	st := newTestStore(t)
	e := NewEngine(repo, st, Options{})

	report, err := e.DetectConflicts(ctx, "session", "main", true)
	if err != nil {
		t.Fatalf("DetectConflicts failed: %v", err)
	}
	if len(report.Files) != 1 {
		t.Fatalf("Expected 1 conflicted file, got %d", len(report.Files))
	}
	fc := report.Files[0]

	res, err := e.RecordResolution(ctx, report, fc, "sess-1")
	if err != nil {
		t.Fatalf("RecordResolution failed: %v", err)
	}
	sugs, err := e.GenerateSuggestions(ctx, report, fc, res)
	if err != nil {
		t.Fatalf("GenerateSuggestions failed: %v", err)
	}
	if len(sugs) == 0 {
		t.Fatal("Expected at least one suggestion")
	}
	best := sugs[0]
	if best.StrategyUsed != "trivial" {
		t.Errorf("Best strategy = %q, want trivial", best.StrategyUsed)
	}
	if best.ConfidenceScore < 0.8-1e-9 {
		t.Errorf("Confidence = %v, want >= 0.8", best.ConfidenceScore)
	}

	result, err := e.ApplySuggestion(ctx, ApplyRequest{SuggestionID: best.ID})
	if err != nil {
		t.Fatalf("ApplySuggestion failed: %v", err)
	}
	if !result.Applied || result.DryRun {
		t.Errorf("Result = %+v, want applied", result)
	}

	content, err := os.ReadFile(filepath.Join(repo.Path(), "config.js"))
	if err != nil {
		t.Fatalf("Failed to read resolved file: %v", err)
	}
	if CountMarkers(string(content)) != 0 {
		t.Errorf("Markers remain after apply:\n%s", content)
	}
	if !strings.Contains(string(content), "const x = 1;") {
		t.Errorf("Resolved content = %q", content)
	}

	stored, err := st.GetSuggestion(ctx, best.ID)
	if err != nil {
		t.Fatalf("GetSuggestion failed: %v", err)
	}
	if stored.AppliedAt == nil {
		t.Error("Suggestion should be stamped applied")
	}
	finalRes, err := st.GetConflictResolution(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetConflictResolution failed: %v", err)
	}
	if finalRes.ResolutionStrategy != types.ResolutionAutoFix {
		t.Errorf("ResolutionStrategy = %s, want AUTO_FIX", finalRes.ResolutionStrategy)
	}
	if finalRes.ResolvedAt == nil || finalRes.AutoFixSuggestionID == nil {
		t.Error("Resolution should record when and which suggestion resolved it")
	}
}

func TestGenerateSuggestionsOrderedAndTruncated(t *testing.T) {
	ctx := context.Background()
	base := "package demo\n\nfunc alpha() int { return 1 }\n"
	ours := "package demo\n\nfunc alpha() int { return 1 }\n\nfunc beta() int { return 2 }\n"
	theirs := "package demo\n\nfunc alpha() int { return 1 }\n\nfunc gamma() int { return 3 }\n"
	repo := conflictRepo(t, "demo.go", base, ours, theirs)
	st := newTestStore(t)
	e := NewEngine(repo, st, Options{})

	report, err := e.DetectConflicts(ctx, "session", "main", true)
	if err != nil {
		t.Fatalf("DetectConflicts failed: %v", err)
	}
	fc := report.Files[0]
	res, err := e.RecordResolution(ctx, report, fc, "")
	if err != nil {
		t.Fatalf("RecordResolution failed: %v", err)
	}
	sugs, err := e.GenerateSuggestions(ctx, report, fc, res)
	if err != nil {
		t.Fatalf("GenerateSuggestions failed: %v", err)
	}
	if len(sugs) != 2 {
		t.Fatalf("Expected structural + fallback candidates, got %d", len(sugs))
	}
	if sugs[0].StrategyUsed != "structural" || sugs[1].StrategyUsed != "fallback" {
		t.Errorf("Strategies = %s, %s", sugs[0].StrategyUsed, sugs[1].StrategyUsed)
	}
	if sugs[0].ConfidenceScore < sugs[1].ConfidenceScore {
		t.Error("Suggestions not ordered by confidence")
	}
	if !strings.Contains(sugs[0].SuggestedResolution, "func beta") ||
		!strings.Contains(sugs[0].SuggestedResolution, "func gamma") {
		t.Errorf("Union resolution missing a side:\n%s", sugs[0].SuggestedResolution)
	}

	persisted, err := st.SuggestionsForResolution(ctx, res.ID)
	if err != nil {
		t.Fatalf("SuggestionsForResolution failed: %v", err)
	}
	if len(persisted) != 2 {
		t.Errorf("Persisted %d suggestions, want 2", len(persisted))
	}

	// A tighter cap truncates the chain output.
	capped := NewEngine(repo, newTestStore(t), Options{MaxSuggestions: 1})
	res2, err := capped.RecordResolution(ctx, report, fc, "")
	if err != nil {
		t.Fatalf("RecordResolution failed: %v", err)
	}
	one, err := capped.GenerateSuggestions(ctx, report, fc, res2)
	if err != nil {
		t.Fatalf("GenerateSuggestions failed: %v", err)
	}
	if len(one) != 1 {
		t.Fatalf("Capped suggestions = %d, want 1", len(one))
	}
	if one[0].StrategyUsed != "structural" {
		t.Errorf("Capped strategy = %q, want structural", one[0].StrategyUsed)
	}
}

func TestGenerateSuggestionsRequiresResolution(t *testing.T) {
	repo := conflictRepo(t, "f.txt", "a\n", "b\n", "c\n")
	e := NewEngine(repo, newTestStore(t), Options{})
	report := &ConflictReport{RepoPath: repo.Path()}
	fc := &FileConflict{FilePath: "f.txt"}
	_, err := e.GenerateSuggestions(context.Background(), report, fc, nil)
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestAnalyzeAndSuggestPersistsEverything(t *testing.T) {
	ctx := context.Background()
	repo := conflictRepo(t, "notes.txt", "original\n", "mine\n", "yours\n")
	st := newTestStore(t)
	e := NewEngine(repo, st, Options{})

	report, err := e.AnalyzeAndSuggest(ctx, "session", "main", "sess-9")
	if err != nil {
		t.Fatalf("AnalyzeAndSuggest failed: %v", err)
	}
	if len(report.Files) != 1 {
		t.Fatalf("Expected 1 conflicted file, got %d", len(report.Files))
	}

	resolutions, err := st.ResolutionsForRepo(ctx, repo.Path(), 10)
	if err != nil {
		t.Fatalf("ResolutionsForRepo failed: %v", err)
	}
	if len(resolutions) != 1 {
		t.Fatalf("Expected 1 persisted resolution, got %d", len(resolutions))
	}
	res := resolutions[0]
	if res.SessionID == nil || *res.SessionID != "sess-9" {
		t.Errorf("SessionID = %v, want sess-9", res.SessionID)
	}
	if res.ConflictType != types.ConflictConcurrentEdit {
		t.Errorf("ConflictType = %s", res.ConflictType)
	}
	if res.ConflictMarkers == "" || CountMarkers(res.ConflictMarkers) == 0 {
		t.Error("Resolution should keep the verbatim marker text")
	}

	sugs, err := st.SuggestionsForResolution(ctx, res.ID)
	if err != nil {
		t.Fatalf("SuggestionsForResolution failed: %v", err)
	}
	if len(sugs) == 0 {
		t.Fatal("Expected persisted suggestions")
	}
}

func TestApplySuggestionDryRun(t *testing.T) {
	dir := t.TempDir()
	original := "keep me\n"
	writeFile(t, dir, "file.txt", original)
	st := newTestStore(t)
	e := NewEngine(gitx.New(dir), st, Options{})
	sug := insertSuggestionFixture(t, st, dir, "file.txt", "replaced\n", "trivial")

	result, err := e.ApplySuggestion(context.Background(), ApplyRequest{SuggestionID: sug.ID, DryRun: true})
	if err != nil {
		t.Fatalf("Dry run failed: %v", err)
	}
	if result.Applied || !result.DryRun {
		t.Errorf("Result = %+v, want dry-run without apply", result)
	}
	if result.LinesAdded != 1 || result.LinesRemoved != 1 {
		t.Errorf("Diff stats = +%d -%d, want +1 -1", result.LinesAdded, result.LinesRemoved)
	}

	content, _ := os.ReadFile(filepath.Join(dir, "file.txt"))
	if string(content) != original {
		t.Errorf("Dry run modified the file: %q", content)
	}
	stored, err := st.GetSuggestion(context.Background(), sug.ID)
	if err != nil {
		t.Fatalf("GetSuggestion failed: %v", err)
	}
	if stored.AppliedAt != nil {
		t.Error("Dry run should not stamp the suggestion applied")
	}
}

func TestApplySuggestionBackup(t *testing.T) {
	dir := t.TempDir()
	original := "v1\n"
	writeFile(t, dir, "file.txt", original)
	st := newTestStore(t)
	e := NewEngine(gitx.New(dir), st, Options{})
	sug := insertSuggestionFixture(t, st, dir, "file.txt", "v2\n", "trivial")

	result, err := e.ApplySuggestion(context.Background(), ApplyRequest{SuggestionID: sug.ID, CreateBackup: true})
	if err != nil {
		t.Fatalf("ApplySuggestion failed: %v", err)
	}
	if result.BackupPath == "" || result.RollbackCommand == "" {
		t.Fatalf("Result = %+v, want backup metadata", result)
	}
	backup, err := os.ReadFile(result.BackupPath)
	if err != nil {
		t.Fatalf("Failed to read backup: %v", err)
	}
	if string(backup) != original {
		t.Errorf("Backup = %q, want original content", backup)
	}
	content, _ := os.ReadFile(filepath.Join(dir, "file.txt"))
	if string(content) != "v2\n" {
		t.Errorf("File = %q after apply", content)
	}
	if !strings.Contains(result.RollbackCommand, result.BackupPath) {
		t.Errorf("Rollback command %q should reference the backup", result.RollbackCommand)
	}
}

func TestApplySuggestionRejectsLeftoverMarkers(t *testing.T) {
	dir := t.TempDir()
	original := "untouched\n"
	writeFile(t, dir, "file.txt", original)
	st := newTestStore(t)
	e := NewEngine(gitx.New(dir), st, Options{})
	bad := "<<<<<<< ours\nstill conflicted\n=======\nother\n>>>>>>> theirs\n"
	sug := insertSuggestionFixture(t, st, dir, "file.txt", bad, "fallback")

	_, err := e.ApplySuggestion(context.Background(), ApplyRequest{SuggestionID: sug.ID})
	if !errors.Is(err, types.ErrResolution) {
		t.Fatalf("Expected ErrResolution, got %v", err)
	}
	content, _ := os.ReadFile(filepath.Join(dir, "file.txt"))
	if string(content) != original {
		t.Errorf("Rejected apply modified the file: %q", content)
	}
	// A failed verification drags the strategy's success rate down.
	if rate := e.ConfidenceScorer().SuccessRate("fallback"); rate >= initialSuccessRate {
		t.Errorf("Success rate = %v, want below prior after failure", rate)
	}
}

func TestApplySuggestionRejectsUnparsableGo(t *testing.T) {
	dir := t.TempDir()
	original := "package demo\n"
	writeFile(t, dir, "bad.go", original)
	st := newTestStore(t)
	e := NewEngine(gitx.New(dir), st, Options{})
	sug := insertSuggestionFixture(t, st, dir, "bad.go", "package demo\n\nfunc broken( {\n", "structural")

	_, err := e.ApplySuggestion(context.Background(), ApplyRequest{SuggestionID: sug.ID})
	if !errors.Is(err, types.ErrResolution) {
		t.Fatalf("Expected ErrResolution, got %v", err)
	}
	content, _ := os.ReadFile(filepath.Join(dir, "bad.go"))
	if string(content) != original {
		t.Errorf("Rejected apply modified the file: %q", content)
	}
}

func TestApplySuggestionUnknownID(t *testing.T) {
	e := NewEngine(gitx.New(t.TempDir()), newTestStore(t), Options{})
	_, err := e.ApplySuggestion(context.Background(), ApplyRequest{SuggestionID: "00000000-0000-0000-0000-000000000000"})
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestApplySuggestionMissingFile(t *testing.T) {
	dir := t.TempDir()
	st := newTestStore(t)
	e := NewEngine(gitx.New(dir), st, Options{})
	sug := insertSuggestionFixture(t, st, dir, "ghost.txt", "content\n", "trivial")

	_, err := e.ApplySuggestion(context.Background(), ApplyRequest{SuggestionID: sug.ID})
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestApplyOutcomeFeedsScorer(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ok.txt", "old\n")
	st := newTestStore(t)
	e := NewEngine(gitx.New(dir), st, Options{})
	sug := insertSuggestionFixture(t, st, dir, "ok.txt", "new\n", "trivial")

	if _, err := e.ApplySuggestion(context.Background(), ApplyRequest{SuggestionID: sug.ID}); err != nil {
		t.Fatalf("ApplySuggestion failed: %v", err)
	}
	if rate := e.ConfidenceScorer().SuccessRate("trivial"); rate <= initialSuccessRate {
		t.Errorf("Success rate = %v, want above prior after success", rate)
	}
}
