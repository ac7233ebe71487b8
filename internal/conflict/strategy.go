package conflict

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/steveyegge/switchyard/internal/types"
)

// Strategy is one resolution approach in the chain. Applicable gates by
// conflict type; Resolve yields whole-file content plus an explanation;
// Risks names what the resolution could silently get wrong. The context
// matters only to strategies that leave the process.
type Strategy interface {
	Name() string
	Applicable(fc *FileConflict) bool
	Resolve(ctx context.Context, fc *FileConflict) (content, explanation string, err error)
	Risks(fc *FileConflict) []string
}

// DefaultChain is the ordered strategy chain: most specific first, the
// take-ours fallback last.
func DefaultChain() []Strategy {
	return []Strategy{
		TrivialMerge{},
		StructuralMerge{},
		ConcurrentEditMerge{},
		FallbackMerge{},
	}
}

// TrivialMerge resolves regions whose sides are whitespace-equivalent by
// keeping ours verbatim.
type TrivialMerge struct{}

func (TrivialMerge) Name() string { return "trivial" }

func (TrivialMerge) Applicable(fc *FileConflict) bool {
	if fc.Type != types.ConflictTrivial || len(fc.Regions) == 0 {
		return false
	}
	return true
}

func (TrivialMerge) Resolve(_ context.Context, fc *FileConflict) (string, string, error) {
	content := Resolve(fc.Content, fc.Regions, func(r *Region) []string {
		return r.Ours
	})
	return content, fmt.Sprintf("both sides are whitespace-equivalent across %d region(s); kept current formatting", len(fc.Regions)), nil
}

func (TrivialMerge) Risks(_ *FileConflict) []string {
	return []string{"discards the other branch's formatting; whitespace-sensitive files (Makefiles, YAML) may still care"}
}

// StructuralMerge handles conflicts where both sides only added or
// removed declarations: it unions the sides per region, ours first, then
// theirs' lines not already present.
type StructuralMerge struct{}

func (StructuralMerge) Name() string { return "structural" }

func (StructuralMerge) Applicable(fc *FileConflict) bool {
	return fc.Type == types.ConflictStructural && fc.ourDiff != nil && fc.theirDiff != nil && len(fc.Regions) > 0
}

func (StructuralMerge) Resolve(_ context.Context, fc *FileConflict) (string, string, error) {
	content := Resolve(fc.Content, fc.Regions, func(r *Region) []string {
		return unionLines(r.Ours, r.Theirs)
	})
	return content, "both sides only add or remove declarations; merged the union of both", nil
}

func (StructuralMerge) Risks(_ *FileConflict) []string {
	return []string{
		"the union can keep two spellings of the same declaration when both sides added it differently",
		"merged declarations follow the current branch's order, which matters in order-sensitive files",
	}
}

// unionLines keeps ours in order, then appends theirs' lines whose
// trimmed form is not already present. Blank lines from theirs are
// dropped; ours' layout wins.
func unionLines(ours, theirs []string) []string {
	present := make(map[string]bool, len(ours))
	for _, line := range ours {
		present[strings.TrimSpace(line)] = true
	}
	out := append([]string(nil), ours...)
	for _, line := range theirs {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || present[trimmed] {
			continue
		}
		out = append(out, line)
		present[trimmed] = true
	}
	return out
}

// ConcurrentEditMerge keeps ours but flags the dropped edit with a
// CONFLICT comment so the agent reviews it.
type ConcurrentEditMerge struct{}

func (ConcurrentEditMerge) Name() string { return "concurrent_edit" }

func (ConcurrentEditMerge) Applicable(fc *FileConflict) bool {
	switch fc.Type {
	case types.ConflictConcurrentEdit, types.ConflictSemantic:
		return len(fc.Regions) > 0
	}
	return false
}

func (ConcurrentEditMerge) Resolve(_ context.Context, fc *FileConflict) (string, string, error) {
	marker := commentToken(fc.FilePath)
	content := Resolve(fc.Content, fc.Regions, func(r *Region) []string {
		label := r.TheirsLabel
		if label == "" {
			label = "the other branch"
		}
		note := fmt.Sprintf("%s CONFLICT: concurrent edit from %s was dropped here; review before merging", marker, label)
		return append(append([]string(nil), r.Ours...), note)
	})
	return content, "kept current branch's edit and flagged the dropped change with a CONFLICT comment", nil
}

func (ConcurrentEditMerge) Risks(fc *FileConflict) []string {
	return []string{
		"the other branch's edit is dropped, not merged; the CONFLICT comment is its only trace",
		fmt.Sprintf("the %q comment leader is guessed from the file extension and may not parse everywhere", commentToken(fc.FilePath)),
	}
}

// commentToken picks a line-comment leader by file extension.
func commentToken(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py", ".rb", ".sh", ".bash", ".yaml", ".yml", ".toml", ".tf", ".mk":
		return "#"
	case ".sql", ".lua":
		return "--"
	default:
		return "//"
	}
}

// FallbackMerge always applies: take ours wholesale.
type FallbackMerge struct{}

func (FallbackMerge) Name() string { return "fallback" }

func (FallbackMerge) Applicable(fc *FileConflict) bool { return len(fc.Regions) > 0 }

func (FallbackMerge) Resolve(_ context.Context, fc *FileConflict) (string, string, error) {
	content := Resolve(fc.Content, fc.Regions, func(r *Region) []string {
		return r.Ours
	})
	return content, "kept current branch's version of every conflicted region", nil
}

func (FallbackMerge) Risks(_ *FileConflict) []string {
	return []string{"every change from the other branch is discarded in every conflicted region"}
}
