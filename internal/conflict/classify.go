package conflict

import (
	"github.com/steveyegge/switchyard/internal/types"
)

// classifyRegion grades one conflict region. The AST diffs, when
// available, cover the whole file from the merge base to each side.
func classifyRegion(r *Region, ourDiff, theirDiff *ASTDiff) types.ConflictType {
	if r.Trivial() {
		return types.ConflictTrivial
	}
	if ourDiff != nil && theirDiff != nil {
		if ourDiff.NoModifications() && theirDiff.NoModifications() {
			return types.ConflictStructural
		}
		if sharedModification(ourDiff, theirDiff) {
			return types.ConflictSemantic
		}
		return types.ConflictUnknown
	}
	if len(r.Ours) > 0 || len(r.Theirs) > 0 {
		return types.ConflictConcurrentEdit
	}
	return types.ConflictUnknown
}

// sharedModification reports whether both sides modified at least one
// common declaration.
func sharedModification(a, b *ASTDiff) bool {
	return a.ModifiesAnyOf(b.Modified) || b.ModifiesAnyOf(a.Modified)
}

// conflictRank orders types from most to least tractable. A file takes
// the worst rank among its regions.
func conflictRank(t types.ConflictType) int {
	switch t {
	case types.ConflictTrivial:
		return 0
	case types.ConflictStructural:
		return 1
	case types.ConflictConcurrentEdit:
		return 2
	case types.ConflictSemantic:
		return 3
	default:
		return 4
	}
}

// classifyFile grades a whole conflicted file from its regions.
func classifyFile(regions []Region, ourDiff, theirDiff *ASTDiff) types.ConflictType {
	if len(regions) == 0 {
		return types.ConflictUnknown
	}
	worst := types.ConflictTrivial
	for i := range regions {
		t := classifyRegion(&regions[i], ourDiff, theirDiff)
		if conflictRank(t) > conflictRank(worst) {
			worst = t
		}
	}
	return worst
}

// severityFor grades repair risk from the conflict type and the number
// of regions in the file.
func severityFor(t types.ConflictType, regionCount int) types.Severity {
	switch t {
	case types.ConflictTrivial:
		return types.SeverityLow
	case types.ConflictStructural:
		if regionCount <= 2 {
			return types.SeverityLow
		}
		return types.SeverityMedium
	case types.ConflictSemantic, types.ConflictConcurrentEdit:
		if regionCount <= 2 {
			return types.SeverityMedium
		}
		return types.SeverityHigh
	default:
		return types.SeverityHigh
	}
}
