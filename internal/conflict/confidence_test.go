package conflict

import (
	"math"
	"strings"
	"testing"

	"github.com/steveyegge/switchyard/internal/types"
)

func floatClose(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSuccessRateStartsAtPrior(t *testing.T) {
	s := NewScorer()
	if got := s.SuccessRate("anything"); !floatClose(got, initialSuccessRate) {
		t.Errorf("SuccessRate = %v, want %v", got, initialSuccessRate)
	}
}

func TestRecordOutcomeMovesAverage(t *testing.T) {
	s := NewScorer()
	s.RecordOutcome("trivial", true)
	if got := s.SuccessRate("trivial"); !floatClose(got, 0.55) {
		t.Errorf("After one success rate = %v, want 0.55", got)
	}
	s.RecordOutcome("trivial", false)
	if got := s.SuccessRate("trivial"); !floatClose(got, 0.495) {
		t.Errorf("After a failure rate = %v, want 0.495", got)
	}
	// Other strategies are unaffected.
	if got := s.SuccessRate("fallback"); !floatClose(got, initialSuccessRate) {
		t.Errorf("Unrelated strategy rate = %v, want prior", got)
	}
}

func TestScoreOrdersByConflictType(t *testing.T) {
	s := NewScorer()
	content := "resolved\n"
	mk := func(ct types.ConflictType) *FileConflict {
		return &FileConflict{
			FilePath: "file.txt",
			Type:     ct,
			Regions:  []Region{{Ours: []string{"resolved"}, Theirs: []string{"resolved"}}},
		}
	}
	trivial := s.Score(mk(types.ConflictTrivial), content, "trivial")
	structural := s.Score(mk(types.ConflictStructural), content, "structural")
	semantic := s.Score(mk(types.ConflictSemantic), content, "concurrent_edit")
	if !(trivial > structural && structural > semantic) {
		t.Errorf("Scores not ordered: trivial=%v structural=%v semantic=%v", trivial, structural, semantic)
	}
	if trivial < 0 || trivial > 1 {
		t.Errorf("Score %v outside [0,1]", trivial)
	}
}

func TestScoreSizePenalty(t *testing.T) {
	lines := make([]string, 40)
	for i := range lines {
		lines[i] = "line"
	}
	fc := &FileConflict{
		FilePath: "big.txt",
		Type:     types.ConflictTrivial,
		Regions:  []Region{{Ours: lines, Theirs: lines}},
	}
	content := "line\n"

	unpenalized := NewScorer()
	unpenalized.SizePenaltyLines = 0
	base := unpenalized.Score(fc, content, "trivial")

	penalized := NewScorer()
	penalized.SizePenaltyLines = 40 // conflict spans 80 lines, double the cutoff
	got := penalized.Score(fc, content, "trivial")

	if !floatClose(got, base/2) {
		t.Errorf("Penalized score = %v, want %v", got, base/2)
	}
}

func TestSyntaxValidityGo(t *testing.T) {
	valid := "package demo\n\nfunc ok() {}\n"
	if got := syntaxValidity("main.go", valid); !floatClose(got, 1.0) {
		t.Errorf("Valid Go = %v, want 1.0", got)
	}
	invalid := "package demo\n\nfunc broken( {\n"
	if got := syntaxValidity("main.go", invalid); !floatClose(got, 0.0) {
		t.Errorf("Invalid Go = %v, want 0.0", got)
	}
}

func TestSyntaxValidityHeuristic(t *testing.T) {
	if got := syntaxValidity("app.js", "function f() { return [1, 2]; }"); !floatClose(got, 1.0) {
		t.Errorf("Balanced JS = %v, want 1.0", got)
	}
	if got := syntaxValidity("app.js", "function f() { return [1, 2; }"); !floatClose(got, 0.3) {
		t.Errorf("Unbalanced JS = %v, want 0.3", got)
	}
}

func TestBalancedBrackets(t *testing.T) {
	cases := []struct {
		name     string
		content  string
		balanced bool
	}{
		{"plain", "(a[b]{c})", true},
		{"unclosed", "(a[b]", false},
		{"wrong order", "([)]", false},
		{"stray close", "a)", false},
		{"bracket inside string", `x = "([{"`, true},
		{"bracket inside single quotes", `c = '{'`, true},
		{"bracket in line comment", "a = 1 // {", true},
		{"bracket in hash comment", "a = 1 # }", true},
		{"multiline", "{\n  [\n  ]\n}", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := balancedBrackets(tc.content); got != tc.balanced {
				t.Errorf("balancedBrackets(%q) = %v, want %v", tc.content, got, tc.balanced)
			}
		})
	}
}

func TestContentSimilarity(t *testing.T) {
	fc := &FileConflict{
		Regions: []Region{{
			Ours:   []string{"kept line"},
			Theirs: []string{"dropped line"},
		}},
	}
	// Suggestion keeps ours only: full overlap on one side, none on the other.
	got := contentSimilarity(fc, "kept line\nother context\n")
	if !floatClose(got, 0.5) {
		t.Errorf("Similarity = %v, want 0.5", got)
	}
	// Union keeps both.
	got = contentSimilarity(fc, "kept line\ndropped line\n")
	if !floatClose(got, 1.0) {
		t.Errorf("Union similarity = %v, want 1.0", got)
	}
}

func TestConflictLines(t *testing.T) {
	fc := &FileConflict{Regions: []Region{
		{Ours: []string{"a", "b"}, Theirs: []string{"c"}},
		{Ours: []string{"d"}, Theirs: []string{"e", "f"}},
	}}
	if got := conflictLines(fc); got != 6 {
		t.Errorf("conflictLines = %d, want 6", got)
	}
}

func TestClamp01(t *testing.T) {
	if got := clamp01(-0.2); got != 0 {
		t.Errorf("clamp01(-0.2) = %v", got)
	}
	if got := clamp01(1.7); got != 1 {
		t.Errorf("clamp01(1.7) = %v", got)
	}
	if got := clamp01(0.42); !floatClose(got, 0.42) {
		t.Errorf("clamp01(0.42) = %v", got)
	}
}

func TestScoreClampsLongConflicts(t *testing.T) {
	var sb strings.Builder
	lines := make([]string, 500)
	for i := range lines {
		lines[i] = "x"
		sb.WriteString("x\n")
	}
	fc := &FileConflict{
		FilePath: "huge.txt",
		Type:     types.ConflictUnknown,
		Regions:  []Region{{Ours: lines, Theirs: lines}},
	}
	got := NewScorer().Score(fc, sb.String(), "fallback")
	if got < 0 || got > 1 {
		t.Errorf("Score %v outside [0,1]", got)
	}
}
