package conflict

import (
	"go/parser"
	"go/token"
	"strings"
	"sync"

	"github.com/steveyegge/switchyard/internal/types"
)

// Scorer weights. Complexity dominates; the rest refine within a type.
const (
	weightComplexity  = 0.4
	weightSimilarity  = 0.2
	weightValidity    = 0.2
	weightSuccessRate = 0.2
)

// successRateAlpha is the EMA smoothing factor for per-strategy outcomes.
const successRateAlpha = 0.1

// initialSuccessRate is the prior for a strategy with no recorded
// outcomes yet.
const initialSuccessRate = 0.5

// DefaultSizePenaltyLines is the conflict size beyond which confidence
// degrades linearly.
const DefaultSizePenaltyLines = 200

// Scorer computes confidence for a candidate resolution and tracks
// rolling per-strategy success rates.
type Scorer struct {
	mu               sync.Mutex
	rates            map[string]float64
	SizePenaltyLines int
}

// NewScorer returns a scorer with default size penalty and empty rates.
func NewScorer() *Scorer {
	return &Scorer{
		rates:            make(map[string]float64),
		SizePenaltyLines: DefaultSizePenaltyLines,
	}
}

// Score grades one candidate resolution in [0,1].
func (s *Scorer) Score(fc *FileConflict, content, strategy string) float64 {
	score := weightComplexity*complexityFactor(fc.Type) +
		weightSimilarity*contentSimilarity(fc, content) +
		weightValidity*syntaxValidity(fc.FilePath, content) +
		weightSuccessRate*s.SuccessRate(strategy)

	if lines := conflictLines(fc); s.SizePenaltyLines > 0 && lines > s.SizePenaltyLines {
		score *= float64(s.SizePenaltyLines) / float64(lines)
	}
	return clamp01(score)
}

// SuccessRate returns the rolling success rate for a strategy.
func (s *Scorer) SuccessRate(strategy string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate, ok := s.rates[strategy]; ok {
		return rate
	}
	return initialSuccessRate
}

// RecordOutcome feeds one applied-suggestion result into the strategy's
// exponential moving average.
func (s *Scorer) RecordOutcome(strategy string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	current, ok := s.rates[strategy]
	if !ok {
		current = initialSuccessRate
	}
	s.rates[strategy] = current + successRateAlpha*(outcome-current)
}

// complexityFactor maps conflict types to how mechanically resolvable
// they are.
func complexityFactor(t types.ConflictType) float64 {
	switch t {
	case types.ConflictTrivial:
		return 1.0
	case types.ConflictStructural:
		return 0.8
	case types.ConflictConcurrentEdit:
		return 0.5
	case types.ConflictSemantic:
		return 0.3
	default:
		return 0.2
	}
}

// contentSimilarity measures how much of the conflicting material the
// suggestion preserves: the mean line-overlap ratio of the suggestion
// against each side.
func contentSimilarity(fc *FileConflict, content string) float64 {
	var ours, theirs []string
	for i := range fc.Regions {
		ours = append(ours, fc.Regions[i].Ours...)
		theirs = append(theirs, fc.Regions[i].Theirs...)
	}
	suggested := strings.Split(content, "\n")
	return (lineOverlap(ours, suggested) + lineOverlap(theirs, suggested)) / 2
}

// lineOverlap is the fraction of a's non-empty trimmed lines present in b.
func lineOverlap(a, b []string) float64 {
	inB := make(map[string]bool, len(b))
	for _, line := range b {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			inB[trimmed] = true
		}
	}
	total, found := 0, 0
	for _, line := range a {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		total++
		if inB[trimmed] {
			found++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(found) / float64(total)
}

// syntaxValidity checks the produced content parses. Go files get a real
// parse; everything else gets a balanced-bracket heuristic.
func syntaxValidity(path, content string) float64 {
	if strings.HasSuffix(path, ".go") {
		fset := token.NewFileSet()
		if _, err := parser.ParseFile(fset, "candidate.go", content, 0); err != nil {
			return 0.0
		}
		return 1.0
	}
	if balancedBrackets(content) {
		return 1.0
	}
	return 0.3
}

// balancedBrackets checks (), [], {} nest correctly, ignoring anything
// inside quoted strings and line comments.
func balancedBrackets(content string) bool {
	var stack []rune
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}

lines:
	for _, line := range strings.Split(content, "\n") {
		inString := false
		var quote rune
		for i, r := range line {
			if inString {
				if r == quote && (i == 0 || line[i-1] != '\\') {
					inString = false
				}
				continue
			}
			switch r {
			case '"', '\'', '`':
				inString = true
				quote = r
			case '(', '[', '{':
				stack = append(stack, r)
			case ')', ']', '}':
				if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
					return false
				}
				stack = stack[:len(stack)-1]
			case '/':
				if i+1 < len(line) && line[i+1] == '/' {
					continue lines
				}
			case '#':
				continue lines
			}
		}
	}
	return len(stack) == 0
}

// conflictLines totals the content lines across all regions.
func conflictLines(fc *FileConflict) int {
	total := 0
	for i := range fc.Regions {
		total += fc.Regions[i].LineCount()
	}
	return total
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
