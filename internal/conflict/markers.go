// Package conflict analyzes merge conflicts between session branches,
// classifies them, and generates ranked auto-fix suggestions through a
// strategy chain.
package conflict

import (
	"fmt"
	"strings"

	"github.com/steveyegge/switchyard/internal/types"
)

// Region is one conflict-marker block inside a merged file. Base is
// present only for diff3-style markers.
type Region struct {
	OursLabel   string
	TheirsLabel string
	Ours        []string
	Base        []string
	Theirs      []string
	HasBase     bool
	StartLine   int // 1-based line of the <<<<<<< marker
	EndLine     int // 1-based line of the >>>>>>> marker
}

// Trivial reports whether both sides are whitespace-equivalent: collapse
// runs of whitespace, trim, drop empty lines, compare.
func (r *Region) Trivial() bool {
	return normalizeLines(r.Ours) == normalizeLines(r.Theirs)
}

// LineCount is the total number of content lines across both sides.
func (r *Region) LineCount() int {
	return len(r.Ours) + len(r.Theirs)
}

func normalizeLines(lines []string) string {
	var out []string
	for _, line := range lines {
		collapsed := strings.Join(strings.Fields(line), " ")
		if collapsed == "" {
			continue
		}
		out = append(out, collapsed)
	}
	return strings.Join(out, "\n")
}

// Marker parsing states.
const (
	stateOutside = iota
	stateOurs
	stateBase
	stateTheirs
)

// ParseMarkers splits merged content into its conflict regions. Both
// two-way and diff3 (|||||||) marker styles are handled. An unterminated
// region is a parse error, not a silent truncation.
func ParseMarkers(content string) ([]Region, error) {
	var regions []Region
	var current Region
	state := stateOutside

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lineNo := i + 1
		switch {
		case strings.HasPrefix(line, "<<<<<<<"):
			if state != stateOutside {
				return nil, fmt.Errorf("nested conflict marker at line %d: %w", lineNo, types.ErrResolution)
			}
			current = Region{StartLine: lineNo, OursLabel: markerLabel(line)}
			state = stateOurs
		case strings.HasPrefix(line, "|||||||"):
			if state != stateOurs {
				return nil, fmt.Errorf("unexpected base marker at line %d: %w", lineNo, types.ErrResolution)
			}
			current.HasBase = true
			state = stateBase
		case line == "=======" && state != stateOutside:
			if state != stateOurs && state != stateBase {
				return nil, fmt.Errorf("unexpected separator at line %d: %w", lineNo, types.ErrResolution)
			}
			state = stateTheirs
		case strings.HasPrefix(line, ">>>>>>>"):
			if state != stateTheirs {
				return nil, fmt.Errorf("unexpected end marker at line %d: %w", lineNo, types.ErrResolution)
			}
			current.TheirsLabel = markerLabel(line)
			current.EndLine = lineNo
			regions = append(regions, current)
			state = stateOutside
		default:
			switch state {
			case stateOurs:
				current.Ours = append(current.Ours, line)
			case stateBase:
				current.Base = append(current.Base, line)
			case stateTheirs:
				current.Theirs = append(current.Theirs, line)
			}
		}
	}
	if state != stateOutside {
		return nil, fmt.Errorf("unterminated conflict marker starting at line %d: %w", current.StartLine, types.ErrResolution)
	}
	return regions, nil
}

// CountMarkers counts conflict-begin markers in content. Verification
// after an auto-fix requires zero.
func CountMarkers(content string) int {
	count := 0
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "<<<<<<<") {
			count++
		}
	}
	return count
}

// markerLabel returns the ref label after a <<<<<<< or >>>>>>> marker.
func markerLabel(line string) string {
	if len(line) <= 8 {
		return ""
	}
	return strings.TrimSpace(line[8:])
}

// Resolve rebuilds file content with each region replaced by the output
// of pick. Lines outside regions pass through untouched.
func Resolve(content string, regions []Region, pick func(r *Region) []string) string {
	if len(regions) == 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	var out []string
	idx := 0
	for lineNo := 1; lineNo <= len(lines); lineNo++ {
		if idx < len(regions) && lineNo == regions[idx].StartLine {
			out = append(out, pick(&regions[idx])...)
			lineNo = regions[idx].EndLine
			idx++
			continue
		}
		out = append(out, lines[lineNo-1])
	}
	return strings.Join(out, "\n")
}
