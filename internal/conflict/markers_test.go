package conflict

import (
	"errors"
	"strings"
	"testing"

	"github.com/steveyegge/switchyard/internal/types"
)

const twoWayConflict = `line before
<<<<<<< session/fix-auth
ours line one
ours line two
=======
theirs line
>>>>>>> main
line after`

const diff3Conflict = `<<<<<<< ours
new value
||||||| base
old value
=======
other value
>>>>>>> theirs`

func TestParseMarkersTwoWay(t *testing.T) {
	regions, err := ParseMarkers(twoWayConflict)
	if err != nil {
		t.Fatalf("ParseMarkers failed: %v", err)
	}
	if len(regions) != 1 {
		t.Fatalf("Expected 1 region, got %d", len(regions))
	}
	r := regions[0]
	if r.OursLabel != "session/fix-auth" {
		t.Errorf("OursLabel = %q, want session/fix-auth", r.OursLabel)
	}
	if r.TheirsLabel != "main" {
		t.Errorf("TheirsLabel = %q, want main", r.TheirsLabel)
	}
	if len(r.Ours) != 2 || r.Ours[0] != "ours line one" {
		t.Errorf("Ours = %v", r.Ours)
	}
	if len(r.Theirs) != 1 || r.Theirs[0] != "theirs line" {
		t.Errorf("Theirs = %v", r.Theirs)
	}
	if r.HasBase {
		t.Error("Two-way region should not report a base")
	}
	if r.StartLine != 2 || r.EndLine != 7 {
		t.Errorf("Region spans %d-%d, want 2-7", r.StartLine, r.EndLine)
	}
}

func TestParseMarkersDiff3(t *testing.T) {
	regions, err := ParseMarkers(diff3Conflict)
	if err != nil {
		t.Fatalf("ParseMarkers failed: %v", err)
	}
	if len(regions) != 1 {
		t.Fatalf("Expected 1 region, got %d", len(regions))
	}
	r := regions[0]
	if !r.HasBase {
		t.Fatal("diff3 region should carry a base")
	}
	if len(r.Base) != 1 || r.Base[0] != "old value" {
		t.Errorf("Base = %v", r.Base)
	}
	if len(r.Ours) != 1 || r.Ours[0] != "new value" {
		t.Errorf("Ours = %v", r.Ours)
	}
	if len(r.Theirs) != 1 || r.Theirs[0] != "other value" {
		t.Errorf("Theirs = %v", r.Theirs)
	}
}

func TestParseMarkersMultipleRegions(t *testing.T) {
	content := strings.Join([]string{
		"<<<<<<< a", "one", "=======", "uno", ">>>>>>> b",
		"middle",
		"<<<<<<< a", "two", "=======", "dos", ">>>>>>> b",
	}, "\n")
	regions, err := ParseMarkers(content)
	if err != nil {
		t.Fatalf("ParseMarkers failed: %v", err)
	}
	if len(regions) != 2 {
		t.Fatalf("Expected 2 regions, got %d", len(regions))
	}
	if regions[0].StartLine != 1 || regions[1].StartLine != 7 {
		t.Errorf("Starts = %d, %d; want 1, 7", regions[0].StartLine, regions[1].StartLine)
	}
}

func TestParseMarkersMalformed(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"nested begin", "<<<<<<< a\n<<<<<<< b\n=======\nx\n>>>>>>> c"},
		{"unterminated", "<<<<<<< a\nours\n=======\ntheirs"},
		{"orphan end", "some line\n>>>>>>> b"},
		{"double separator", "<<<<<<< a\nx\n=======\ny\n=======\nz\n>>>>>>> b"},
		{"base outside ours", "<<<<<<< a\nx\n=======\ny\n||||||| base\n>>>>>>> b"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMarkers(tc.content)
			if err == nil {
				t.Fatal("Expected a parse error")
			}
			if !errors.Is(err, types.ErrResolution) {
				t.Errorf("Error should wrap ErrResolution, got %v", err)
			}
		})
	}
}

func TestParseMarkersCleanContent(t *testing.T) {
	regions, err := ParseMarkers("just\nplain\nlines\n")
	if err != nil {
		t.Fatalf("ParseMarkers failed: %v", err)
	}
	if len(regions) != 0 {
		t.Errorf("Expected no regions, got %d", len(regions))
	}
}

func TestRegionTrivial(t *testing.T) {
	cases := []struct {
		name    string
		ours    []string
		theirs  []string
		trivial bool
	}{
		{"identical", []string{"const x = 1;"}, []string{"const x = 1;"}, true},
		{"whitespace runs", []string{"const x = 1;"}, []string{"const  x  =  1;"}, true},
		{"leading indent", []string{"\treturn a"}, []string{"    return a"}, true},
		{"extra blank lines", []string{"a", "", "b"}, []string{"a", "b"}, true},
		{"different content", []string{"const x = 1;"}, []string{"const x = 2;"}, false},
		{"extra line", []string{"a"}, []string{"a", "b"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Region{Ours: tc.ours, Theirs: tc.theirs}
			if got := r.Trivial(); got != tc.trivial {
				t.Errorf("Trivial() = %v, want %v", got, tc.trivial)
			}
		})
	}
}

func TestCountMarkers(t *testing.T) {
	if n := CountMarkers(twoWayConflict); n != 1 {
		t.Errorf("CountMarkers = %d, want 1", n)
	}
	if n := CountMarkers("no markers here"); n != 0 {
		t.Errorf("CountMarkers = %d, want 0", n)
	}
	two := twoWayConflict + "\n" + twoWayConflict
	if n := CountMarkers(two); n != 2 {
		t.Errorf("CountMarkers = %d, want 2", n)
	}
}

func TestResolveReplacesRegions(t *testing.T) {
	regions, err := ParseMarkers(twoWayConflict)
	if err != nil {
		t.Fatalf("ParseMarkers failed: %v", err)
	}
	resolved := Resolve(twoWayConflict, regions, func(r *Region) []string {
		return r.Theirs
	})
	want := "line before\ntheirs line\nline after"
	if resolved != want {
		t.Errorf("Resolve = %q, want %q", resolved, want)
	}
	if CountMarkers(resolved) != 0 {
		t.Error("Resolved content still contains markers")
	}
}

func TestResolveWithoutRegionsIsIdentity(t *testing.T) {
	content := "untouched\ncontent\n"
	if got := Resolve(content, nil, func(r *Region) []string { return nil }); got != content {
		t.Errorf("Resolve = %q, want input unchanged", got)
	}
}

func TestResolvePreservesSurroundingLines(t *testing.T) {
	content := strings.Join([]string{
		"top",
		"<<<<<<< a", "keep me", "=======", "drop me", ">>>>>>> b",
		"between",
		"<<<<<<< a", "also keep", "=======", "also drop", ">>>>>>> b",
		"bottom",
	}, "\n")
	regions, err := ParseMarkers(content)
	if err != nil {
		t.Fatalf("ParseMarkers failed: %v", err)
	}
	resolved := Resolve(content, regions, func(r *Region) []string {
		return r.Ours
	})
	want := "top\nkeep me\nbetween\nalso keep\nbottom"
	if resolved != want {
		t.Errorf("Resolve = %q, want %q", resolved, want)
	}
}
