package gitx

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// mergeTreeTimeout bounds one merge simulation.
const mergeTreeTimeout = 10 * time.Second

// MergeTree runs the modern merge simulation (`merge-tree --write-tree`)
// between two refs without touching the working tree. Returns the raw
// NUL-delimited output and whether the merge has conflicts. The output's
// first record is the result tree OID; conflicted blobs inside that tree
// carry conflict markers.
func (r *Repo) MergeTree(ctx context.Context, ours, theirs string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mergeTreeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "merge-tree", "--write-tree", "--no-messages", "-z", ours, theirs) // #nosec G204 - refs validated by ValidateRef
	cmd.Dir = r.path
	out, err := cmd.Output()
	if err == nil {
		return string(out), false, nil
	}
	// Exit status 1 signals a conflicted merge; stdout is still the full
	// structured report.
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return string(out), true, nil
	}
	return "", false, fmt.Errorf("merge-tree %s %s: %w", ours, theirs, err)
}

// MergeTreeLegacy runs the pre-2.38 three-argument merge-tree, which emits
// a textual report ("changed in both" sections) and exits zero even on
// conflicts.
func (r *Repo) MergeTreeLegacy(ctx context.Context, base, ours, theirs string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, mergeTreeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "merge-tree", base, ours, theirs) // #nosec G204 - refs validated by ValidateRef
	cmd.Dir = r.path
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("merge-tree %s %s %s: %w", base, ours, theirs, err)
	}
	return string(out), nil
}

// MergeFile three-way merges raw contents with `git merge-file -p --diff3`,
// returning the merged text with diff3-style conflict markers and whether
// any region conflicted. Labels name the sides in the markers.
func (r *Repo) MergeFile(ctx context.Context, ours, base, theirs, oursLabel, theirsLabel string) (string, bool, error) {
	tmpDir, err := os.MkdirTemp("", "sy-merge-*")
	if err != nil {
		return "", false, fmt.Errorf("create merge temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	oursPath := filepath.Join(tmpDir, "ours")
	basePath := filepath.Join(tmpDir, "base")
	theirsPath := filepath.Join(tmpDir, "theirs")
	for path, content := range map[string]string{
		oursPath: ours, basePath: base, theirsPath: theirs,
	} {
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return "", false, fmt.Errorf("write merge input: %w", err)
		}
	}

	if oursLabel == "" {
		oursLabel = "ours"
	}
	if theirsLabel == "" {
		theirsLabel = "theirs"
	}
	ctx, cancel := context.WithTimeout(ctx, mergeTreeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "merge-file", "-p", "--diff3",
		"-L", oursLabel, "-L", "base", "-L", theirsLabel,
		oursPath, basePath, theirsPath)
	cmd.Dir = tmpDir
	out, err := cmd.Output()
	if err == nil {
		return string(out), false, nil
	}
	// merge-file exits with the number of conflicts (capped), negative on
	// real errors.
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() > 0 {
		return string(out), true, nil
	}
	return "", false, fmt.Errorf("merge-file: %w", err)
}

var (
	writeTreeOnce    sync.Once
	writeTreeSupport bool
)

// SupportsWriteTree reports whether the host git is new enough (2.38+) for
// `merge-tree --write-tree`. Probed once per process.
func SupportsWriteTree(ctx context.Context) bool {
	writeTreeOnce.Do(func() {
		out, err := exec.CommandContext(ctx, "git", "version").Output()
		if err != nil {
			return
		}
		writeTreeSupport = gitVersionAtLeast(strings.TrimSpace(string(out)), 2, 38)
	})
	return writeTreeSupport
}

// gitVersionAtLeast parses "git version X.Y.Z[extra]" against a minimum.
func gitVersionAtLeast(versionLine string, major, minor int) bool {
	fields := strings.Fields(versionLine)
	raw := fields[len(fields)-1]
	parts := strings.Split(raw, ".")
	if len(parts) < 2 {
		return false
	}
	maj, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	min, err := strconv.Atoi(strings.TrimFunc(parts[1], func(r rune) bool { return r < '0' || r > '9' }))
	if err != nil {
		return false
	}
	if maj != major {
		return maj > major
	}
	return min >= minor
}
