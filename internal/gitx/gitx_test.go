package gitx

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/switchyard/internal/types"
)

// runGitCmd is a helper to run git commands
func runGitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, output)
	}
}

// initTestRepo creates a repository with one commit and returns its path.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGitCmd(t, dir, "init")
	runGitCmd(t, dir, "config", "user.email", "test@test.com")
	runGitCmd(t, dir, "config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte("one\ntwo\nthree\n"), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	runGitCmd(t, dir, "add", ".")
	runGitCmd(t, dir, "commit", "-m", "initial")
	return dir
}

func TestToplevel(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	dir := initTestRepo(t)

	subDir := filepath.Join(dir, "sub")
	if err := os.MkdirAll(subDir, 0750); err != nil {
		t.Fatalf("Failed to create subdir: %v", err)
	}

	top, err := Toplevel(ctx, subDir)
	if err != nil {
		t.Fatalf("Toplevel: %v", err)
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		resolved = dir
	}
	if top != resolved {
		t.Errorf("toplevel = %q, want %q", top, resolved)
	}

	_, err = Toplevel(ctx, t.TempDir())
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("non-repo toplevel error = %v, want ErrValidation", err)
	}
}

func TestRevParseAndRefExists(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	r := New(initTestRepo(t))

	sha, err := r.RevParse(ctx, "HEAD")
	if err != nil {
		t.Fatalf("RevParse HEAD: %v", err)
	}
	if len(sha) != 40 {
		t.Errorf("sha = %q, want 40 hex chars", sha)
	}

	_, err = r.RevParse(ctx, "no-such-branch")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("missing ref error = %v, want ErrNotFound", err)
	}

	branch, err := r.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}
	if !r.RefExists(ctx, "refs/heads/"+branch) {
		t.Errorf("current branch ref %s should exist", branch)
	}
	if r.RefExists(ctx, "refs/heads/ghost") {
		t.Error("ghost ref should not exist")
	}
}

func TestIsAncestorAndMergeBase(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	dir := initTestRepo(t)
	r := New(dir)

	mainBranch, err := r.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}
	baseSHA, err := r.RevParse(ctx, "HEAD")
	if err != nil {
		t.Fatalf("RevParse: %v", err)
	}

	runGitCmd(t, dir, "checkout", "-b", "feature")
	if err := os.WriteFile(filepath.Join(dir, "feature.txt"), []byte("feature\n"), 0644); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	runGitCmd(t, dir, "add", ".")
	runGitCmd(t, dir, "commit", "-m", "feature work")

	merged, err := r.IsAncestor(ctx, "feature", mainBranch)
	if err != nil {
		t.Fatalf("IsAncestor: %v", err)
	}
	if merged {
		t.Error("unmerged feature should not be ancestor of main")
	}

	merged, err = r.IsAncestor(ctx, mainBranch, "feature")
	if err != nil {
		t.Fatalf("IsAncestor: %v", err)
	}
	if !merged {
		t.Error("main should be ancestor of feature")
	}

	base, err := r.MergeBase(ctx, mainBranch, "feature")
	if err != nil {
		t.Fatalf("MergeBase: %v", err)
	}
	if base != baseSHA {
		t.Errorf("merge base = %s, want %s", base, baseSHA)
	}

	// After merging, the feature tip is reachable from main.
	runGitCmd(t, dir, "checkout", mainBranch)
	runGitCmd(t, dir, "merge", "--no-ff", "-m", "merge feature", "feature")
	merged, err = r.IsAncestor(ctx, "feature", mainBranch)
	if err != nil {
		t.Fatalf("IsAncestor: %v", err)
	}
	if !merged {
		t.Error("merged feature should be ancestor of main")
	}
}

func TestCommitTime(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	r := New(initTestRepo(t))

	ts, err := r.CommitTime(ctx, "HEAD")
	if err != nil {
		t.Fatalf("CommitTime: %v", err)
	}
	if d := time.Since(ts); d < 0 || d > time.Minute {
		t.Errorf("commit time drift = %v", d)
	}
}

func TestShowFile(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	r := New(initTestRepo(t))

	content, err := r.ShowFile(ctx, "HEAD", "file.txt")
	if err != nil {
		t.Fatalf("ShowFile: %v", err)
	}
	if content != "one\ntwo\nthree\n" {
		t.Errorf("content = %q", content)
	}

	_, err = r.ShowFile(ctx, "HEAD", "missing.txt")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("missing file error = %v, want ErrNotFound", err)
	}
}

func TestHasUncommittedChanges(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	dir := initTestRepo(t)
	r := New(dir)

	dirty, err := r.HasUncommittedChanges(ctx)
	if err != nil {
		t.Fatalf("HasUncommittedChanges: %v", err)
	}
	if dirty {
		t.Error("fresh repo should be clean")
	}

	if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte("changed\n"), 0644); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	dirty, err = r.HasUncommittedChanges(ctx)
	if err != nil {
		t.Fatalf("HasUncommittedChanges: %v", err)
	}
	if !dirty {
		t.Error("modified file should make the repo dirty")
	}
}

func TestMergeFile(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	r := New(initTestRepo(t))

	base := "one\ntwo\nthree\n"
	ours := "ONE\ntwo\nthree\n"
	theirs := "one\ntwo\nTHREE\n"

	merged, conflicted, err := r.MergeFile(ctx, ours, base, theirs, "mine", "upstream")
	if err != nil {
		t.Fatalf("MergeFile: %v", err)
	}
	if conflicted {
		t.Error("non-overlapping edits should merge cleanly")
	}
	if merged != "ONE\ntwo\nTHREE\n" {
		t.Errorf("merged = %q", merged)
	}

	// Overlapping edits conflict and produce diff3 markers.
	theirs = "1\ntwo\nthree\n"
	merged, conflicted, err = r.MergeFile(ctx, ours, base, theirs, "mine", "upstream")
	if err != nil {
		t.Fatalf("MergeFile: %v", err)
	}
	if !conflicted {
		t.Error("overlapping edits should conflict")
	}
	for _, marker := range []string{"<<<<<<< mine", "|||||||", "=======", ">>>>>>> upstream"} {
		if !strings.Contains(merged, marker) {
			t.Errorf("merged output missing marker %q:\n%s", marker, merged)
		}
	}
}

func TestMergeTree(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	if !SupportsWriteTree(ctx) {
		t.Skip("host git predates merge-tree --write-tree")
	}
	dir := initTestRepo(t)
	r := New(dir)

	mainBranch, err := r.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}

	// Divergent edits to the same line on two branches.
	runGitCmd(t, dir, "checkout", "-b", "left")
	if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte("LEFT\ntwo\nthree\n"), 0644); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	runGitCmd(t, dir, "commit", "-am", "left edit")

	runGitCmd(t, dir, "checkout", mainBranch)
	runGitCmd(t, dir, "checkout", "-b", "right")
	if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte("RIGHT\ntwo\nthree\n"), 0644); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	runGitCmd(t, dir, "commit", "-am", "right edit")

	out, conflicted, err := r.MergeTree(ctx, "left", "right")
	if err != nil {
		t.Fatalf("MergeTree: %v", err)
	}
	if !conflicted {
		t.Error("divergent same-line edits should conflict")
	}
	if out == "" {
		t.Error("conflicted merge-tree should still emit its report")
	}

	// A branch pair without overlap merges cleanly.
	runGitCmd(t, dir, "checkout", mainBranch)
	runGitCmd(t, dir, "checkout", "-b", "clean")
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("other\n"), 0644); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	runGitCmd(t, dir, "add", ".")
	runGitCmd(t, dir, "commit", "-m", "other file")

	_, conflicted, err = r.MergeTree(ctx, "clean", "left")
	if err != nil {
		t.Fatalf("MergeTree: %v", err)
	}
	if conflicted {
		t.Error("disjoint edits should not conflict")
	}
}

func TestValidateRef(t *testing.T) {
	valid := []string{"main", "feature/auth", "release-1.2", "HEAD", "users/jo/wip"}
	for _, name := range valid {
		if err := ValidateRef(name); err != nil {
			t.Errorf("ValidateRef(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "-flag", "a..b", "branch.lock", "trailing/", "has space"}
	for _, name := range invalid {
		if err := ValidateRef(name); err == nil {
			t.Errorf("ValidateRef(%q) should fail", name)
		}
	}
}

func TestGitVersionAtLeast(t *testing.T) {
	tests := []struct {
		line  string
		major int
		minor int
		want  bool
	}{
		{"git version 2.39.2", 2, 38, true},
		{"git version 2.38.0", 2, 38, true},
		{"git version 2.37.1", 2, 38, false},
		{"git version 2.40.1.windows.1", 2, 38, true},
		{"git version 3.0", 2, 38, true},
		{"git version 1.9.5", 2, 38, false},
		{"garbage", 2, 38, false},
	}
	for _, tt := range tests {
		if got := gitVersionAtLeast(tt.line, tt.major, tt.minor); got != tt.want {
			t.Errorf("gitVersionAtLeast(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}
