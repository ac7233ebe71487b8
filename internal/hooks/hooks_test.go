//go:build unix

package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeHook installs an executable hook script in dir.
func writeHook(t *testing.T, dir, name, script string) {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("Failed to create hooks dir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("Failed to write hook: %v", err)
	}
}

func TestRunSyncDeliversPayload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hooks")
	out := filepath.Join(t.TempDir(), "payload.json")
	writeHook(t, dir, HookOnMerge, `cat > "`+out+`"; echo "$1" >> "`+out+`"`)

	r := NewRunner(dir)
	payload := MergePayload{
		RepoPath:     "/repo",
		BranchName:   "feature-x",
		TargetBranch: "main",
		SourceCommit: "abc123",
	}
	if err := r.RunSync(EventMerge, payload); err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("Hook did not write output: %v", err)
	}
	lines := string(data)
	var got MergePayload
	first := lines[:len(lines)-len("merge\n")]
	if err := json.Unmarshal([]byte(first), &got); err != nil {
		t.Fatalf("Hook stdin was not the JSON payload: %v\n%s", err, lines)
	}
	if got.BranchName != "feature-x" || got.TargetBranch != "main" {
		t.Errorf("Payload mismatch: %+v", got)
	}
	if lines[len(first):] != "merge\n" {
		t.Errorf("Hook argv[1] = %q, want merge", lines[len(first):])
	}
}

func TestMissingHookIsSilent(t *testing.T) {
	r := NewRunnerForRepo(t.TempDir())
	if err := r.RunSync(EventConflict, ConflictPayload{}); err != nil {
		t.Fatalf("Missing hook must be a no-op, got %v", err)
	}
	if r.HookExists(EventConflict) {
		t.Error("HookExists must be false with no hooks dir")
	}
}

func TestNonExecutableHookIsSkipped(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hooks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, HookOnMerge)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewRunner(dir)
	if r.HookExists(EventMerge) {
		t.Error("Non-executable file must not count as a hook")
	}
	if err := r.RunSync(EventMerge, MergePayload{}); err != nil {
		t.Fatalf("Non-executable hook must be skipped, got %v", err)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	r := NewRunner(t.TempDir())
	if err := r.RunSync("bogus", nil); err != nil {
		t.Fatalf("Unknown event must be a no-op, got %v", err)
	}
}

func TestHookFailurePropagatesOnSync(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hooks")
	writeHook(t, dir, HookOnConflict, "exit 3")

	r := NewRunner(dir)
	if err := r.RunSync(EventConflict, ConflictPayload{RepoPath: "/repo"}); err == nil {
		t.Fatal("Expected failing hook to surface an error")
	}
}

func TestTimeoutKillsHook(t *testing.T) {
	if testing.Short() {
		t.Skip("timeout test sleeps")
	}

	dir := filepath.Join(t.TempDir(), "hooks")
	writeHook(t, dir, HookOnMerge, "sleep 30")

	r := NewRunner(dir)
	r.timeout = 200 * time.Millisecond

	start := time.Now()
	err := r.RunSync(EventMerge, MergePayload{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Timeout enforcement took %s, hook escaped the kill", elapsed)
	}
}
