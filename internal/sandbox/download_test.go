package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, output)
	}
}

func TestParsePorcelainStatus(t *testing.T) {
	out := " M modified.go\n" +
		"?? new.txt\n" +
		"R  old.txt -> renamed.txt\n" +
		" D deleted.go\n" +
		"D  staged-delete.go\n" +
		"?? \"sp ace.txt\"\n" +
		"\n"

	got := parsePorcelainStatus(out)
	want := map[string]bool{
		"modified.go": true,
		"new.txt":     true,
		"renamed.txt": true,
		"sp ace.txt":  true,
	}
	if len(got) != len(want) {
		t.Fatalf("parsed %v, want %d files", got, len(want))
	}
	for _, f := range got {
		if !want[f] {
			t.Errorf("unexpected file %q", f)
		}
	}
}

func TestDownloadChangesRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _, s := newRecordingController(t, Config{})
	insertSession(t, s, "sess-1", nil)
	sb, err := c.CreateSandbox(ctx, "sess-1", "test-key")
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}

	// Seed a git worktree inside the sandbox with one committed file,
	// then change it and add an untracked one.
	remoteDir, err := sb.Instance.Path("/repo")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if err := os.MkdirAll(remoteDir, 0o750); err != nil {
		t.Fatalf("mkdir remote repo: %v", err)
	}
	runGit(t, remoteDir, "init")
	runGit(t, remoteDir, "config", "user.email", "test@test.com")
	runGit(t, remoteDir, "config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(remoteDir, "tracked.txt"), []byte("v1\n"), 0o644); err != nil {
		t.Fatalf("write tracked: %v", err)
	}
	runGit(t, remoteDir, "add", ".")
	runGit(t, remoteDir, "commit", "-m", "initial")
	if err := os.WriteFile(filepath.Join(remoteDir, "tracked.txt"), []byte("v2\n"), 0o644); err != nil {
		t.Fatalf("modify tracked: %v", err)
	}
	if err := os.WriteFile(filepath.Join(remoteDir, "new.txt"), []byte("fresh\n"), 0o644); err != nil {
		t.Fatalf("write new: %v", err)
	}

	local := t.TempDir()
	res, err := c.DownloadChanges(ctx, sb.ID, "/repo", local)
	if err != nil {
		t.Fatalf("DownloadChanges: %v", err)
	}
	if len(res.Files) != 2 {
		t.Fatalf("Files = %v, want tracked.txt and new.txt", res.Files)
	}
	if res.Bytes == 0 {
		t.Error("Bytes should be nonzero")
	}

	got, err := os.ReadFile(filepath.Join(local, "tracked.txt"))
	if err != nil || string(got) != "v2\n" {
		t.Errorf("tracked.txt = %q, %v; want v2", got, err)
	}
	got, err = os.ReadFile(filepath.Join(local, "new.txt"))
	if err != nil || string(got) != "fresh\n" {
		t.Errorf("new.txt = %q, %v; want fresh", got, err)
	}

	if _, err := sb.Instance.ReadFile(ctx, "/repo.changes.tgz"); err == nil {
		t.Error("remote changes archive should be cleaned up")
	}
}

func TestDownloadNoChanges(t *testing.T) {
	ctx := context.Background()
	c, _, s := newRecordingController(t, Config{})
	insertSession(t, s, "sess-1", nil)
	sb, err := c.CreateSandbox(ctx, "sess-1", "test-key")
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}

	remoteDir, err := sb.Instance.Path("/repo")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if err := os.MkdirAll(remoteDir, 0o750); err != nil {
		t.Fatalf("mkdir remote repo: %v", err)
	}
	runGit(t, remoteDir, "init")
	runGit(t, remoteDir, "config", "user.email", "test@test.com")
	runGit(t, remoteDir, "config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(remoteDir, "tracked.txt"), []byte("v1\n"), 0o644); err != nil {
		t.Fatalf("write tracked: %v", err)
	}
	runGit(t, remoteDir, "add", ".")
	runGit(t, remoteDir, "commit", "-m", "initial")

	local := t.TempDir()
	res, err := c.DownloadChanges(ctx, sb.ID, "/repo", local)
	if err != nil {
		t.Fatalf("DownloadChanges on clean tree: %v", err)
	}
	if len(res.Files) != 0 || res.Bytes != 0 {
		t.Errorf("clean tree should download nothing, got %+v", res)
	}
}
