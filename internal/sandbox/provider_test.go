package sandbox

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/switchyard/internal/types"
)

func TestLocalProviderLifecycle(t *testing.T) {
	ctx := context.Background()
	p := &LocalProvider{Root: t.TempDir()}

	inst, err := p.Create(ctx, "any-key")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(inst.ID(), "local-") {
		t.Errorf("instance ID = %q", inst.ID())
	}

	if err := inst.WriteFile(ctx, "/workspace/hello.txt", []byte("hi\n")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := inst.ReadFile(ctx, "/workspace/hello.txt")
	if err != nil || string(got) != "hi\n" {
		t.Fatalf("ReadFile = %q, %v", got, err)
	}

	out, err := inst.RunCommand(ctx, "cat workspace/hello.txt")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if strings.TrimSpace(out) != "hi" {
		t.Errorf("RunCommand output = %q", out)
	}

	hostPath, err := inst.Path("/workspace/hello.txt")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if _, err := os.Stat(hostPath); err != nil {
		t.Errorf("translated path %s should exist: %v", hostPath, err)
	}

	if err := inst.Kill(ctx); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := inst.Kill(ctx); err != nil {
		t.Errorf("Kill must be idempotent, got %v", err)
	}
	if _, err := inst.ReadFile(ctx, "/workspace/hello.txt"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("ReadFile after Kill: want ErrNotFound, got %v", err)
	}
	if _, err := inst.RunCommand(ctx, "true"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("RunCommand after Kill: want ErrNotFound, got %v", err)
	}
}

func TestLocalProviderRejectsBadPaths(t *testing.T) {
	ctx := context.Background()
	p := &LocalProvider{Root: t.TempDir()}
	inst, err := p.Create(ctx, "any-key")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := inst.WriteFile(ctx, "../escape.txt", []byte("x")); !errors.Is(err, types.ErrValidation) {
		t.Errorf("relative path: want ErrValidation, got %v", err)
	}
	if err := inst.WriteFile(ctx, "/a/../escape.txt", []byte("x")); !errors.Is(err, types.ErrValidation) {
		t.Errorf("traversal path: want ErrValidation, got %v", err)
	}
}

func TestLocalProviderCommandTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p := &LocalProvider{Root: t.TempDir()}
	inst, err := p.Create(context.Background(), "any-key")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	start := time.Now()
	_, err = inst.RunCommand(ctx, "sleep 30")
	if !errors.Is(err, types.ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v, command not killed promptly", elapsed)
	}
}
