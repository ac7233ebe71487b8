package conflict

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/steveyegge/switchyard/internal/types"
)

func TestNewAssistedMergeRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewAssistedMerge("", nil); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("NewAssistedMerge without key = %v, want ErrNoAPIKey", err)
	}
}

func TestNewAssistedMergeEnvWins(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	a, err := NewAssistedMerge("", nil)
	if err != nil {
		t.Fatalf("NewAssistedMerge failed: %v", err)
	}
	if a.Name() != "assisted" {
		t.Errorf("Name = %q", a.Name())
	}
}

func TestAssistedApplicableGates(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	a, err := NewAssistedMerge("", nil)
	if err != nil {
		t.Fatalf("NewAssistedMerge failed: %v", err)
	}

	content := "<<<<<<< ours\na\n=======\nb\n>>>>>>> theirs"
	fc := mustConflict(t, "f.txt", content, types.ConflictSemantic)
	if !a.Applicable(fc) {
		t.Error("should apply to a normal conflict")
	}

	if a.Applicable(&FileConflict{FilePath: "f.txt", Content: content}) {
		t.Error("should not apply without regions")
	}

	big := *fc
	big.Content = strings.Repeat("x", assistMaxContentBytes+1)
	if a.Applicable(&big) {
		t.Error("should not apply above the size cap")
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare content", "package main\n", "package main\n"},
		{"fenced", "```\npackage main\n```", "package main\n"},
		{"fenced with language", "```go\npackage main\n```", "package main\n"},
		{"unterminated fence left alone", "```\npackage main", "```\npackage main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripCodeFence(tt.in); got != tt.want {
				t.Errorf("stripCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestBuildAssistPromptCarriesConflict(t *testing.T) {
	content := "<<<<<<< ours\na\n=======\nb\n>>>>>>> theirs"
	fc := mustConflict(t, "pkg/thing.go", content, types.ConflictSemantic)
	prompt := buildAssistPrompt(fc)
	if !strings.Contains(prompt, "pkg/thing.go") {
		t.Error("prompt missing file path")
	}
	if !strings.Contains(prompt, content) {
		t.Error("prompt missing conflicted content")
	}
}

func TestAssistRetryable(t *testing.T) {
	if assistRetryable(nil) {
		t.Error("nil error is not retryable")
	}
	if assistRetryable(context.Canceled) {
		t.Error("cancellation is not retryable")
	}
	if assistRetryable(errors.New("boom")) {
		t.Error("unknown errors are not retryable")
	}
}
