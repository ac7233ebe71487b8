package sandbox

import (
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"testing"

	"github.com/steveyegge/switchyard/internal/types"
)

func TestValidateRemotePath(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
	}{
		{"/workspace", true},
		{"/workspace/src/main.go", true},
		{"/a/b-c/d_e/f.1", true},
		{"", false},
		{"relative/path", false},
		{"/a//b", false},
		{"/a/../b", false},
		{"/a/./b", false},
		{"/..", false},
		{"/a b", false},
		{"/a;rm", false},
		{"/a'b", false},
		{"/a$b", false},
	}
	for _, tt := range tests {
		err := ValidateRemotePath(tt.path)
		if tt.ok && err != nil {
			t.Errorf("ValidateRemotePath(%q) = %v, want nil", tt.path, err)
		}
		if !tt.ok {
			if err == nil {
				t.Errorf("ValidateRemotePath(%q) should fail", tt.path)
			} else if !errors.Is(err, types.ErrValidation) {
				t.Errorf("ValidateRemotePath(%q) should wrap ErrValidation, got %v", tt.path, err)
			}
		}
	}
}

func TestSanitizePrompt(t *testing.T) {
	if _, err := SanitizePrompt(""); !errors.Is(err, types.ErrValidation) {
		t.Errorf("empty prompt: want ErrValidation, got %v", err)
	}
	if _, err := SanitizePrompt("   \n\t"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("whitespace prompt: want ErrValidation, got %v", err)
	}
	if _, err := SanitizePrompt(strings.Repeat("a", MaxPromptBytes+1)); !errors.Is(err, types.ErrValidation) {
		t.Errorf("oversize prompt: want ErrValidation, got %v", err)
	}

	got, err := SanitizePrompt("fix the bug; then run tests")
	if err != nil {
		t.Fatalf("SanitizePrompt: %v", err)
	}
	if got != `fix the bug\; then run tests` {
		t.Errorf("semicolon not escaped: %q", got)
	}

	got, err = SanitizePrompt("echo $HOME `id` | tee")
	if err != nil {
		t.Fatalf("SanitizePrompt: %v", err)
	}
	for _, meta := range []string{`\$`, "\\`", `\|`} {
		if !strings.Contains(got, meta) {
			t.Errorf("expected %s in %q", meta, got)
		}
	}

	got, err = SanitizePrompt("line1\nline2\ttabbed\x07bell\x1b[31m")
	if err != nil {
		t.Fatalf("SanitizePrompt: %v", err)
	}
	if !strings.Contains(got, "\n") || !strings.Contains(got, "\t") {
		t.Error("newline and tab must survive")
	}
	if strings.ContainsRune(got, 0x07) || strings.ContainsRune(got, 0x1b) {
		t.Errorf("control characters must be stripped: %q", got)
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("plain"); got != "'plain'" {
		t.Errorf("shellQuote(plain) = %q", got)
	}
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Errorf("shellQuote(it's) = %q", got)
	}
}

// Round-trip every quoted form through a real shell; printf must hand back
// the exact original bytes.
func TestShellQuoteRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	args := []string{
		"plain",
		"with space",
		"it's quoted",
		`double "quotes"`,
		"$HOME and `backticks`",
		"semi;colon&and|pipe",
		"glob*?[chars]",
	}
	for _, arg := range args {
		out, err := exec.Command("/bin/sh", "-c", "printf %s "+shellQuote(arg)).Output()
		if err != nil {
			t.Fatalf("shell round-trip of %q: %v", arg, err)
		}
		if string(out) != arg {
			t.Errorf("round-trip of %q gave %q", arg, out)
		}
	}
}
