package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/steveyegge/switchyard/internal/types"
)

// MaxPromptBytes bounds prompt inputs before escaping.
const MaxPromptBytes = 100 * 1024

var remotePathChars = regexp.MustCompile(`^[A-Za-z0-9/_.-]+$`)

// ValidateRemotePath enforces the sandbox path contract: absolute, a
// conservative character set, no traversal, no doubled slashes, no dot
// components. Paths are interpolated into remote shell commands, so the
// character set does the heavy lifting.
func ValidateRemotePath(path string) error {
	if path == "" {
		return fmt.Errorf("remote path is empty: %w", types.ErrValidation)
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("remote path %q is not absolute: %w", path, types.ErrValidation)
	}
	if !remotePathChars.MatchString(path) {
		return fmt.Errorf("remote path %q has illegal characters: %w", path, types.ErrValidation)
	}
	if strings.Contains(path, "//") {
		return fmt.Errorf("remote path %q has consecutive slashes: %w", path, types.ErrValidation)
	}
	for _, part := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if part == "." || part == ".." {
			return fmt.Errorf("remote path %q has a dot component: %w", path, types.ErrValidation)
		}
	}
	return nil
}

// SanitizePrompt validates and defangs a prompt destined for a sandbox
// shell: size and emptiness checks, control characters stripped (newline
// and tab stay), shell metacharacters backslash-escaped.
func SanitizePrompt(prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt is empty: %w", types.ErrValidation)
	}
	if len(prompt) > MaxPromptBytes {
		return "", fmt.Errorf("prompt is %d bytes, limit %d: %w", len(prompt), MaxPromptBytes, types.ErrValidation)
	}

	var b strings.Builder
	b.Grow(len(prompt))
	for _, r := range prompt {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f:
			// Control characters are dropped outright.
		case strings.ContainsRune(`;&|$`+"`"+`<>(){}!\"'*?~#`, r):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

// shellQuote single-quotes one argument for a remote shell command.
// Embedded single quotes close the string, emit an escaped quote, and
// reopen: 'it'\''s'.
func shellQuote(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}
