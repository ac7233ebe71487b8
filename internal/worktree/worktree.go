// Package worktree manages the git worktrees that parallel sessions run
// in. One worktree per non-main session, grouped in a sibling directory of
// the repository so `ls` next to the checkout shows the whole fleet.
package worktree

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/switchyard/internal/types"
)

// DefaultPrefix starts every generated worktree name.
const DefaultPrefix = "parallel-"

// Manager handles git worktree lifecycle for parallel session checkouts.
type Manager struct {
	repoPath string // Path to the main repository
	prefix   string // Name prefix for generated worktrees
}

// NewManager creates a worktree manager for the given repository. An empty
// prefix selects the default.
func NewManager(repoPath, prefix string) *Manager {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Manager{repoPath: repoPath, prefix: prefix}
}

// GenerateName returns a fresh worktree name: the prefix, the current unix
// seconds, and four random hex characters. Deterministic shape, unique
// enough for concurrent registration.
func (m *Manager) GenerateName() string {
	suffix := make([]byte, 2)
	if _, err := rand.Read(suffix); err != nil {
		// Fall back to the low PID bits; collisions just fail creation.
		return fmt.Sprintf("%s%d-%04x", m.prefix, time.Now().Unix(), os.Getpid()&0xffff)
	}
	return fmt.Sprintf("%s%d-%s", m.prefix, time.Now().Unix(), hex.EncodeToString(suffix))
}

// ValidateName rejects worktree names with characters outside
// [A-Za-z0-9._-], plus empty and dot-only names.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("worktree name is empty: %w", types.ErrValidation)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("worktree name %q is reserved: %w", name, types.ErrValidation)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return fmt.Errorf("worktree name %q has invalid character %q: %w", name, r, types.ErrValidation)
		}
	}
	return nil
}

// PathFor returns where a named worktree lives:
// <repoParent>/<repoBase>-worktrees/<name>.
func (m *Manager) PathFor(name string) string {
	parent := filepath.Dir(m.repoPath)
	base := filepath.Base(m.repoPath)
	return filepath.Join(parent, base+"-worktrees", name)
}

// Create adds a worktree under PathFor(name), branched from baseRef (HEAD
// when empty). The branch carries the worktree's name. Returns the
// worktree path.
func (m *Manager) Create(ctx context.Context, name, baseRef string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	worktreePath := m.PathFor(name)

	// Prune stale worktree entries first
	pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	pruneCmd.Dir = m.repoPath
	_ = pruneCmd.Run() // Best effort, ignore errors

	if _, err := os.Stat(worktreePath); err == nil {
		if valid, verr := m.isRegistered(ctx, worktreePath); verr == nil && valid {
			return worktreePath, nil // Already exists and registered
		}
		// Path exists but isn't a registered worktree, remove it
		if err := os.RemoveAll(worktreePath); err != nil {
			return "", fmt.Errorf("failed to remove stale worktree path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0750); err != nil {
		return "", fmt.Errorf("failed to create worktree parent directory: %w", err)
	}

	// Use -f (force) to handle "missing but already registered" state:
	// the directory was deleted but git registration persists. A leftover
	// branch from an earlier worktree of the same name is checked out
	// rather than recreated.
	var args []string
	if m.branchExists(ctx, name) {
		args = []string{"worktree", "add", "-f", worktreePath, name}
	} else {
		args = []string{"worktree", "add", "-f", "-b", name, worktreePath}
		if baseRef != "" {
			args = append(args, baseRef)
		}
	}
	cmd := exec.CommandContext(ctx, "git", args...) // #nosec G204 - name validated, baseRef validated by caller
	cmd.Dir = m.repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to create worktree: %w\nOutput: %s", err, string(output))
	}
	return worktreePath, nil
}

// branchExists checks if a branch exists locally
func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch) // #nosec G204 - branch name validated
	cmd.Dir = m.repoPath
	return cmd.Run() == nil
}

// Remove deletes a worktree and, optionally, its branch. Falls back to
// removing the directory by hand and pruning when git refuses.
func (m *Manager) Remove(ctx context.Context, name string, deleteBranch bool) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	worktreePath := m.PathFor(name)

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", worktreePath, "--force") // #nosec G204 - path derived from validated name
	cmd.Dir = m.repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		// If git worktree remove fails, manually remove the directory
		// and prune the worktree list
		if removeErr := os.RemoveAll(worktreePath); removeErr != nil {
			return fmt.Errorf("failed to remove worktree directory: %w (git error: %v, output: %s)",
				removeErr, err, string(output))
		}
		pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
		pruneCmd.Dir = m.repoPath
		_ = pruneCmd.Run() // Best effort, ignore errors
	}

	if deleteBranch {
		branchCmd := exec.CommandContext(ctx, "git", "branch", "-D", name) // #nosec G204 - name validated
		branchCmd.Dir = m.repoPath
		_ = branchCmd.Run() // Branch may be checked out elsewhere or already gone
	}
	return nil
}

// List returns the names of this manager's worktrees (those under the
// managed sibling directory), parsed from the porcelain listing.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w\nOutput: %s", err, string(output))
	}

	managedDir := filepath.Dir(m.PathFor("x"))
	var names []string
	for _, line := range strings.Split(string(output), "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		path := strings.TrimSpace(strings.TrimPrefix(line, "worktree "))
		if samePath(filepath.Dir(path), managedDir) {
			names = append(names, filepath.Base(path))
		}
	}
	return names, nil
}

// isRegistered checks if the path appears in git's worktree list.
func (m *Manager) isRegistered(ctx context.Context, worktreePath string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("failed to list worktrees: %w", err)
	}

	for _, line := range strings.Split(string(output), "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		path := strings.TrimSpace(strings.TrimPrefix(line, "worktree "))
		if samePath(path, worktreePath) {
			return true, nil
		}
	}
	return false, nil
}

// samePath compares paths after symlink resolution, falling back to
// Abs when a path does not exist (e.g. /tmp -> /private/tmp on macOS).
func samePath(a, b string) bool {
	return canonical(a) == canonical(b)
}

func canonical(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// NameTimestamp extracts the unix-seconds creation stamp embedded in a
// generated name, for age-based housekeeping. Returns zero time when the
// name does not carry one.
func NameTimestamp(prefix, name string) time.Time {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return time.Time{}
	}
	secs, _, ok := strings.Cut(rest, "-")
	if !ok {
		return time.Time{}
	}
	n, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
