// Package gitx wraps the git binary for the plumbing the coordinator
// needs: ref resolution, ancestry checks, merge simulation, and content
// access at arbitrary refs. No working-tree mutation happens here.
package gitx

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/steveyegge/switchyard/internal/types"
)

// queryTimeout bounds local git plumbing calls; a wedged git (index lock
// contention, cold network filesystem) must not hang the caller.
const queryTimeout = 30 * time.Second

// Repo is a handle on a git repository rooted at a toplevel path.
type Repo struct {
	path string
}

// New returns a handle on the repository at path. The path is not
// validated here; Toplevel resolves and validates first.
func New(path string) *Repo {
	return &Repo{path: path}
}

// Path returns the repository toplevel path.
func (r *Repo) Path() string {
	return r.path
}

// Toplevel resolves dir to its repository's canonical toplevel path.
func Toplevel(ctx context.Context, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--show-toplevel")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s is not a git repository: %w", dir, types.ErrValidation)
	}
	top := strings.TrimSpace(string(out))
	abs, err := filepath.Abs(top)
	if err != nil {
		return "", fmt.Errorf("resolve toplevel %s: %w", top, err)
	}
	return abs, nil
}

// run executes git with the repo as working directory and returns trimmed
// stdout. Every call carries queryTimeout; failures carry the combined
// output for diagnosis.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.path
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w\nOutput: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// RevParse resolves a ref to its commit SHA.
func (r *Repo) RevParse(ctx context.Context, ref string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", ref+"^{commit}") // #nosec G204 - ref validated by ValidateRef
	cmd.Dir = r.path
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("ref %s: %w", ref, types.ErrNotFound)
	}
	return strings.TrimSpace(string(out)), nil
}

// CurrentBranch returns the checked-out branch name, or "HEAD" when
// detached.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// GitDir returns the repository's .git directory, resolved relative to the
// toplevel. Worktrees report their private gitdir under the main repo.
func (r *Repo) GitDir(ctx context.Context) (string, error) {
	dir, err := r.run(ctx, "rev-parse", "--git-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(r.path, dir)
	}
	return dir, nil
}

// CommonGitDir returns the shared .git directory, which for a worktree is
// the main repository's. Refs live here; watchers watch this one.
func (r *Repo) CommonGitDir(ctx context.Context) (string, error) {
	dir, err := r.run(ctx, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(r.path, dir)
	}
	return dir, nil
}

// RefExists reports whether a fully-qualified ref exists.
func (r *Repo) RefExists(ctx context.Context, ref string) bool {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", ref) // #nosec G204 - ref validated by ValidateRef
	cmd.Dir = r.path
	return cmd.Run() == nil
}

// BranchExists reports whether a branch exists locally or on origin.
func (r *Repo) BranchExists(ctx context.Context, branch string) bool {
	return r.RefExists(ctx, "refs/heads/"+branch) ||
		r.RefExists(ctx, "refs/remotes/origin/"+branch)
}

// IsAncestor reports whether ancestor is reachable from descendant. This is
// the merged-branch test: a branch tip that is an ancestor of the target
// tip has been merged.
func (r *Repo) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor", ancestor, descendant) // #nosec G204 - refs validated by ValidateRef
	cmd.Dir = r.path
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	// Exit status 1 means "not an ancestor"; anything else is a real error.
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("merge-base --is-ancestor %s %s: %w", ancestor, descendant, err)
}

// MergeBase returns the best common ancestor of two refs.
func (r *Repo) MergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := r.run(ctx, "merge-base", a, b)
	if err != nil {
		return "", fmt.Errorf("no merge base between %s and %s: %w", a, b, types.ErrNotFound)
	}
	return out, nil
}

// Fetch updates refs from a remote. Network and auth failures surface as
// network errors so pollers can classify them.
func (r *Repo) Fetch(ctx context.Context, remote string) error {
	if remote == "" {
		remote = "origin"
	}
	cmd := exec.CommandContext(ctx, "git", "fetch", "--prune", remote) // #nosec G204 - remote name from config
	cmd.Dir = r.path
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("fetch %s: %v (%s): %w", remote, err, strings.TrimSpace(string(out)), types.ErrNetwork)
	}
	return nil
}

// HasRemote reports whether the repository has any remote configured.
// Local-only repos skip the fetch step when polling.
func (r *Repo) HasRemote(ctx context.Context) bool {
	out, err := r.run(ctx, "remote")
	return err == nil && out != ""
}

// CommitTime returns the committer timestamp of a ref.
func (r *Repo) CommitTime(ctx context.Context, ref string) (time.Time, error) {
	out, err := r.run(ctx, "log", "-1", "--format=%cI", ref)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, out)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse commit time %q: %w", out, err)
	}
	return t, nil
}

// ShowFile returns the content of path at ref.
func (r *Repo) ShowFile(ctx context.Context, ref, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "show", ref+":"+path) // #nosec G204 - ref and path validated upstream
	cmd.Dir = r.path
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s at %s: %w", path, ref, types.ErrNotFound)
	}
	return string(out), nil
}

// ChangedFiles lists paths that differ between two refs.
func (r *Repo) ChangedFiles(ctx context.Context, from, to string) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", from, to)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// LocalBranches lists local branch names.
func (r *Repo) LocalBranches(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// HasUncommittedChanges reports whether the working tree or index differs
// from HEAD.
func (r *Repo) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// refNamePattern validates git ref names passed to subprocesses.
// Based on git-check-ref-format rules
var refNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)

// ValidateRef rejects ref names that could be misparsed as flags or
// traverse outside the ref namespace.
func ValidateRef(name string) error {
	if name == "" {
		return fmt.Errorf("empty ref name: %w", types.ErrValidation)
	}
	if len(name) > 255 {
		return fmt.Errorf("ref name too long: %w", types.ErrValidation)
	}
	if name == "HEAD" {
		return nil
	}
	if !refNamePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid ref name %q: %w", name, types.ErrValidation)
	}
	if strings.HasSuffix(name, ".lock") || strings.HasSuffix(name, "/") {
		return fmt.Errorf("invalid ref name %q: %w", name, types.ErrValidation)
	}
	return nil
}
