// Package coordinator registers parallel development sessions, assigns
// each one an isolated worktree, and reclaims what crashed or wandered
// off. It is the policy layer the CLI and the RPC server both talk to.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/switchyard/internal/claims"
	"github.com/steveyegge/switchyard/internal/gitx"
	"github.com/steveyegge/switchyard/internal/liveness"
	"github.com/steveyegge/switchyard/internal/logging"
	"github.com/steveyegge/switchyard/internal/store"
	"github.com/steveyegge/switchyard/internal/types"
	"github.com/steveyegge/switchyard/internal/worktree"
)

// Liveness is the oracle slice the coordinator consults.
type Liveness interface {
	Alive(pid int) bool
	EligibleForSweep(pid int, lastHeartbeat, now time.Time) bool
}

// WorktreePort is the slice of worktree management the coordinator uses.
// worktree.Manager satisfies it; tests substitute fakes.
type WorktreePort interface {
	GenerateName() string
	Create(ctx context.Context, name, baseRef string) (string, error)
	Remove(ctx context.Context, name string, deleteBranch bool) error
}

// Options configures a Coordinator. The zero value gives a stderr-silent
// coordinator with default thresholds and no worktree auto-cleanup.
type Options struct {
	Logger         *logging.Logger
	WorktreePrefix string
	StaleThreshold time.Duration

	// AutoCleanupWorktrees removes a session's worktree when the session
	// is released or swept. The CLI sets this from config (default on).
	AutoCleanupWorktrees bool

	// Worktrees overrides worktree manager construction, for tests.
	Worktrees func(repoPath string) WorktreePort

	// Liveness overrides the process oracle, for tests.
	Liveness Liveness
}

// Coordinator implements session registration, heartbeat, release,
// status, and cleanup over the store.
type Coordinator struct {
	store        *store.Store
	claims       *claims.Manager
	live         Liveness
	log          *logging.Logger
	prefix       string
	autoCleanup  bool
	newWorktrees func(repoPath string) WorktreePort
}

// New returns a Coordinator over the given store.
func New(st *store.Store, opts Options) *Coordinator {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	live := opts.Liveness
	if live == nil {
		live = liveness.New(opts.StaleThreshold)
	}
	prefix := opts.WorktreePrefix
	if prefix == "" {
		prefix = worktree.DefaultPrefix
	}
	factory := opts.Worktrees
	if factory == nil {
		factory = func(repoPath string) WorktreePort {
			return worktree.NewManager(repoPath, prefix)
		}
	}
	return &Coordinator{
		store:        st,
		claims:       claims.NewManager(st),
		live:         live,
		log:          log,
		prefix:       prefix,
		autoCleanup:  opts.AutoCleanupWorktrees,
		newWorktrees: factory,
	}
}

// Claims exposes the claims manager sharing this coordinator's store.
func (c *Coordinator) Claims() *claims.Manager {
	return c.claims
}

// Store exposes the underlying store for read-side consumers.
func (c *Coordinator) Store() *store.Store {
	return c.store
}

// RegisterResult reports the outcome of one session registration.
type RegisterResult struct {
	Session          *types.Session
	IsNew            bool
	ParallelSessions int

	// WorktreeErr is set when worktree creation failed and the session
	// fell back to the main checkout (degraded mode).
	WorktreeErr error
}

// RegisterOptions carries the optional session fields sandboxed and
// templated registrations record. The zero value registers a plain
// local session.
type RegisterOptions struct {
	ExecutionMode types.ExecutionMode
	Prompt        string
	Template      string
	BudgetLimit   *float64
}

// Register claims a seat in the repo for the given pid. The first live
// session takes the main checkout; later ones get dedicated worktrees.
// The whole decision runs in one immediate transaction, so two processes
// racing for the main checkout serialize: exactly one wins it.
func (c *Coordinator) Register(ctx context.Context, repoPath string, pid int) (*RegisterResult, error) {
	return c.RegisterWithOptions(ctx, repoPath, pid, RegisterOptions{})
}

// RegisterWithOptions is Register with the optional session fields set.
func (c *Coordinator) RegisterWithOptions(ctx context.Context, repoPath string, pid int, opts RegisterOptions) (*RegisterResult, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("register pid %d must be positive: %w", pid, types.ErrValidation)
	}
	if !opts.ExecutionMode.IsValid() {
		return nil, fmt.Errorf("invalid execution mode %q: %w", opts.ExecutionMode, types.ErrValidation)
	}
	if opts.BudgetLimit != nil && *opts.BudgetLimit < 0 {
		return nil, fmt.Errorf("budget limit %g must not be negative: %w", *opts.BudgetLimit, types.ErrValidation)
	}
	repoPath = c.canonicalRepoPath(ctx, repoPath)

	var result RegisterResult
	var orphaned []string
	now := time.Now()
	err := c.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		result = RegisterResult{}
		orphaned = nil

		// Opportunistic sweep: reclaim crashed or abandoned sessions in
		// this repo before counting seats.
		sessions, err := tx.SessionsForRepo(ctx, repoPath)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			if !c.live.EligibleForSweep(s.PID, s.LastHeartbeat, now) {
				continue
			}
			if err := c.sweepSessionTx(ctx, tx, s, now, true); err != nil {
				return err
			}
			if s.WorktreeName != nil {
				orphaned = append(orphaned, *s.WorktreeName)
			}
		}

		// Re-registration by the same process is idempotent.
		existing, err := tx.GetSessionByPID(ctx, pid)
		if err != nil {
			return err
		}
		if existing != nil {
			n, err := c.countLiveTx(ctx, tx, existing.RepoPath)
			if err != nil {
				return err
			}
			result = RegisterResult{Session: existing, IsNew: false, ParallelSessions: n}
			return nil
		}

		n, err := c.countLiveTx(ctx, tx, repoPath)
		if err != nil {
			return err
		}

		session := &types.Session{
			PID:           pid,
			RepoPath:      repoPath,
			ExecutionMode: opts.ExecutionMode,
			Prompt:        opts.Prompt,
			Template:      opts.Template,
			BudgetLimit:   opts.BudgetLimit,
		}
		if n == 0 {
			session.IsMainRepo = true
			session.WorktreePath = repoPath
		} else {
			wt := c.newWorktrees(repoPath)
			name := wt.GenerateName()
			path, werr := wt.Create(ctx, name, "")
			if werr != nil {
				// Degraded mode: share the main checkout rather than
				// refuse to register.
				c.log.Warnf("worktree %s creation failed, falling back to main checkout: %v", name, werr)
				session.IsMainRepo = true
				session.WorktreePath = repoPath
				result.WorktreeErr = werr
			} else {
				session.IsMainRepo = false
				session.WorktreeName = &name
				session.WorktreePath = path
			}
		}
		if err := tx.InsertSession(ctx, session); err != nil {
			return err
		}
		result.Session = session
		result.IsNew = true
		result.ParallelSessions = n + 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.IsNew {
		logging.LogEvent(repoPath, logging.EventSessionRegister, result.Session.ID,
			fmt.Sprintf("pid=%d main=%t", pid, result.Session.IsMainRepo))
	}
	c.removeWorktreesAsync(repoPath, orphaned)
	return &result, nil
}

// Heartbeat refreshes the session keyed by pid. Returns false when no
// session is registered for the pid.
func (c *Coordinator) Heartbeat(ctx context.Context, pid int) (bool, error) {
	return c.store.UpdateHeartbeat(ctx, pid)
}

// ReleaseResult reports the outcome of one session release.
type ReleaseResult struct {
	Released        bool
	WorktreeRemoved bool
	Session         *types.Session
}

// Release unregisters the session keyed by pid: claims released,
// subscriptions retired, row deleted, all in one transaction. Worktree
// removal happens after commit and is best-effort; a removal failure is
// logged, never fatal.
func (c *Coordinator) Release(ctx context.Context, pid int) (*ReleaseResult, error) {
	var released *types.Session
	err := c.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		released = nil
		session, err := tx.GetSessionByPID(ctx, pid)
		if err != nil {
			return err
		}
		if session == nil {
			return nil
		}
		if err := c.sweepSessionTx(ctx, tx, session, time.Now(), false); err != nil {
			return err
		}
		released = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	if released == nil {
		return &ReleaseResult{}, nil
	}

	result := &ReleaseResult{Released: true, Session: released}
	if released.WorktreeName != nil && c.autoCleanup {
		wt := c.newWorktrees(released.RepoPath)
		if rerr := wt.Remove(ctx, *released.WorktreeName, false); rerr != nil {
			c.log.Warnf("failed to remove worktree %s: %v", *released.WorktreeName, rerr)
		} else {
			result.WorktreeRemoved = true
		}
	}
	logging.LogEvent(released.RepoPath, logging.EventSessionRelease, released.ID,
		fmt.Sprintf("pid=%d", pid))
	return result, nil
}

// StatusEntry is one session annotated with liveness at read time.
type StatusEntry struct {
	*types.Session
	IsAlive         bool    `json:"is_alive"`
	DurationMinutes float64 `json:"duration_minutes"`
}

// StatusResult is the session roster for a repo (or every repo).
type StatusResult struct {
	Sessions []StatusEntry `json:"sessions"`
}

// Status lists sessions with liveness annotations. An empty repoPath
// widens to every repo the store knows about.
func (c *Coordinator) Status(ctx context.Context, repoPath string) (*StatusResult, error) {
	var sessions []*types.Session
	var err error
	if repoPath == "" {
		sessions, err = c.store.AllSessions(ctx)
	} else {
		sessions, err = c.store.SessionsForRepo(ctx, c.canonicalRepoPath(ctx, repoPath))
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	result := &StatusResult{Sessions: make([]StatusEntry, 0, len(sessions))}
	for _, s := range sessions {
		result.Sessions = append(result.Sessions, StatusEntry{
			Session:         s,
			IsAlive:         c.live.Alive(s.PID),
			DurationMinutes: now.Sub(s.CreatedAt).Minutes(),
		})
	}
	return result, nil
}

// CleanupResult reports one cleanup sweep.
type CleanupResult struct {
	Removed          int      `json:"removed"`
	Sessions         []string `json:"sessions,omitempty"`
	WorktreesRemoved int      `json:"worktrees_removed"`
}

// Cleanup sweeps every eligible session across all repos. Concurrent
// sweepers serialize on the advisory cleanup lock; a loser returns an
// empty result without blocking.
func (c *Coordinator) Cleanup(ctx context.Context) (*CleanupResult, error) {
	now := time.Now()
	won, err := c.store.TryAcquireCleanupLock(ctx, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return &CleanupResult{}, nil
	}

	result := &CleanupResult{}
	type orphan struct {
		repoPath string
		name     string
	}
	var orphans []orphan
	err = c.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		result.Removed = 0
		result.Sessions = nil
		orphans = nil

		sessions, err := tx.AllSessions(ctx)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			if !c.live.EligibleForSweep(s.PID, s.LastHeartbeat, now) {
				continue
			}
			if err := c.sweepSessionTx(ctx, tx, s, now, true); err != nil {
				return err
			}
			result.Removed++
			result.Sessions = append(result.Sessions, s.ID)
			if s.WorktreeName != nil {
				orphans = append(orphans, orphan{repoPath: s.RepoPath, name: *s.WorktreeName})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.autoCleanup {
		for _, o := range orphans {
			wt := c.newWorktrees(o.repoPath)
			if rerr := wt.Remove(ctx, o.name, false); rerr != nil {
				c.log.Warnf("failed to remove worktree %s: %v", o.name, rerr)
				continue
			}
			result.WorktreesRemoved++
		}
	}
	return result, nil
}

// sweepSessionTx retires a session's claims and subscriptions and deletes
// its row, all inside the caller's transaction. Stale sweeps mark the
// claims deleted_reason='stale'; an explicit release leaves them plainly
// released.
func (c *Coordinator) sweepSessionTx(ctx context.Context, tx *store.Tx, s *types.Session, now time.Time, stale bool) error {
	if stale {
		if _, err := tx.SweepClaimsForSession(ctx, s.ID, now); err != nil {
			return err
		}
	} else if _, err := tx.ReleaseAllForSession(ctx, s.ID, now); err != nil {
		return err
	}
	if _, err := tx.DeactivateSubscriptionsForSession(ctx, s.ID); err != nil {
		return err
	}
	return tx.DeleteSession(ctx, s.ID)
}

func (c *Coordinator) countLiveTx(ctx context.Context, tx *store.Tx, repoPath string) (int, error) {
	sessions, err := tx.SessionsForRepo(ctx, repoPath)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sessions {
		if c.live.Alive(s.PID) {
			n++
		}
	}
	return n, nil
}

// canonicalRepoPath resolves a path to its git toplevel, falling back to
// the input verbatim for non-repos (the store still keys on something).
func (c *Coordinator) canonicalRepoPath(ctx context.Context, repoPath string) string {
	top, err := gitx.Toplevel(ctx, repoPath)
	if err != nil {
		return repoPath
	}
	return top
}

// removeWorktreesAsync fires best-effort removals for swept sessions'
// worktrees without holding up registration.
func (c *Coordinator) removeWorktreesAsync(repoPath string, names []string) {
	if len(names) == 0 || !c.autoCleanup {
		return
	}
	wt := c.newWorktrees(repoPath)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, name := range names {
			if err := wt.Remove(ctx, name, false); err != nil {
				c.log.Warnf("failed to remove orphaned worktree %s: %v", name, err)
			}
		}
	}()
}
