// Package mergewatch is the polling daemon that notices when watched
// branches land on their targets. Each tick it fetches every repo holding
// an active subscription, records fresh merges, signals subscribers, and
// precomputes conflict suggestions for the sibling sessions the merge may
// have just broken.
package mergewatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/switchyard/internal/conflict"
	"github.com/steveyegge/switchyard/internal/gitx"
	"github.com/steveyegge/switchyard/internal/hooks"
	"github.com/steveyegge/switchyard/internal/logging"
	"github.com/steveyegge/switchyard/internal/store"
	"github.com/steveyegge/switchyard/internal/types"
)

// DefaultPollInterval is how often repos are polled when settings.yaml
// does not override it.
const DefaultPollInterval = 30 * time.Second

// fetchTimeout bounds one git fetch; a hung remote must not stall the tick.
const fetchTimeout = 60 * time.Second

// maxConcurrentRepos bounds how many repos one tick polls in parallel.
const maxConcurrentRepos = 4

// Notifier delivers merge and conflict signals to subscribed sessions.
// NotifyMerge gates the notification_sent flip: only a nil return marks
// the event delivered. NotifyConflict is advisory best-effort.
type Notifier interface {
	NotifyMerge(ctx context.Context, event *types.MergeEvent, sessionIDs []string) error
	NotifyConflict(ctx context.Context, payload hooks.ConflictPayload)
}

// HookNotifier dispatches through the repo's .switchyard/hooks executables.
// A repo with no on_merge hook trivially succeeds, so notification_sent
// still flips and agents relying on events.log alone are not starved.
type HookNotifier struct{}

// NotifyMerge runs the repo's on_merge hook synchronously.
func (HookNotifier) NotifyMerge(_ context.Context, event *types.MergeEvent, sessionIDs []string) error {
	runner := hooks.NewRunnerForRepo(event.RepoPath)
	return runner.RunSync(hooks.EventMerge, hooks.MergePayload{
		RepoPath:     event.RepoPath,
		BranchName:   event.BranchName,
		TargetBranch: event.TargetBranch,
		SourceCommit: event.SourceCommit,
		TargetCommit: event.TargetCommit,
		DetectedAt:   event.DetectedAt,
		SessionIDs:   sessionIDs,
	})
}

// NotifyConflict fires the repo's on_conflict hook in the background.
func (HookNotifier) NotifyConflict(_ context.Context, payload hooks.ConflictPayload) {
	hooks.NewRunnerForRepo(payload.RepoPath).Run(hooks.EventConflict, payload)
}

// Config tunes a Detector. Zero values select defaults.
type Config struct {
	PollInterval time.Duration
	Logger       *logging.Logger
	Notifier     Notifier
}

// Detector polls repos with active subscriptions and turns observed
// merges into events, notifications, and precomputed suggestions.
type Detector struct {
	store    *store.Store
	log      *logging.Logger
	notifier Notifier
	interval time.Duration

	kick chan string // repo paths wanting an early poll

	mu       sync.Mutex
	nextPoll map[string]time.Time // per-repo backoff honoring settings.yaml
}

// NewDetector returns a detector over the store.
func NewDetector(st *store.Store, cfg Config) *Detector {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = HookNotifier{}
	}
	return &Detector{
		store:    st,
		log:      log.WithPrefix("mergewatch"),
		notifier: notifier,
		interval: interval,
		kick:     make(chan string, 16),
		nextPoll: make(map[string]time.Time),
	}
}

// Kick requests an early poll of one repo, typically from a ref watcher.
// Never blocks; a full queue collapses into the next tick anyway.
func (d *Detector) Kick(repoPath string) {
	select {
	case d.kick <- repoPath:
	default:
	}
}

// Run polls until the context is cancelled. The ticker is the correctness
// backstop; Kick only advances individual repos between ticks.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// First poll is immediate: a daemon restart must not wait a full
	// interval to notice merges that landed while it was down.
	d.PollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.PollOnce(ctx)
		case repoPath := <-d.kick:
			d.forcePoll(repoPath)
			if err := d.pollRepo(ctx, repoPath); err != nil {
				d.log.Warnf("early poll of %s: %v", repoPath, err)
			}
		}
	}
}

// PollOnce runs one detection tick across every repo with at least one
// active subscription. Repo failures are isolated: one repo's network or
// auth trouble is logged and the rest of the tick proceeds.
func (d *Detector) PollOnce(ctx context.Context) {
	repos, err := d.store.ReposWithActiveSubscriptions(ctx)
	if err != nil {
		d.log.Errorf("list repos to poll: %v", err)
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRepos)
	for _, repoPath := range repos {
		repoPath := repoPath
		if !d.due(repoPath) {
			continue
		}
		g.Go(func() error {
			if err := d.pollRepo(ctx, repoPath); err != nil {
				d.log.Warnf("poll %s: %v", repoPath, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// due checks the per-repo schedule and, when the repo is due, stamps its
// next slot from the repo's settings.
func (d *Detector) due(repoPath string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if next, ok := d.nextPoll[repoPath]; ok && now.Before(next) {
		return false
	}
	d.nextPoll[repoPath] = now.Add(LoadSettings(repoPath).PollInterval(d.interval))
	return true
}

// forcePoll clears a repo's schedule so the next pollRepo runs regardless.
func (d *Detector) forcePoll(repoPath string) {
	d.mu.Lock()
	delete(d.nextPoll, repoPath)
	d.mu.Unlock()
}

// pollRepo is one repo's detection pass: fetch, check each subscribed
// branch pair for mergedness, record and notify, then precompute conflict
// suggestions for sibling sessions.
func (d *Detector) pollRepo(ctx context.Context, repoPath string) error {
	repo := gitx.New(repoPath)

	if repo.HasRemote(ctx) {
		fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		err := repo.Fetch(fctx, "origin")
		cancel()
		if err != nil {
			// Stale local refs still answer ancestry for local merges;
			// keep going and let the next tick retry the fetch.
			d.log.Warnf("fetch %s: %v", repoPath, err)
		}
	}

	subs, err := d.store.ActiveSubscriptionsForRepo(ctx, repoPath)
	if err != nil {
		return err
	}

	settings := LoadSettings(repoPath)
	for _, pair := range branchPairs(subs) {
		if err := d.checkPair(ctx, repo, pair, settings); err != nil {
			d.log.Warnf("check %s -> %s in %s: %v", pair.branch, pair.target, repoPath, err)
		}
	}

	return d.redeliver(ctx, repoPath)
}

type branchPair struct {
	branch, target string
}

// resolveTip resolves a branch to its commit, preferring the local ref and
// falling back to the origin tracking ref when the local one is gone.
// Returns the commit SHA and the ref name that resolved.
func resolveTip(ctx context.Context, repo *gitx.Repo, branch string) (commit, ref string, err error) {
	if commit, err = repo.RevParse(ctx, branch); err == nil {
		return commit, branch, nil
	}
	remote := "origin/" + branch
	if commit, err = repo.RevParse(ctx, remote); err == nil {
		return commit, remote, nil
	}
	return "", "", fmt.Errorf("branch %s: %w", branch, types.ErrNotFound)
}

// branchPairs deduplicates subscriptions down to distinct (branch, target)
// checks, preserving first-seen order.
func branchPairs(subs []*types.Subscription) []branchPair {
	seen := make(map[branchPair]bool, len(subs))
	var out []branchPair
	for _, s := range subs {
		p := branchPair{branch: s.BranchName, target: s.TargetBranch}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// checkPair decides whether branch has landed on target and, on a fresh
// merge, records the event, retires matching subscriptions, and kicks off
// the sibling precompute.
func (d *Detector) checkPair(ctx context.Context, repo *gitx.Repo, pair branchPair, settings *Settings) error {
	sourceCommit, sourceRef, err := resolveTip(ctx, repo, pair.branch)
	if err != nil {
		// The branch ref can vanish right after a merge (deleted on the
		// remote). Without a tip there is nothing to test; polling resumes
		// if the ref reappears.
		return nil
	}
	targetCommit, targetRef, err := resolveTip(ctx, repo, pair.target)
	if err != nil {
		return fmt.Errorf("target %s: %w", pair.target, err)
	}

	merged, err := repo.IsAncestor(ctx, sourceRef, targetRef)
	if err != nil {
		return err
	}
	if !merged || sourceCommit == targetCommit {
		// A branch sitting exactly on the target tip has not "landed";
		// it simply has not diverged yet.
		return nil
	}

	now := time.Now()
	var event *types.MergeEvent
	var notified []*types.Subscription
	err = d.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		event, notified = nil, nil
		has, err := tx.HasMergeEvent(ctx, repo.Path(), pair.branch, pair.target, sourceCommit)
		if err != nil {
			return err
		}
		if !has {
			event = &types.MergeEvent{
				RepoPath:     repo.Path(),
				BranchName:   pair.branch,
				SourceCommit: sourceCommit,
				TargetBranch: pair.target,
				TargetCommit: targetCommit,
				MergedAt:     d.mergedAt(ctx, repo, targetRef, now),
			}
			if err := tx.InsertMergeEvent(ctx, event); err != nil {
				return err
			}
		}
		notified, err = tx.NotifySubscriptions(ctx, repo.Path(), pair.branch, pair.target, now)
		return err
	})
	if err != nil {
		return err
	}
	if event == nil {
		return nil
	}

	sessionIDs := make([]string, 0, len(notified))
	for _, s := range notified {
		sessionIDs = append(sessionIDs, s.SessionID)
	}
	d.log.Infof("merge detected in %s: %s -> %s (%.7s), %d subscriber(s)",
		repo.Path(), pair.branch, pair.target, sourceCommit, len(sessionIDs))
	logging.LogEvent(repo.Path(), logging.EventMergeDetected, "",
		fmt.Sprintf("%s merged into %s", pair.branch, pair.target))

	if settings.Precompute() {
		d.precomputeSiblings(ctx, repo, pair.branch, pair.target)
	}
	return nil
}

// mergedAt approximates the merge time with the target tip's committer
// time; the tip after a merge is normally the merge commit itself.
func (d *Detector) mergedAt(ctx context.Context, repo *gitx.Repo, targetRef string, fallback time.Time) time.Time {
	if t, err := repo.CommitTime(ctx, targetRef); err == nil {
		return t
	}
	return fallback
}

// redeliver retries notification for events whose enqueue failed earlier,
// flipping notification_sent only after the notifier accepts them. Fresh
// events from this tick flow through here too.
func (d *Detector) redeliver(ctx context.Context, repoPath string) error {
	events, err := d.store.UnnotifiedMergeEvents(ctx, repoPath)
	if err != nil {
		return err
	}
	for _, event := range events {
		sessionIDs := d.subscriberSessions(ctx, event)
		if err := d.notifier.NotifyMerge(ctx, event, sessionIDs); err != nil {
			d.log.Warnf("notify merge %s: %v", event.ID, err)
			continue
		}
		err := d.store.RunInTransaction(ctx, func(tx *store.Tx) error {
			return tx.MarkNotificationSent(ctx, event.ID)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// subscriberSessions recovers the sessions that were subscribed to an
// event's branch pair, for the notification payload.
func (d *Detector) subscriberSessions(ctx context.Context, event *types.MergeEvent) []string {
	subs, err := d.store.SubscriptionsForMerge(ctx, event.RepoPath, event.BranchName, event.TargetBranch)
	if err != nil {
		d.log.Warnf("load subscribers for %s: %v", event.ID, err)
		return nil
	}
	seen := make(map[string]bool, len(subs))
	var out []string
	for _, s := range subs {
		if !seen[s.SessionID] {
			seen[s.SessionID] = true
			out = append(out, s.SessionID)
		}
	}
	return out
}

// precomputeSiblings runs conflict analysis for every session in the repo
// whose branch is not the one that just merged, persisting suggestions so
// the session sees them without asking.
func (d *Detector) precomputeSiblings(ctx context.Context, repo *gitx.Repo, mergedBranch, target string) {
	sessions, err := d.store.SessionsForRepo(ctx, repo.Path())
	if err != nil {
		d.log.Warnf("list sessions for %s: %v", repo.Path(), err)
		return
	}

	engine := conflict.NewEngine(repo, d.store, conflict.Options{Logger: d.log})
	for _, session := range sessions {
		branch := d.sessionBranch(ctx, repo, session)
		if branch == "" || branch == mergedBranch || branch == target {
			continue
		}
		report, err := engine.AnalyzeAndSuggest(ctx, branch, target, session.ID)
		if err != nil {
			d.log.Warnf("precompute for session %s (%s): %v", session.ID, branch, err)
			continue
		}
		if len(report.Files) == 0 {
			continue
		}

		d.log.Infof("session %s has %d conflicted file(s) against %s", session.ID, len(report.Files), target)
		logging.LogEvent(repo.Path(), logging.EventConflictFound, session.ID,
			fmt.Sprintf("%d file(s) conflict with %s", len(report.Files), target))

		payload := hooks.ConflictPayload{
			RepoPath:      repo.Path(),
			SessionID:     session.ID,
			CurrentBranch: branch,
			TargetBranch:  target,
		}
		for _, fc := range report.Files {
			payload.Files = append(payload.Files, hooks.ConflictFileSummary{
				Path:     fc.FilePath,
				Type:     fc.Type,
				Severity: fc.Severity,
				Regions:  len(fc.Regions),
			})
		}
		d.notifier.NotifyConflict(ctx, payload)
	}
}

// sessionBranch maps a session to the branch it works on: the worktree
// name for parallel sessions, the checked-out branch for the main repo.
func (d *Detector) sessionBranch(ctx context.Context, repo *gitx.Repo, session *types.Session) string {
	if session.WorktreeName != nil {
		return *session.WorktreeName
	}
	branch, err := repo.CurrentBranch(ctx)
	if err != nil {
		return ""
	}
	return branch
}
