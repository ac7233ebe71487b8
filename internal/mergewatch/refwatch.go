package mergewatch

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/steveyegge/switchyard/internal/gitx"
	"github.com/steveyegge/switchyard/internal/logging"
)

// refDebounce coalesces the burst of ref writes a single git operation
// produces into one kick.
const refDebounce = 500 * time.Millisecond

// RefWatcher turns filesystem activity under a repo's .git refs into early
// detector polls. Polling stays the correctness backstop: fsnotify misses
// (new subdirectories for slashed branch names, editor quirks on network
// filesystems) only delay detection to the next tick.
type RefWatcher struct {
	watcher *fsnotify.Watcher
	kick    func(repoPath string)
	log     *logging.Logger

	mu       sync.Mutex
	roots    map[string]string      // watched dir -> repo toplevel
	watched  map[string]bool        // repo toplevel -> registered
	debounce map[string]*time.Timer // repo toplevel -> pending kick
}

// NewRefWatcher returns a watcher that calls kick with a repo path when
// its refs change.
func NewRefWatcher(kick func(repoPath string), log *logging.Logger) (*RefWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}
	return &RefWatcher{
		watcher:  w,
		kick:     kick,
		log:      log.WithPrefix("refwatch"),
		roots:    make(map[string]string),
		watched:  make(map[string]bool),
		debounce: make(map[string]*time.Timer),
	}, nil
}

// Watch registers a repository. Watching the git dir itself catches
// packed-refs rewrites; refs/heads catches loose ref updates. Repeat calls
// for the same repo are no-ops.
func (w *RefWatcher) Watch(ctx context.Context, repoPath string) error {
	w.mu.Lock()
	already := w.watched[repoPath]
	w.mu.Unlock()
	if already {
		return nil
	}

	gitDir, err := gitx.New(repoPath).CommonGitDir(ctx)
	if err != nil {
		return err
	}

	dirs := []string{
		gitDir,
		filepath.Join(gitDir, "refs"),
		filepath.Join(gitDir, "refs", "heads"),
		filepath.Join(gitDir, "refs", "remotes"),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			// refs/remotes is absent until the first fetch; partial
			// coverage still beats none.
			w.log.Debugf("watch %s: %v", dir, err)
			continue
		}
		w.roots[dir] = repoPath
	}
	w.watched[repoPath] = true
	return nil
}

// Run consumes watcher events until the context is cancelled.
func (w *RefWatcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !refRelated(event.Name) {
				continue
			}
			if repoPath := w.repoFor(event.Name); repoPath != "" {
				w.kickSoon(repoPath)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warnf("watcher error: %v", err)
		}
	}
}

// refRelated filters git-dir noise down to paths that can move a branch.
func refRelated(path string) bool {
	base := filepath.Base(path)
	if base == "packed-refs" || base == "HEAD" {
		return true
	}
	sep := string(filepath.Separator)
	return strings.Contains(path, sep+"refs"+sep)
}

// repoFor maps an event path back to its registered repo by longest
// watched-root prefix.
func (w *RefWatcher) repoFor(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	dirs := make([]string, 0, len(w.roots))
	for dir := range w.roots {
		dirs = append(dirs, dir)
	}
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })

	for _, dir := range dirs {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return w.roots[dir]
		}
	}
	return ""
}

// kickSoon schedules one debounced kick per repo.
func (w *RefWatcher) kickSoon(repoPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.debounce[repoPath]; ok {
		timer.Stop()
	}
	w.debounce[repoPath] = time.AfterFunc(refDebounce, func() {
		w.kick(repoPath)
		w.mu.Lock()
		delete(w.debounce, repoPath)
		w.mu.Unlock()
	})
}
