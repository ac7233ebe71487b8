package conflict

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/steveyegge/switchyard/internal/gitx"
	"github.com/steveyegge/switchyard/internal/logging"
	"github.com/steveyegge/switchyard/internal/store"
	"github.com/steveyegge/switchyard/internal/types"
)

// Engine analyzes merge conflicts for one repository.
type Engine struct {
	repo           *gitx.Repo
	store          *store.Store
	log            *logging.Logger
	differs        []Differ
	scorer         *Scorer
	chain          []Strategy
	maxSuggestions int
}

// Options tunes an Engine. Zero values select defaults.
type Options struct {
	Logger         *logging.Logger
	Differs        []Differ
	Scorer         *Scorer
	MaxSuggestions int

	// Chain overrides the resolution strategy chain; nil uses
	// DefaultChain.
	Chain []Strategy
}

// DefaultMaxSuggestions bounds how many candidates one conflict keeps.
const DefaultMaxSuggestions = 3

// NewEngine returns a conflict engine for the repo backed by the store.
func NewEngine(repo *gitx.Repo, st *store.Store, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	differs := opts.Differs
	if differs == nil {
		differs = []Differ{GoDiffer{}}
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = NewScorer()
	}
	maxSuggestions := opts.MaxSuggestions
	if maxSuggestions <= 0 {
		maxSuggestions = DefaultMaxSuggestions
	}
	chain := opts.Chain
	if chain == nil {
		chain = DefaultChain()
		// New strategies append; existing order stays stable.
		if assisted, err := NewAssistedMerge("", log); err == nil {
			chain = append(chain, assisted)
		} else if !errors.Is(err, ErrNoAPIKey) {
			log.Warnf("assisted strategy unavailable: %v", err)
		}
	}
	return &Engine{
		repo:           repo,
		store:          st,
		log:            log,
		differs:        differs,
		scorer:         scorer,
		chain:          chain,
		maxSuggestions: maxSuggestions,
	}
}

// ConfidenceScorer exposes the engine's scorer so apply outcomes can be
// fed back into the per-strategy success rates.
func (e *Engine) ConfidenceScorer() *Scorer {
	return e.scorer
}

// FileConflict is one conflicted file in a simulated merge.
type FileConflict struct {
	FilePath string
	Content  string // merged content, conflict markers embedded
	Regions  []Region
	Type     types.ConflictType
	Severity types.Severity

	OursContent   string
	BaseContent   string
	TheirsContent string

	ourDiff   *ASTDiff
	theirDiff *ASTDiff
}

// ConflictReport is the outcome of one merge simulation.
type ConflictReport struct {
	RepoPath      string
	CurrentBranch string
	TargetBranch  string
	MergeBase     string
	SourceCommit  string
	TargetCommit  string
	Clean         bool
	Files         []*FileConflict
	AnalyzedAt    time.Time
}

// DetectConflicts simulates merging targetBranch into currentBranch
// without touching the working tree and reports every conflicted file,
// classified. With analyzeSemantics the AST differs refine STRUCTURAL
// versus SEMANTIC grading.
func (e *Engine) DetectConflicts(ctx context.Context, currentBranch, targetBranch string, analyzeSemantics bool) (*ConflictReport, error) {
	if err := gitx.ValidateRef(currentBranch); err != nil {
		return nil, err
	}
	if err := gitx.ValidateRef(targetBranch); err != nil {
		return nil, err
	}

	base, err := e.repo.MergeBase(ctx, currentBranch, targetBranch)
	if err != nil {
		return nil, err
	}
	sourceCommit, err := e.repo.RevParse(ctx, currentBranch)
	if err != nil {
		return nil, err
	}
	targetCommit, err := e.repo.RevParse(ctx, targetBranch)
	if err != nil {
		return nil, err
	}

	report := &ConflictReport{
		RepoPath:      e.repo.Path(),
		CurrentBranch: currentBranch,
		TargetBranch:  targetBranch,
		MergeBase:     base,
		SourceCommit:  sourceCommit,
		TargetCommit:  targetCommit,
		AnalyzedAt:    time.Now(),
	}

	var files []conflictedFile
	if gitx.SupportsWriteTree(ctx) {
		files, err = e.simulateWriteTree(ctx, currentBranch, targetBranch)
	} else {
		files, err = e.simulateLegacy(ctx, base, currentBranch, targetBranch)
	}
	if err != nil {
		return nil, err
	}

	for _, f := range files {
		report.Files = append(report.Files, e.analyzeFile(ctx, f.path, f.content, base, currentBranch, targetBranch, analyzeSemantics))
	}
	report.Clean = len(report.Files) == 0
	return report, nil
}

type conflictedFile struct {
	path    string
	content string
}

// simulateWriteTree uses `merge-tree --write-tree`: the result tree holds
// merged blobs with conflict markers already embedded.
func (e *Engine) simulateWriteTree(ctx context.Context, ours, theirs string) ([]conflictedFile, error) {
	raw, conflicted, err := e.repo.MergeTree(ctx, ours, theirs)
	if err != nil {
		return nil, err
	}
	if !conflicted {
		return nil, nil
	}

	treeOID, paths := parseWriteTreeOutput(raw)
	var files []conflictedFile
	for _, path := range paths {
		content, err := e.repo.ShowFile(ctx, treeOID, path)
		if err != nil {
			// Delete/modify conflicts have no merged blob to show.
			e.log.Debugf("no merged blob for conflicted path %s: %v", path, err)
			continue
		}
		files = append(files, conflictedFile{path: path, content: content})
	}
	return files, nil
}

// writeTreeEntry matches one conflicted-file record in merge-tree -z
// output: mode, object, stage, tab, filename.
var writeTreeEntry = regexp.MustCompile(`^(\d{6}) ([0-9a-f]{40,64}) ([1-3])\t(.+)$`)

// parseWriteTreeOutput extracts the result tree OID and the distinct
// conflicted paths from NUL-delimited merge-tree output.
func parseWriteTreeOutput(raw string) (string, []string) {
	records := strings.Split(raw, "\x00")
	if len(records) == 0 {
		return "", nil
	}
	treeOID := strings.TrimSpace(records[0])

	seen := make(map[string]bool)
	var paths []string
	for _, rec := range records[1:] {
		m := writeTreeEntry.FindStringSubmatch(rec)
		if m == nil {
			continue
		}
		path := m[4]
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	return treeOID, paths
}

// simulateLegacy serves git < 2.38: find files changed on both sides
// since the merge base, then three-way merge each to see which actually
// conflict.
func (e *Engine) simulateLegacy(ctx context.Context, base, ours, theirs string) ([]conflictedFile, error) {
	oursChanged, err := e.repo.ChangedFiles(ctx, base, ours)
	if err != nil {
		return nil, err
	}
	theirsChanged, err := e.repo.ChangedFiles(ctx, base, theirs)
	if err != nil {
		return nil, err
	}

	inOurs := make(map[string]bool, len(oursChanged))
	for _, p := range oursChanged {
		inOurs[p] = true
	}

	var files []conflictedFile
	for _, path := range theirsChanged {
		if !inOurs[path] {
			continue
		}
		oursContent := e.fileAt(ctx, ours, path)
		baseContent := e.fileAt(ctx, base, path)
		theirsContent := e.fileAt(ctx, theirs, path)

		merged, conflicted, err := e.repo.MergeFile(ctx, oursContent, baseContent, theirsContent, ours, theirs)
		if err != nil {
			return nil, err
		}
		if conflicted {
			files = append(files, conflictedFile{path: path, content: merged})
		}
	}
	return files, nil
}

// fileAt reads a file at a ref; a path absent at the ref (added or
// deleted on one side) reads as empty.
func (e *Engine) fileAt(ctx context.Context, ref, path string) string {
	content, err := e.repo.ShowFile(ctx, ref, path)
	if err != nil {
		return ""
	}
	return content
}

// analyzeFile parses, classifies, and grades one conflicted file.
func (e *Engine) analyzeFile(ctx context.Context, path, content, base, ours, theirs string, analyzeSemantics bool) *FileConflict {
	fc := &FileConflict{FilePath: path, Content: content}

	regions, err := ParseMarkers(content)
	if err != nil {
		e.log.Warnf("malformed conflict markers in %s: %v", path, err)
		fc.Type = types.ConflictUnknown
		fc.Severity = types.SeverityHigh
		return fc
	}
	fc.Regions = regions
	fc.OursContent = e.fileAt(ctx, ours, path)
	fc.BaseContent = e.fileAt(ctx, base, path)
	fc.TheirsContent = e.fileAt(ctx, theirs, path)

	if analyzeSemantics {
		for _, differ := range e.differs {
			ourDiff, ok := differ.Diff(path, fc.BaseContent, fc.OursContent)
			if !ok {
				continue
			}
			theirDiff, ok := differ.Diff(path, fc.BaseContent, fc.TheirsContent)
			if !ok {
				continue
			}
			fc.ourDiff = ourDiff
			fc.theirDiff = theirDiff
			break
		}
	}

	fc.Type = classifyFile(regions, fc.ourDiff, fc.theirDiff)
	fc.Severity = severityFor(fc.Type, len(regions))
	return fc
}
