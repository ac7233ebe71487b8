package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/switchyard/internal/types"
)

const (
	gitStatusTimeout = 30 * time.Second
	downloadTimeout  = 5 * time.Minute
)

// DownloadResult summarizes one changed-file download.
type DownloadResult struct {
	Files []string `json:"files"`
	Bytes int64    `json:"bytes"`
}

// DownloadChanges pulls the files git reports as changed in the sandbox
// worktree at remotePath back into localPath. The remote side tars just
// those files; the local extraction is a plain argv invocation, no shell.
func (c *Controller) DownloadChanges(ctx context.Context, sandboxID, remotePath, localPath string) (*DownloadResult, error) {
	sb := c.GetSandbox(sandboxID)
	if sb == nil {
		return nil, fmt.Errorf("sandbox %s: %w", sandboxID, types.ErrNotFound)
	}
	if err := ValidateRemotePath(remotePath); err != nil {
		return nil, err
	}
	st, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("local worktree %s: %w", localPath, types.ErrValidation)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("local worktree %s is not a directory: %w", localPath, types.ErrValidation)
	}

	dest, err := sb.Instance.Path(remotePath)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, gitStatusTimeout)
	out, err := sb.Instance.RunCommand(sctx, fmt.Sprintf("git -C %s status --porcelain", shellQuote(dest)))
	cancel()
	if err != nil {
		return nil, fmt.Errorf("remote status: %w", err)
	}

	files := parsePorcelainStatus(out)
	if len(files) == 0 {
		return &DownloadResult{}, nil
	}

	// Archive the changed files remotely. Paths get a ./ prefix so a name
	// starting with - cannot read as an option.
	archive := remotePath + ".changes.tgz"
	archivePath, err := sb.Instance.Path(archive)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "tar -czf %s -C %s", shellQuote(archivePath), shellQuote(dest))
	for _, f := range files {
		b.WriteByte(' ')
		b.WriteString(shellQuote("./" + f))
	}
	dctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	if _, err := sb.Instance.RunCommand(dctx, b.String()); err != nil {
		return nil, fmt.Errorf("archive changes: %w", err)
	}

	data, err := sb.Instance.ReadFile(dctx, archive)
	if err != nil {
		return nil, fmt.Errorf("download changes: %w", err)
	}
	if _, err := sb.Instance.RunCommand(dctx, "rm -f "+shellQuote(archivePath)); err != nil {
		c.log.Debugf("cleanup %s: %v", archive, err)
	}

	tmp, err := os.CreateTemp("", "switchyard-download-*.tgz")
	if err != nil {
		return nil, fmt.Errorf("create download temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write download temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close download temp file: %w", err)
	}

	cmd := exec.CommandContext(dctx, "tar", "-xzf", tmp.Name(), "-C", localPath) // #nosec G204 - fixed binary and args
	if outBytes, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("extract changes: %v: %s", err, strings.TrimSpace(string(outBytes)))
	}

	c.log.Infof("downloaded %d changed file(s) from sandbox %s to %s", len(files), sb.ID, localPath)
	return &DownloadResult{Files: files, Bytes: int64(len(data))}, nil
}

// parsePorcelainStatus extracts changed paths from git status --porcelain
// output. Rename lines keep the new name; deletions are skipped since
// there is nothing to copy.
func parsePorcelainStatus(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 || line[2] != ' ' {
			continue
		}
		x, y := line[0], line[1]
		if x == 'D' || y == 'D' {
			continue
		}
		p := line[3:]
		if i := strings.Index(p, " -> "); i >= 0 {
			p = p[i+4:]
		}
		p = unquotePorcelain(p)
		if p != "" {
			files = append(files, p)
		}
	}
	return files
}

// unquotePorcelain undoes git's C-style quoting of paths with special
// characters. Unparseable quoting falls back to the raw text.
func unquotePorcelain(p string) string {
	if len(p) >= 2 && strings.HasPrefix(p, `"`) && strings.HasSuffix(p, `"`) {
		if u, err := strconv.Unquote(p); err == nil {
			return u
		}
	}
	return p
}
