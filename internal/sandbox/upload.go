package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/switchyard/internal/types"
)

// Per-call deadlines for the upload pipeline. Chunked transfers get a
// deadline per part; single-shot transfers and remote extraction get one
// window each.
const (
	chunkUploadTimeout  = 2 * time.Minute
	singleUploadTimeout = 5 * time.Minute
	extractTimeout      = 5 * time.Minute
	verifyTimeout       = 2 * time.Minute
)

// alwaysExcluded matches secret material that never ships to a sandbox,
// whatever the workspace's ignore files say.
var alwaysExcluded = []string{
	".env", ".env.*", "*.pem", "*.key", "*.p12", "*.pfx", "*.keystore",
	"*.jks", "credentials.json", "service-account*.json", ".aws", ".ssh",
	"id_rsa*", "id_ed25519*", "id_ecdsa*", "*.gpg", ".netrc",
}

// heavyDirs are excluded for size, not secrecy.
var heavyDirs = []string{
	".git", "node_modules", "dist", "build", "out", "coverage",
	"target", "__pycache__", ".venv", ".next", ".switchyard",
}

// UploadResult summarizes one workspace upload.
type UploadResult struct {
	RemotePath   string `json:"remote_path"`
	Files        int    `json:"files"`
	ContentBytes int64  `json:"content_bytes"`
	ArchiveBytes int64  `json:"archive_bytes"`
	Parts        int    `json:"parts"`
}

// archiveInfo describes the packed workspace: compressed size on disk plus
// the member stats verification compares against.
type archiveInfo struct {
	path         string
	size         int64
	files        int
	contentBytes int64
}

// UploadWorkspace packs localPath into a gzipped tar, ships it to the
// sandbox, extracts it at remotePath, and verifies the result. Archives
// over the chunk threshold split into zero-padded parts uploaded under a
// per-part deadline and concatenated remotely; the padding makes shell
// glob order equal numeric order.
func (c *Controller) UploadWorkspace(ctx context.Context, sandboxID, localPath, remotePath string) (*UploadResult, error) {
	sb := c.GetSandbox(sandboxID)
	if sb == nil {
		return nil, fmt.Errorf("sandbox %s: %w", sandboxID, types.ErrNotFound)
	}
	if err := ValidateRemotePath(remotePath); err != nil {
		return nil, err
	}
	st, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", localPath, types.ErrValidation)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory: %w", localPath, types.ErrValidation)
	}

	// Scan before anything leaves the host. Findings warn rather than
	// block, but they arm log redaction for the rest of the transfer.
	if _, err := c.CredentialScan(localPath); err != nil {
		c.log.Warnf("credential scan: %v", err)
	}

	arch, err := c.packWorkspace(ctx, localPath, buildExclusions(localPath))
	if err != nil {
		return nil, err
	}
	defer os.Remove(arch.path)

	staging := remotePath + ".staging.tgz"
	parts := 1
	if arch.size > c.cfg.ChunkSize {
		parts, err = c.uploadChunked(ctx, sb, arch, staging)
	} else {
		err = c.uploadSingle(ctx, sb, arch, staging)
	}
	if err != nil {
		return nil, err
	}

	if err := c.extractRemote(ctx, sb, staging, remotePath); err != nil {
		return nil, err
	}
	if err := c.verifyUpload(ctx, sb, arch, remotePath); err != nil {
		return nil, err
	}

	c.log.Infof("uploaded %s to sandbox %s:%s (%d files, %d bytes archived, %d part(s))",
		localPath, sb.ID, remotePath, arch.files, arch.size, parts)
	return &UploadResult{
		RemotePath:   remotePath,
		Files:        arch.files,
		ContentBytes: arch.contentBytes,
		ArchiveBytes: arch.size,
		Parts:        parts,
	}, nil
}

// packWorkspace writes a gzipped tar of the workspace to a temp file. tar
// does the walking with exclusions passed as separate arguments, argv only;
// compression happens in-process so the level is 6 regardless of the
// host's gzip. Member stats are collected from the stream on the way
// through.
func (c *Controller) packWorkspace(ctx context.Context, workspace string, excludes []string) (*archiveInfo, error) {
	args := make([]string, 0, len(excludes)+5)
	for _, p := range excludes {
		args = append(args, "--exclude="+p)
	}
	args = append(args, "-cf", "-", "-C", workspace, ".")

	out, err := os.CreateTemp("", "switchyard-upload-*.tgz")
	if err != nil {
		return nil, fmt.Errorf("create archive temp file: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			out.Close()
			os.Remove(out.Name())
		}
	}()

	cmd := exec.CommandContext(ctx, "tar", args...) // #nosec G204 - fixed binary, patterns are arguments not shell text
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("tar stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tar: %w", err)
	}

	gz, err := gzip.NewWriterLevel(out, 6)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}

	info := &archiveInfo{path: out.Name()}
	tee := io.TeeReader(stdout, gz)
	tr := tar.NewReader(tee)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar stream: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			info.files++
			info.contentBytes += hdr.Size
		}
	}
	// tar's trailing zero blocks arrive after the last header; they have
	// to reach the gzip writer too or the archive is truncated.
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return nil, fmt.Errorf("drain tar stream: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("tar %s: %v: %s", workspace, err, strings.TrimSpace(stderr.String()))
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}

	st, err := os.Stat(info.path)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	info.size = st.Size()
	ok = true
	return info, nil
}

func (c *Controller) uploadSingle(ctx context.Context, sb *Sandbox, arch *archiveInfo, staging string) error {
	data, err := os.ReadFile(arch.path) // #nosec G304 - temp file created above
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, singleUploadTimeout)
	defer cancel()
	if err := c.writeRemote(ctx, sb, staging, data); err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	return nil
}

func (c *Controller) uploadChunked(ctx context.Context, sb *Sandbox, arch *archiveInfo, staging string) (int, error) {
	numParts := int((arch.size + c.cfg.ChunkSize - 1) / c.cfg.ChunkSize)

	f, err := os.Open(arch.path) // #nosec G304 - temp file created above
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	buf := make([]byte, c.cfg.ChunkSize)
	for i := 0; i < numParts; i++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("read archive part %d: %w", i, err)
		}
		part := partName(staging, i, numParts)
		cctx, cancel := context.WithTimeout(ctx, chunkUploadTimeout)
		err = c.writeRemote(cctx, sb, part, buf[:n])
		cancel()
		if err != nil {
			return 0, fmt.Errorf("upload part %d of %d: %w", i+1, numParts, err)
		}
	}

	prefix, err := sb.Instance.Path(staging)
	if err != nil {
		return 0, err
	}
	concat := fmt.Sprintf("cat %s* > %s && rm -f %s*",
		shellQuote(prefix+".part"), shellQuote(prefix), shellQuote(prefix+".part"))
	cctx, cancel := context.WithTimeout(ctx, chunkUploadTimeout)
	defer cancel()
	if _, err := sb.Instance.RunCommand(cctx, concat); err != nil {
		return 0, fmt.Errorf("concatenate %d parts: %w", numParts, err)
	}
	return numParts, nil
}

// writeRemote pushes one blob with retry. Transient transport failures are
// retried until the caller's deadline runs out; validation failures stop
// immediately.
func (c *Controller) writeRemote(ctx context.Context, sb *Sandbox, remotePath string, data []byte) error {
	// BackOff implementations are stateful; always use a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // the deadline on ctx bounds the retry loop
	return backoff.Retry(func() error {
		err := sb.Instance.WriteFile(ctx, remotePath, data)
		if err == nil {
			return nil
		}
		if errors.Is(err, types.ErrValidation) || errors.Is(err, types.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

func (c *Controller) extractRemote(ctx context.Context, sb *Sandbox, staging, remotePath string) error {
	archivePath, err := sb.Instance.Path(staging)
	if err != nil {
		return err
	}
	dest, err := sb.Instance.Path(remotePath)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("mkdir -p %s && tar -xzf %s -C %s && rm -f %s",
		shellQuote(dest), shellQuote(archivePath), shellQuote(dest), shellQuote(archivePath))
	ctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()
	if _, err := sb.Instance.RunCommand(ctx, cmd); err != nil {
		return fmt.Errorf("extract workspace: %w", err)
	}
	return nil
}

// verifyUpload checks the extracted tree against the archive members:
// file count must match exactly, total bytes within 1%. The two probes
// are independent remote round-trips and run in parallel.
func (c *Controller) verifyUpload(ctx context.Context, sb *Sandbox, arch *archiveInfo, remotePath string) error {
	dest, err := sb.Instance.Path(remotePath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	var count int
	var remoteBytes int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := sb.Instance.RunCommand(gctx, fmt.Sprintf("find %s -type f | wc -l", shellQuote(dest)))
		if err != nil {
			return fmt.Errorf("verify file count: %w", err)
		}
		count, err = strconv.Atoi(strings.TrimSpace(out))
		if err != nil {
			return fmt.Errorf("verify file count: parse %q: %w", strings.TrimSpace(out), err)
		}
		return nil
	})
	g.Go(func() error {
		out, err := sb.Instance.RunCommand(gctx, fmt.Sprintf("find %s -type f -exec cat {} + | wc -c", shellQuote(dest)))
		if err != nil {
			return fmt.Errorf("verify byte count: %w", err)
		}
		remoteBytes, err = strconv.ParseInt(strings.TrimSpace(out), 10, 64)
		if err != nil {
			return fmt.Errorf("verify byte count: parse %q: %w", strings.TrimSpace(out), err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if count != arch.files {
		return fmt.Errorf("upload verification failed: remote has %d files, archive had %d", count, arch.files)
	}
	diff := remoteBytes - arch.contentBytes
	if diff < 0 {
		diff = -diff
	}
	if diff > arch.contentBytes/100 {
		return fmt.Errorf("upload verification failed: remote has %d bytes, archive had %d (over 1%% apart)",
			remoteBytes, arch.contentBytes)
	}
	return nil
}

// partName numbers chunk files with zero padding wide enough for the part
// count, so lexicographic glob order equals numeric order.
func partName(base string, idx, total int) string {
	width := len(strconv.Itoa(total))
	return fmt.Sprintf("%s.part%0*d", base, width, idx)
}

// buildExclusions merges the fixed secret patterns, the heavy directory
// list, and the workspace's .gitignore and .e2bignore entries, deduplicated
// in first-seen order.
func buildExclusions(workspace string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		p = strings.TrimSpace(p)
		p = strings.TrimSuffix(p, "/")
		p = strings.TrimPrefix(p, "/")
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, p := range alwaysExcluded {
		add(p)
	}
	for _, d := range heavyDirs {
		add(d)
	}
	for _, name := range []string{".gitignore", ".e2bignore"} {
		for _, p := range readIgnorePatterns(filepath.Join(workspace, name)) {
			add(p)
		}
	}
	return out
}

// readIgnorePatterns returns the non-blank, non-comment lines of an ignore
// file. A missing file is an empty list.
func readIgnorePatterns(path string) []string {
	data, err := os.ReadFile(path) // #nosec G304 - ignore file inside the workspace
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
