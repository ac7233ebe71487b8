package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/steveyegge/switchyard/internal/types"
)

// Provider creates remote execution sandboxes. The controller only ever
// talks to this port; swapping the hosted service for the local fallback
// is a constructor argument.
type Provider interface {
	// Create provisions a sandbox. Implementations classify failures as
	// ErrAuth (credential rejected), ErrQuota (account limits), or
	// ErrNetwork (timeout, connectivity) so callers can react per kind.
	Create(ctx context.Context, apiKey string) (Instance, error)
}

// Instance is one live sandbox. Commands run in the sandbox's own shell,
// which is the contract hosted sandbox APIs expose; everything the
// controller sends through RunCommand is escaped first.
type Instance interface {
	ID() string
	RunCommand(ctx context.Context, command string) (string, error)
	WriteFile(ctx context.Context, remotePath string, data []byte) error
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)
	// Path translates a validated absolute sandbox path into the form
	// commands on this instance address it by. Hosted sandboxes return it
	// unchanged; the local fallback roots it under its backing directory.
	Path(remotePath string) (string, error)
	Kill(ctx context.Context) error
}

// LocalProvider backs sandboxes with a directory on this host and /bin/sh.
// It is the execution target for local mode and the test double for the
// hosted service: same contract, no network.
type LocalProvider struct {
	// Root places sandbox directories somewhere specific; empty uses the
	// system temp dir.
	Root string
}

// Create makes a fresh sandbox directory. The api key is accepted and
// ignored; local sandboxes have nothing to authenticate.
func (p *LocalProvider) Create(_ context.Context, _ string) (Instance, error) {
	root := p.Root
	if root == "" {
		root = os.TempDir()
	}
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate sandbox id: %w", err)
	}
	id := "local-" + hex.EncodeToString(buf)

	dir := filepath.Join(root, "switchyard-sandbox-"+id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	return &localInstance{id: id, dir: dir}, nil
}

type localInstance struct {
	id  string
	dir string

	mu     sync.Mutex
	killed bool
}

func (i *localInstance) ID() string { return i.id }

// RunCommand executes in the sandbox directory via the sandbox's shell.
func (i *localInstance) RunCommand(ctx context.Context, command string) (string, error) {
	if err := i.alive(); err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204 - command escaped by the controller
	cmd.Dir = i.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("sandbox command: %w", types.ErrTimeout)
		}
		return "", fmt.Errorf("sandbox command: %v (%s)", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (i *localInstance) WriteFile(_ context.Context, remotePath string, data []byte) error {
	if err := i.alive(); err != nil {
		return err
	}
	path, err := i.hostPath(remotePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (i *localInstance) ReadFile(_ context.Context, remotePath string) ([]byte, error) {
	if err := i.alive(); err != nil {
		return nil, err
	}
	path, err := i.hostPath(remotePath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path) // #nosec G304 - path validated and rooted in the sandbox dir
}

func (i *localInstance) Kill(_ context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.killed {
		return nil
	}
	i.killed = true
	return os.RemoveAll(i.dir)
}

// Path roots an absolute sandbox path under the backing directory.
func (i *localInstance) Path(remotePath string) (string, error) {
	return i.hostPath(remotePath)
}

func (i *localInstance) alive() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.killed {
		return fmt.Errorf("sandbox %s is terminated: %w", i.id, types.ErrNotFound)
	}
	return nil
}

// hostPath maps an absolute sandbox path into the backing directory.
func (i *localInstance) hostPath(remotePath string) (string, error) {
	if err := ValidateRemotePath(remotePath); err != nil {
		return "", err
	}
	return filepath.Join(i.dir, strings.TrimPrefix(remotePath, "/")), nil
}
