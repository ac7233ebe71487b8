package rpc

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
)

// MaxUnixSocketPath is the portable ceiling on AF_UNIX socket paths.
// sun_path is 104 bytes on macOS and 108 on Linux, minus the NUL.
const MaxUnixSocketPath = 103

// SocketFileName is the daemon socket's base name.
const SocketFileName = "sy.sock"

// ShortSocketPath returns the daemon socket path for a workspace. The
// natural home is <workspace>/.switchyard/sy.sock; workspaces deep
// enough to overflow sun_path relocate to a deterministic directory
// under the system temp dir, keyed by a hash of the workspace path so
// every process derives the same location.
func ShortSocketPath(workspacePath string) string {
	natural := filepath.Join(workspacePath, ".switchyard", SocketFileName)
	if len(natural) <= MaxUnixSocketPath {
		return natural
	}
	return filepath.Join(shortSocketDir(workspacePath), SocketFileName)
}

// NeedsShortPath reports whether the workspace's natural socket path
// exceeds MaxUnixSocketPath.
func NeedsShortPath(workspacePath string) bool {
	return len(filepath.Join(workspacePath, ".switchyard", SocketFileName)) > MaxUnixSocketPath
}

// EnsureSocketDir creates the directory that will hold the workspace's
// socket and returns the socket path.
func EnsureSocketDir(workspacePath string) (string, error) {
	socketPath := ShortSocketPath(workspacePath)
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return "", fmt.Errorf("create socket directory: %w", err)
	}
	return socketPath, nil
}

// CleanupSocketDir removes the relocated socket directory when one was
// used. Workspaces on the natural path keep their .switchyard directory.
func CleanupSocketDir(workspacePath string) error {
	if !NeedsShortPath(workspacePath) {
		return nil
	}
	return os.RemoveAll(shortSocketDir(workspacePath))
}

func shortSocketDir(workspacePath string) string {
	sum := sha256.Sum256([]byte(workspacePath))
	return filepath.Join(os.TempDir(), fmt.Sprintf("switchyard-%x", sum[:8]))
}
