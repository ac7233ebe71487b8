package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/switchyard/internal/budget"
	"github.com/steveyegge/switchyard/internal/conflict"
	"github.com/steveyegge/switchyard/internal/coordinator"
	"github.com/steveyegge/switchyard/internal/lockfile"
	"github.com/steveyegge/switchyard/internal/sandbox"
	"github.com/steveyegge/switchyard/internal/types"
)

// DefaultRequestDeadline bounds one request/response round trip;
// SWITCHYARD_RPC_DEADLINE overrides it.
const DefaultRequestDeadline = 60 * time.Second

// defaultDialTimeout keeps the no-daemon probe fast; most CLI calls find
// no daemon and fall back to direct mode. SWITCHYARD_RPC_DIAL_TIMEOUT
// overrides it.
const defaultDialTimeout = 200 * time.Millisecond

// Client talks to one daemon over its socket. Safe for concurrent use;
// requests serialize on the connection.
type Client struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	deadline time.Duration
	mu       sync.Mutex
}

// Connect dials a daemon socket directly.
func Connect(socketPath string) (*Client, error) {
	conn, err := dialRPC(socketPath, dialTimeout())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	return newClient(conn), nil
}

func newClient(conn net.Conn) *Client {
	return &Client{
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, 64*1024),
		writer:   bufio.NewWriter(conn),
		deadline: requestDeadline(),
	}
}

// TryConnect probes for a daemon serving workspacePath. It returns a
// healthy client, or (nil, nil) when no daemon is up and the caller
// should work in direct mode. The probe stays fast in the common
// no-daemon case: a missing socket short-circuits before any dial.
func TryConnect(workspacePath string) (*Client, error) {
	socketPath := ShortSocketPath(workspacePath)
	syDir := filepath.Join(workspacePath, ".switchyard")

	if !endpointExists(socketPath) {
		if running, _ := lockfile.TryDaemonLock(syDir); !running {
			cleanupStaleArtifacts(syDir)
		}
		return nil, nil
	}

	conn, err := dialRPC(socketPath, dialTimeout())
	if err != nil {
		// Socket file present but nobody listening: a daemon died without
		// cleaning up. Clear the leftovers so the next probe short-circuits.
		if running, _ := lockfile.TryDaemonLock(syDir); !running {
			_ = os.Remove(socketPath)
			cleanupStaleArtifacts(syDir)
		}
		return nil, nil
	}

	c := newClient(conn)
	if _, err := c.Ping(); err != nil {
		_ = c.Close()
		return nil, nil
	}
	return c, nil
}

// cleanupStaleArtifacts removes liveness files a dead daemon left behind.
func cleanupStaleArtifacts(syDir string) {
	_ = os.Remove(filepath.Join(syDir, lockfile.PIDFileName))
}

func dialTimeout() time.Duration {
	if v := os.Getenv("SWITCHYARD_RPC_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return defaultDialTimeout
}

func requestDeadline() time.Duration {
	if v := os.Getenv("SWITCHYARD_RPC_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return DefaultRequestDeadline
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Execute sends one request and reads its response.
func (c *Client) Execute(req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.deadline)); err != nil {
		return nil, err
	}
	if _, err := c.writer.Write(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	if err := c.writer.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// exec runs one operation, decoding Data into out unless out is nil.
// Daemon-reported failures come back as *WireError.
func (c *Client) exec(op string, args interface{}, out interface{}) error {
	req := &Request{Operation: op, RequestID: uuid.NewString()}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode args: %w", err)
		}
		req.Args = raw
	}

	resp, err := c.Execute(req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &WireError{Kind: resp.ErrorKind, Message: resp.Error}
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s result: %w", op, err)
		}
	}
	return nil
}

// Ping asks the daemon to identify itself.
func (c *Client) Ping() (*PingResult, error) {
	var out PingResult
	if err := c.exec(OpPing, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register claims a seat for args.PID in args.RepoPath.
func (c *Client) Register(args *RegisterArgs) (*RegisterResult, error) {
	var out RegisterResult
	if err := c.exec(OpRegister, args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat refreshes the session keyed by pid.
func (c *Client) Heartbeat(pid int) (bool, error) {
	var out HeartbeatResult
	if err := c.exec(OpHeartbeat, &HeartbeatArgs{PID: pid}, &out); err != nil {
		return false, err
	}
	return out.Refreshed, nil
}

// Release unregisters the session keyed by pid.
func (c *Client) Release(pid int) (*ReleaseResult, error) {
	var out ReleaseResult
	if err := c.exec(OpRelease, &ReleaseArgs{PID: pid}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status lists sessions. Empty repoPath widens to every repo.
func (c *Client) Status(repoPath string) (*coordinator.StatusResult, error) {
	var out coordinator.StatusResult
	if err := c.exec(OpStatus, &StatusArgs{RepoPath: repoPath}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cleanup sweeps dead sessions across all repos.
func (c *Client) Cleanup() (*coordinator.CleanupResult, error) {
	var out coordinator.CleanupResult
	if err := c.exec(OpCleanup, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClaimAcquire takes a file claim.
func (c *Client) ClaimAcquire(args ClaimAcquireArgs) (*types.FileClaim, error) {
	var out types.FileClaim
	if err := c.exec(OpClaimAcquire, &args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClaimList lists claims for a repo or a session.
func (c *Client) ClaimList(args ClaimListArgs) ([]*types.FileClaim, error) {
	var out []*types.FileClaim
	if err := c.exec(OpClaimList, &args, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimRelease releases one claim.
func (c *Client) ClaimRelease(args ClaimReleaseArgs) (bool, error) {
	var out ClaimReleaseResult
	if err := c.exec(OpClaimRelease, &args, &out); err != nil {
		return false, err
	}
	return out.Released, nil
}

// ClaimEscalate raises a claim to a stronger mode.
func (c *Client) ClaimEscalate(args ClaimEscalateArgs) (*types.FileClaim, error) {
	var out types.FileClaim
	if err := c.exec(OpClaimEscalate, &args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscribe registers interest in a branch merging into a target.
func (c *Client) Subscribe(args SubscribeArgs) (*types.Subscription, error) {
	var out types.Subscription
	if err := c.exec(OpSubscribe, &args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Merges lists recent merge events for a repo.
func (c *Client) Merges(repoPath string, limit int) ([]*types.MergeEvent, error) {
	var out []*types.MergeEvent
	if err := c.exec(OpMerges, &MergesArgs{RepoPath: repoPath, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConflictDetect simulates a merge and summarizes the conflicts.
func (c *Client) ConflictDetect(args ConflictDetectArgs) (*ConflictDetectResult, error) {
	var out ConflictDetectResult
	if err := c.exec(OpConflictDetect, &args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConflictSuggest detects conflicts and generates persisted suggestions.
func (c *Client) ConflictSuggest(args ConflictSuggestArgs) (*ConflictSuggestResult, error) {
	var out ConflictSuggestResult
	if err := c.exec(OpConflictSuggest, &args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConflictApply applies one persisted suggestion to the working tree.
func (c *Client) ConflictApply(args ConflictApplyArgs) (*conflict.ApplyResult, error) {
	var out conflict.ApplyResult
	if err := c.exec(OpConflictApply, &args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SandboxCreate provisions a sandbox for a session.
func (c *Client) SandboxCreate(args SandboxCreateArgs) (*SandboxSummary, error) {
	var out SandboxSummary
	if err := c.exec(OpSandboxCreate, &args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SandboxRun executes one command in a sandbox.
func (c *Client) SandboxRun(sandboxID, command string) (string, error) {
	var out SandboxRunResult
	if err := c.exec(OpSandboxRun, &SandboxRunArgs{SandboxID: sandboxID, Command: command}, &out); err != nil {
		return "", err
	}
	return out.Output, nil
}

// SandboxUpload pushes a workspace into a sandbox.
func (c *Client) SandboxUpload(args SandboxUploadArgs) (*sandbox.UploadResult, error) {
	var out sandbox.UploadResult
	if err := c.exec(OpSandboxUpload, &args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SandboxDownload pulls changed files out of a sandbox.
func (c *Client) SandboxDownload(args SandboxDownloadArgs) (*sandbox.DownloadResult, error) {
	var out sandbox.DownloadResult
	if err := c.exec(OpSandboxDownload, &args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SandboxKill terminates one sandbox.
func (c *Client) SandboxKill(sandboxID string) error {
	return c.exec(OpSandboxKill, &SandboxKillArgs{SandboxID: sandboxID}, nil)
}

// SandboxList lists tracked sandboxes.
func (c *Client) SandboxList() ([]SandboxSummary, error) {
	var out []SandboxSummary
	if err := c.exec(OpSandboxList, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BudgetStatus reports spend against limits for the current periods.
func (c *Client) BudgetStatus() ([]budget.PeriodStatus, error) {
	var out []budget.PeriodStatus
	if err := c.exec(OpBudgetStatus, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BudgetRecord records spend. Empty period records against all three
// accumulators.
func (c *Client) BudgetRecord(amount float64, period types.Period) ([]budget.Warning, error) {
	var out BudgetRecordResult
	if err := c.exec(OpBudgetRecord, &BudgetRecordArgs{Amount: amount, Period: period}, &out); err != nil {
		return nil, err
	}
	return out.Warnings, nil
}

// ConfigGet reads one dot-path from the daemon's config.
func (c *Client) ConfigGet(key string) (*ConfigGetResult, error) {
	var out ConfigGetResult
	if err := c.exec(OpConfigGet, &ConfigGetArgs{Key: key}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfigSet writes one dot-path in the daemon's config.
func (c *Client) ConfigSet(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode config value: %v: %w", err, types.ErrValidation)
	}
	return c.exec(OpConfigSet, &ConfigSetArgs{Key: key, Value: raw}, nil)
}

// Shutdown asks the daemon to exit after in-flight work drains.
func (c *Client) Shutdown() error {
	return c.exec(OpShutdown, nil, nil)
}
