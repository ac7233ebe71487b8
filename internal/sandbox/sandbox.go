// Package sandbox provisions and supervises remote execution environments
// for sessions running in remote mode. The Controller owns the process-wide
// active-sandbox map; everything it does to a remote machine goes through
// the Provider port so tests and local mode can substitute a directory on
// this host.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/switchyard/internal/logging"
	"github.com/steveyegge/switchyard/internal/store"
	"github.com/steveyegge/switchyard/internal/types"
)

// Controller defaults. HourlyRate matches the hosted sandbox list price.
const (
	DefaultHardCapMinutes = 60
	DefaultHourlyRate     = 0.10
	DefaultChunkSize      = 50 * 1024 * 1024
)

// Default warning schedules: soft timeout warnings in minutes, budget
// warnings as fractions of the session limit.
var (
	DefaultSoftThresholds   = []int{30, 50}
	DefaultBudgetThresholds = []float64{0.5, 0.8}
)

// Status is the lifecycle state of a tracked sandbox.
type Status string

// Sandbox status constants
const (
	StatusInitializing Status = "INITIALIZING"
	StatusRunning      Status = "RUNNING"
)

// Config tunes the controller. Zero values take the package defaults.
type Config struct {
	HardCapMinutes   int
	SoftThresholds   []int     // minutes, ascending
	BudgetThresholds []float64 // fractions of the budget limit, ascending
	HourlyRate       float64   // estimated USD per sandbox-hour

	// DefaultBudgetLimit applies when the session carries no per-session
	// cap. 0 disables budget enforcement.
	DefaultBudgetLimit float64

	// ChunkSize is the archive size above which uploads split into parts.
	ChunkSize int64

	Logger *logging.Logger
}

func (c Config) withDefaults() Config {
	if c.HardCapMinutes == 0 {
		c.HardCapMinutes = DefaultHardCapMinutes
	}
	if c.SoftThresholds == nil {
		c.SoftThresholds = DefaultSoftThresholds
	}
	if c.BudgetThresholds == nil {
		c.BudgetThresholds = DefaultBudgetThresholds
	}
	if c.HourlyRate == 0 {
		c.HourlyRate = DefaultHourlyRate
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Logger == nil {
		c.Logger = logging.FromEnv()
	}
	return c
}

// Sandbox is one tracked instance. Warned thresholds live here so each
// soft warning fires exactly once per sandbox.
type Sandbox struct {
	ID             string
	SessionID      string
	RepoPath       string
	Instance       Instance
	CreatedAt      time.Time
	Status         Status
	TimeoutMinutes int
	BudgetLimit    float64 // 0 = enforcement disabled

	warnedMinutes map[int]bool
	warnedBudget  map[float64]bool
}

// TimeoutWarning reports a soft threshold crossing or the hard-cap kill.
type TimeoutWarning struct {
	SandboxID        string  `json:"sandbox_id"`
	SessionID        string  `json:"session_id"`
	ElapsedMinutes   int     `json:"elapsed_minutes"`
	ThresholdMinutes int     `json:"threshold_minutes"`
	Hard             bool    `json:"hard"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

// BudgetWarning reports a cost threshold crossing.
type BudgetWarning struct {
	SandboxID string  `json:"sandbox_id"`
	SessionID string  `json:"session_id"`
	Threshold float64 `json:"threshold"` // fraction of the limit
	Cost      float64 `json:"cost"`
	Limit     float64 `json:"limit"`
}

// Controller creates, tracks, and reaps sandboxes for remote sessions.
type Controller struct {
	provider Provider
	store    *store.Store
	log      *logging.Logger
	cfg      Config

	clock func() time.Time

	mu     sync.Mutex
	active map[string]*Sandbox
}

// NewController wires a controller against a provider and the store.
func NewController(provider Provider, st *store.Store, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		provider: provider,
		store:    st,
		log:      cfg.Logger.WithPrefix("sandbox"),
		cfg:      cfg,
		clock:    time.Now,
		active:   make(map[string]*Sandbox),
	}
}

// resolveAPIKey prefers the explicit argument, then the environment.
func resolveAPIKey(apiKey string) string {
	if apiKey != "" {
		return apiKey
	}
	if v := os.Getenv("SWITCHYARD_SANDBOX_API_KEY"); v != "" {
		return v
	}
	return os.Getenv("E2B_API_KEY")
}

// CreateSandbox provisions a sandbox for the session and records it on the
// session row. The credential comes from apiKey or the environment; absence
// is an auth failure before any network call. The session's own budget
// limit, when set, overrides the configured default.
func (c *Controller) CreateSandbox(ctx context.Context, sessionID, apiKey string) (*Sandbox, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}

	key := resolveAPIKey(apiKey)
	if key == "" {
		return nil, fmt.Errorf("no sandbox API key (set SWITCHYARD_SANDBOX_API_KEY): %w", types.ErrAuth)
	}

	inst, err := c.provider.Create(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}

	limit := c.cfg.DefaultBudgetLimit
	if session.BudgetLimit != nil {
		limit = *session.BudgetLimit
	}

	sb := &Sandbox{
		ID:             inst.ID(),
		SessionID:      sessionID,
		RepoPath:       session.RepoPath,
		Instance:       inst,
		CreatedAt:      c.clock(),
		Status:         StatusInitializing,
		TimeoutMinutes: c.cfg.HardCapMinutes,
		BudgetLimit:    limit,
		warnedMinutes:  make(map[int]bool),
		warnedBudget:   make(map[float64]bool),
	}

	if err := c.store.SetSessionSandbox(ctx, sessionID, sb.ID); err != nil {
		_ = inst.Kill(ctx)
		return nil, err
	}

	c.mu.Lock()
	c.active[sb.ID] = sb
	c.mu.Unlock()

	c.log.Infof("sandbox %s created for session %s (cap %dm, budget %s)",
		sb.ID, sessionID, sb.TimeoutMinutes, formatLimit(limit))
	return sb, nil
}

// GetSandbox returns the tracked sandbox, or nil once it has been killed
// or reaped.
func (c *Controller) GetSandbox(sandboxID string) *Sandbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[sandboxID]
}

// List returns tracked sandboxes, oldest first.
func (c *Controller) List() []*Sandbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Sandbox, 0, len(c.active))
	for _, sb := range c.active {
		out = append(out, sb)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Kill terminates a tracked sandbox and forgets it.
func (c *Controller) Kill(ctx context.Context, sandboxID string) error {
	c.mu.Lock()
	sb := c.active[sandboxID]
	delete(c.active, sandboxID)
	c.mu.Unlock()
	if sb == nil {
		return fmt.Errorf("sandbox %s: %w", sandboxID, types.ErrNotFound)
	}
	if err := sb.Instance.Kill(ctx); err != nil {
		return fmt.Errorf("kill sandbox %s: %w", sandboxID, err)
	}
	c.log.Infof("sandbox %s killed", sandboxID)
	return nil
}

// RunCommand sends one command to the sandbox shell. The input is treated
// as untrusted prompt text: validated, stripped, and defanged before it
// leaves this process.
func (c *Controller) RunCommand(ctx context.Context, sandboxID, command string) (string, error) {
	sb := c.GetSandbox(sandboxID)
	if sb == nil {
		return "", fmt.Errorf("sandbox %s: %w", sandboxID, types.ErrNotFound)
	}
	clean, err := SanitizePrompt(command)
	if err != nil {
		return "", err
	}
	out, err := sb.Instance.RunCommand(ctx, clean)
	if err != nil {
		return out, fmt.Errorf("run in sandbox %s: %w", sandboxID, err)
	}
	c.markRunning(sb)
	return out, nil
}

// EnforceTimeout compares elapsed wall time against the soft thresholds and
// the hard cap. Soft warnings fire once per threshold; when several are
// crossed at once the highest is reported and the rest are marked. Reaching
// the hard cap kills the sandbox and removes it from tracking.
func (c *Controller) EnforceTimeout(ctx context.Context, sandboxID string) (*TimeoutWarning, error) {
	c.mu.Lock()
	sb := c.active[sandboxID]
	if sb == nil {
		c.mu.Unlock()
		return nil, nil
	}

	elapsed := c.clock().Sub(sb.CreatedAt)
	minutes := int(elapsed.Minutes())
	cost := c.cfg.HourlyRate * elapsed.Hours()

	if minutes >= sb.TimeoutMinutes {
		c.mu.Unlock()
		reason := fmt.Sprintf("hard timeout after %dm (estimated cost $%.2f)", minutes, cost)
		c.terminate(ctx, sb, reason)
		return &TimeoutWarning{
			SandboxID:        sb.ID,
			SessionID:        sb.SessionID,
			ElapsedMinutes:   minutes,
			ThresholdMinutes: sb.TimeoutMinutes,
			Hard:             true,
			EstimatedCost:    cost,
		}, nil
	}

	crossed := -1
	for _, t := range c.cfg.SoftThresholds {
		if minutes >= t && !sb.warnedMinutes[t] {
			sb.warnedMinutes[t] = true
			if t > crossed {
				crossed = t
			}
		}
	}
	c.mu.Unlock()

	if crossed < 0 {
		return nil, nil
	}
	c.log.Warnf("sandbox %s running %d minutes (threshold %dm), estimated cost $%.4f",
		sb.ID, minutes, crossed, cost)
	return &TimeoutWarning{
		SandboxID:        sb.ID,
		SessionID:        sb.SessionID,
		ElapsedMinutes:   minutes,
		ThresholdMinutes: crossed,
		EstimatedCost:    cost,
	}, nil
}

// CheckBudgetLimit compares estimated cost against the sandbox's budget
// limit. Threshold crossings fire once each; cost at or past the limit
// kills the sandbox and returns a BudgetExceededError. A zero limit
// disables enforcement entirely.
func (c *Controller) CheckBudgetLimit(ctx context.Context, sandboxID string) (*BudgetWarning, error) {
	c.mu.Lock()
	sb := c.active[sandboxID]
	if sb == nil {
		c.mu.Unlock()
		return nil, nil
	}
	if sb.BudgetLimit <= 0 {
		c.mu.Unlock()
		return nil, nil
	}

	elapsed := c.clock().Sub(sb.CreatedAt)
	cost := c.cfg.HourlyRate * elapsed.Hours()

	if cost >= sb.BudgetLimit {
		c.mu.Unlock()
		reason := fmt.Sprintf("budget exceeded: $%.4f of $%.2f limit", cost, sb.BudgetLimit)
		c.terminate(ctx, sb, reason)
		logging.LogEvent(sb.RepoPath, logging.EventBudgetWarning, sb.SessionID, reason)
		return nil, &types.BudgetExceededError{SandboxID: sb.ID, Cost: cost, Limit: sb.BudgetLimit}
	}

	crossed := -1.0
	for _, t := range c.cfg.BudgetThresholds {
		if cost >= t*sb.BudgetLimit && !sb.warnedBudget[t] {
			sb.warnedBudget[t] = true
			if t > crossed {
				crossed = t
			}
		}
	}
	c.mu.Unlock()

	if crossed < 0 {
		return nil, nil
	}
	details := fmt.Sprintf("sandbox %s at $%.4f of $%.2f limit (%.0f%%)",
		sb.ID, cost, sb.BudgetLimit, crossed*100)
	c.log.Warnf("%s", details)
	logging.LogEvent(sb.RepoPath, logging.EventBudgetWarning, sb.SessionID, details)
	return &BudgetWarning{
		SandboxID: sb.ID,
		SessionID: sb.SessionID,
		Threshold: crossed,
		Cost:      cost,
		Limit:     sb.BudgetLimit,
	}, nil
}

// Sweep runs timeout and budget enforcement over every tracked sandbox.
// The daemon calls this on a ticker; errors are logged, never fatal.
func (c *Controller) Sweep(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if _, err := c.EnforceTimeout(ctx, id); err != nil {
			c.log.Warnf("timeout check for %s: %v", id, err)
		}
		if _, err := c.CheckBudgetLimit(ctx, id); err != nil {
			c.log.Warnf("budget check for %s: %v", id, err)
		}
	}
}

// terminate kills the instance, drops tracking, and marks the session
// failed with the reason in its output log. Used for enforcement kills;
// user-initiated Kill leaves the session row alone.
func (c *Controller) terminate(ctx context.Context, sb *Sandbox, reason string) {
	if err := sb.Instance.Kill(ctx); err != nil {
		c.log.Warnf("kill sandbox %s: %v", sb.ID, err)
	}
	c.mu.Lock()
	delete(c.active, sb.ID)
	c.mu.Unlock()
	if err := c.store.UpdateSessionStatus(ctx, sb.SessionID, types.SessionFailed, "sandbox terminated: "+reason); err != nil {
		c.log.Debugf("session %s status: %v", sb.SessionID, err)
	}
	c.log.Warnf("sandbox %s terminated: %s", sb.ID, reason)
}

func (c *Controller) markRunning(sb *Sandbox) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sb.Status == StatusInitializing {
		sb.Status = StatusRunning
	}
}

func formatLimit(limit float64) string {
	if limit <= 0 {
		return "disabled"
	}
	return fmt.Sprintf("$%.2f", limit)
}
