package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/switchyard/internal/budget"
	"github.com/steveyegge/switchyard/internal/configfile"
	"github.com/steveyegge/switchyard/internal/coordinator"
	"github.com/steveyegge/switchyard/internal/lockfile"
	"github.com/steveyegge/switchyard/internal/logging"
	"github.com/steveyegge/switchyard/internal/mergewatch"
	"github.com/steveyegge/switchyard/internal/rpc"
	"github.com/steveyegge/switchyard/internal/sandbox"
	"github.com/steveyegge/switchyard/internal/store"
	"github.com/steveyegge/switchyard/internal/telemetry"
	"github.com/steveyegge/switchyard/internal/ui"
)

// daemonForegroundEnv marks the background child spawned by daemon start.
// The child skips the already-running probe; the parent ran it before
// forking.
const daemonForegroundEnv = "SWITCHYARD_DAEMON_FOREGROUND"

// sweepInterval is how often the daemon sweeps stale claims, dead
// sessions, and over-limit sandboxes.
const sweepInterval = time.Minute

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the coordination daemon",
	Long: `Manage the per-workspace coordination daemon.

The daemon answers CLI requests over a Unix socket, polls subscribed
repos for merges, watches git refs for early detection, and sweeps
stale claims, dead sessions, and over-limit sandboxes every minute.
Commands work without it in direct mode; merge detection and sandboxes
need it running.

One daemon per workspace: a flock on .switchyard/daemon.lock keeps a
second start from racing the first.

Common operations:
  sy daemon start                Start in the background
  sy daemon start --foreground   Run in this terminal (for supervisors)
  sy daemon stop                 Ask the daemon to exit
  sy daemon status               Show whether one is running`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the coordination daemon",
	Long: `Start the coordination daemon for this workspace.

By default the daemon detaches and logs to .switchyard/daemon.log.
Starting twice is harmless: when a healthy daemon already answers the
socket, start reports it and exits zero.

Examples:
  sy daemon start
  sy daemon start --interval 10s
  sy daemon start --foreground --log /dev/stderr`,
	Run: func(cmd *cobra.Command, args []string) {
		resolveWorkspace()

		interval, _ := cmd.Flags().GetDuration("interval")
		if interval <= 0 {
			failf("interval must be positive (got %v)", interval)
		}
		logPath, _ := cmd.Flags().GetString("log")
		if logPath == "" {
			logPath = filepath.Join(workspacePath, ".switchyard", "daemon.log")
		}
		foreground, _ := cmd.Flags().GetBool("foreground")
		forked := os.Getenv(daemonForegroundEnv) == "1"

		// The already-running probe happens in the parent; the forked
		// child would only race itself.
		if !forked {
			if client, _ := rpc.TryConnect(workspacePath); client != nil {
				info, err := client.Ping()
				_ = client.Close()
				if err == nil {
					if jsonOutput {
						outputJSON(map[string]interface{}{
							"already_running": true,
							"pid":             info.PID,
							"version":         info.Version,
						})
					} else {
						fmt.Printf("Daemon already running (pid %d, version %s)\n", info.PID, info.Version)
					}
					return
				}
			}
		}

		if foreground || forked {
			if err := runDaemon(interval, logPath); err != nil {
				fail(err)
			}
			return
		}
		spawnDaemon(interval, logPath)
	},
}

// spawnDaemon re-executes this binary detached, with stdout/stderr routed
// to the log file so panics before the rotating logger opens still land
// somewhere.
func spawnDaemon(interval time.Duration, logPath string) {
	exe, err := os.Executable()
	if err != nil {
		fail(fmt.Errorf("locate executable: %w", err))
	}

	childArgs := []string{
		"daemon", "start",
		"--repo", workspacePath,
		"--interval", interval.String(),
		"--log", logPath,
	}
	if dbPath != "" {
		childArgs = append(childArgs, "--db", dbPath)
	}
	if verboseFlag {
		childArgs = append(childArgs, "--verbose")
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		fail(fmt.Errorf("create log directory: %w", err))
	}
	logF, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) // #nosec G304 - path comes from the --log flag
	if err != nil {
		fail(fmt.Errorf("open log file: %w", err))
	}

	child := exec.Command(exe, childArgs...) // #nosec G204 - re-executes this binary
	child.Env = append(os.Environ(), daemonForegroundEnv+"=1")
	child.Stdout = logF
	child.Stderr = logF
	configureDaemonProcess(child)

	if err := child.Start(); err != nil {
		_ = logF.Close()
		fail(fmt.Errorf("start daemon: %w", err))
	}
	_ = logF.Close()

	if jsonOutput {
		outputJSON(map[string]interface{}{
			"started": true,
			"pid":     child.Process.Pid,
			"log":     logPath,
		})
		return
	}
	fmt.Printf("Daemon started (pid %d)\n", child.Process.Pid)
	fmt.Printf("Logging to: %s\n", logPath)
}

// runDaemon is the daemon process: singleton lock, store, managers, RPC
// server, merge detector, ref watcher, and the sweep ticker, until a
// signal or an RPC shutdown request.
func runDaemon(interval time.Duration, logPath string) error {
	level := logging.ParseLevel(os.Getenv("SWITCHYARD_LOG"))
	if verboseFlag {
		level = logging.LevelDebug
	}
	dlog := logging.NewRotating(logPath, level)

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 64<<10)
			n := runtime.Stack(buf, false)
			dlog.Errorf("daemon panic: %v\n%s", r, buf[:n])
		}
	}()

	syDir := filepath.Join(workspacePath, ".switchyard")
	resolvedDB := dbPath
	if resolvedDB == "" {
		resolvedDB = store.DefaultDBPath()
	}

	lockF, err := lockfile.AcquireDaemonLock(syDir, lockfile.LockInfo{
		Database: resolvedDB,
		Version:  Version,
	})
	if err != nil {
		if errors.Is(err, lockfile.ErrLockBusy) {
			if info, rerr := lockfile.ReadLockInfo(syDir); rerr == nil {
				return fmt.Errorf("another daemon holds the lock (pid %d)", info.PID)
			}
			return errors.New("another daemon holds the lock")
		}
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	defer lockfile.ReleaseDaemonLock(lockF, syDir)

	if err := telemetry.Init(rootCtx, "sy-daemon", Version); err != nil {
		dlog.Warnf("telemetry init: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		telemetry.Shutdown(sctx)
		scancel()
	}()

	st, err := store.Open(rootCtx, resolvedDB)
	if err != nil {
		return fmt.Errorf("open store %s: %w", resolvedDB, err)
	}
	defer func() { _ = st.Close() }()

	cfgPath, err := configfile.DefaultPath()
	if err != nil {
		return err
	}
	cfg, err := configfile.Open(cfgPath, configfile.Options{Logger: dlog})
	if err != nil {
		return fmt.Errorf("open config %s: %w", cfgPath, err)
	}
	defer func() { _ = cfg.Close() }()

	autoCleanup := true
	if v, ok := cfg.GetBool("worktree.autoCleanup"); ok {
		autoCleanup = v
	}
	coord := coordinator.New(st, coordinator.Options{
		Logger:               dlog,
		AutoCleanupWorktrees: autoCleanup,
	})
	budgets := budget.NewManager(st, buildBudgetLimits(cfg))

	sandboxCfg := sandbox.Config{Logger: dlog}
	if v, ok := cfg.GetFloat("budget.e2bHourlyRate"); ok && v > 0 {
		sandboxCfg.HourlyRate = v
	}
	if v, ok := cfg.GetFloat("budget.perSessionDefault"); ok && v > 0 {
		sandboxCfg.DefaultBudgetLimit = v
	}
	sandboxes := sandbox.NewController(&sandbox.LocalProvider{}, st, sandboxCfg)

	detector := mergewatch.NewDetector(st, mergewatch.Config{
		PollInterval: interval,
		Logger:       dlog,
	})
	refs, err := mergewatch.NewRefWatcher(detector.Kick, dlog)
	if err != nil {
		// Polling alone still detects merges, just not as promptly.
		dlog.Warnf("ref watcher unavailable: %v", err)
		refs = nil
	}

	socketPath, err := rpc.EnsureSocketDir(workspacePath)
	if err != nil {
		return err
	}
	server := rpc.NewServer(socketPath, rpc.Deps{
		Store:     st,
		Coord:     coord,
		Sandboxes: sandboxes,
		Budgets:   budgets,
		Config:    cfg,
		Detector:  detector,
		Metrics:   telemetry.NewMetrics(),
		Logger:    dlog,
		Version:   Version,
	})
	if err := server.Start(); err != nil {
		return err
	}

	gctx, stopLoops := context.WithCancel(rootCtx)
	defer stopLoops()
	g, gctx := errgroup.WithContext(gctx)
	g.Go(func() error { return detector.Run(gctx) })
	if refs != nil {
		if werr := refs.Watch(gctx, workspacePath); werr != nil {
			dlog.Debugf("watch workspace refs: %v", werr)
		}
		watchSubscribedRepos(gctx, st, refs, dlog)
		g.Go(func() error { return refs.Run(gctx) })
	}
	g.Go(func() error {
		sweepLoop(gctx, coord, sandboxes, st, refs, dlog)
		return nil
	})

	dlog.Infof("daemon ready (pid %d, version %s, poll %v, db %s)", os.Getpid(), Version, interval, resolvedDB)

	select {
	case <-rootCtx.Done():
		dlog.Infof("signal received, shutting down")
	case <-server.ShutdownRequested():
		dlog.Infof("shutdown requested over rpc")
	}

	if err := server.Stop(); err != nil {
		dlog.Warnf("server stop: %v", err)
	}
	stopLoops()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		dlog.Warnf("background loop: %v", err)
	}
	if err := rpc.CleanupSocketDir(workspacePath); err != nil {
		dlog.Warnf("cleanup socket dir: %v", err)
	}
	dlog.Infof("daemon stopped")
	return nil
}

// sweepLoop runs the periodic maintenance pass: expired and
// heartbeat-stale claims, dead sessions (with their worktrees), sandbox
// timeout and budget enforcement, and ref watches for newly subscribed
// repos.
func sweepLoop(ctx context.Context, coord *coordinator.Coordinator, sandboxes *sandbox.Controller, st *store.Store, refs *mergewatch.RefWatcher, dlog *logging.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept, err := coord.Claims().CleanupStale(ctx, ""); err != nil {
				dlog.Warnf("claim sweep: %v", err)
			} else if swept > 0 {
				dlog.Infof("swept %d stale claim(s)", swept)
			}
			if res, err := coord.Cleanup(ctx); err != nil {
				dlog.Warnf("session sweep: %v", err)
			} else if res.Removed > 0 {
				dlog.Infof("swept %d dead session(s), %d worktree(s)", res.Removed, res.WorktreesRemoved)
			}
			sandboxes.Sweep(ctx)
			if refs != nil {
				watchSubscribedRepos(ctx, st, refs, dlog)
			}
		}
	}
}

// watchSubscribedRepos registers ref watches for every repo with an
// active subscription. Watch is idempotent, so re-running each sweep
// just picks up repos subscribed since the last pass.
func watchSubscribedRepos(ctx context.Context, st *store.Store, refs *mergewatch.RefWatcher, dlog *logging.Logger) {
	repos, err := st.ReposWithActiveSubscriptions(ctx)
	if err != nil {
		dlog.Warnf("list subscribed repos: %v", err)
		return
	}
	for _, repoPath := range repos {
		if err := refs.Watch(ctx, repoPath); err != nil {
			dlog.Debugf("watch %s: %v", repoPath, err)
		}
	}
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the coordination daemon",
	Run: func(cmd *cobra.Command, args []string) {
		resolveWorkspace()
		syDir := filepath.Join(workspacePath, ".switchyard")

		client, _ := rpc.TryConnect(workspacePath)
		if client == nil {
			if running, pid := lockfile.TryDaemonLock(syDir); running {
				failf("daemon (pid %d) holds the lock but does not answer its socket; stop it with kill %d", pid, pid)
			}
			if jsonOutput {
				outputJSON(map[string]interface{}{"stopped": false, "running": false})
			} else {
				fmt.Println("No daemon is running for this workspace")
			}
			return
		}

		info, _ := client.Ping()
		err := client.Shutdown()
		_ = client.Close()
		if err != nil {
			fail(fmt.Errorf("request shutdown: %w", err))
		}

		// The daemon drains in-flight work before releasing its lock; wait
		// for that rather than declaring victory on the request alone.
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxInterval = 500 * time.Millisecond
		bo.MaxElapsedTime = 10 * time.Second
		err = backoff.Retry(func() error {
			if running, _ := lockfile.TryDaemonLock(syDir); running {
				return errors.New("still running")
			}
			return nil
		}, backoff.WithContext(bo, rootCtx))
		if err != nil {
			failf("daemon acknowledged the shutdown but has not exited; check %s", filepath.Join(syDir, "daemon.log"))
		}

		if jsonOutput {
			out := map[string]interface{}{"stopped": true}
			if info != nil {
				out["pid"] = info.PID
			}
			outputJSON(out)
			return
		}
		if info != nil {
			fmt.Printf("Daemon stopped (pid %d)\n", info.PID)
		} else {
			fmt.Println("Daemon stopped")
		}
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Run: func(cmd *cobra.Command, args []string) {
		resolveWorkspace()
		syDir := filepath.Join(workspacePath, ".switchyard")

		client, _ := rpc.TryConnect(workspacePath)
		if client != nil {
			info, err := client.Ping()
			_ = client.Close()
			if err == nil {
				if jsonOutput {
					outputJSON(map[string]interface{}{
						"running":        true,
						"pid":            info.PID,
						"version":        info.Version,
						"db_path":        info.DBPath,
						"uptime_seconds": info.UptimeSeconds,
						"socket":         rpc.ShortSocketPath(workspacePath),
					})
					return
				}
				fmt.Println(ui.RenderHeader("daemon"))
				fmt.Printf("  %s running\n", ui.RenderPass(ui.IconPass))
				fmt.Printf("  pid      %d\n", info.PID)
				fmt.Printf("  version  %s\n", info.Version)
				fmt.Printf("  uptime   %s\n", formatUptime(info.UptimeSeconds))
				if info.DBPath != "" {
					fmt.Printf("  db       %s\n", info.DBPath)
				}
				fmt.Printf("  socket   %s\n", rpc.ShortSocketPath(workspacePath))
				return
			}
		}

		// Socket dead; the lock file tells apart "nothing running" from a
		// daemon that is alive but wedged.
		if running, pid := lockfile.TryDaemonLock(syDir); running {
			if jsonOutput {
				outputJSON(map[string]interface{}{"running": true, "pid": pid, "responsive": false})
			} else {
				fmt.Printf("%s daemon (pid %d) holds the lock but does not answer its socket\n", ui.RenderWarn(ui.IconWarn), pid)
			}
			os.Exit(1)
		}
		if jsonOutput {
			outputJSON(map[string]interface{}{"running": false})
			return
		}
		fmt.Printf("%s not running\n", ui.RenderMuted(ui.IconSkip))
		fmt.Println(ui.RenderMuted("Start one with: sy daemon start"))
	},
}

// formatUptime renders seconds-of-uptime the way humans read it.
func formatUptime(seconds float64) string {
	if seconds < 60 {
		return strconv.Itoa(int(seconds)) + "s"
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", int(seconds/60), int(seconds)%60)
	}
	if seconds < 86400 {
		return fmt.Sprintf("%dh %dm", int(seconds/3600), int(seconds/60)%60)
	}
	return fmt.Sprintf("%dd %dh", int(seconds/86400), int(seconds/3600)%24)
}

func init() {
	daemonStartCmd.Flags().Duration("interval", mergewatch.DefaultPollInterval, "Merge detection poll interval")
	daemonStartCmd.Flags().String("log", "", "Log file path (default: .switchyard/daemon.log in the workspace)")
	daemonStartCmd.Flags().Bool("foreground", false, "Run in the foreground (don't daemonize)")

	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}
