package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/switchyard/internal/configfile"
	"github.com/steveyegge/switchyard/internal/coordinator"
	"github.com/steveyegge/switchyard/internal/logging"
	"github.com/steveyegge/switchyard/internal/rpc"
	"github.com/steveyegge/switchyard/internal/store"
)

var (
	dbPath      string
	repoFlag    string
	jsonOutput  bool
	verboseFlag bool
	quietFlag   bool

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc

	// workspacePath is the canonical repo toplevel commands operate on,
	// resolved from --repo or the working directory.
	workspacePath string

	// daemonClient is non-nil when a daemon serves the workspace; commands
	// go over RPC. Otherwise st is open and commands run in direct mode.
	daemonClient *rpc.Client
	st           *store.Store

	coord   *coordinator.Coordinator
	cfgFile *configfile.File

	log = logging.Nop()
)

// noDbCommands run without a workspace, daemon probe, or store. The
// daemon group manages its own store lifecycle (the foreground child owns
// it; start/stop/status only probe).
var noDbCommands = map[string]bool{
	"version":    true,
	"init":       true,
	"help":       true,
	"completion": true,
	"daemon":     true,
}

func isNoDbCommand(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if noDbCommands[c.Name()] {
			return true
		}
	}
	return false
}

func setupSignalContext() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func applyVerbosityFlags() {
	log = logging.FromEnv()
	if verboseFlag {
		log.SetLevel(logging.LevelDebug)
	}
	if quietFlag {
		log.SetLevel(logging.LevelError)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sy",
	Short: "sy - Parallel session coordinator for coding agents",
	Long: `Coordinates parallel development sessions on one machine: per-session
git worktrees, cooperative file claims, merge detection with auto-fix
suggestions, and sandboxed execution with time and budget caps.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("sy version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// --- Phase 1: universal setup (every command) ---
		setupSignalContext()
		applyVerbosityFlags()
		applySettingsOverrides(cmd)

		// --- Phase 2: early exit for commands that manage themselves ---
		if isNoDbCommand(cmd) {
			return
		}

		// --- Phase 3: workspace resolution and daemon probe ---
		resolveWorkspace()
		client, err := rpc.TryConnect(workspacePath)
		if err != nil {
			fail(err)
		}
		if client != nil {
			daemonClient = client
			return
		}

		// --- Phase 4: direct mode ---
		openStore()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if daemonClient != nil {
			_ = daemonClient.Close()
		}
		if cfgFile != nil {
			_ = cfgFile.Close()
		}
		if st != nil {
			_ = st.Close()
		}
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func openStore() {
	path := dbPath
	if path == "" {
		path = store.DefaultDBPath()
	}
	s, err := store.Open(rootCtx, path)
	if err != nil {
		fail(fmt.Errorf("open store %s: %w", path, err))
	}
	st = s
}

func init() {
	initSettings()

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (default: ~/.switchyard/sessions.db)")
	rootCmd.PersistentFlags().StringVar(&repoFlag, "repo", "", "Repository path (default: git toplevel of the working directory)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
