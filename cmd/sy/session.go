package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/switchyard/internal/coordinator"
	"github.com/steveyegge/switchyard/internal/rpc"
	"github.com/steveyegge/switchyard/internal/types"
	"github.com/steveyegge/switchyard/internal/ui"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a session and get an isolated worktree",
	Long: `Register a session and get an isolated worktree.

The first live session in a repository takes the main checkout; each
later one gets a dedicated git worktree next to the repo. Registration
is idempotent per (repo, pid): re-registering returns the existing
session.

The pid identifies the agent process, which outlives this command, so
it defaults to the parent pid. Export the returned session id as
SWITCHYARD_SESSION_ID for claim and sandbox commands.

--mode, --prompt, --template, and --budget-limit annotate the session
for sandboxed or templated agents; plain registrations omit them.`,
	Run: func(cmd *cobra.Command, args []string) {
		pid := resolvePID(cmd)
		mode, _ := cmd.Flags().GetString("mode")
		prompt, _ := cmd.Flags().GetString("prompt")
		template, _ := cmd.Flags().GetString("template")

		var budgetLimit *float64
		if cmd.Flags().Changed("budget-limit") {
			v, _ := cmd.Flags().GetFloat64("budget-limit")
			budgetLimit = &v
		}

		var out rpc.RegisterResult
		if daemonClient != nil {
			res, err := daemonClient.Register(&rpc.RegisterArgs{
				RepoPath:      workspacePath,
				PID:           pid,
				ExecutionMode: mode,
				Prompt:        prompt,
				Template:      template,
				BudgetLimit:   budgetLimit,
			})
			if err != nil {
				fail(err)
			}
			out = *res
		} else {
			opts := coordinator.RegisterOptions{
				ExecutionMode: types.ExecutionMode(mode),
				Prompt:        prompt,
				Template:      template,
				BudgetLimit:   budgetLimit,
			}
			res, err := getCoordinator().RegisterWithOptions(rootCtx, workspacePath, pid, opts)
			if err != nil {
				fail(err)
			}
			out = rpc.RegisterResult{
				Session:          res.Session,
				IsNew:            res.IsNew,
				ParallelSessions: res.ParallelSessions,
			}
			if res.WorktreeErr != nil {
				out.WorktreeWarning = res.WorktreeErr.Error()
			}
		}

		if jsonOutput {
			outputJSON(out)
			return
		}

		s := out.Session
		verb := "Registered"
		if !out.IsNew {
			verb = "Resumed"
		}
		fmt.Printf("%s session %s (pid %d)\n", ui.RenderPass(verb), s.ID, s.PID)
		if s.InMainRepo() {
			fmt.Printf("  Checkout: %s (main)\n", s.WorktreePath)
		} else {
			fmt.Printf("  Worktree: %s\n", s.WorktreePath)
		}
		fmt.Printf("  Parallel sessions: %d\n", out.ParallelSessions)
		if out.WorktreeWarning != "" {
			fmt.Printf("  %s worktree fallback: %s\n", ui.RenderWarn(ui.IconWarn), out.WorktreeWarning)
		}
		fmt.Printf("\nexport SWITCHYARD_SESSION_ID=%s\n", s.ID)
	},
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Refresh a session's liveness timestamp",
	Run: func(cmd *cobra.Command, args []string) {
		pid := resolvePID(cmd)

		var refreshed bool
		var err error
		if daemonClient != nil {
			refreshed, err = daemonClient.Heartbeat(pid)
		} else {
			refreshed, err = getCoordinator().Heartbeat(rootCtx, pid)
		}
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(map[string]bool{"refreshed": refreshed})
			return
		}
		if refreshed {
			fmt.Printf("%s heartbeat recorded (pid %d)\n", ui.RenderPass(ui.IconPass), pid)
		} else {
			fmt.Printf("%s no session for pid %d\n", ui.RenderMuted(ui.IconSkip), pid)
		}
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release a session, its claims, and its worktree",
	Run: func(cmd *cobra.Command, args []string) {
		pid := resolvePID(cmd)

		var out rpc.ReleaseResult
		if daemonClient != nil {
			res, err := daemonClient.Release(pid)
			if err != nil {
				fail(err)
			}
			out = *res
		} else {
			res, err := getCoordinator().Release(rootCtx, pid)
			if err != nil {
				fail(err)
			}
			out = rpc.ReleaseResult{Released: res.Released, WorktreeRemoved: res.WorktreeRemoved}
			if res.Session != nil {
				out.SessionID = res.Session.ID
			}
		}

		if jsonOutput {
			outputJSON(out)
			return
		}
		if !out.Released {
			fmt.Printf("%s no session for pid %d\n", ui.RenderMuted(ui.IconSkip), pid)
			return
		}
		fmt.Printf("%s released session %s\n", ui.RenderPass(ui.IconPass), out.SessionID)
		if out.WorktreeRemoved {
			fmt.Println("  Worktree removed")
		}
	},
}

// resolvePID reads --pid, defaulting to the parent process: sy exits
// immediately, so liveness must track the invoking agent.
func resolvePID(cmd *cobra.Command) int {
	pid, _ := cmd.Flags().GetInt("pid")
	if pid == 0 {
		pid = os.Getppid()
	}
	return pid
}

func init() {
	registerCmd.Flags().String("mode", "", "Execution mode: local or remote")
	registerCmd.Flags().String("prompt", "", "Prompt the session's agent was started with")
	registerCmd.Flags().String("template", "", "Template the session was created from")
	registerCmd.Flags().Float64("budget-limit", 0, "Per-session spend limit in dollars (0 = disabled)")

	for _, c := range []*cobra.Command{registerCmd, heartbeatCmd, releaseCmd} {
		c.Flags().Int("pid", 0, "Process id the session tracks (default: parent pid)")
		rootCmd.AddCommand(c)
	}
}
