package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/switchyard/internal/coordinator"
	"github.com/steveyegge/switchyard/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List sessions with liveness annotations",
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		repoPath := workspacePath
		if all {
			repoPath = ""
		}

		var res *coordinator.StatusResult
		var err error
		if daemonClient != nil {
			res, err = daemonClient.Status(repoPath)
		} else {
			res, err = getCoordinator().Status(rootCtx, repoPath)
		}
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(res)
			return
		}
		if len(res.Sessions) == 0 {
			fmt.Println("No active sessions")
			return
		}

		fmt.Println(ui.RenderHeader("sessions"))
		for _, entry := range res.Sessions {
			checkout := "main checkout"
			if entry.WorktreeName != nil {
				checkout = *entry.WorktreeName
			}
			fmt.Printf("  %s  pid %-7d %-9s %-24s %s\n",
				ui.TruncateSimple(entry.ID, 12),
				entry.PID,
				ui.RenderAlive(entry.IsAlive),
				checkout,
				ui.RenderMuted(ui.FormatDuration(entry.DurationMinutes)),
			)
		}
		fmt.Printf("\n%d session(s)\n", len(res.Sessions))
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Sweep dead and stale sessions",
	Long: `Sweep dead and stale sessions.

A session is swept when its process is gone or its heartbeat is older
than the stale threshold (default 10 minutes). Sweeping releases the
session's claims, retires its subscriptions, deletes the row, and
removes its worktree when auto-cleanup is on. Concurrent sweepers
serialize on an advisory lock; losers return empty without blocking.`,
	Run: func(cmd *cobra.Command, args []string) {
		var res *coordinator.CleanupResult
		var err error
		if daemonClient != nil {
			res, err = daemonClient.Cleanup()
		} else {
			res, err = getCoordinator().Cleanup(rootCtx)
		}
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(res)
			return
		}
		if res.Removed == 0 {
			fmt.Println("Nothing to sweep")
			return
		}
		fmt.Printf("%s swept %d session(s), removed %d worktree(s)\n",
			ui.RenderPass(ui.IconPass), res.Removed, res.WorktreesRemoved)
		for _, id := range res.Sessions {
			fmt.Printf("  %s\n", ui.RenderMuted(id))
		}
	},
}

func init() {
	statusCmd.Flags().Bool("all", false, "Include sessions from every repository")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupCmd)
}
