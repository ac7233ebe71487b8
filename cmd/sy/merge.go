package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/switchyard/internal/rpc"
	"github.com/steveyegge/switchyard/internal/store"
	"github.com/steveyegge/switchyard/internal/types"
	"github.com/steveyegge/switchyard/internal/ui"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <branch>",
	Short: "Watch for a branch merging into a target",
	Long: `Watch for a branch merging into a target.

The merge detector polls subscribed repositories and records a merge
event when the branch tip becomes an ancestor of the target (default
main). Each subscription notifies once, then retires.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sessionFlag, _ := cmd.Flags().GetString("session")
		sessionID, err := currentSessionID(sessionFlag)
		if err != nil {
			fail(err)
		}
		target, _ := cmd.Flags().GetString("target")

		var sub *types.Subscription
		if daemonClient != nil {
			sub, err = daemonClient.Subscribe(rpc.SubscribeArgs{
				SessionID:    sessionID,
				RepoPath:     workspacePath,
				BranchName:   args[0],
				TargetBranch: target,
			})
			if err != nil {
				fail(err)
			}
		} else {
			sub = &types.Subscription{
				SessionID:    sessionID,
				RepoPath:     workspacePath,
				BranchName:   args[0],
				TargetBranch: target,
			}
			err = st.RunInTransaction(rootCtx, func(tx *store.Tx) error {
				return tx.InsertSubscription(rootCtx, sub)
			})
			if err != nil {
				fail(err)
			}
		}

		if jsonOutput {
			outputJSON(sub)
			return
		}
		fmt.Printf("%s watching %s → %s\n", ui.RenderPass(ui.IconPass), sub.BranchName, sub.TargetBranch)
		fmt.Printf("  Subscription: %s\n", sub.ID)
		if daemonClient == nil {
			fmt.Println(ui.RenderMuted("  Note: no daemon running; merges are detected once one starts (sy daemon start)"))
		}
	},
}

var mergesCmd = &cobra.Command{
	Use:   "merges",
	Short: "List detected merge events for the repository",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		var events []*types.MergeEvent
		var err error
		if daemonClient != nil {
			events, err = daemonClient.Merges(workspacePath, limit)
		} else {
			events, err = st.MergeEventsForRepo(rootCtx, workspacePath, limit)
		}
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(events)
			return
		}
		if len(events) == 0 {
			fmt.Println("No merge events")
			return
		}
		fmt.Println(ui.RenderHeader("merges"))
		for _, ev := range events {
			notified := ui.RenderMuted("pending")
			if ev.NotificationSent {
				notified = ui.RenderPass("notified")
			}
			fmt.Printf("  %s  %s → %s  %s  %s\n",
				ev.DetectedAt.Local().Format("2006-01-02 15:04"),
				ev.BranchName,
				ev.TargetBranch,
				ui.TruncateSimple(ev.TargetCommit, 12),
				notified,
			)
		}
	},
}

func init() {
	subscribeCmd.Flags().String("session", "", "Acting session id (default: $SWITCHYARD_SESSION_ID)")
	subscribeCmd.Flags().String("target", "", "Target branch to watch (default: main)")
	mergesCmd.Flags().Int("limit", 20, "Maximum events to list (0 = all)")
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(mergesCmd)
}
