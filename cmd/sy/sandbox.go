package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/switchyard/internal/rpc"
	"github.com/steveyegge/switchyard/internal/ui"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Manage sandboxed execution environments",
	Long: `Manage sandboxed execution environments.

Sandboxes run agent commands in isolation with a 60-minute hard cap,
soft warnings at 30 and 50 minutes, and per-session budget enforcement.
Sandbox lifecycle lives in the daemon process: start one with
'sy daemon start' before using these commands.`,
}

// requireDaemon guards the sandbox group: the controller's lifecycle
// state (timers, budget marks, instances) lives in the daemon process.
func requireDaemon() *rpc.Client {
	if daemonClient == nil {
		fmt.Fprintf(os.Stderr, "Error: sandbox commands need the daemon\n")
		fmt.Fprintf(os.Stderr, "Hint: run 'sy daemon start' first\n")
		os.Exit(1)
	}
	return daemonClient
}

var sandboxCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a sandbox for a session",
	Run: func(cmd *cobra.Command, args []string) {
		client := requireDaemon()
		sessionFlag, _ := cmd.Flags().GetString("session")
		sessionID, err := currentSessionID(sessionFlag)
		if err != nil {
			fail(err)
		}
		apiKey, _ := cmd.Flags().GetString("api-key")

		sb, err := client.SandboxCreate(rpc.SandboxCreateArgs{SessionID: sessionID, APIKey: apiKey})
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(sb)
			return
		}
		fmt.Printf("%s sandbox %s for session %s\n", ui.RenderPass(ui.IconPass), sb.ID, ui.TruncateSimple(sb.SessionID, 12))
		fmt.Printf("  Hard cap: %dm", sb.TimeoutMinutes)
		if sb.BudgetLimit > 0 {
			fmt.Printf(", budget $%.2f", sb.BudgetLimit)
		}
		fmt.Println()
	},
}

var sandboxRunCmd = &cobra.Command{
	Use:   "run <sandbox-id> <command>",
	Short: "Execute a command in a sandbox",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		client := requireDaemon()
		output, err := client.SandboxRun(args[0], args[1])
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"sandbox_id": args[0], "output": output})
			return
		}
		fmt.Print(output)
	},
}

var sandboxUploadCmd = &cobra.Command{
	Use:   "upload <sandbox-id>",
	Short: "Push the workspace into a sandbox",
	Long: `Push the workspace into a sandbox.

The workspace is tarred (excluding .git, node_modules, build caches and
credential-flagged files), gzipped, split into 50 MiB parts when large,
uploaded, reassembled, extracted, and verified against the local file
count and bytes.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := requireDaemon()
		local, _ := cmd.Flags().GetString("path")
		if local == "" {
			local = workspacePath
		}
		remote, _ := cmd.Flags().GetString("remote")

		res, err := client.SandboxUpload(rpc.SandboxUploadArgs{
			SandboxID:  args[0],
			LocalPath:  local,
			RemotePath: remote,
		})
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(res)
			return
		}
		fmt.Printf("%s uploaded %d file(s), %s (%s compressed",
			ui.RenderPass(ui.IconPass), res.Files, formatBytes(res.ContentBytes), formatBytes(res.ArchiveBytes))
		if res.Parts > 1 {
			fmt.Printf(", %d parts", res.Parts)
		}
		fmt.Printf(") → %s\n", res.RemotePath)
	},
}

var sandboxDownloadCmd = &cobra.Command{
	Use:   "download <sandbox-id>",
	Short: "Pull changed files out of a sandbox",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := requireDaemon()
		remote, _ := cmd.Flags().GetString("remote")
		local, _ := cmd.Flags().GetString("path")
		if local == "" {
			local = workspacePath
		}

		res, err := client.SandboxDownload(rpc.SandboxDownloadArgs{
			SandboxID:  args[0],
			RemotePath: remote,
			LocalPath:  local,
		})
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(res)
			return
		}
		fmt.Printf("%s downloaded %d file(s), %s\n", ui.RenderPass(ui.IconPass), len(res.Files), formatBytes(res.Bytes))
		for _, f := range res.Files {
			fmt.Printf("  %s\n", ui.RenderMuted(f))
		}
	},
}

var sandboxKillCmd = &cobra.Command{
	Use:   "kill <sandbox-id>",
	Short: "Terminate a sandbox",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := requireDaemon()
		if err := client.SandboxKill(args[0]); err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"killed": args[0]})
			return
		}
		fmt.Printf("%s killed sandbox %s\n", ui.RenderPass(ui.IconPass), args[0])
	},
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked sandboxes",
	Run: func(cmd *cobra.Command, args []string) {
		client := requireDaemon()
		list, err := client.SandboxList()
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(list)
			return
		}
		if len(list) == 0 {
			fmt.Println("No sandboxes")
			return
		}
		fmt.Println(ui.RenderHeader("sandboxes"))
		for _, sb := range list {
			fmt.Printf("  %s  %-10s session %s  cap %dm\n",
				sb.ID,
				sb.Status,
				ui.TruncateSimple(sb.SessionID, 12),
				sb.TimeoutMinutes,
			)
		}
	},
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func init() {
	sandboxCreateCmd.Flags().String("session", "", "Owning session id (default: $SWITCHYARD_SESSION_ID)")
	sandboxCreateCmd.Flags().String("api-key", "", "Provider API key (default: $SWITCHYARD_SANDBOX_API_KEY)")

	sandboxUploadCmd.Flags().String("path", "", "Local workspace to upload (default: the repo)")
	sandboxUploadCmd.Flags().String("remote", "/workspace", "Destination path inside the sandbox")

	sandboxDownloadCmd.Flags().String("remote", "/workspace", "Source path inside the sandbox")
	sandboxDownloadCmd.Flags().String("path", "", "Local destination (default: the repo)")

	sandboxCmd.AddCommand(sandboxCreateCmd, sandboxRunCmd, sandboxUploadCmd,
		sandboxDownloadCmd, sandboxKillCmd, sandboxListCmd)
	rootCmd.AddCommand(sandboxCmd)
}
