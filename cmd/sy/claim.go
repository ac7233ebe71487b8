package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/switchyard/internal/claims"
	"github.com/steveyegge/switchyard/internal/rpc"
	"github.com/steveyegge/switchyard/internal/types"
	"github.com/steveyegge/switchyard/internal/ui"
)

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Manage cooperative file claims",
	Long: `Manage cooperative file claims.

Claims are advisory locks on repo-relative paths. EXCLUSIVE excludes
everything else on the file; SHARED and INTENT coexist freely. Claims
expire after their TTL (default 24h) and go stale when the holder's
heartbeat lapses.`,
}

var claimAcquireCmd = &cobra.Command{
	Use:   "acquire <file>",
	Short: "Take a claim on a file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sessionFlag, _ := cmd.Flags().GetString("session")
		sessionID, err := currentSessionID(sessionFlag)
		if err != nil {
			fail(err)
		}
		mode, err := parseClaimMode(cmd)
		if err != nil {
			fail(err)
		}
		reason, _ := cmd.Flags().GetString("reason")
		ttlHours, _ := cmd.Flags().GetFloat64("ttl")

		var claim *types.FileClaim
		if daemonClient != nil {
			claim, err = daemonClient.ClaimAcquire(rpc.ClaimAcquireArgs{
				SessionID: sessionID,
				RepoPath:  workspacePath,
				FilePath:  args[0],
				Mode:      mode,
				Reason:    reason,
				TTLHours:  ttlHours,
			})
		} else {
			claim, err = getClaims().Acquire(rootCtx, claims.AcquireRequest{
				SessionID: sessionID,
				RepoPath:  workspacePath,
				FilePath:  args[0],
				Mode:      mode,
				Reason:    reason,
				TTL:       time.Duration(ttlHours * float64(time.Hour)),
			})
		}
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(claim)
			return
		}
		fmt.Printf("%s claimed %s %s\n", ui.RenderPass(ui.IconPass), claim.FilePath, ui.RenderClaimMode(claim.ClaimMode))
		fmt.Printf("  Claim: %s\n", claim.ID)
		fmt.Printf("  Expires: %s\n", claim.ExpiresAt.Local().Format("2006-01-02 15:04"))
	},
}

var claimListCmd = &cobra.Command{
	Use:   "list",
	Short: "List claims in the repository",
	Run: func(cmd *cobra.Command, args []string) {
		includeInactive, _ := cmd.Flags().GetBool("include-inactive")
		mine, _ := cmd.Flags().GetBool("mine")
		sessionFlag, _ := cmd.Flags().GetString("session")

		var sessionID string
		if mine {
			id, err := currentSessionID(sessionFlag)
			if err != nil {
				fail(err)
			}
			sessionID = id
		}

		var list []*types.FileClaim
		var err error
		if daemonClient != nil {
			list, err = daemonClient.ClaimList(rpc.ClaimListArgs{
				RepoPath:        workspacePath,
				SessionID:       sessionID,
				IncludeInactive: includeInactive,
			})
		} else if sessionID != "" {
			list, err = getClaims().ListForSession(rootCtx, sessionID)
		} else {
			list, err = getClaims().List(rootCtx, workspacePath, includeInactive)
		}
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(list)
			return
		}
		if len(list) == 0 {
			fmt.Println("No claims")
			return
		}
		fmt.Println(ui.RenderHeader("claims"))
		for _, c := range list {
			state := ""
			if !c.IsActive {
				state = ui.RenderMuted(" (released)")
			}
			fmt.Printf("  %s  %-9s %-40s %s%s\n",
				ui.TruncateSimple(c.ID, 12),
				ui.RenderClaimMode(c.ClaimMode),
				ui.TruncateSimple(c.FilePath, 40),
				ui.RenderMuted("session "+ui.TruncateSimple(c.SessionID, 12)),
				state,
			)
		}
		fmt.Printf("\n%d claim(s)\n", len(list))
	},
}

var claimReleaseCmd = &cobra.Command{
	Use:   "release <claim-id>",
	Short: "Release a claim",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sessionFlag, _ := cmd.Flags().GetString("session")
		force, _ := cmd.Flags().GetBool("force")

		sessionID, err := currentSessionID(sessionFlag)
		if err != nil && !force {
			fail(err)
		}

		var released bool
		if daemonClient != nil {
			released, err = daemonClient.ClaimRelease(rpc.ClaimReleaseArgs{
				ClaimID:   args[0],
				SessionID: sessionID,
				Force:     force,
			})
		} else {
			released, err = getClaims().Release(rootCtx, args[0], sessionID, force)
		}
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(map[string]bool{"released": released})
			return
		}
		if released {
			fmt.Printf("%s released %s\n", ui.RenderPass(ui.IconPass), args[0])
		} else {
			fmt.Printf("%s claim %s was already inactive\n", ui.RenderMuted(ui.IconSkip), args[0])
		}
	},
}

var claimEscalateCmd = &cobra.Command{
	Use:   "escalate <claim-id>",
	Short: "Raise a claim to a stronger mode",
	Long: `Raise a claim to a stronger mode.

Escalation is strictly upward (INTENT < SHARED < EXCLUSIVE) and applies
the same compatibility check as acquire: escalating to EXCLUSIVE fails
while any other session holds the file.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sessionFlag, _ := cmd.Flags().GetString("session")
		sessionID, err := currentSessionID(sessionFlag)
		if err != nil {
			fail(err)
		}
		mode, err := parseClaimMode(cmd)
		if err != nil {
			fail(err)
		}

		var claim *types.FileClaim
		if daemonClient != nil {
			claim, err = daemonClient.ClaimEscalate(rpc.ClaimEscalateArgs{
				ClaimID:   args[0],
				SessionID: sessionID,
				Mode:      mode,
			})
		} else {
			claim, err = getClaims().Escalate(rootCtx, args[0], sessionID, mode)
		}
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(claim)
			return
		}
		from := ""
		if claim.EscalatedFrom != nil {
			from = fmt.Sprintf(" (from %s)", *claim.EscalatedFrom)
		}
		fmt.Printf("%s escalated %s to %s%s\n",
			ui.RenderPass(ui.IconPass), claim.FilePath, ui.RenderClaimMode(claim.ClaimMode), from)
	},
}

func parseClaimMode(cmd *cobra.Command) (types.ClaimMode, error) {
	raw, _ := cmd.Flags().GetString("mode")
	mode := types.ClaimMode(strings.ToUpper(strings.TrimSpace(raw)))
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid claim mode %q (INTENT, SHARED, or EXCLUSIVE): %w", raw, types.ErrValidation)
	}
	return mode, nil
}

func init() {
	claimAcquireCmd.Flags().String("mode", "SHARED", "Claim mode: INTENT, SHARED, or EXCLUSIVE")
	claimAcquireCmd.Flags().String("reason", "", "Why the file is claimed (shown to conflicting sessions)")
	claimAcquireCmd.Flags().Float64("ttl", 0, "Claim lifetime in hours (default 24)")

	claimListCmd.Flags().Bool("include-inactive", false, "Include released and expired claims")
	claimListCmd.Flags().Bool("mine", false, "Only the current session's claims")

	claimReleaseCmd.Flags().BoolP("force", "f", false, "Release regardless of owner")

	claimEscalateCmd.Flags().String("mode", "EXCLUSIVE", "Target mode: SHARED or EXCLUSIVE")

	for _, c := range []*cobra.Command{claimAcquireCmd, claimListCmd, claimReleaseCmd, claimEscalateCmd} {
		c.Flags().String("session", "", "Acting session id (default: $SWITCHYARD_SESSION_ID)")
		claimCmd.AddCommand(c)
	}
	rootCmd.AddCommand(claimCmd)
}
