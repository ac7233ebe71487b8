package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/switchyard/internal/conflict"
	"github.com/steveyegge/switchyard/internal/gitx"
	"github.com/steveyegge/switchyard/internal/rpc"
	"github.com/steveyegge/switchyard/internal/types"
	"github.com/steveyegge/switchyard/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Simulate merges, classify conflicts, and apply fixes",
	Long: `Simulate merges, classify conflicts, and apply fixes.

Detection runs git merge-tree without touching the working tree.
Conflicted files are classified (TRIVIAL, STRUCTURAL, SEMANTIC,
CONCURRENT_EDIT, UNKNOWN) and graded by severity; suggest runs the
strategy chain and persists ranked candidates; apply writes one to the
working tree behind a backup.`,
}

// resolveBranches fills the current branch from HEAD when the flag is
// empty and defaults the target to main.
func resolveBranches(cmd *cobra.Command, args []string) (current, target string) {
	current, _ = cmd.Flags().GetString("branch")
	if current == "" {
		head, err := gitx.New(workspacePath).CurrentBranch(rootCtx)
		if err != nil {
			fail(fmt.Errorf("resolve current branch: %w", err))
		}
		current = head
	}
	target = "main"
	if len(args) > 0 {
		target = args[0]
	}
	return current, target
}

var conflictsDetectCmd = &cobra.Command{
	Use:   "detect [target]",
	Short: "Simulate merging the target branch and classify conflicts",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		current, target := resolveBranches(cmd, args)
		semantic, _ := cmd.Flags().GetBool("semantic")

		var out rpc.ConflictDetectResult
		if daemonClient != nil {
			res, err := daemonClient.ConflictDetect(rpc.ConflictDetectArgs{
				RepoPath:      workspacePath,
				CurrentBranch: current,
				TargetBranch:  target,
				Semantic:      semantic,
			})
			if err != nil {
				fail(err)
			}
			out = *res
		} else {
			report, err := getEngine().DetectConflicts(rootCtx, current, target, semantic)
			if err != nil {
				fail(err)
			}
			out = summarizeForOutput(report)
		}

		if jsonOutput {
			outputJSON(out)
			if !out.Clean {
				os.Exit(3)
			}
			return
		}
		if out.Clean {
			fmt.Printf("%s %s merges cleanly into %s\n", ui.RenderPass(ui.IconPass), target, current)
			return
		}
		fmt.Printf("%s %d conflicted file(s) merging %s into %s\n",
			ui.RenderFail(ui.IconFail), len(out.Files), target, current)
		for _, f := range out.Files {
			fmt.Printf("  %-40s %-16s %-8s %d region(s)\n",
				ui.TruncateSimple(f.FilePath, 40),
				f.Type,
				ui.RenderSeverity(f.Severity),
				f.Regions,
			)
		}
		os.Exit(3)
	},
}

var conflictsSuggestCmd = &cobra.Command{
	Use:   "suggest [target]",
	Short: "Generate ranked auto-fix suggestions for conflicted files",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		current, target := resolveBranches(cmd, args)
		sessionFlag, _ := cmd.Flags().GetString("session")
		// Suggestions attribute to a session when one is present, but
		// detection is useful without.
		sessionID, _ := currentSessionID(sessionFlag)

		var out rpc.ConflictSuggestResult
		if daemonClient != nil {
			res, err := daemonClient.ConflictSuggest(rpc.ConflictSuggestArgs{
				RepoPath:      workspacePath,
				CurrentBranch: current,
				TargetBranch:  target,
				SessionID:     sessionID,
			})
			if err != nil {
				fail(err)
			}
			out = *res
		} else {
			eng := getEngine()
			report, err := eng.DetectConflicts(rootCtx, current, target, true)
			if err != nil {
				fail(err)
			}
			out.Report = summarizeForOutput(report)
			for _, fc := range report.Files {
				resolution, err := eng.RecordResolution(rootCtx, report, fc, sessionID)
				if err != nil {
					fail(err)
				}
				sugs, err := eng.GenerateSuggestions(rootCtx, report, fc, resolution)
				if err != nil {
					fail(err)
				}
				out.Suggestions = append(out.Suggestions, sugs...)
			}
		}

		if jsonOutput {
			outputJSON(out)
			return
		}
		if out.Report.Clean {
			fmt.Printf("%s %s merges cleanly into %s\n", ui.RenderPass(ui.IconPass), target, current)
			return
		}
		fmt.Printf("%d suggestion(s) for %d conflicted file(s)\n\n",
			len(out.Suggestions), len(out.Report.Files))
		for _, sug := range out.Suggestions {
			fmt.Printf("  %s  %-36s %-12s conf %s\n",
				ui.TruncateSimple(sug.ID, 12),
				ui.TruncateSimple(sug.FilePath, 36),
				sug.StrategyUsed,
				ui.RenderConfidence(sug.ConfidenceScore),
			)
			if sug.Explanation != "" {
				fmt.Printf("      %s\n", ui.RenderMuted(ui.TruncateSimple(sug.Explanation, 70)))
			}
			for _, risk := range sug.Risks {
				fmt.Printf("      %s\n", ui.RenderMuted("risk: "+ui.TruncateSimple(risk, 64)))
			}
		}
		fmt.Printf("\nApply one with: sy conflicts apply <suggestion-id>\n")
	},
}

var conflictsApplyCmd = &cobra.Command{
	Use:   "apply <suggestion-id>",
	Short: "Apply a suggestion to the working tree",
	Long: `Apply a suggestion to the working tree.

The target file is backed up first (<file>.sy-backup-<nanos>), then the
suggested content is written and verified: no leftover conflict
markers, and .go files must parse. Verification failure rolls the file
back and reports the error. --dry-run shows what would change.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		noBackup, _ := cmd.Flags().GetBool("no-backup")

		var res *conflict.ApplyResult
		var err error
		if daemonClient != nil {
			res, err = daemonClient.ConflictApply(rpc.ConflictApplyArgs{
				SuggestionID: args[0],
				DryRun:       dryRun,
				CreateBackup: !noBackup,
			})
		} else {
			sug, serr := st.GetSuggestion(rootCtx, args[0])
			if serr != nil {
				fail(serr)
			}
			if sug == nil {
				fail(fmt.Errorf("suggestion %s: %w", args[0], types.ErrNotFound))
			}
			eng := conflict.NewEngine(gitx.New(sug.RepoPath), st, conflict.Options{Logger: log})
			res, err = eng.ApplySuggestion(rootCtx, conflict.ApplyRequest{
				SuggestionID: args[0],
				DryRun:       dryRun,
				CreateBackup: !noBackup,
			})
		}
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(res)
			return
		}
		if res.DryRun {
			fmt.Printf("%s would apply to %s (+%d/-%d lines)\n",
				ui.RenderWarn("DRY RUN"), res.FilePath, res.LinesAdded, res.LinesRemoved)
			return
		}
		fmt.Printf("%s applied to %s (+%d/-%d lines)\n",
			ui.RenderPass(ui.IconPass), res.FilePath, res.LinesAdded, res.LinesRemoved)
		if res.BackupPath != "" {
			fmt.Printf("  Backup: %s\n", res.BackupPath)
			fmt.Printf("  Rollback: %s\n", ui.RenderMuted(res.RollbackCommand))
		}
	},
}

// summarizeForOutput mirrors the daemon's wire summary so both modes
// emit identical JSON.
func summarizeForOutput(report *conflict.ConflictReport) rpc.ConflictDetectResult {
	out := rpc.ConflictDetectResult{
		RepoPath:      report.RepoPath,
		CurrentBranch: report.CurrentBranch,
		TargetBranch:  report.TargetBranch,
		MergeBase:     report.MergeBase,
		Clean:         report.Clean,
		AnalyzedAt:    report.AnalyzedAt,
	}
	for _, fc := range report.Files {
		out.Files = append(out.Files, rpc.ConflictFileSummary{
			FilePath: fc.FilePath,
			Type:     fc.Type,
			Severity: fc.Severity,
			Regions:  len(fc.Regions),
		})
	}
	return out
}

func init() {
	conflictsDetectCmd.Flags().String("branch", "", "Source branch (default: HEAD)")
	conflictsDetectCmd.Flags().Bool("semantic", false, "Refine classification with AST analysis")

	conflictsSuggestCmd.Flags().String("branch", "", "Source branch (default: HEAD)")
	conflictsSuggestCmd.Flags().String("session", "", "Attributing session id (default: $SWITCHYARD_SESSION_ID)")

	conflictsApplyCmd.Flags().Bool("dry-run", false, "Show what would change without writing")
	conflictsApplyCmd.Flags().Bool("no-backup", false, "Skip the backup file")

	conflictsCmd.AddCommand(conflictsDetectCmd, conflictsSuggestCmd, conflictsApplyCmd)
	rootCmd.AddCommand(conflictsCmd)
}
