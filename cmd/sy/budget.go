package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/switchyard/internal/budget"
	"github.com/steveyegge/switchyard/internal/types"
	"github.com/steveyegge/switchyard/internal/ui"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Track spend against daily, weekly, and monthly limits",
	Long: `Track spend against daily, weekly, and monthly limits.

Limits come from config (budget.dailyLimit, budget.weeklyLimit,
budget.monthlyLimit); 0 means no enforcement for that period. Warnings
fire once per period when spend crosses 50% and 80% of a limit.`,
}

var budgetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show spend against limits for the current periods",
	Run: func(cmd *cobra.Command, args []string) {
		var statuses []budget.PeriodStatus
		var err error
		if daemonClient != nil {
			statuses, err = daemonClient.BudgetStatus()
		} else {
			statuses, err = getBudgets().Status(rootCtx, time.Now())
		}
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(statuses)
			return
		}
		fmt.Println(ui.RenderHeader("budget"))
		for _, s := range statuses {
			if s.Limit <= 0 {
				fmt.Printf("  %-8s $%8.2f spent  %s\n", s.Period, s.Spent, ui.RenderMuted("no limit"))
				continue
			}
			mark := ui.RenderPass(ui.IconPass)
			if s.Exceeded {
				mark = ui.RenderFail(ui.IconFail)
			} else if s.Spent >= 0.8*s.Limit {
				mark = ui.RenderWarn(ui.IconWarn)
			}
			fmt.Printf("  %-8s $%8.2f of $%8.2f  %s ($%.2f remaining)\n",
				s.Period, s.Spent, s.Limit, mark, s.Remaining)
		}
	},
}

var budgetRecordCmd = &cobra.Command{
	Use:   "record <amount>",
	Short: "Record spend against the current periods",
	Long: `Record spend against the current periods.

Without --period the amount accrues to all three accumulators (a dollar
spent today counts against today, this week, and this month). Negative
amounts are rejected.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		amount, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			fail(fmt.Errorf("invalid amount %q: %w", args[0], types.ErrValidation))
		}
		periodFlag, _ := cmd.Flags().GetString("period")
		period := types.Period(periodFlag)
		if periodFlag != "" && !period.IsValid() {
			fail(fmt.Errorf("invalid period %q (daily, weekly, or monthly): %w", periodFlag, types.ErrValidation))
		}

		var warnings []budget.Warning
		if daemonClient != nil {
			warnings, err = daemonClient.BudgetRecord(amount, period)
			if err != nil {
				fail(err)
			}
		} else {
			mgr := getBudgets()
			periods := []types.Period{types.PeriodDaily, types.PeriodWeekly, types.PeriodMonthly}
			if period != "" {
				periods = []types.Period{period}
			}
			now := time.Now()
			for _, p := range periods {
				w, rerr := mgr.RecordCost(rootCtx, amount, p, now)
				if rerr != nil {
					fail(rerr)
				}
				warnings = append(warnings, w...)
			}
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"recorded": amount,
				"warnings": warnings,
			})
			return
		}
		fmt.Printf("%s recorded $%.2f\n", ui.RenderPass(ui.IconPass), amount)
		for _, w := range warnings {
			fmt.Printf("  %s %s budget at %.0f%%: $%.2f of $%.2f\n",
				ui.RenderWarn(ui.IconWarn), w.Period, w.Threshold*100, w.Spent, w.Limit)
		}
	},
}

func init() {
	budgetRecordCmd.Flags().String("period", "", "Single period to record against (daily, weekly, monthly)")
	budgetCmd.AddCommand(budgetStatusCmd, budgetRecordCmd)
	rootCmd.AddCommand(budgetCmd)
}
