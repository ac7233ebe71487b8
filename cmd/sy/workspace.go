package main

import (
	"fmt"
	"os"

	"github.com/steveyegge/switchyard/internal/budget"
	"github.com/steveyegge/switchyard/internal/claims"
	"github.com/steveyegge/switchyard/internal/configfile"
	"github.com/steveyegge/switchyard/internal/conflict"
	"github.com/steveyegge/switchyard/internal/coordinator"
	"github.com/steveyegge/switchyard/internal/gitx"
	"github.com/steveyegge/switchyard/internal/types"
)

// resolveWorkspace sets workspacePath: --repo wins, otherwise the git
// toplevel of the working directory, otherwise the working directory
// itself (some commands, like budget, don't need a repo).
func resolveWorkspace() {
	if repoFlag != "" {
		workspacePath = repoFlag
		return
	}
	cwd, err := os.Getwd()
	if err != nil {
		fail(fmt.Errorf("resolve working directory: %w", err))
	}
	if top, err := gitx.Toplevel(rootCtx, cwd); err == nil {
		workspacePath = top
		return
	}
	workspacePath = cwd
}

// currentSessionID resolves the session acting in this command: the
// --session flag when present, else SWITCHYARD_SESSION_ID. Commands that
// mutate session-owned state fail cleanly without one.
func currentSessionID(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if id := os.Getenv("SWITCHYARD_SESSION_ID"); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("no session id (set SWITCHYARD_SESSION_ID or pass --session): %w", types.ErrValidation)
}

// getConfigFile opens the shared config lazily; PersistentPostRun closes it.
func getConfigFile() *configfile.File {
	if cfgFile != nil {
		return cfgFile
	}
	path, err := configfile.DefaultPath()
	if err != nil {
		fail(fmt.Errorf("resolve config path: %w", err))
	}
	f, err := configfile.Open(path, configfile.Options{Logger: log})
	if err != nil {
		fail(fmt.Errorf("open config %s: %w", path, err))
	}
	cfgFile = f
	return cfgFile
}

// getCoordinator builds the direct-mode coordinator lazily.
func getCoordinator() *coordinator.Coordinator {
	if coord != nil {
		return coord
	}
	coord = coordinator.New(st, coordinator.Options{
		Logger:               log,
		AutoCleanupWorktrees: autoCleanupEnabled(),
	})
	return coord
}

// autoCleanupEnabled reads worktree.autoCleanup from config; unset means on.
func autoCleanupEnabled() bool {
	if v, ok := getConfigFile().GetBool("worktree.autoCleanup"); ok {
		return v
	}
	return true
}

func getClaims() *claims.Manager {
	return getCoordinator().Claims()
}

// buildBudgetLimits reads period caps from the config file. Zero (or
// unset) disables enforcement for that period.
func buildBudgetLimits(cfg *configfile.File) budget.Limits {
	var limits budget.Limits
	if v, ok := cfg.GetFloat("budget.dailyLimit"); ok {
		limits.Daily = v
	}
	if v, ok := cfg.GetFloat("budget.weeklyLimit"); ok {
		limits.Weekly = v
	}
	if v, ok := cfg.GetFloat("budget.monthlyLimit"); ok {
		limits.Monthly = v
	}
	return limits
}

func getBudgets() *budget.Manager {
	return budget.NewManager(st, buildBudgetLimits(getConfigFile()))
}

// getEngine builds a conflict engine rooted at the workspace repo.
func getEngine() *conflict.Engine {
	return conflict.NewEngine(gitx.New(workspacePath), st, conflict.Options{Logger: log})
}
