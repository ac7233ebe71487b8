package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/switchyard/internal/types"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration settings",
	Long: `Manage configuration settings.

Configuration lives in ~/.switchyard/config.json and is shared by every
workspace on the machine. Keys are dot paths.

Common keys:
  - budget.dailyLimit         dollars per day (0 = no enforcement)
  - budget.weeklyLimit        dollars per week (0 = no enforcement)
  - budget.monthlyLimit       dollars per month (0 = no enforcement)
  - budget.perSessionDefault  default per-session cap for sandboxes
  - budget.warningThresholds  warning fractions, default [0.5, 0.8]
  - budget.e2bHourlyRate      estimated sandbox cost per hour
  - worktree.autoCleanup      remove worktrees when sessions end

Values parse as JSON when they can (numbers, booleans, arrays) and fall
back to plain strings.

Examples:
  sy config set budget.monthlyLimit 500
  sy config set worktree.autoCleanup false
  sy config get budget.monthlyLimit`,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	Run: func(_ *cobra.Command, args []string) {
		key := args[0]
		value := parseConfigValue(args[1])

		if daemonClient != nil {
			if err := daemonClient.ConfigSet(key, value); err != nil {
				fail(err)
			}
		} else {
			cfg := getConfigFile()
			if err := cfg.Set(key, value); err != nil {
				fail(err)
			}
			if err := cfg.FlushSync(); err != nil {
				fail(err)
			}
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"key":   key,
				"value": value,
			})
		} else {
			fmt.Printf("Set %s = %v\n", key, value)
		}
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		key := args[0]

		var value interface{}
		var found bool
		if daemonClient != nil {
			res, err := daemonClient.ConfigGet(key)
			if err != nil {
				fail(err)
			}
			value, found = res.Value, res.Found
		} else {
			value, found = getConfigFile().Get(key)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"key":   key,
				"value": value,
				"found": found,
			})
			return
		}
		if !found {
			failf("config key %q is not set: %w", key, types.ErrNotFound)
		}
		data, err := json.Marshal(value)
		if err != nil {
			fail(err)
		}
		fmt.Println(string(data))
	},
}

// parseConfigValue keeps numbers and booleans typed so limits read back
// as float64, not strings.
func parseConfigValue(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func init() {
	configCmd.AddCommand(configSetCmd, configGetCmd)
	rootCmd.AddCommand(configCmd)
}
