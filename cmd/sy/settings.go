package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// settings layers environment configuration under the flags: SWITCHYARD_DB,
// SWITCHYARD_REPO, and SWITCHYARD_JSON fill in whatever the command line
// left unset. Priority: flags > env > defaults.
var settings = viper.New()

func initSettings() {
	settings.SetEnvPrefix("SWITCHYARD")
	settings.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	settings.AutomaticEnv()
}

// applySettingsOverrides merges env values into flags that weren't
// explicitly set on the command line.
func applySettingsOverrides(cmd *cobra.Command) {
	if !cmd.Flags().Changed("json") && settings.GetBool("json") {
		jsonOutput = true
	}
	if !cmd.Flags().Changed("db") && dbPath == "" {
		dbPath = settings.GetString("db")
	}
	if !cmd.Flags().Changed("repo") && repoFlag == "" {
		repoFlag = settings.GetString("repo")
	}
}
