package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/switchyard/internal/configfile"
	"github.com/steveyegge/switchyard/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the coordination database and default config",
	Long: `Create the coordination database and default config.

Initializes ~/.switchyard/ with the sessions database (schema applied,
migrations run) and a config.json seeded with defaults. Safe to run
repeatedly: an existing database only has pending migrations applied.

Use --db to place the database somewhere else.`,
	Run: func(cmd *cobra.Command, args []string) {
		path := dbPath
		if path == "" {
			path = store.DefaultDBPath()
		}
		s, err := store.Open(rootCtx, path)
		if err != nil {
			fail(fmt.Errorf("initialize store %s: %w", path, err))
		}
		defer func() { _ = s.Close() }()

		cfgPath, err := configfile.DefaultPath()
		if err != nil {
			fail(fmt.Errorf("resolve config path: %w", err))
		}
		cfg, err := configfile.Open(cfgPath, configfile.Options{Logger: log})
		if err != nil {
			fail(fmt.Errorf("initialize config %s: %w", cfgPath, err))
		}
		if err := cfg.SeedDefaults(); err != nil {
			fail(err)
		}
		_ = cfg.Close()

		if jsonOutput {
			outputJSON(map[string]string{
				"db_path":     s.Path(),
				"config_path": cfgPath,
			})
			return
		}
		fmt.Printf("Initialized switchyard\n")
		fmt.Printf("  Database: %s\n", s.Path())
		fmt.Printf("  Config:   %s\n", cfgPath)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
