package cmd

import (
	"fmt"

	"github.com/marcus/agenthub/internal/config"
	"github.com/marcus/agenthub/internal/db"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the agenthub database",
	Long: `Create the agenthub database file, schema, and indexes.

Safe to run on an existing database; the schema is applied idempotently.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if v, _ := cmd.Flags().GetString("db"); v != "" {
			cfg.DBPath = v
		}

		database, err := db.Initialize(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		defer database.Close()

		fmt.Printf("Initialized agenthub database at %s\n", cfg.DBPath)
		return nil
	},
}

func init() {
	initCmd.Flags().String("db", "", "Database file path")
	rootCmd.AddCommand(initCmd)
}
