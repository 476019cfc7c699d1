package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/marcus/agenthub/internal/config"
	"github.com/marcus/agenthub/internal/serve"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a broker is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if v, _ := cmd.Flags().GetString("db"); v != "" {
			cfg.DBPath = v
		}

		stateDir := filepath.Dir(cfg.DBPath)
		info, err := serve.ReadBrokerFile(stateDir)
		if err != nil {
			fmt.Println("Broker: not running")
			return nil
		}

		if serve.IsBrokerStale(info) {
			fmt.Printf("Broker: stale record (pid %d not serving)\n", info.PID)
			return nil
		}

		fmt.Printf("Broker: running (pid %d, instance %s)\n", info.PID, info.InstanceID)
		fmt.Printf("  rest api:   http://%s/api/v1\n", info.APIAddr)
		fmt.Printf("  websocket:  ws://%s/ws/v1\n", info.WSAddr)
		fmt.Printf("  started:    %s\n", info.StartedAt.Format("2006-01-02 15:04:05 MST"))
		return nil
	},
}

func init() {
	statusCmd.Flags().String("db", "", "Database file path")
	rootCmd.AddCommand(statusCmd)
}
