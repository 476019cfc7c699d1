package cmd

import (
	"fmt"

	updates "github.com/marcus/agenthub/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agenthub version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agenthub %s\n", version)

		check, _ := cmd.Flags().GetBool("check")
		if !check {
			return
		}
		result := updates.Check(version)
		switch {
		case result.Error != nil:
			fmt.Printf("update check failed: %v\n", result.Error)
		case result.HasUpdate:
			fmt.Printf("update available: %s (%s)\n", result.LatestVersion, result.UpdateURL)
		default:
			fmt.Println("up to date")
		}
	},
}

func init() {
	versionCmd.Flags().Bool("check", false, "Check for a newer release")
	rootCmd.AddCommand(versionCmd)
}
