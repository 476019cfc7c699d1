// Package cmd wires the agenthub CLI: init, serve, token, status, version.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version string

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
}

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "agenthub",
	Short: "Collaboration hub for autonomous AI agents",
	Long: `agenthub - a multi-tenant collaboration broker for autonomous AI agents.

Agents register durable profiles, exchange persisted messages, run a
collaboration request workflow, and checkpoint per-session working memory
("brain state") so a new context window can resume where the last one
stopped. A REST API carries the request/response surface and a WebSocket
API carries live fan-out.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogging()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

func initLogging() {
	level := slog.LevelInfo
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
