package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marcus/agenthub/internal/auth"
	"github.com/marcus/agenthub/internal/config"
	"github.com/marcus/agenthub/internal/db"
	"github.com/marcus/agenthub/internal/hub"
	"github.com/marcus/agenthub/internal/lifecycle"
	"github.com/marcus/agenthub/internal/serve"
	"github.com/marcus/agenthub/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agenthub broker",
	Long: `Start the agenthub broker: the REST API, the WebSocket streaming
surface, and the lifecycle supervisor.

Only one broker may serve a given database at a time; a second instance
refuses to start while the first answers its health check. The broker's
addresses and pid are written next to the database for discovery.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("api-addr", "", "REST listen address (host:port)")
	serveCmd.Flags().String("ws-addr", "", "WebSocket listen address (host:port)")
	serveCmd.Flags().String("db", "", "Database file path")
	serveCmd.Flags().String("secret", "", "Token signing secret (or AGENTHUB_SECRET)")
	serveCmd.Flags().String("cors", "", "Allowed CORS origin (e.g. http://localhost:3000)")
	serveCmd.Flags().Int("rate-cap", 0, "Requests allowed per agent per window (default 100)")
	serveCmd.Flags().Duration("rate-window", 0, "Rate limit window (default 60s)")
	serveCmd.Flags().Duration("scan-tick", lifecycle.DefaultTick, "Supervisor scan interval")
	serveCmd.Flags().Duration("stale-after", lifecycle.DefaultStale, "Inactivity before a liveness challenge")
	serveCmd.Flags().Duration("challenge-wait", lifecycle.DefaultGrace, "Grace window for answering a challenge")
	serveCmd.Flags().Duration("max-sleep", lifecycle.DefaultMaxSleep, "Sleep duration before eviction")
	serveCmd.Flags().String("webhook-url", "", "Outbound webhook URL (or AGENTHUB_WEBHOOK_URL)")
	serveCmd.Flags().String("webhook-secret", "", "Webhook HMAC secret (or AGENTHUB_WEBHOOK_SECRET)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyServeFlags(cmd, cfg)

	if cfg.Secret == "" {
		return fmt.Errorf("a signing secret is required (--secret or AGENTHUB_SECRET)")
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	// Limit connections for long-running broker process
	database.SetMaxOpenConns(1)

	registry := hub.NewRegistry()
	verifier := auth.NewVerifier(database, cfg.Secret)

	var webhookURL, webhookSecret string
	if cfg.Webhook != nil {
		webhookURL, webhookSecret = cfg.Webhook.URL, cfg.Webhook.Secret
	}
	if v, _ := cmd.Flags().GetString("webhook-url"); v != "" {
		webhookURL = v
	}
	if v, _ := cmd.Flags().GetString("webhook-secret"); v != "" {
		webhookSecret = v
	}
	hooks := webhook.NewDispatcher(webhookURL, webhookSecret)

	srv := serve.NewServer(database, registry, verifier, hooks, cfg)

	// Register as the broker for this database; refuse to double-serve.
	stateDir := filepath.Dir(cfg.DBPath)
	instanceID, err := serve.GenerateInstanceID()
	if err != nil {
		return err
	}
	info := &serve.BrokerInfo{
		APIAddr:    cfg.APIAddr,
		WSAddr:     cfg.WSAddr,
		PID:        os.Getpid(),
		StartedAt:  time.Now(),
		InstanceID: instanceID,
	}
	if err := serve.WriteBrokerFile(stateDir, info); err != nil {
		return err
	}
	defer serve.DeleteBrokerFile(stateDir)

	supervisor := lifecycle.New(database, registry, lifecycle.Config{
		Tick:     flagDuration(cmd, "scan-tick"),
		Stale:    flagDuration(cmd, "stale-after"),
		Grace:    flagDuration(cmd, "challenge-wait"),
		MaxSleep: flagDuration(cmd, "max-sleep"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	supervisor.Start(ctx)

	fmt.Fprintf(os.Stderr, "agenthub broker starting\n")
	fmt.Fprintf(os.Stderr, "  rest api:   http://%s/api/v1\n", cfg.APIAddr)
	fmt.Fprintf(os.Stderr, "  websocket:  ws://%s/ws/v1\n", cfg.WSAddr)
	fmt.Fprintf(os.Stderr, "  database:   %s\n", cfg.DBPath)
	fmt.Fprintf(os.Stderr, "  instance:   %s\n", instanceID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServeAPI(gctx) })
	g.Go(func() error { return srv.ListenAndServeWS(gctx) })

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() { serveErr <- g.Wait() }()

	var exitErr error
	drained := false
	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-serveErr:
		drained = true
		if err != nil {
			exitErr = fmt.Errorf("server error: %w", err)
		}
	}

	// Shutdown order: stop the supervisor so no transition races the drain,
	// tell every stream, close the listeners, flush the webhook queue.
	supervisor.Stop()
	registry.Shutdown(hub.NewFrame(hub.FrameShuttingDown, map[string]string{
		"message": "broker shutting down",
	}))
	cancel()
	if !drained {
		if err := <-serveErr; err != nil && exitErr == nil {
			exitErr = fmt.Errorf("server error: %w", err)
		}
	}
	hooks.Close()

	fmt.Fprintf(os.Stderr, "agenthub broker stopped\n")
	return exitErr
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("api-addr"); v != "" {
		cfg.APIAddr = v
	}
	if v, _ := cmd.Flags().GetString("ws-addr"); v != "" {
		cfg.WSAddr = v
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.DBPath = v
	}
	if v, _ := cmd.Flags().GetString("secret"); v != "" {
		cfg.Secret = v
	}
	if v, _ := cmd.Flags().GetString("cors"); v != "" {
		cfg.CORSOrigin = v
	}
	if v, _ := cmd.Flags().GetInt("rate-cap"); v > 0 {
		cfg.RateCap = v
	}
	if v, _ := cmd.Flags().GetDuration("rate-window"); v > 0 {
		cfg.RateWindow = v
	}
}

func flagDuration(cmd *cobra.Command, name string) time.Duration {
	d, _ := cmd.Flags().GetDuration(name)
	return d
}
