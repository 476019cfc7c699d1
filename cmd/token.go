package cmd

import (
	"fmt"
	"time"

	"github.com/marcus/agenthub/internal/auth"
	"github.com/marcus/agenthub/internal/config"
	"github.com/marcus/agenthub/internal/models"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for an agent",
	Long: `Mint a signed bearer token for an agent.

With --agent-id 0 (the default) the token carries the auto-assign
placeholder: the broker resolves it to a durable agent row on first use,
creating one when the name is new.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if v, _ := cmd.Flags().GetString("secret"); v != "" {
			cfg.Secret = v
		}
		if cfg.Secret == "" {
			return fmt.Errorf("a signing secret is required (--secret or AGENTHUB_SECRET)")
		}

		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			return fmt.Errorf("--name is required")
		}
		agentID, _ := cmd.Flags().GetInt64("agent-id")
		nickname, _ := cmd.Flags().GetString("nickname")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl == 0 {
			ttl = cfg.TokenTTL
		}

		claims := &auth.Claims{
			AgentID:   agentID,
			AgentName: name,
			Nickname:  nickname,
		}
		if ttl > 0 {
			claims.ExpiresAt = time.Now().Add(ttl).Unix()
		}

		token, err := auth.MintToken([]byte(cfg.Secret), claims)
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}

		fmt.Println(token)
		if agentID == models.AutoAssignAgentID {
			fmt.Fprintln(cmd.ErrOrStderr(), "agent id: auto-assigned on first use")
		}
		return nil
	},
}

func init() {
	tokenCmd.Flags().Int64("agent-id", models.AutoAssignAgentID, "Agent id (0 = auto-assign on first use)")
	tokenCmd.Flags().String("name", "", "Agent name (required)")
	tokenCmd.Flags().String("nickname", "", "Agent nickname")
	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (0 = no expiry)")
	tokenCmd.Flags().String("secret", "", "Token signing secret (or AGENTHUB_SECRET)")
	rootCmd.AddCommand(tokenCmd)
}
