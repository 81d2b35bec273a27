package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goodtune/talktime/internal/api"
	"github.com/goodtune/talktime/internal/config"
	"github.com/spf13/cobra"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:     "token USER",
	Short:   "Issue an API token for a user",
	Long:    `Issue a bearer token signed with the configured secret. Intended for testing and support access.`,
	Example: `  talktime token user-123 --ttl 15m`,
	Args:    cobra.ExactArgs(1),
	RunE:    runToken,
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	token, err := api.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer).IssueToken(args[0], tokenTTL)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, token)
	return nil
}
