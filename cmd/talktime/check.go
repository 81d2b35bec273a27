package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/goodtune/talktime/internal/config"
	"github.com/goodtune/talktime/internal/policy"
	"github.com/goodtune/talktime/internal/usage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkActiveCalls int
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] USER",
	Short: "Check the call admission decision for a user",
	Long:  `Check whether talktime would admit a new call for USER given the stored balance and admission policy.`,
	Example: `  talktime -c config.yaml check user-1
  talktime check --active 2 user-1`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().IntVar(&checkActiveCalls, "active", 0, "Number of calls the user is assumed to have in progress")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	userID := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	usageStore := usage.NewStore(store.Usage(), usage.Config{
		FreeLimitSeconds: cfg.Usage.FreeLimitSeconds,
		Timeout:          parseDuration(cfg.Usage.StoreTimeout, usage.DefaultStoreTimeout),
	}, logger)

	engine, err := policy.NewEngine(cfg.Policy.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	ctx := context.Background()
	rec := usageStore.LoadUsage(ctx, userID)

	input := policy.Input{
		UserID:             userID,
		RecordKnown:        rec != nil,
		ActiveCalls:        checkActiveCalls,
		MaxConcurrentCalls: cfg.Policy.MaxConcurrentCalls,
	}
	if rec != nil {
		input.RemainingSeconds = rec.RemainingSeconds
	}

	decision, err := engine.Evaluate(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to evaluate admission policy: %w", err)
	}

	printDecision(os.Stdout, input, decision)
	return nil
}

func printDecision(w io.Writer, input policy.Input, decision *policy.Decision) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Fprintln(w)
	_, _ = cyan.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Fprintln(w, "CALL ADMISSION CHECK")
	_, _ = cyan.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(w)

	fmt.Fprintf(w, "User:       %s\n", input.UserID)
	if input.RecordKnown {
		fmt.Fprintf(w, "Remaining:  %s\n", usage.FormatRemainingTime(input.RemainingSeconds))
	} else {
		_, _ = yellow.Fprintln(w, "Remaining:  (balance unavailable)")
	}
	if input.MaxConcurrentCalls > 0 {
		fmt.Fprintf(w, "Calls:      %d of %d\n", input.ActiveCalls, input.MaxConcurrentCalls)
	} else {
		fmt.Fprintf(w, "Calls:      %d (no limit)\n", input.ActiveCalls)
	}
	fmt.Fprintln(w)

	_, _ = cyan.Fprint(w, "Decision:   ")
	if decision.Allow {
		_, _ = green.Fprintln(w, "ALLOW")
	} else {
		_, _ = red.Fprintln(w, "DENY")
		for _, reason := range decision.Reasons {
			fmt.Fprintf(w, "            → %s\n", reason)
		}
	}
	fmt.Fprintln(w)
}
