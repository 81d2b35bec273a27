package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/talktime/internal/config"
	"github.com/goodtune/talktime/internal/storage"
	"github.com/goodtune/talktime/internal/usage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Inspect and adjust conversation balances",
	Long:  `Inspect users' conversation balances and grant purchased time.`,
}

var usageShowCmd = &cobra.Command{
	Use:   "show USER",
	Short: "Show a user's balance",
	Example: `  talktime usage show user-123
  talktime -c config.yaml usage show user-123`,
	Args: cobra.ExactArgs(1),
	RunE: runUsageShow,
}

var usageGrantCmd = &cobra.Command{
	Use:     "grant USER SECONDS",
	Short:   "Add purchased seconds to a user's balance",
	Example: `  talktime usage grant user-123 1800`,
	Args:    cobra.ExactArgs(2),
	RunE:    runUsageGrant,
}

var usageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every user with a stored balance",
	Args:  cobra.NoArgs,
	RunE:  runUsageList,
}

func init() {
	usageCmd.AddCommand(usageShowCmd)
	usageCmd.AddCommand(usageGrantCmd)
	usageCmd.AddCommand(usageListCmd)
	rootCmd.AddCommand(usageCmd)
}

// openUsageStore opens storage for one-shot commands with a quiet logger.
func openUsageStore() (*usage.Store, storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	usageStore := usage.NewStore(store.Usage(), usage.Config{
		FreeLimitSeconds: cfg.Usage.FreeLimitSeconds,
		AtomicUpdates:    cfg.Usage.AtomicUpdates,
		Timeout:          parseDuration(cfg.Usage.StoreTimeout, usage.DefaultStoreTimeout),
	}, logger)

	return usageStore, store, nil
}

func runUsageShow(cmd *cobra.Command, args []string) error {
	usageStore, store, err := openUsageStore()
	if err != nil {
		return err
	}
	defer store.Close()

	rec := usageStore.LoadUsage(context.Background(), args[0])
	if rec == nil {
		return fmt.Errorf("could not read balance for %s", args[0])
	}

	printRecord(os.Stdout, rec)
	return nil
}

func runUsageGrant(cmd *cobra.Command, args []string) error {
	seconds, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || seconds <= 0 {
		return fmt.Errorf("invalid seconds: %s", args[1])
	}

	usageStore, store, err := openUsageStore()
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := usageStore.Grant(context.Background(), args[0], seconds)
	if err != nil {
		return fmt.Errorf("failed to grant balance: %w", err)
	}

	green := color.New(color.FgGreen, color.Bold)
	_, _ = green.Fprintf(os.Stdout, "Granted %s to %s\n", usage.FormatRemainingTimeDetailed(seconds), args[0])
	printRecord(os.Stdout, rec)
	return nil
}

func runUsageList(cmd *cobra.Command, args []string) error {
	_, store, err := openUsageStore()
	if err != nil {
		return err
	}
	defer store.Close()

	users, err := store.Usage().ListUsers(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	for _, user := range users {
		fmt.Fprintln(os.Stdout, user)
	}
	return nil
}

// printRecord prints a balance with the remaining time colored by urgency
func printRecord(w io.Writer, rec *usage.Record) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	_, _ = cyan.Fprintf(w, "User:      %s\n", rec.UserID)
	fmt.Fprintf(w, "Consumed:  %s (%d seconds)\n", usage.FormatRemainingTimeDetailed(rec.TotalConsumedSeconds), rec.TotalConsumedSeconds)

	remaining := green
	switch {
	case rec.RemainingSeconds == 0:
		remaining = red
	case rec.RemainingSeconds < 5*60:
		remaining = yellow
	}
	_, _ = remaining.Fprintf(w, "Remaining: %s (%d seconds)\n", usage.FormatRemainingTime(rec.RemainingSeconds), rec.RemainingSeconds)

	if !rec.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "Updated:   %s\n", rec.UpdatedAt.Local().Format(time.RFC1123))
	} else {
		fmt.Fprintln(w, "Updated:   never (free allowance)")
	}
	if !usage.CanStartCall(rec) {
		_, _ = red.Fprintln(w, "Calls are blocked until more time is granted")
	}
}
