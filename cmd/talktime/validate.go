package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/talktime/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the talktime configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with -dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := config.KnownKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Server
	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  api_port", cfg.Server.APIPort, defaultCfg.Server.APIPort, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)
	dumpField("  shutdown_timeout", cfg.Server.ShutdownTimeout, defaultCfg.Server.ShutdownTimeout, yellow, green)

	// Storage
	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactSecret(cfg.Storage.Redis.Password), redactSecret(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)
	dumpField("    key_prefix", cfg.Storage.Redis.KeyPrefix, defaultCfg.Storage.Redis.KeyPrefix, yellow, green)
	_, _ = cyan.Println("  [storage.postgres]")
	dumpField("    dsn", redactSecret(cfg.Storage.Postgres.DSN), redactSecret(defaultCfg.Storage.Postgres.DSN), yellow, green)
	dumpField("    max_open_conns", cfg.Storage.Postgres.MaxOpenConns, defaultCfg.Storage.Postgres.MaxOpenConns, yellow, green)
	dumpField("    max_idle_conns", cfg.Storage.Postgres.MaxIdleConns, defaultCfg.Storage.Postgres.MaxIdleConns, yellow, green)
	dumpField("    auto_migrate", cfg.Storage.Postgres.AutoMigrate, defaultCfg.Storage.Postgres.AutoMigrate, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	// Usage
	_, _ = cyan.Println("\n[usage]")
	dumpField("  free_limit_seconds", cfg.Usage.FreeLimitSeconds, defaultCfg.Usage.FreeLimitSeconds, yellow, green)
	dumpField("  atomic_updates", cfg.Usage.AtomicUpdates, defaultCfg.Usage.AtomicUpdates, yellow, green)
	dumpField("  store_timeout", cfg.Usage.StoreTimeout, defaultCfg.Usage.StoreTimeout, yellow, green)

	// Meter
	_, _ = cyan.Println("\n[meter]")
	dumpField("  tick_interval", cfg.Meter.TickInterval, defaultCfg.Meter.TickInterval, yellow, green)
	dumpField("  flush_every_ticks", cfg.Meter.FlushEveryTicks, defaultCfg.Meter.FlushEveryTicks, yellow, green)
	dumpField("  flush_seconds", cfg.Meter.FlushSeconds, defaultCfg.Meter.FlushSeconds, yellow, green)
	dumpField("  flush_timeout", cfg.Meter.FlushTimeout, defaultCfg.Meter.FlushTimeout, yellow, green)

	// Agent
	_, _ = cyan.Println("\n[agent]")
	dumpField("  base_url", cfg.Agent.BaseURL, defaultCfg.Agent.BaseURL, yellow, green)
	dumpField("  api_key", redactSecret(cfg.Agent.APIKey), redactSecret(defaultCfg.Agent.APIKey), yellow, green)
	dumpField("  timeout", cfg.Agent.Timeout, defaultCfg.Agent.Timeout, yellow, green)

	// Auth
	_, _ = cyan.Println("\n[auth]")
	dumpField("  jwt_secret", redactSecret(cfg.Auth.JWTSecret), redactSecret(defaultCfg.Auth.JWTSecret), yellow, green)
	dumpField("  issuer", cfg.Auth.Issuer, defaultCfg.Auth.Issuer, yellow, green)

	// Policy
	_, _ = cyan.Println("\n[policy]")
	dumpField("  dir", cfg.Policy.Dir, defaultCfg.Policy.Dir, yellow, green)
	dumpField("  max_concurrent_calls", cfg.Policy.MaxConcurrentCalls, defaultCfg.Policy.MaxConcurrentCalls, yellow, green)

	// Calls
	_, _ = cyan.Println("\n[calls]")
	dumpField("  ended_cache_size", cfg.Calls.EndedCacheSize, defaultCfg.Calls.EndedCacheSize, yellow, green)

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactSecret redacts a secret if not empty
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
