package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Usage   UsageConfig   `mapstructure:"usage"`
	Meter   MeterConfig   `mapstructure:"meter"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Calls   CallsConfig   `mapstructure:"calls"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress     string `mapstructure:"bind_address"`
	APIPort         int    `mapstructure:"api_port"`
	MetricsPort     int    `mapstructure:"metrics_port"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type     string         `mapstructure:"type"` // "redis", "postgres" or "memory"
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// PostgresConfig defines PostgreSQL connection settings
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// UsageConfig defines entitlement bookkeeping
type UsageConfig struct {
	FreeLimitSeconds int64  `mapstructure:"free_limit_seconds"`
	AtomicUpdates    bool   `mapstructure:"atomic_updates"`
	StoreTimeout     string `mapstructure:"store_timeout"`
}

// MeterConfig defines the in-call timer
type MeterConfig struct {
	TickInterval    string `mapstructure:"tick_interval"`
	FlushEveryTicks int    `mapstructure:"flush_every_ticks"`
	FlushSeconds    int64  `mapstructure:"flush_seconds"`
	FlushTimeout    string `mapstructure:"flush_timeout"`
}

// AgentConfig defines the conversational agent endpoint used to end calls
type AgentConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Timeout string `mapstructure:"timeout"`
}

// AuthConfig defines identity token verification
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// PolicyConfig defines the call admission policy
type PolicyConfig struct {
	Dir                string `mapstructure:"dir"`
	MaxConcurrentCalls int    `mapstructure:"max_concurrent_calls"`
}

// CallsConfig defines the active call registry
type CallsConfig struct {
	EndedCacheSize int `mapstructure:"ended_cache_size"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TALKTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !isConfigMissing(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// isConfigMissing reports whether err only says the config file is absent.
// SetConfigFile surfaces a plain fs error rather than ConfigFileNotFoundError.
func isConfigMissing(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

// Defaults returns the configuration produced by defaults alone, before
// validation.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// KnownKeys returns the set of recognised configuration keys.
func KnownKeys() map[string]bool {
	v := viper.New()
	setDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.shutdown_timeout", "15s")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.key_prefix", "talktime")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_open_conns", 10)
	v.SetDefault("storage.postgres.max_idle_conns", 2)
	v.SetDefault("storage.postgres.auto_migrate", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Usage defaults
	v.SetDefault("usage.free_limit_seconds", 1200)
	v.SetDefault("usage.atomic_updates", false)
	v.SetDefault("usage.store_timeout", "5s")

	// Meter defaults
	v.SetDefault("meter.tick_interval", "1s")
	v.SetDefault("meter.flush_every_ticks", 10)
	v.SetDefault("meter.flush_seconds", 10)
	v.SetDefault("meter.flush_timeout", "5s")

	// Agent defaults
	v.SetDefault("agent.base_url", "")
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.timeout", "10s")

	// Auth defaults (empty values registered so env overrides are picked up)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	// Policy defaults
	v.SetDefault("policy.dir", "")
	v.SetDefault("policy.max_concurrent_calls", 0)

	// Calls defaults
	v.SetDefault("calls.ended_cache_size", 1024)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "redis"
	case "redis", "memory":
	case "postgres":
		if cfg.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for postgres storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	if cfg.Usage.FreeLimitSeconds < 0 {
		return fmt.Errorf("usage.free_limit_seconds must not be negative")
	}
	if cfg.Meter.FlushEveryTicks <= 0 {
		return fmt.Errorf("meter.flush_every_ticks must be positive")
	}
	if cfg.Meter.FlushSeconds <= 0 {
		return fmt.Errorf("meter.flush_seconds must be positive")
	}
	if d, err := time.ParseDuration(cfg.Meter.TickInterval); err != nil || d <= 0 {
		return fmt.Errorf("invalid meter.tick_interval: %q", cfg.Meter.TickInterval)
	}

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if cfg.Policy.MaxConcurrentCalls < 0 {
		return fmt.Errorf("policy.max_concurrent_calls must not be negative")
	}

	return nil
}
