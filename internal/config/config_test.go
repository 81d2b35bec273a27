package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "talktime.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: test-secret\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Usage.FreeLimitSeconds != 1200 {
		t.Errorf("FreeLimitSeconds = %d, want 1200", cfg.Usage.FreeLimitSeconds)
	}
	if cfg.Usage.AtomicUpdates {
		t.Error("AtomicUpdates should default to false")
	}
	if cfg.Meter.FlushEveryTicks != 10 || cfg.Meter.FlushSeconds != 10 {
		t.Errorf("flush defaults = %d ticks/%d s, want 10/10", cfg.Meter.FlushEveryTicks, cfg.Meter.FlushSeconds)
	}
	if cfg.Meter.TickInterval != "1s" {
		t.Errorf("TickInterval = %q, want 1s", cfg.Meter.TickInterval)
	}
	if cfg.Storage.Type != "redis" {
		t.Errorf("Storage.Type = %q, want redis", cfg.Storage.Type)
	}
	if cfg.Storage.Redis.KeyPrefix != "talktime" {
		t.Errorf("KeyPrefix = %q, want talktime", cfg.Storage.Redis.KeyPrefix)
	}
	if cfg.Calls.EndedCacheSize != 1024 {
		t.Errorf("EndedCacheSize = %d, want 1024", cfg.Calls.EndedCacheSize)
	}
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
server:
  api_port: 9000
storage:
  type: memory
usage:
  free_limit_seconds: 600
  atomic_updates: true
policy:
  max_concurrent_calls: 1
auth:
  jwt_secret: s3cret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.APIPort != 9000 {
		t.Errorf("APIPort = %d, want 9000", cfg.Server.APIPort)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("Storage.Type = %q, want memory", cfg.Storage.Type)
	}
	if cfg.Usage.FreeLimitSeconds != 600 || !cfg.Usage.AtomicUpdates {
		t.Errorf("Usage = %+v", cfg.Usage)
	}
	if cfg.Policy.MaxConcurrentCalls != 1 {
		t.Errorf("MaxConcurrentCalls = %d, want 1", cfg.Policy.MaxConcurrentCalls)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: from-file\n")
	t.Setenv("TALKTIME_AUTH_JWT_SECRET", "from-env")
	t.Setenv("TALKTIME_USAGE_FREE_LIMIT_SECONDS", "60")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("JWTSecret = %q, want from-env", cfg.Auth.JWTSecret)
	}
	if cfg.Usage.FreeLimitSeconds != 60 {
		t.Errorf("FreeLimitSeconds = %d, want 60", cfg.Usage.FreeLimitSeconds)
	}
}

func TestLoad_MissingFileUsesEnvironment(t *testing.T) {
	t.Setenv("TALKTIME_AUTH_JWT_SECRET", "env-only")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "env-only" {
		t.Errorf("JWTSecret = %q, want env-only", cfg.Auth.JWTSecret)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing jwt secret", "storage:\n  type: memory\n"},
		{"bad storage type", "auth:\n  jwt_secret: x\nstorage:\n  type: bolt\n"},
		{"postgres without dsn", "auth:\n  jwt_secret: x\nstorage:\n  type: postgres\n"},
		{"bad api port", "auth:\n  jwt_secret: x\nserver:\n  api_port: 70000\n"},
		{"zero flush ticks", "auth:\n  jwt_secret: x\nmeter:\n  flush_every_ticks: 0\n"},
		{"zero flush seconds", "auth:\n  jwt_secret: x\nmeter:\n  flush_seconds: 0\n"},
		{"negative flush seconds", "auth:\n  jwt_secret: x\nmeter:\n  flush_seconds: -10\n"},
		{"bad tick interval", "auth:\n  jwt_secret: x\nmeter:\n  tick_interval: often\n"},
		{"negative free limit", "auth:\n  jwt_secret: x\nusage:\n  free_limit_seconds: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("Load() expected error")
			}
		})
	}
}

func TestKnownKeys(t *testing.T) {
	keys := KnownKeys()

	for _, key := range []string{
		"server.api_port",
		"storage.redis.key_prefix",
		"storage.postgres.dsn",
		"usage.atomic_updates",
		"meter.flush_every_ticks",
		"auth.jwt_secret",
		"policy.max_concurrent_calls",
	} {
		if !keys[key] {
			t.Errorf("expected %s to be a known key", key)
		}
	}
	if keys["storage.bolt.path"] {
		t.Error("unexpected key storage.bolt.path")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Usage.FreeLimitSeconds != 1200 {
		t.Errorf("FreeLimitSeconds = %d, want 1200", cfg.Usage.FreeLimitSeconds)
	}
	if cfg.Meter.FlushEveryTicks != 10 || cfg.Meter.FlushSeconds != 10 {
		t.Errorf("unexpected meter defaults %+v", cfg.Meter)
	}
}
