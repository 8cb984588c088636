package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// clearEnv unsets every variable Load reads so tests see only what they set.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CHATRELAY_CONFIG", "SERVER_PORT", "ENV", "LOG_LEVEL", "ALLOWED_ORIGINS",
		"MAX_MESSAGE_SIZE", "RATE_LIMIT_BURST", "RATE_LIMIT_REFILL_INTERVAL",
		"SEND_BUFFER", "JWT_SECRET", "MESSAGE_BACKEND", "DIRECTORY_BACKEND",
		"SQLITE_PATH", "DATABASE_URL", "REDIS_URL", "ENFORCE_ROOM_MEMBERSHIP",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	// Keep a stray .env in the working directory out of the picture.
	t.Chdir(t.TempDir())
}

// TestLoadDefaults tests that an empty environment yields the defaults.
func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != ":8080" {
		t.Errorf("Expected port :8080, got %s", cfg.Port)
	}
	if cfg.MaxMessageSize != 8<<10 {
		t.Errorf("Expected max message size %d, got %d", 8<<10, cfg.MaxMessageSize)
	}
	if cfg.RateLimit.Burst != 5 || cfg.RateLimit.RefillInterval != time.Second {
		t.Errorf("Expected rate limit 5/1s, got %d/%s", cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval)
	}
	if cfg.MessageBackend != BackendMemory || cfg.DirectoryBackend != BackendMemory {
		t.Errorf("Expected memory backends, got %s/%s", cfg.MessageBackend, cfg.DirectoryBackend)
	}
	if cfg.JWTSecret == "" {
		t.Error("Expected a development JWT secret outside production")
	}
}

// TestLoadPrecedence tests that flags beat the environment, which beats the file.
func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "relay.yaml")
	yaml := `
port: ":7000"
log_level: debug
send_buffer: 64
rate_limit:
  burst: 9
  refill_interval: 3s
directory:
  users:
    - id: alice
      display_name: Alice
      role: admin
  rooms:
    - id: lobby
      members: [alice]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	t.Setenv("CHATRELAY_CONFIG", path)
	t.Setenv("SERVER_PORT", ":7100")
	t.Setenv("RATE_LIMIT_BURST", "12")

	cfg, err := Load([]string{"--port", "7200"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != ":7200" {
		t.Errorf("Expected flag port :7200, got %s", cfg.Port)
	}
	if cfg.RateLimit.Burst != 12 {
		t.Errorf("Expected env burst 12, got %d", cfg.RateLimit.Burst)
	}
	if cfg.RateLimit.RefillInterval != 3*time.Second {
		t.Errorf("Expected file refill interval 3s, got %s", cfg.RateLimit.RefillInterval)
	}
	if cfg.LogLevel != "debug" || cfg.SendBuffer != 64 {
		t.Errorf("Expected file log level and send buffer, got %s/%d", cfg.LogLevel, cfg.SendBuffer)
	}
	if len(cfg.Directory.Users) != 1 || len(cfg.Directory.Rooms) != 1 {
		t.Errorf("Expected seed with 1 user and 1 room, got %+v", cfg.Directory)
	}
}

// TestLoadHelp tests that --help is reported to the caller.
func TestLoadHelp(t *testing.T) {
	clearEnv(t)

	_, err := Load([]string{"--help"})
	if !errors.Is(err, pflag.ErrHelp) {
		t.Errorf("Expected pflag.ErrHelp, got %v", err)
	}
}

// TestSanitize tests that invalid values fall back to defaults.
func TestSanitize(t *testing.T) {
	cfg := &Config{
		Port:           "9090",
		MaxMessageSize: -1,
		RateLimit:      RateLimitConfig{Burst: 0, RefillInterval: -time.Second},
		AllowedOrigins: []string{" http://a.example ", "", "  "},
	}
	cfg.Sanitize()

	if cfg.Port != ":9090" {
		t.Errorf("Expected port :9090, got %s", cfg.Port)
	}
	if cfg.MaxMessageSize != 8<<10 {
		t.Errorf("Expected default max message size, got %d", cfg.MaxMessageSize)
	}
	if cfg.RateLimit.Burst != 5 || cfg.RateLimit.RefillInterval != time.Second {
		t.Errorf("Expected default rate limit, got %+v", cfg.RateLimit)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://a.example" {
		t.Errorf("Expected one trimmed origin, got %q", cfg.AllowedOrigins)
	}
}

// TestValidate tests rejected backend and secret combinations.
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.MessageBackend = "mongo" }},
		{"redis directory", func(c *Config) { c.DirectoryBackend = BackendRedis }},
		{"postgres without url", func(c *Config) { c.MessageBackend = BackendPostgres }},
		{"redis without url", func(c *Config) { c.MessageBackend = BackendRedis }},
		{"production without secret", func(c *Config) { c.Env = "production"; c.JWTSecret = "" }},
		{"seed user without id", func(c *Config) { c.Directory.Users = []SeedUser{{DisplayName: "x"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.JWTSecret = "secret"
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}

	cfg := Default()
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

// TestParseRefillInterval tests both accepted interval formats.
func TestParseRefillInterval(t *testing.T) {
	if got := parseRefillInterval("2", time.Second); got != 2*time.Second {
		t.Errorf("Expected 2s, got %s", got)
	}
	if got := parseRefillInterval("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %s", got)
	}
	if got := parseRefillInterval("soon", time.Second); got != time.Second {
		t.Errorf("Expected fallback 1s, got %s", got)
	}
}

// TestSeedApply tests that fixtures land in the directory.
func TestSeedApply(t *testing.T) {
	ctx := context.Background()
	dir := store.NewMemoryStore()
	seed := Seed{
		Users: []SeedUser{{ID: "alice", DisplayName: "Alice", Role: "admin"}, {ID: "bob"}},
		Rooms: []SeedRoom{{ID: "ops", Private: true, Members: []string{"alice"}}},
	}

	if err := seed.Apply(ctx, dir); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	alice, err := dir.User(ctx, "alice")
	if err != nil || !alice.Privileged() {
		t.Errorf("Expected admin alice, got %+v (err %v)", alice, err)
	}
	room, err := dir.Room(ctx, "ops")
	if err != nil || room.Name != "ops" || !room.Private {
		t.Errorf("Expected private room named after its id, got %+v (err %v)", room, err)
	}
	if member, _ := dir.IsRoomMember(ctx, "alice", "ops"); !member {
		t.Error("Expected alice to be a member of ops")
	}
	if member, _ := dir.IsRoomMember(ctx, "bob", "ops"); member {
		t.Error("Expected bob to not be a member of ops")
	}
	if _, err := dir.User(ctx, "carol"); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unseeded user, got %v", err)
	}
}
