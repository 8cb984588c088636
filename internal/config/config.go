// Package config loads the relay's runtime settings from defaults, an
// optional YAML file, the environment (with .env support), and flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config holds the relay configuration.
type Config struct {
	Port           string          `yaml:"port"`
	Env            string          `yaml:"env"`
	LogLevel       string          `yaml:"log_level"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	SendBuffer     int             `yaml:"send_buffer"`

	JWTSecret string `yaml:"jwt_secret"`

	MessageBackend   string `yaml:"message_backend"`
	DirectoryBackend string `yaml:"directory_backend"`
	SQLitePath       string `yaml:"sqlite_path"`
	DatabaseURL      string `yaml:"database_url"`
	RedisURL         string `yaml:"redis_url"`

	EnforceRoomMembership bool `yaml:"enforce_room_membership"`

	StoreTimeout    time.Duration `yaml:"store_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Directory is loaded into the directory store at startup.
	Directory Seed `yaml:"directory"`
}

// devJWTSecret signs tokens outside production when no secret is configured.
const devJWTSecret = "chatrelay-development-secret"

// Default returns a Config populated with default values for all settings.
func Default() *Config {
	return &Config{
		Port:           ":8080",
		Env:            "development",
		LogLevel:       "info",
		AllowedOrigins: []string{"http://localhost:8080"},
		MaxMessageSize: 8 << 10,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		SendBuffer:       256,
		MessageBackend:   BackendMemory,
		DirectoryBackend: BackendMemory,
		SQLitePath:       "./data/chatrelay.db",
		StoreTimeout:     5 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// IsProduction reports whether the relay runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Load builds the configuration for a process started with args (without
// the program name). It returns pflag.ErrHelp when help was requested.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("chatrelay", pflag.ContinueOnError)
	flags := bindFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	path := flags.configPath
	if path == "" {
		path = os.Getenv("CHATRELAY_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	flags.apply(fs, cfg)

	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Port = port
	}
	if env := os.Getenv("ENV"); env != "" {
		c.Env = env
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		c.MaxMessageSize = parseMaxMessageSize(maxSize, c.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		c.RateLimit.Burst = parseIntValue(burst, c.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		c.RateLimit.RefillInterval = parseRefillInterval(interval, c.RateLimit.RefillInterval)
	}
	if buf := os.Getenv("SEND_BUFFER"); buf != "" {
		c.SendBuffer = parseIntValue(buf, c.SendBuffer)
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWTSecret = secret
	}
	if backend := os.Getenv("MESSAGE_BACKEND"); backend != "" {
		c.MessageBackend = backend
	}
	if backend := os.Getenv("DIRECTORY_BACKEND"); backend != "" {
		c.DirectoryBackend = backend
	}
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		c.SQLitePath = path
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.DatabaseURL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		c.RedisURL = url
	}
	if enforce := os.Getenv("ENFORCE_ROOM_MEMBERSHIP"); enforce != "" {
		c.EnforceRoomMembership = parseBool(enforce, c.EnforceRoomMembership)
	}
}

// Sanitize replaces unusable values with defaults.
func (c *Config) Sanitize() {
	def := Default()

	if c.Port == "" {
		c.Port = def.Port
	}
	if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}
	if c.Env == "" {
		c.Env = def.Env
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	c.MessageBackend = strings.ToLower(strings.TrimSpace(c.MessageBackend))
	if c.MessageBackend == "" {
		c.MessageBackend = def.MessageBackend
	}
	c.DirectoryBackend = strings.ToLower(strings.TrimSpace(c.DirectoryBackend))
	if c.DirectoryBackend == "" {
		c.DirectoryBackend = def.DirectoryBackend
	}
	if c.SQLitePath == "" {
		c.SQLitePath = def.SQLitePath
	}

	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins

	if c.JWTSecret == "" && !c.IsProduction() {
		c.JWTSecret = devJWTSecret
	}
}

// Validate rejects combinations the relay cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.MessageBackend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown message backend %q", c.MessageBackend))
	}
	switch c.DirectoryBackend {
	case BackendMemory, BackendSQLite, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown directory backend %q", c.DirectoryBackend))
	}
	if (c.MessageBackend == BackendPostgres || c.DirectoryBackend == BackendPostgres) && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
	}
	if c.MessageBackend == BackendRedis && c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required for the redis backend"))
	}
	if c.IsProduction() && (c.JWTSecret == "" || c.JWTSecret == devJWTSecret) {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}
	if err := c.Directory.validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

type flagValues struct {
	configPath string
	port       string
	env        string
	logLevel   string
	origins    []string
	msgBackend string
	dirBackend string
	sqlitePath string
	enforce    bool
}

func bindFlags(fs *pflag.FlagSet, cfg *Config) *flagValues {
	v := &flagValues{}
	fs.StringVarP(&v.configPath, "config", "c", "", "path to a YAML config file (env CHATRELAY_CONFIG)")
	fs.StringVar(&v.port, "port", cfg.Port, "listen address")
	fs.StringVar(&v.env, "env", cfg.Env, "environment: development or production")
	fs.StringVar(&v.logLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringSliceVar(&v.origins, "allowed-origins", cfg.AllowedOrigins, "websocket origins to accept (* for any)")
	fs.StringVar(&v.msgBackend, "message-backend", cfg.MessageBackend, "message store: memory, sqlite, postgres, redis")
	fs.StringVar(&v.dirBackend, "directory-backend", cfg.DirectoryBackend, "directory store: memory, sqlite, postgres")
	fs.StringVar(&v.sqlitePath, "sqlite-path", cfg.SQLitePath, "SQLite database file")
	fs.BoolVar(&v.enforce, "enforce-room-membership", cfg.EnforceRoomMembership, "require membership for private rooms")
	return v
}

// apply copies the flags set on the command line over cfg.
func (v *flagValues) apply(fs *pflag.FlagSet, cfg *Config) {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = v.port
		case "env":
			cfg.Env = v.env
		case "log-level":
			cfg.LogLevel = v.logLevel
		case "allowed-origins":
			cfg.AllowedOrigins = append([]string(nil), v.origins...)
		case "message-backend":
			cfg.MessageBackend = v.msgBackend
		case "directory-backend":
			cfg.DirectoryBackend = v.dirBackend
		case "sqlite-path":
			cfg.SQLitePath = v.sqlitePath
		case "enforce-room-membership":
			cfg.EnforceRoomMembership = v.enforce
		}
	})
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts whole seconds ("2") or a duration ("500ms").
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func parseBool(value string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return defaultValue
}
