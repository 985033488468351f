// Package config loads broker configuration from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all broker settings. Every field has a SWITCHBOARD_*
// environment variable; a .env file in the working directory is honored.
type Config struct {
	// HTTP surface
	ListenAddr      string        `env:"SWITCHBOARD_LISTEN_ADDR" envDefault:":8080"`
	AllowedOrigins  []string      `env:"SWITCHBOARD_ALLOWED_ORIGINS" envSeparator:","`
	ShutdownTimeout time.Duration `env:"SWITCHBOARD_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"SWITCHBOARD_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SWITCHBOARD_LOG_FORMAT" envDefault:"console"` // "console" or "json"

	// Connection pool
	MaxConnections    int           `env:"SWITCHBOARD_MAX_CONNECTIONS" envDefault:"1000"`
	MaxPayload        int64         `env:"SWITCHBOARD_MAX_PAYLOAD" envDefault:"1048576"`
	ConnectionTimeout time.Duration `env:"SWITCHBOARD_CONNECTION_TIMEOUT" envDefault:"90s"`
	CleanupInterval   time.Duration `env:"SWITCHBOARD_CLEANUP_INTERVAL" envDefault:"30s"`

	// Heartbeat
	PingInterval   time.Duration `env:"SWITCHBOARD_PING_INTERVAL" envDefault:"30s"`
	PongTimeout    time.Duration `env:"SWITCHBOARD_PONG_TIMEOUT" envDefault:"10s"`
	MaxMissedPings int           `env:"SWITCHBOARD_MAX_MISSED_PINGS" envDefault:"5"`

	// Token lifecycle
	TokenRefreshThreshold   time.Duration `env:"SWITCHBOARD_TOKEN_REFRESH_THRESHOLD" envDefault:"5m"`
	TokenRefreshInterval    time.Duration `env:"SWITCHBOARD_TOKEN_REFRESH_INTERVAL" envDefault:"60s"`
	TokenMaxRefreshAttempts int           `env:"SWITCHBOARD_TOKEN_MAX_REFRESH_ATTEMPTS" envDefault:"3"`

	// Terminal multiplexer
	TerminalBufferSize       int           `env:"SWITCHBOARD_TERMINAL_BUFFER_SIZE" envDefault:"8192"`
	TerminalFlushInterval    time.Duration `env:"SWITCHBOARD_TERMINAL_FLUSH_INTERVAL" envDefault:"10ms"`
	TerminalMaxBufferedLines int           `env:"SWITCHBOARD_TERMINAL_MAX_BUFFERED_LINES" envDefault:"1000"`

	// Command defaults applied when the dashboard omits them
	CommandTimeLimit  time.Duration `env:"SWITCHBOARD_COMMAND_TIME_LIMIT" envDefault:"5m"`
	CommandMaxRetries int           `env:"SWITCHBOARD_COMMAND_MAX_RETRIES" envDefault:"1"`

	// Authentication
	AuthTimeout time.Duration `env:"SWITCHBOARD_AUTH_TIMEOUT" envDefault:"30s"`
	AuthMode    string        `env:"SWITCHBOARD_AUTH_MODE" envDefault:"jwt"` // "jwt" or "static"
	JWTSecret   string        `env:"SWITCHBOARD_JWT_SECRET"`
	TokenFile   string        `env:"SWITCHBOARD_TOKEN_FILE"`

	// Storage
	DBPath        string `env:"SWITCHBOARD_DB_PATH" envDefault:"switchboard.db"`
	AgentSeedFile string `env:"SWITCHBOARD_AGENT_SEED_FILE"`

	// Event mirror (disabled when empty)
	NATSURL string `env:"SWITCHBOARD_NATS_URL"`

	// Upgrade rate limiting, per client IP
	UpgradeRate  float64 `env:"SWITCHBOARD_UPGRADE_RATE" envDefault:"5"`
	UpgradeBurst int     `env:"SWITCHBOARD_UPGRADE_BURST" envDefault:"10"`
}

// Load reads configuration from the environment. A .env file is loaded
// first if present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in defaults without touching the environment.
// Used by tests that construct a broker directly.
func Default() *Config {
	return &Config{
		ListenAddr:               ":8080",
		ShutdownTimeout:          10 * time.Second,
		LogLevel:                 "info",
		LogFormat:                "console",
		MaxConnections:           1000,
		MaxPayload:               1 << 20,
		ConnectionTimeout:        90 * time.Second,
		CleanupInterval:          30 * time.Second,
		PingInterval:             30 * time.Second,
		PongTimeout:              10 * time.Second,
		MaxMissedPings:           5,
		TokenRefreshThreshold:    5 * time.Minute,
		TokenRefreshInterval:     60 * time.Second,
		TokenMaxRefreshAttempts:  3,
		TerminalBufferSize:       8192,
		TerminalFlushInterval:    10 * time.Millisecond,
		TerminalMaxBufferedLines: 1000,
		CommandTimeLimit:         5 * time.Minute,
		CommandMaxRetries:        1,
		AuthTimeout:              30 * time.Second,
		AuthMode:                 "jwt",
		DBPath:                   "switchboard.db",
		UpgradeRate:              5,
		UpgradeBurst:             10,
	}
}

// Validate checks the configuration and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if c.ListenAddr == "" {
		errs = append(errs, "SWITCHBOARD_LISTEN_ADDR must not be empty")
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, "SWITCHBOARD_MAX_CONNECTIONS must be positive")
	}
	if c.MaxPayload <= 0 {
		errs = append(errs, "SWITCHBOARD_MAX_PAYLOAD must be positive")
	}
	if c.ConnectionTimeout <= 0 {
		errs = append(errs, "SWITCHBOARD_CONNECTION_TIMEOUT must be positive")
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, "SWITCHBOARD_CLEANUP_INTERVAL must be positive")
	}
	if c.PingInterval <= 0 {
		errs = append(errs, "SWITCHBOARD_PING_INTERVAL must be positive")
	}
	if c.PongTimeout <= 0 || c.PongTimeout >= c.PingInterval {
		errs = append(errs, "SWITCHBOARD_PONG_TIMEOUT must be positive and shorter than the ping interval")
	}
	if c.MaxMissedPings < 1 {
		errs = append(errs, "SWITCHBOARD_MAX_MISSED_PINGS must be at least 1")
	}
	if c.TokenRefreshInterval <= 0 {
		errs = append(errs, "SWITCHBOARD_TOKEN_REFRESH_INTERVAL must be positive")
	}
	if c.TokenRefreshThreshold <= 0 {
		errs = append(errs, "SWITCHBOARD_TOKEN_REFRESH_THRESHOLD must be positive")
	}
	if c.TokenMaxRefreshAttempts < 1 {
		errs = append(errs, "SWITCHBOARD_TOKEN_MAX_REFRESH_ATTEMPTS must be at least 1")
	}
	if c.TerminalBufferSize <= 0 {
		errs = append(errs, "SWITCHBOARD_TERMINAL_BUFFER_SIZE must be positive")
	}
	if c.TerminalFlushInterval <= 0 {
		errs = append(errs, "SWITCHBOARD_TERMINAL_FLUSH_INTERVAL must be positive")
	}
	if c.TerminalMaxBufferedLines <= 0 {
		errs = append(errs, "SWITCHBOARD_TERMINAL_MAX_BUFFERED_LINES must be positive")
	}
	if c.CommandTimeLimit <= 0 {
		errs = append(errs, "SWITCHBOARD_COMMAND_TIME_LIMIT must be positive")
	}
	if c.CommandMaxRetries < 0 {
		errs = append(errs, "SWITCHBOARD_COMMAND_MAX_RETRIES must not be negative")
	}
	if c.AuthTimeout <= 0 {
		errs = append(errs, "SWITCHBOARD_AUTH_TIMEOUT must be positive")
	}
	if c.UpgradeRate <= 0 || c.UpgradeBurst < 1 {
		errs = append(errs, "SWITCHBOARD_UPGRADE_RATE and SWITCHBOARD_UPGRADE_BURST must be positive")
	}

	switch c.AuthMode {
	case "jwt":
		if c.JWTSecret == "" {
			errs = append(errs, "SWITCHBOARD_JWT_SECRET is required when SWITCHBOARD_AUTH_MODE=jwt")
		}
	case "static":
		if c.TokenFile == "" {
			errs = append(errs, "SWITCHBOARD_TOKEN_FILE is required when SWITCHBOARD_AUTH_MODE=static")
		}
	default:
		errs = append(errs, fmt.Sprintf("SWITCHBOARD_AUTH_MODE must be \"jwt\" or \"static\", got %q", c.AuthMode))
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("SWITCHBOARD_LOG_FORMAT must be \"console\" or \"json\", got %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// NATSEnabled reports whether the event mirror should run.
func (c *Config) NATSEnabled() bool {
	return c.NATSURL != ""
}
