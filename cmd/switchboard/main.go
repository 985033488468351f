// Switchboard - control-plane broker for agents and dashboards.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/switchboard-dev/switchboard/internal/auth"
	"github.com/switchboard-dev/switchboard/internal/broker"
	"github.com/switchboard-dev/switchboard/internal/config"
	"github.com/switchboard-dev/switchboard/internal/events"
	"github.com/switchboard-dev/switchboard/internal/metrics"
	"github.com/switchboard-dev/switchboard/internal/server"
	"github.com/switchboard-dev/switchboard/internal/store"
)

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate configuration and exit")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("switchboard %s\n", server.VersionInfo())
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	// Set up logging; console until the configured format is known
	log := newLogger("console")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log = newLogger(cfg.LogFormat)

	log.Info().
		Str("version", server.Version).
		Str("addr", cfg.ListenAddr).
		Str("auth_mode", cfg.AuthMode).
		Msg("switchboard starting")

	// Open storage
	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() { _ = st.Close() }()

	if cfg.AgentSeedFile != "" {
		if err := st.LoadSeed(context.Background(), cfg.AgentSeedFile); err != nil {
			log.Fatal().Err(err).Msg("failed to load agent seed file")
		}
		log.Info().Str("file", cfg.AgentSeedFile).Msg("agent registry seeded")
	}

	// Build the token validator
	validator, err := buildValidator(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build token validator")
	}

	// Event bus and optional NATS mirror
	bus := events.NewBus(log)
	defer bus.Close()

	var mirror *events.Mirror
	if cfg.NATSEnabled() {
		mirror, err = events.NewMirror(cfg.NATSURL, bus, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect event mirror")
		}
		defer mirror.Close()
		log.Info().Str("url", cfg.NATSURL).Msg("event mirror connected")
	}

	m := metrics.New()

	// Create the broker
	b := broker.New(cfg, log, broker.Dependencies{
		Validator: validator,
		Agents:    st.Agents(),
		Commands:  st.Commands(),
		Audit:     st.Audit(),
		Bus:       bus,
		Metrics:   m,
	})

	// Handle shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b.Start(ctx)
	defer b.Shutdown()

	// Run server
	srv := server.New(cfg, log, b, st, m)
	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}

	log.Info().Msg("shutdown complete")
}

func newLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()
}

func buildValidator(cfg *config.Config) (auth.TokenValidator, error) {
	switch cfg.AuthMode {
	case "static":
		return auth.LoadStaticValidator(cfg.TokenFile)
	default:
		return auth.NewJWTValidator(cfg.JWTSecret), nil
	}
}

func printUsage() {
	fmt.Printf(`Usage: switchboard [options]

Switchboard %s - connection broker between agents and dashboards.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate configuration and exit

Environment variables:
  SWITCHBOARD_LISTEN_ADDR          HTTP listen address (default: :8080)
  SWITCHBOARD_ALLOWED_ORIGINS      Comma-separated Origin allowlist for upgrades
  SWITCHBOARD_AUTH_MODE            Authentication mode: jwt or static (default: jwt)
  SWITCHBOARD_JWT_SECRET           HMAC secret (required in jwt mode)
  SWITCHBOARD_TOKEN_FILE           Token file path (required in static mode)
  SWITCHBOARD_DB_PATH              SQLite database path (default: switchboard.db)
  SWITCHBOARD_AGENT_SEED_FILE      YAML agent registry seed, loaded at startup
  SWITCHBOARD_NATS_URL             NATS server URL; enables the event mirror
  SWITCHBOARD_MAX_CONNECTIONS      Connection pool capacity (default: 1000)
  SWITCHBOARD_PING_INTERVAL        Heartbeat ping interval (default: 30s)
  SWITCHBOARD_CONNECTION_TIMEOUT   Idle connection eviction (default: 90s)
  SWITCHBOARD_LOG_LEVEL            Log level: debug, info, warn, error
  SWITCHBOARD_LOG_FORMAT           Log output: console or json (default: console)

All settings may also be set in a .env file in the working directory.
Run with --check after changing configuration to catch mistakes early.
`, server.Version)
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Listen:      %s\n", cfg.ListenAddr)
	fmt.Printf("  Auth mode:   %s\n", cfg.AuthMode)
	fmt.Printf("  Database:    %s\n", cfg.DBPath)
	if cfg.AgentSeedFile != "" {
		fmt.Printf("  Seed file:   %s\n", cfg.AgentSeedFile)
	}
	if cfg.NATSEnabled() {
		fmt.Printf("  NATS:        %s\n", cfg.NATSURL)
	}
	fmt.Println()

	// Static mode reads the token file; surface parse errors here
	fmt.Print("Validating credentials... ")
	if _, err := buildValidator(cfg); err != nil {
		fmt.Printf("❌ Failed\n")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}
	fmt.Println("✓ OK")
	return 0
}
