package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/goodtune/timegate/internal/config"
	"github.com/goodtune/timegate/internal/identity"
	"github.com/goodtune/timegate/internal/limits"
	"github.com/goodtune/timegate/internal/metrics"
	"github.com/goodtune/timegate/internal/sharedstate"
	"github.com/goodtune/timegate/internal/shield"
	"github.com/goodtune/timegate/internal/storage"
	"github.com/goodtune/timegate/internal/storage/bolt"
	"github.com/goodtune/timegate/internal/storage/redis"
	"github.com/goodtune/timegate/internal/usage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "timegate",
	Short: "timegate - on-device daily screen-time limits with puzzle unlocks",
	Long: `timegate limits how long designated applications may be used per day
and grants temporary overrides when the user completes a puzzle. Its four
processes (main application, usage reporter, threshold monitor, and shield
action handler) are scheduled independently by the host and communicate
only through a shared key-value store.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to the main application when no subcommand is given
		return runMain(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/timegate/config.yaml", "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// quietLogger returns an error-level logger on stderr for commands
// whose stdout is the result itself.
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// openStorage opens the configured shared-store backend
func openStorage(cfg config.StorageConfig) (storage.KV, error) {
	switch cfg.Type {
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return bolt.Open(cfg.Path)
	}
}

// core wires the shared protocol stack for one process burst.
type core struct {
	kv          storage.KV
	sync        *sharedstate.Synchronizer
	limits      *limits.Store
	accumulator *usage.Accumulator
	shield      *shield.Controller
	logger      zerolog.Logger
}

func buildCore(cfg *config.Config, logger zerolog.Logger) (*core, error) {
	kv, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open shared store: %w", err)
	}

	sync := sharedstate.New(kv, sharedstate.RealClock{}, logger)

	resolver, err := identity.NewResolver(sync, cfg.Usage.ResolverCacheSize, logger)
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("failed to create identity resolver: %w", err)
	}

	controller := shield.NewController(sync, hostEnforcer{logger: logger}, shield.Config{
		RequestStaleness:     parseDuration(cfg.Shield.RequestStaleness, shield.DefaultRequestStaleness),
		DefaultExtendMinutes: cfg.Shield.DefaultExtendMinutes,
	}, logger)

	return &core{
		kv:          kv,
		sync:        sync,
		limits:      limits.NewStore(sync, resolver, logger),
		accumulator: usage.NewAccumulator(sync, logger),
		shield:      controller,
		logger:      logger,
	}, nil
}

func (c *core) Close() {
	if err := c.kv.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Failed to close shared store")
	}
}

// hostEnforcer signals the host's enforcement layer. The actual
// shielding is carried out by the host; timegate only decides when to
// raise or lift it.
type hostEnforcer struct {
	logger zerolog.Logger
}

func (e hostEnforcer) ApplyBlock(ctx context.Context, identityHash string) error {
	e.logger.Info().Str("identity_hash", identityHash).Msg("Enforcement: apply block")
	return nil
}

func (e hostEnforcer) LiftBlock(ctx context.Context, identityHash string) error {
	e.logger.Info().Str("identity_hash", identityHash).Msg("Enforcement: lift block")
	return nil
}

// startMetrics starts the metrics endpoint when enabled, honoring a
// systemd socket-activated listener if one was passed.
func startMetrics(cfg config.MetricsConfig, ln net.Listener, logger zerolog.Logger) *metrics.Server {
	if !cfg.Enabled {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	server := metrics.NewServer(addr, logger)
	if ln != nil {
		server.SetListener(ln)
	}
	if err := server.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start metrics server")
		return nil
	}
	return server
}
