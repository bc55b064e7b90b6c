package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/timegate/internal/config"
	"github.com/goodtune/timegate/internal/systemd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the main application process",
	Long: `Run the main application: a cooperative scheduler that polls the shared
store for pending puzzle requests, sweeps expired grant windows, and serves
metrics. Timers tolerate being fired back-to-back or skipped entirely; every
protocol decision is recomputed from the shared store on each pass.`,
	RunE: runMain,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runMain(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting timegate")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	core, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Shared store opened")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// The shared store is the source of truth; a failed probe here is a
	// visible "monitoring unavailable" condition, not an empty setup.
	if err := core.sync.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("Shared store unreachable, monitoring unavailable")
		return err
	}

	metricsServer := startMetrics(cfg.Metrics, sdListeners.Metrics, logger)

	pollInterval := parseDuration(cfg.Scheduler.PollInterval, 30*time.Second)
	sweepInterval := parseDuration(cfg.Scheduler.SweepInterval, time.Minute)

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd readiness")
	}

	logger.Info().
		Dur("poll_interval", pollInterval).
		Dur("sweep_interval", sweepInterval).
		Msg("timegate startup complete")

	// Run one pass immediately; the host may have queued work while no
	// process was scheduled.
	pollPendingRequests(ctx, core)
	sweepGrants(ctx, core)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-pollTicker.C:
			pollPendingRequests(ctx, core)
		case <-sweepTicker.C:
			sweepGrants(ctx, core)
			_ = systemd.NotifyWatchdog()
		case <-sigChan:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			_ = systemd.NotifyStopping()

			if metricsServer != nil {
				if err := metricsServer.Stop(); err != nil {
					logger.Error().Err(err).Msg("Error stopping metrics server")
				}
			}
			logger.Info().Msg("timegate stopped")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pollPendingRequests surfaces puzzle requests written by the shield
// process. Presenting and solving the puzzle is the puzzle UI's job;
// the grant is applied via the grant subcommand once it reports
// success.
func pollPendingRequests(ctx context.Context, core *core) {
	requests, err := core.shield.PendingRequests(ctx)
	if err != nil {
		core.logger.Error().Err(err).Msg("Failed to read pending puzzle requests")
		return
	}
	for _, request := range requests {
		core.logger.Info().
			Str("identity_hash", request.IdentityHash).
			Str("name", request.DisplayName).
			Time("requested_at", request.RequestedAt).
			Msg("Grant pending, puzzle presentation due")
	}
}

func sweepGrants(ctx context.Context, core *core) {
	reblocked, err := core.shield.Sweep(ctx)
	if err != nil {
		core.logger.Error().Err(err).Msg("Grant sweep failed")
		return
	}
	if reblocked > 0 {
		core.logger.Info().Int("reblocked", reblocked).Msg("Grant sweep re-applied blocks")
	}
}
