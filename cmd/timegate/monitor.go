package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/goodtune/timegate/internal/config"
	"github.com/goodtune/timegate/internal/identity"
	"github.com/goodtune/timegate/internal/metrics"
	"github.com/goodtune/timegate/internal/sharedstate"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var monitorDeltasPath string

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run one threshold-monitoring burst",
	Long: `Apply incremental usage deltas observed since the last authoritative
snapshot, check every active limit against its threshold, raise blocks where
the limit is met, and sweep expired grant windows. Like the reporter, the
monitor is invoked by the host for a bounded burst and then suspended.`,
	Example: `  timegate monitor --deltas /var/run/timegate/usage-deltas.json`,
	RunE:    runMonitor,
}

func init() {
	monitorCmd.Flags().StringVar(&monitorDeltasPath, "deltas", "", "Path to the incremental usage deltas (optional)")
	rootCmd.AddCommand(monitorCmd)
}

// usageDeltaEntry is one incremental observation between snapshots.
type usageDeltaEntry struct {
	Token        string `json:"token"`
	Name         string `json:"name"`
	DeltaSeconds int64  `json:"delta_seconds"`
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	core, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	ctx := cmd.Context()

	if monitorDeltasPath != "" {
		if err := applyDeltas(ctx, core); err != nil {
			return err
		}
	}

	blocked, err := checkThresholds(ctx, core)
	if err != nil {
		return err
	}

	reblocked, err := core.shield.Sweep(ctx)
	if err != nil {
		return err
	}

	logger.Info().
		Int("blocked", blocked).
		Int("reblocked", reblocked).
		Msg("Monitor burst complete")
	return nil
}

func applyDeltas(ctx context.Context, core *core) error {
	data, err := os.ReadFile(monitorDeltasPath)
	if err != nil {
		return fmt.Errorf("failed to read deltas: %w", err)
	}
	var entries []usageDeltaEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to decode deltas: %w", err)
	}

	for _, entry := range entries {
		handle := identity.HandleFromToken(entry.Token)
		record, err := core.limits.FindByIdentity(ctx, handle, entry.Name)
		if err != nil {
			return fmt.Errorf("failed to resolve identity: %w", err)
		}
		if record == nil {
			metrics.UnattributedUsageSeconds.Add(float64(entry.DeltaSeconds))
			continue
		}
		if err := core.accumulator.RecordUsage(ctx, record.ID, entry.DeltaSeconds); err != nil {
			return fmt.Errorf("failed to record usage delta for %s: %w", record.ID, err)
		}
	}
	return nil
}

func checkThresholds(ctx context.Context, core *core) (int, error) {
	active, err := core.limits.List(ctx, true)
	if err != nil {
		return 0, err
	}

	blocked := 0
	for _, record := range active {
		minutes, err := core.accumulator.UsageMinutes(ctx, record.ID)
		if err != nil {
			return blocked, err
		}

		raised, err := core.shield.EvaluateBlock(ctx, record.ID, episodeHashFor(record), record.DisplayName, minutes, record.DailyLimitMinutes)
		if err != nil {
			return blocked, err
		}
		if raised {
			blocked++
		}
	}
	return blocked, nil
}

// episodeHashFor derives the episode key for a limit from a live
// handle when the snapshot carries one, falling back to the limit ID.
// The hash is only meaningful within this process burst; cross-process
// matching goes through the limit ID carried in the episode record.
func episodeHashFor(record sharedstate.LimitRecord) string {
	if len(record.IdentitySnapshot.Tokens) > 0 {
		return identity.HandleFromToken(record.IdentitySnapshot.Tokens[0]).Hash()
	}
	return record.ID
}
