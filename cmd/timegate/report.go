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

var reportSnapshotPath string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Run one usage-reporting burst",
	Long: `Consume a coarse usage snapshot from the host and write authoritative
per-limit totals for today into the shared store, then publish the dashboard
aggregates. The reporter is scheduled by the host and does one bounded burst
of work per invocation.`,
	Example: `  timegate report --snapshot /var/run/timegate/host-usage.json`,
	RunE:    runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportSnapshotPath, "snapshot", "", "Path to the host usage snapshot (required)")
	_ = reportCmd.MarkFlagRequired("snapshot")
	rootCmd.AddCommand(reportCmd)
}

// hostUsageEntry is one application in the host's coarse usage report.
// Token is the raw opaque handle value as issued to this process; it
// is wrapped into a Handle immediately and never persisted directly.
type hostUsageEntry struct {
	Token   string `json:"token"`
	Name    string `json:"name"`
	Seconds int64  `json:"seconds"`
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	entries, err := readHostUsage(reportSnapshotPath)
	if err != nil {
		return err
	}

	core, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	ctx := cmd.Context()

	attributed := 0
	for _, entry := range entries {
		handle := identity.HandleFromToken(entry.Token)
		record, err := core.limits.FindByIdentity(ctx, handle, entry.Name)
		if err != nil {
			return fmt.Errorf("failed to resolve identity: %w", err)
		}
		if record == nil {
			// Routine: usage for an unmonitored or unmatchable app.
			metrics.UnattributedUsageSeconds.Add(float64(entry.Seconds))
			continue
		}

		if err := core.accumulator.SetUsage(ctx, record.ID, entry.Seconds); err != nil {
			return fmt.Errorf("failed to write usage snapshot for %s: %w", record.ID, err)
		}
		attributed++
	}

	if err := publishAggregates(ctx, core); err != nil {
		return err
	}

	logger.Info().
		Int("entries", len(entries)).
		Int("attributed", attributed).
		Msg("Usage report burst complete")
	return nil
}

func readHostUsage(path string) ([]hostUsageEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read host snapshot: %w", err)
	}
	var entries []hostUsageEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode host snapshot: %w", err)
	}
	return entries, nil
}

// publishAggregates writes the read-only dashboard values derived from
// today's accumulated usage.
func publishAggregates(ctx context.Context, core *core) error {
	limits, err := core.limits.List(ctx, false)
	if err != nil {
		return err
	}

	names, err := core.sync.Names(ctx)
	if err != nil {
		return err
	}

	total := 0
	perApp := make([]sharedstate.PerAppUsage, 0, len(limits))
	for _, record := range limits {
		minutes, err := core.accumulator.UsageMinutes(ctx, record.ID)
		if err != nil {
			return err
		}
		name := record.DisplayName
		if better, ok := names[record.ID]; ok && better != "" {
			name = better
		}
		total += minutes
		perApp = append(perApp, sharedstate.PerAppUsage{
			LimitID:     record.ID,
			DisplayName: name,
			Minutes:     minutes,
		})
	}

	return core.sync.PublishAggregates(ctx, total, perApp)
}
