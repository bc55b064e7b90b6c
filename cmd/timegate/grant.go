package main

import (
	"fmt"
	"time"

	"github.com/goodtune/timegate/internal/config"
	"github.com/goodtune/timegate/internal/sharedstate"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	grantHash    string
	grantMode    string
	grantMinutes int
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Apply a temporary unlock for a solved puzzle",
	Long: `Apply the grant for a puzzle the user just solved: write the grant
window to the shared store, clear the pending request, and lift the block.
The episode hash comes from the pending request listed by the main process.`,
	Example: `  timegate grant --hash 9f2c41d8a0b113e7 --mode extend --minutes 15
  timegate grant --hash 9f2c41d8a0b113e7 --mode session`,
	RunE: runGrant,
}

var grantDeclineCmd = &cobra.Command{
	Use:   "decline",
	Short: "Discard a pending puzzle request without unlocking",
	Long: `Discard a pending request when the user abandoned or failed the
puzzle. The app stays blocked.`,
	RunE: runGrantDecline,
}

func init() {
	grantCmd.Flags().StringVar(&grantHash, "hash", "", "Episode hash from the pending request (required)")
	_ = grantCmd.MarkFlagRequired("hash")
	grantCmd.Flags().StringVar(&grantMode, "mode", "extend", "Grant mode: extend or session")
	grantCmd.Flags().IntVar(&grantMinutes, "minutes", 0, "Extension length for extend mode (0 uses the configured default)")

	grantDeclineCmd.Flags().StringVar(&grantHash, "hash", "", "Episode hash from the pending request (required)")
	_ = grantDeclineCmd.MarkFlagRequired("hash")

	grantCmd.AddCommand(grantDeclineCmd)
	rootCmd.AddCommand(grantCmd)
}

func runGrant(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	var mode sharedstate.GrantMode
	switch grantMode {
	case "extend":
		mode = sharedstate.GrantExtendByMinutes
	case "session":
		mode = sharedstate.GrantOneSession
	default:
		return fmt.Errorf("unknown grant mode: %s (want extend or session)", grantMode)
	}

	core, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	episode, err := core.shield.ApplyGrant(cmd.Context(), grantHash, mode, time.Duration(grantMinutes)*time.Minute)
	if err != nil {
		return err
	}

	switch mode {
	case sharedstate.GrantExtendByMinutes:
		fmt.Printf("Unlocked until %s\n", episode.GrantExpiresAt.Format(time.Kitchen))
	case sharedstate.GrantOneSession:
		fmt.Println("Unlocked for this session")
	}
	return nil
}

func runGrantDecline(cmd *cobra.Command, args []string) error {
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

	return core.shield.Decline(cmd.Context(), grantHash)
}
