package main

import (
	"fmt"

	"github.com/goodtune/timegate/internal/config"
	"github.com/goodtune/timegate/internal/identity"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	shieldToken string
	shieldName  string
)

var shieldCmd = &cobra.Command{
	Use:   "shield",
	Short: "Handle a block-screen action",
	Long: `Handle one action taken on the block screen. The handler is launched by
the host per tap, does one write against the shared store, and exits. It may
be launched more than once for the same tap; every action here is idempotent.`,
}

var shieldRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Record that the user chose to solve a puzzle",
	Long: `Record a puzzle request for the blocked app. The main application picks
the request up on its next pass and presents the puzzle. If the shield process
cannot attribute the app to a limit, the request still carries the observed
name so the puzzle can be presented anyway.`,
	Example: `  timegate shield request --token <handle> --name "Instagram"`,
	RunE:    runShieldRequest,
}

var shieldStayCmd = &cobra.Command{
	Use:   "stay",
	Short: "Record that the user chose to stay blocked",
	RunE:  runShieldStay,
}

var shieldBackgroundedCmd = &cobra.Command{
	Use:   "backgrounded",
	Short: "Note that a temporarily unblocked app left the foreground",
	Long: `End a one-session grant when its app is backgrounded. Timed grants are
unaffected; they end by expiry in the sweep.`,
	RunE: runShieldBackgrounded,
}

func init() {
	for _, sub := range []*cobra.Command{shieldRequestCmd, shieldStayCmd, shieldBackgroundedCmd} {
		sub.Flags().StringVar(&shieldToken, "token", "", "Opaque identity handle for the blocked app (required)")
		_ = sub.MarkFlagRequired("token")
		shieldCmd.AddCommand(sub)
	}
	shieldRequestCmd.Flags().StringVar(&shieldName, "name", "", "Display name as shown on the block screen")
	rootCmd.AddCommand(shieldCmd)
}

func runShieldRequest(cmd *cobra.Command, args []string) error {
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
	handle := identity.HandleFromToken(shieldToken)

	// Best effort: attribution can fail in this process even when the
	// monitor attributed the same app, because the handle value differs
	// per process. The limit ID is what lets the other processes match
	// this episode, so resolve it here when possible.
	limitID := ""
	if record, err := core.limits.FindByIdentity(ctx, handle, shieldName); err == nil && record != nil {
		limitID = record.ID
	}

	if err := core.shield.RequestPuzzle(ctx, handle.Hash(), shieldName, limitID); err != nil {
		return err
	}
	fmt.Println("Puzzle request recorded")
	return nil
}

func runShieldStay(cmd *cobra.Command, args []string) error {
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

	handle := identity.HandleFromToken(shieldToken)
	return core.shield.Decline(cmd.Context(), handle.Hash())
}

func runShieldBackgrounded(cmd *cobra.Command, args []string) error {
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

	handle := identity.HandleFromToken(shieldToken)
	return core.shield.NoteBackgrounded(cmd.Context(), handle.Hash())
}
