package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/goodtune/timegate/internal/config"
	"github.com/goodtune/timegate/internal/identity"
	"github.com/goodtune/timegate/internal/limits"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	limitsMinutes int
	limitsTokens  []string
	limitsAll     bool
)

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Manage the monitored-application registry",
	Long: `Manage the registry of daily limits. Changes take effect on the next
burst of whichever process reads them; no process is signalled.`,
}

var limitsAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a daily limit for an application",
	Long: `Register a daily limit. A limit with the same name (compared
case-insensitively) is replaced. Identity tokens captured at selection time
seed the matching snapshot; without them, matching falls back to the observed
name.`,
	Example: `  timegate limits add "Instagram" --minutes 60
  timegate limits add "YouTube" --minutes 45 --identity-token tok1 --identity-token tok2`,
	Args: cobra.ExactArgs(1),
	RunE: runLimitsAdd,
}

var limitsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered limits and today's usage",
	RunE:  runLimitsList,
}

var limitsRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a limit and its usage record",
	Args:  cobra.ExactArgs(1),
	RunE:  runLimitsRemove,
}

var limitsEnableCmd = &cobra.Command{
	Use:   "enable ID",
	Short: "Resume enforcing a limit",
	Args:  cobra.ExactArgs(1),
	RunE:  makeLimitsToggle(true),
}

var limitsDisableCmd = &cobra.Command{
	Use:   "disable ID",
	Short: "Stop enforcing a limit without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE:  makeLimitsToggle(false),
}

var limitsSetCmd = &cobra.Command{
	Use:   "set ID MINUTES",
	Short: "Change a limit's daily allowance",
	Args:  cobra.ExactArgs(2),
	RunE:  runLimitsSet,
}

var limitsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Roll stale usage records forward to today",
	Long: `Roll any usage record still stamped with a previous day forward.
Rollover also happens lazily on every access; this just forces a pass.`,
	RunE: runLimitsReset,
}

func init() {
	limitsAddCmd.Flags().IntVar(&limitsMinutes, "minutes", 0, "Daily allowance in minutes (required)")
	_ = limitsAddCmd.MarkFlagRequired("minutes")
	limitsAddCmd.Flags().StringArrayVar(&limitsTokens, "identity-token", nil, "Identity token captured at selection time (repeatable)")

	limitsListCmd.Flags().BoolVar(&limitsAll, "all", false, "Include disabled limits")

	limitsCmd.AddCommand(limitsAddCmd)
	limitsCmd.AddCommand(limitsListCmd)
	limitsCmd.AddCommand(limitsRemoveCmd)
	limitsCmd.AddCommand(limitsEnableCmd)
	limitsCmd.AddCommand(limitsDisableCmd)
	limitsCmd.AddCommand(limitsSetCmd)
	limitsCmd.AddCommand(limitsResetCmd)
	rootCmd.AddCommand(limitsCmd)
}

func runLimitsAdd(cmd *cobra.Command, args []string) error {
	name := args[0]

	core, err := quietCore()
	if err != nil {
		return err
	}
	defer core.Close()

	handles := make([]identity.Handle, 0, len(limitsTokens))
	for _, token := range limitsTokens {
		handles = append(handles, identity.HandleFromToken(token))
	}

	id, err := core.limits.Create(cmd.Context(), name, limitsMinutes, identity.NewSnapshot(handles...))
	if err != nil {
		return err
	}
	fmt.Printf("Created limit %s (%s, %d min/day)\n", id, name, limitsMinutes)
	return nil
}

func runLimitsList(cmd *cobra.Command, args []string) error {
	core, err := quietCore()
	if err != nil {
		return err
	}
	defer core.Close()

	ctx := cmd.Context()
	records, err := core.limits.List(ctx, !limitsAll)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLIMIT\tUSED TODAY\tACTIVE")
	for _, record := range records {
		minutes, err := core.accumulator.UsageMinutes(ctx, record.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%d min\t%d min\t%t\n",
			record.ID, record.DisplayName, record.DailyLimitMinutes, minutes, record.IsActive)
	}
	return w.Flush()
}

func runLimitsRemove(cmd *cobra.Command, args []string) error {
	core, err := quietCore()
	if err != nil {
		return err
	}
	defer core.Close()

	if err := core.limits.Remove(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed limit %s\n", args[0])
	return nil
}

func makeLimitsToggle(active bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		core, err := quietCore()
		if err != nil {
			return err
		}
		defer core.Close()

		err = core.limits.Update(cmd.Context(), args[0], limitsPatchActive(active))
		if err != nil {
			return err
		}
		if active {
			fmt.Printf("Enabled limit %s\n", args[0])
		} else {
			fmt.Printf("Disabled limit %s\n", args[0])
		}
		return nil
	}
}

func runLimitsSet(cmd *cobra.Command, args []string) error {
	minutes, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid minutes value: %s", args[1])
	}

	core, err := quietCore()
	if err != nil {
		return err
	}
	defer core.Close()

	if err := core.limits.Update(cmd.Context(), args[0], limitsPatchMinutes(minutes)); err != nil {
		return err
	}
	fmt.Printf("Updated limit %s to %d min/day\n", args[0], minutes)
	return nil
}

func runLimitsReset(cmd *cobra.Command, args []string) error {
	core, err := quietCore()
	if err != nil {
		return err
	}
	defer core.Close()

	count, err := core.accumulator.ResetAllForNewDay(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Reset %d usage record(s)\n", count)
	return nil
}

func limitsPatchActive(active bool) limits.Patch {
	return limits.Patch{IsActive: &active}
}

func limitsPatchMinutes(minutes int) limits.Patch {
	return limits.Patch{DailyLimitMinutes: &minutes}
}

// quietCore builds the protocol stack with an error-level logger, for
// admin commands whose output is the result itself.
func quietCore() (*core, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := quietLogger()
	log.Logger = logger
	return buildCore(cfg, logger)
}
