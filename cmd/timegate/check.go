package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/goodtune/timegate/internal/sharedstate"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check limit decisions interactively",
	Long:  `Check what timegate would decide for an application right now, from the same shared state the processes read.`,
}

var checkStatusCmd = &cobra.Command{
	Use:   "status [flags] NAME",
	Short: "Check the block status of an application",
	Long:  `Check whether an application is within its daily limit, blocked, or covered by an active grant window.`,
	Example: `  timegate -c config.yaml check status "Instagram"
  timegate check status youtube`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckStatus,
}

var checkDashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show the published usage aggregates",
	Long:  `Show the read-only totals the reporter last published for the dashboard.`,
	RunE:  runCheckDashboard,
}

func init() {
	checkCmd.AddCommand(checkStatusCmd)
	checkCmd.AddCommand(checkDashboardCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckStatus(cmd *cobra.Command, args []string) error {
	name := args[0]

	core, err := quietCore()
	if err != nil {
		return err
	}
	defer core.Close()

	ctx := cmd.Context()
	record, err := core.limits.FindByName(ctx, name)
	if err != nil {
		return err
	}
	if record == nil {
		fmt.Printf("No limit registered for %q\n", name)
		return nil
	}

	minutes, err := core.accumulator.UsageMinutes(ctx, record.ID)
	if err != nil {
		return err
	}

	grant, err := activeGrantForLimit(ctx, core, record.ID)
	if err != nil {
		return err
	}

	printStatusResult(record, minutes, grant)
	return nil
}

func runCheckDashboard(cmd *cobra.Command, args []string) error {
	core, err := quietCore()
	if err != nil {
		return err
	}
	defer core.Close()

	ctx := cmd.Context()
	total, perApp, err := core.sync.Aggregates(ctx)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Println("TODAY'S SCREEN TIME")
	fmt.Printf("Total: %d minutes\n\n", total)
	for _, app := range perApp {
		fmt.Printf("  %-24s %d min\n", app.DisplayName, app.Minutes)
	}
	return nil
}

// activeGrantForLimit scans the live grant fragments for one covering
// the limit. Matching is by limit ID; episode hashes are not comparable
// across processes.
func activeGrantForLimit(ctx context.Context, core *core, limitID string) (*sharedstate.UnlockEpisode, error) {
	grants, err := core.sync.Grants(ctx)
	if err != nil {
		return nil, err
	}
	now := core.sync.Clock().Now()
	for i := range grants {
		if grants[i].State != sharedstate.EpisodeActiveGrant || grants[i].ExpiredAt(now) {
			continue
		}
		if grants[i].LimitID == limitID {
			return &grants[i], nil
		}
	}
	return nil, nil
}

func printStatusResult(record *sharedstate.LimitRecord, usedMinutes int, grant *sharedstate.UnlockEpisode) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("LIMIT STATUS CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Name:        %s\n", record.DisplayName)
	fmt.Printf("Limit ID:    %s\n", record.ID)
	fmt.Printf("Daily limit: %d minutes\n", record.DailyLimitMinutes)
	fmt.Printf("Used today:  %d minutes\n", usedMinutes)
	fmt.Println()

	cyan.Print("Decision:    ")
	switch {
	case !record.IsActive:
		green.Println("NOT ENFORCED")
		fmt.Println("             → Limit is disabled")
	case grant != nil:
		yellow.Println("TEMPORARILY UNBLOCKED")
		switch grant.SourceMode {
		case sharedstate.GrantOneSession:
			fmt.Println("             → Grant lasts until the app is backgrounded")
		default:
			fmt.Printf("             → Grant expires at %s\n", grant.GrantExpiresAt.Format("15:04"))
		}
	case usedMinutes >= record.DailyLimitMinutes:
		red.Println("BLOCKED")
		fmt.Println("             → Daily limit reached")
		fmt.Println("             → Solving a puzzle can grant more time")
	default:
		green.Println("ALLOWED")
		fmt.Printf("             → %d minutes remaining\n", record.DailyLimitMinutes-usedMinutes)
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
