package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"kfp-notebook-bridge/internal/models"
)

var (
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Inspect and control pipeline runs",
	}

	runGetCmd = &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunGet,
	}

	runWatchCmd = &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run until it reaches a final state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchRun(cmd, args[0])
		},
	}

	terminateCmd = &cobra.Command{
		Use:   "terminate <run-id>",
		Short: "Ask KFP to stop a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return current.client.Terminate(cmd.Context(), args[0], statusPrinter(cmd))
		},
	}

	experimentsCmd = &cobra.Command{
		Use:   "experiments",
		Short: "List experiments in the configured namespace",
		RunE:  runExperiments,
	}

	dashboardCmd = &cobra.Command{
		Use:   "dashboard [run-id]",
		Short: "Print the URL of the proxied KFP dashboard",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			fmt.Fprintln(cmd.OutOrStdout(), current.client.DashboardURL(runID))
			return nil
		},
	}
)

func init() {
	runCmd.AddCommand(runGetCmd, runWatchCmd)
	rootCmd.AddCommand(runCmd, terminateCmd, experimentsCmd, dashboardCmd)
}

func runRunGet(cmd *cobra.Command, args []string) error {
	run, err := current.client.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(cmd, run)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:      %s\n", run.RunID)
	if run.DisplayName != "" {
		fmt.Fprintf(out, "Name:     %s\n", run.DisplayName)
	}
	fmt.Fprintf(out, "State:    %s\n", run.State)
	if run.CreatedAt != nil {
		fmt.Fprintf(out, "Created:  %s\n", run.CreatedAt.Format(time.RFC3339))
	}
	if run.FinishedAt != nil && !run.FinishedAt.IsZero() {
		fmt.Fprintf(out, "Finished: %s\n", run.FinishedAt.Format(time.RFC3339))
	}
	return nil
}

func watchRun(cmd *cobra.Command, runID string) error {
	out := cmd.OutOrStdout()
	var last models.RunEvent
	err := current.client.WatchRun(cmd.Context(), runID, func(ev models.RunEvent) {
		last = ev
		if flagJSON {
			_ = printJSON(cmd, ev)
			return
		}
		if ev.State != "" {
			fmt.Fprintf(out, "[%s] %s\n", (time.Duration(ev.ElapsedMs) * time.Millisecond).Round(time.Second), ev.State)
		}
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	if last.State == "FAILED" || last.State == "ERROR" {
		return fmt.Errorf("run %s finished in state %s", runID, last.State)
	}
	return nil
}

func runExperiments(cmd *cobra.Command, args []string) error {
	cfg := current.sync.GetConfig(cmd.Context())
	list, err := current.client.ListExperiments(cmd.Context(), cfg.Namespace)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(cmd, list)
	}
	if len(list.Experiments) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No experiments in namespace %s\n", cfg.Namespace)
		return nil
	}
	for _, e := range list.Experiments {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", e.ExperimentID, e.DisplayName)
	}
	return nil
}
