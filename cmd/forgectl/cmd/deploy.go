package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/edgeforge-io/edgeforge/internal/plan"
	"github.com/edgeforge-io/edgeforge/internal/station"
)

var (
	deployModels    []string
	deployNoModels  []string
	deploySteps     []string
	deploySkipSteps []string
	deployFlowsFile string
	deployNoWait    bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy <device-id>",
	Short: "Start a deployment and follow it to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := station.Request{
			DeviceID: args[0],
			Models:   choiceMap(deployModels, deployNoModels),
			Steps:    choiceMap(deploySteps, deploySkipSteps),
		}
		if deployFlowsFile != "" {
			data, err := os.ReadFile(deployFlowsFile)
			if err != nil {
				return fmt.Errorf("read flow document: %w", err)
			}
			req.FlowDocument = data
		}

		runID, err := client.StartDeployment(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s started\n", runID)

		if deployNoWait {
			return nil
		}
		return followRun(cmd, runID)
	},
}

// choiceMap folds include/exclude flag lists into explicit choices.
func choiceMap(include, exclude []string) map[string]bool {
	if len(include) == 0 && len(exclude) == 0 {
		return nil
	}
	m := make(map[string]bool, len(include)+len(exclude))
	for _, name := range include {
		m[name] = true
	}
	for _, name := range exclude {
		m[name] = false
	}
	return m
}

// followRun polls the run until it finishes, printing step transitions
// and transfer progress.
func followRun(cmd *cobra.Command, runID string) error {
	var (
		out      = cmd.OutOrStdout()
		lastStep string
		lastPct  = -1
	)

	for {
		view, err := client.Deployment(cmd.Context(), runID)
		if err != nil {
			return err
		}

		if view.Live != nil {
			if view.Live.StepID != lastStep {
				lastStep = view.Live.StepID
				lastPct = -1
				fmt.Fprintf(out, "  %s...\n", lastStep)
			}
			if view.Live.BytesTotal > 0 {
				pct := int(view.Live.BytesDone * 100 / view.Live.BytesTotal)
				if pct/10 > lastPct/10 {
					lastPct = pct
					fmt.Fprintf(out, "    %d%% (%d/%d bytes)\n", pct, view.Live.BytesDone, view.Live.BytesTotal)
				}
			}
		}

		if view.Status != plan.RunInProgress {
			printRun(cmd, view)
			if view.Status != plan.RunCompleted {
				return fmt.Errorf("run %s %s: %s", runID, view.Status, view.Error)
			}
			return nil
		}

		select {
		case <-cmd.Context().Done():
			return context.Cause(cmd.Context())
		case <-time.After(time.Second):
		}
	}
}

func printRun(cmd *cobra.Command, view *station.RunView) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s on %s: %s\n", view.RunID, view.DeviceID, view.Status)

	table := uitable.New()
	table.AddRow("STEP", "STATE", "ERROR")
	for _, s := range view.Steps {
		detail := s.Detail
		if detail == "" {
			detail = s.ErrorKind
		}
		table.AddRow(s.ID, string(s.State), detail)
	}
	fmt.Fprintln(out, table)
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the status of a deployment run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := client.Deployment(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printRun(cmd, view)
		return nil
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort <run-id>",
	Short: "Abort an in-flight deployment run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.Abort(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s aborted\n", args[0])
		return nil
	},
}

func init() {
	deployCmd.Flags().StringArrayVar(&deployModels, "model", nil, "Model to include (repeatable)")
	deployCmd.Flags().StringArrayVar(&deployNoModels, "no-model", nil, "Model to exclude (repeatable)")
	deployCmd.Flags().StringArrayVar(&deploySteps, "step", nil, "Optional step to run (repeatable)")
	deployCmd.Flags().StringArrayVar(&deploySkipSteps, "skip-step", nil, "Optional step to skip (repeatable)")
	deployCmd.Flags().StringVar(&deployFlowsFile, "flows", "", "Flow document file for network devices")
	deployCmd.Flags().BoolVar(&deployNoWait, "no-wait", false, "Return immediately instead of following the run")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(abortCmd)
}
