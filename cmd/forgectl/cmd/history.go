package cmd

import (
	"fmt"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

var (
	historyDevice string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent deployment runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := client.History(cmd.Context(), historyDevice, historyLimit)
		if err != nil {
			return err
		}

		table := uitable.New()
		table.AddRow("RUN", "DEVICE", "STATUS", "STARTED", "DURATION")
		for _, r := range records {
			duration := ""
			if !r.FinishedAt.IsZero() {
				duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
			}
			table.AddRow(r.RunID, r.DeviceID, string(r.Status), r.StartedAt.Format(time.RFC3339), duration)
		}
		fmt.Fprintln(cmd.OutOrStdout(), table)
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyDevice, "device", "", "Only show runs for this device")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to list")
	rootCmd.AddCommand(historyCmd)
}
