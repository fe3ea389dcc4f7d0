package cmd

import (
	"fmt"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the devices the station can provision",
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := client.Devices(cmd.Context())
		if err != nil {
			return err
		}

		table := uitable.New()
		table.AddRow("ID", "NAME", "TYPE")
		for _, d := range devices {
			table.AddRow(d.ID, d.Name, d.Type)
		}
		fmt.Fprintln(cmd.OutOrStdout(), table)
		return nil
	},
}

var detectCmd = &cobra.Command{
	Use:   "detect <device-id>",
	Short: "Probe for an attached device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := client.Detect(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Device %q detected at %s\n", args[0], result.Target)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(detectCmd)
}
