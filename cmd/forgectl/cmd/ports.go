package cmd

import (
	"fmt"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports attached to this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := enumerator.GetDetailedPortsList()
		if err != nil {
			return fmt.Errorf("enumerate serial ports: %w", err)
		}

		table := uitable.New()
		table.AddRow("PORT", "USB", "VID", "PID", "SERIAL")
		for _, p := range ports {
			usb := ""
			if p.IsUSB {
				usb = "yes"
			}
			table.AddRow(p.Name, usb, p.VID, p.PID, p.SerialNumber)
		}
		fmt.Fprintln(cmd.OutOrStdout(), table)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
}
