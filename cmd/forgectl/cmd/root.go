// Package cmd implements the forgectl CLI: an operator-facing client
// for the station daemon's REST API.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string

	// client is set during PersistentPreRun; tests may replace it.
	client *Client
)

var rootCmd = &cobra.Command{
	Use:   "forgectl",
	Short: "EdgeForge CLI: detect, flash and provision edge AI devices",
	Long: `ForgeCtl talks to a running stationd instance. It lists the devices the
station knows about, probes for attached hardware, starts deployments and
follows their progress, and browses deployment history.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if client == nil {
			client = NewClient(serverURL)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// SetClient allows tests to inject a scripted client target.
func SetClient(c *Client) {
	client = c
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://127.0.0.1:3260", "Base URL of the station daemon")
}
