// Package app assembles the stationd command: flag and config file
// handling around the station runtime.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/edgeforge-io/edgeforge/internal/station"
	"github.com/edgeforge-io/edgeforge/pkg/log"
)

const commandDesc = `The EdgeForge station daemon provisions edge AI devices attached to this
host: it detects them over USB-serial or the local network, flashes firmware
and model payloads, deploys flow documents, and exposes a REST API plus an
MQTT event bridge for frontends and dashboards.`

// NewCommand builds the stationd root command.
func NewCommand() *cobra.Command {
	cfg := station.NewConfig()
	logOpts := log.NewOptions()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "stationd",
		Short:         "Run the EdgeForge provisioning station",
		Long:          commandDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfgFile); err != nil {
				return err
			}
			if errs := append(cfg.Validate(), logOpts.Validate()...); len(errs) > 0 {
				return fmt.Errorf("invalid configuration: %v", errs)
			}

			log.Init(logOpts)

			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to the stationd configuration file.")
	cfg.AddFlags(cmd.Flags())
	logOpts.AddFlags(cmd.Flags())

	return cmd
}

// loadConfig layers an optional config file and EDGEFORGE_* environment
// variables under the command line flags.
func loadConfig(cmd *cobra.Command, cfgFile string) error {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("stationd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/edgeforge")
		v.AddConfigPath("$HOME/.edgeforge")
	}

	v.SetEnvPrefix("EDGEFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// The config file is optional unless named explicitly.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	// Flags the user did not set take their values from the file or
	// the environment.
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := f.Value.Set(v.GetString(f.Name)); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("apply config value for --%s: %w", f.Name, err)
		}
	})
	return bindErr
}

func run(cfg *station.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := cfg.NewStation()
	if err != nil {
		return fmt.Errorf("build station: %w", err)
	}

	log.Info("stationd starting", "http", cfg.HttpOptions.Addr, "descriptors", cfg.DescriptorDir)
	return st.Run(ctx)
}
