package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/oxplot/go-pdport/config"
	"github.com/oxplot/go-pdport/internal/logging"
)

type rootOptions struct {
	logLevel string
	logJSON  bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "pdsim",
		Short: "USB-PD port controller simulator",
		Long: `pdsim runs the port controller application layer against simulated boards
and port partners.

The simulated partners are described in the configuration file next to the
ports they are plugged into. Events, faults and swaps can be recorded to a
trace file and exported as Prometheus metrics while the simulation runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Empty means the level of the configuration file.
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "Log as JSON")

	cmd.AddCommand(
		newRunCmd(opts),
		newTraceCmd(),
		newConfigCmd(),
	)
	return cmd
}

// logger returns the logger for cfg, with the --log-level flag taking
// precedence over the configured level.
func (o *rootOptions) logger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, error) {
	name := o.logLevel
	if name == "" {
		name = cfg.LogLevel
	}
	level, err := logging.ParseLevel(name)
	if err != nil {
		return nil, err
	}
	return logging.NewWriter(cmd.ErrOrStderr(), level, o.logJSON), nil
}

// loadConfig loads, validates and normalizes the configuration at path. An
// empty path gives the default configuration.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}
