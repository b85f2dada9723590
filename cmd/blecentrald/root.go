package main

import (
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/blecentral/internal/config"
	"github.com/signalsfoundry/blecentral/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "blecentrald",
		Short: "BLE central connection engine",
		Long: `blecentrald manages connections to BLE peripherals: it connects on request,
retries failed attempts and reconnects dropped links according to the
configured reconnect policy, and serializes GATT operations per peripheral.

Configuration is read from an optional TOML file and BLECENTRAL_ environment
variables (BLECENTRAL_POLICY_RETRY__LIMIT sets policy.retry_limit).`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a TOML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "override logging.format (text, json)")

	cmd.AddCommand(newServeCmd(opts), newSimulateCmd(opts))
	return cmd
}

// load reads the configuration, applies flag overrides and the command's
// own adjustments, then validates.
func (o *rootOptions) load(adjust func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Decode(o.configPath)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(cfg)
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) logging.Logger {
	lc := cfg.Logging.Options()
	lc.Output = cmd.ErrOrStderr()
	return logging.New(lc)
}
