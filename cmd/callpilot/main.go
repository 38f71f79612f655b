package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ent0n29/callpilot/internal/config"
	"github.com/ent0n29/callpilot/internal/observability"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string

	cfg config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "callpilot",
		Short:         "Real-time voice agent for telephony calls",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.configFile
			if path == "" {
				path = strings.TrimSpace(os.Getenv("CALLPILOT_CONFIG_FILE"))
			}
			cfg, err := config.LoadFrom(path)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = opts.logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = opts.logFormat
			}
			if err := observability.SetupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML config file (overrides CALLPILOT_CONFIG_FILE)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (trace|debug|info|warn|error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (console|json)")

	root.AddCommand(newServeCmd(opts), newEventsCmd(opts), newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("callpilot failed")
		os.Exit(1)
	}
}
