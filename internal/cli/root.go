// Package cli implements the sketchflow-sync command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/appedme/sketchflow-sub001/internal/config"
	"github.com/appedme/sketchflow-sub001/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string

	cfg *config.Config
}

// Config returns the configuration loaded before the command ran.
func (o *RootOptions) Config() *config.Config {
	return o.cfg
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "sketchflow-sync",
		Short: "Workspace cache and auto-save sync engine",
		Long: `sketchflow-sync drives the workspace sync engine against a persistence
gateway: it saves edited entities, reconciles content parked in the local
fallback store and follows remote changes.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if opts.LogLevel != "" {
				cfg.Log.Level = opts.LogLevel
			}
			if opts.LogFormat != "" {
				cfg.Log.Format = opts.LogFormat
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := logging.Init(cfg.Logging()); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logging.Sync()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (json|console)")

	cmd.AddCommand(NewFallbackCommand(opts))
	cmd.AddCommand(NewEditCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}
