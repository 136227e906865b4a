// Package cli implements the stagerun command line.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/stagerun/internal/config"
	"github.com/me/stagerun/internal/logging"
	"github.com/me/stagerun/pkg/model"
)

var (
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	cfg    config.Config
	logger *slog.Logger
)

// defaultConfigPath returns the config file named by STAGERUN_CONFIG, if any.
func defaultConfigPath() string {
	return os.Getenv("STAGERUN_CONFIG")
}

// NewRootCmd creates the root cobra command for the stagerun CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stagerun",
		Short: "stagerun runs staged processing pipelines",
		Long: `stagerun expands a pipeline of interdependent stages into jobs and runs
them sequentially, on a local worker pool, or on a batch cluster.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = loadConfig(cmd)
			if err != nil {
				return err
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, cmd.ErrOrStderr())
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", defaultConfigPath(), "Configuration file (or STAGERUN_CONFIG env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newDagCmd(),
	)

	return root
}

// loadConfig reads the configuration file, if any, and applies the flags the
// user set explicitly on top of it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	c := config.DefaultConfig()
	if flagConfig != "" {
		var err error
		if c, err = config.Load(flagConfig); err != nil {
			return c, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.LogLevel = flagLogLevel
	}
	if flags.Changed("log-format") {
		c.LogFormat = flagLogFormat
	}
	if flagDebug {
		c.LogLevel = "debug"
	}
	if flags.Changed("executor") {
		v, _ := flags.GetString("executor")
		c.Executor = model.ExecutorType(v)
	}
	return c, c.Validate()
}
