package cli

import (
	"log/slog"

	"github.com/me/taskgraph/internal/config"
	"github.com/me/taskgraph/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	cfg    config.Config
)

// NewRootCmd creates the root cobra command for the taskgraph CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskgraph",
		Short: "taskgraph runs dependency-ordered multi-step workflows",
		Long: `taskgraph runs workflows of steps delegated to workers, in batches that
respect step dependencies, with retries, checkpoints and resumable runs.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(flagConfig); err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = flagLogLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = flagLogFormat
			}
			if flagDebug {
				cfg.LogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, cmd.ErrOrStderr())
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML config file (TASKGRAPH_* env vars override it)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newResumeCmd(),
		newValidateCmd(),
		newInitCmd(),
		newCheckpointsCmd(),
		newRunsCmd(),
		newServeCmd(),
	)

	return root
}

