// Package cli defines the command-line interface for devstack.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/devstack/internal/logging"
)

// Options stores global CLI options shared between commands.
type Options struct {
	// Dir is the project directory commands operate on.
	Dir      string
	LogLevel logging.Level
}

// Execute builds the root command, runs it with the provided context, args and logger, and returns any error.
func Execute(ctx context.Context, args []string, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewLogger(os.Stderr, logging.LevelInfo)
	}

	rootOpts := &Options{
		Dir:      ".",
		LogLevel: logging.LevelInfo,
	}

	rootCmd := newRootCommand(rootOpts, logger)
	rootCmd.SetArgs(args)

	return rootCmd.ExecuteContext(ctx)
}

// newRootCommand constructs the root cobra.Command with global flags and subcommands.
func newRootCommand(opts *Options, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "devstack",
		Short:         "devstack manages docker compose dev environments for many projects",
		Long:          "devstack generates docker compose stacks from layered templates, allocates conflict-free host ports across projects and routes every project through one shared reverse proxy.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			levelValue := cmd.Flag("log-level").Value.String()
			if !cmd.Flags().Changed("log-level") {
				var envCfg baseEnv
				if err := parseEnv(&envCfg); err != nil {
					return err
				}
				if envCfg.LogLevel != "" {
					levelValue = envCfg.LogLevel
				}
			}
			level := logging.ParseLevel(levelValue)
			opts.LogLevel = level
			logger = logging.NewLogger(os.Stderr, level)
			cmd.SetContext(context.WithValue(cmd.Context(), loggerKey{}, logger))
			logger.Debug("logger initialized", "level", level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Dir, "dir", "C", ".", "Project directory")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newInitCommand(opts),
		newRenderCommand(opts),
		newStartCommand(opts),
		newStopCommand(opts),
		newRebuildCommand(opts),
		newRepairCommand(opts),
		newStatusCommand(opts),
		newLogsCommand(opts),
		newExecCommand(opts),
		newDoctorCommand(opts),
		newGroupCommand("projects", "Inspect the global project registry",
			newProjectsListCommand(),
			newProjectsCleanupCommand(),
		),
		newGroupCommand("proxy", "Manage the shared reverse proxy",
			newProxyUpCommand(),
			newProxyDownCommand(),
			newProxyRoutesCommand(),
		),
	)

	return cmd
}

// loggerKey is a private context key used to store a logger in command contexts.
type loggerKey struct{}

// LoggerFromContext extracts a logger from the context or falls back to a default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return logging.NewLogger(os.Stderr, logging.LevelInfo)
	}
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return logging.NewLogger(os.Stderr, logging.LevelInfo)
}

// newGroupCommand builds a parent command that only groups subcommands and
// prints its help when run without one.
func newGroupCommand(use, short string, subcommands ...*cobra.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(subcommands...)
	return cmd
}
