package cli

import (
	"github.com/spf13/cobra"

	"github.com/codex-k8s/devstack/internal/docker"
)

// newLogsCommand creates the "logs" subcommand that prints service logs.
func newLogsCommand(opts *Options) *cobra.Command {
	var logs docker.LogsOptions

	cmd := &cobra.Command{
		Use:   "logs [service...]",
		Short: "Print logs of the project's services",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			p, err := a.open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			logs.Services = args
			_, err = a.tool.Logs(cmd.Context(), p.Compose(), logs)
			return err
		},
	}

	cmd.Flags().BoolVarP(&logs.Follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVar(&logs.Tail, "tail", 0, "Number of lines to show from the end of the logs")
	return cmd
}

// newExecCommand creates the "exec" subcommand that runs a command in a service container.
func newExecCommand(opts *Options) *cobra.Command {
	var interactive bool

	cmd := &cobra.Command{
		Use:   "exec <service> -- <command> [args...]",
		Short: "Run a command inside a running service container",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			p, err := a.open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, err = a.tool.Exec(cmd.Context(), p.Compose(), args[0], args[1:], docker.ExecOptions{
				Interactive: interactive,
				Stdin:       cmd.InOrStdin(),
			})
			return err
		},
	}

	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Attach stdin and allocate a TTY")
	return cmd
}
