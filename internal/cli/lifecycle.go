package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/devstack/internal/lifecycle"
)

// projectAction runs fn against the project in opts.Dir.
func projectAction(opts *Options, verb string, fn func(ctx context.Context, a *app, p *lifecycle.Project) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		logger := LoggerFromContext(cmd.Context())

		a, err := newApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		p, err := a.open(cmd.Context(), opts)
		if err != nil {
			return err
		}
		if err := fn(cmd.Context(), a, p); err != nil {
			return err
		}
		logger.Info("project "+verb, "project", p.Name(), "state", p.Config.State)
		return nil
	}
}

// newStartCommand creates the "start" subcommand that brings a project up.
func newStartCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the project's containers and publish its proxy route",
		RunE: projectAction(opts, "started", func(ctx context.Context, a *app, p *lifecycle.Project) error {
			return a.orch.Start(ctx, p)
		}),
	}
}

// newStopCommand creates the "stop" subcommand that takes a project down.
func newStopCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the project's containers, keeping its ports reserved",
		RunE: projectAction(opts, "stopped", func(ctx context.Context, a *app, p *lifecycle.Project) error {
			return a.orch.Stop(ctx, p)
		}),
	}
}

// newRebuildCommand creates the "rebuild" subcommand that rebuilds images and restarts.
func newRebuildCommand(opts *Options) *cobra.Command {
	var rebuild lifecycle.RebuildOptions

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Stop, rebuild images and start the project again",
		RunE: projectAction(opts, "rebuilt", func(ctx context.Context, a *app, p *lifecycle.Project) error {
			return a.orch.Rebuild(ctx, p, rebuild)
		}),
	}

	cmd.Flags().BoolVar(&rebuild.NoCache, "no-cache", false, "Build images without cache")
	return cmd
}

// newRepairCommand creates the "repair" subcommand that clears the error state.
func newRepairCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Remove leftover containers of a failed project and mark it ready",
		RunE: projectAction(opts, "repaired", func(ctx context.Context, a *app, p *lifecycle.Project) error {
			return a.orch.Repair(ctx, p)
		}),
	}
}
