package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/devstack/internal/lifecycle"
)

// newInitCommand creates the "init" subcommand that generates and registers a project.
func newInitCommand(opts *Options) *cobra.Command {
	var req lifecycle.InitRequest

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate compose files for a project and register it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			vars, err := projectVars(cmd.Flag("vars").Value.String(), cmd.Flag("var-file").Value.String())
			if err != nil {
				return err
			}
			dir, err := filepath.Abs(opts.Dir)
			if err != nil {
				return err
			}
			req.Dir = dir
			req.Vars = vars
			if req.Name == "" {
				req.Name = filepath.Base(dir)
			}

			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			p, err := a.orch.Init(cmd.Context(), req)
			if err != nil {
				return err
			}

			logger.Info("project ready", "project", p.Name(), "domain", p.Config.Domain)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s in %s (http://%s)\n", p.Name(), p.Dir, p.Config.Domain)
			return err
		},
	}

	cmd.Flags().StringVar(&req.Name, "name", "", "Project name (defaults to the directory name)")
	cmd.Flags().StringVar(&req.Stack, "stack", "", "Stack template id (e.g. laravel, node)")
	cmd.Flags().StringSliceVar(&req.Services, "services", nil, "Services as category.service (defaults to the stack defaults)")
	cmd.Flags().BoolVar(&req.IncludeOptional, "with-optional", false, "Include default optional services when --services is empty")
	cmd.Flags().StringVar(&req.Domain, "domain", "", "Proxy domain (defaults to <slug> plus DEVSTACK_DOMAIN_SUFFIX)")
	cmd.Flags().StringVar(&req.App, "app", "", "App name used to namespace port allocations")
	cmd.Flags().StringVar(&req.Environment, "env", "", "Environment name exposed as {{ENVIRONMENT}}")
	cmd.Flags().String("vars", "", "Additional variables in k=v,k2=v2 format")
	cmd.Flags().String("var-file", "", "Path to YAML/ENV file with additional variables")
	cmd.Flags().StringArrayVar(&req.EnvFiles, "env-file", nil, "Dotenv file layered over the generated .env (repeatable)")
	_ = cmd.MarkFlagRequired("stack")

	return cmd
}
