package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/devstack/internal/engine"
	"github.com/codex-k8s/devstack/internal/fsutil"
	"github.com/codex-k8s/devstack/internal/manifest"
	"github.com/codex-k8s/devstack/internal/project"
)

// newRenderCommand creates the "render" subcommand that previews the generated compose files.
func newRenderCommand(opts *Options) *cobra.Command {
	var (
		name          string
		stackID       string
		services      []string
		withOptional  bool
		domain        string
		appName       string
		environment   string
		printManifest bool
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render compose files for a stack without registering a project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			vars, err := projectVars(cmd.Flag("vars").Value.String(), cmd.Flag("var-file").Value.String())
			if err != nil {
				return err
			}
			if name == "" {
				dir, err := filepath.Abs(opts.Dir)
				if err != nil {
					return err
				}
				name = filepath.Base(dir)
			}

			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			resolved, err := a.resolver.Resolve(stackID)
			if err != nil {
				return fmt.Errorf("resolve manifest: %w", err)
			}
			if printManifest {
				data, err := resolved.Marshal()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}

			selection := resolved.DefaultSelection(withOptional)
			if len(services) > 0 {
				if selection, err = manifest.ParseServiceIDs(services); err != nil {
					return err
				}
			}
			if domain == "" {
				domain = engine.Slugify(name) + a.settings.DomainSuffix
			}
			res, err := a.engine.Synthesize(engine.Request{
				Manifest:    resolved,
				Services:    selection,
				Project:     engine.ProjectConfig{Name: name, Domain: domain, App: appName, Vars: vars},
				Environment: environment,
			})
			if err != nil {
				return fmt.Errorf("synthesize: %w", err)
			}
			files, err := res.Files()
			if err != nil {
				return err
			}

			outputDir := cmd.Flag("output").Value.String()
			if outputDir == "" {
				out := cmd.OutOrStdout()
				for _, f := range []struct {
					name string
					data []byte
				}{
					{project.BaseFile, files.Base},
					{project.DevFile, files.DevOverlay},
					{project.EnvFile, files.Env},
				} {
					if _, err := fmt.Fprintf(out, "# %s\n%s\n", f.name, f.data); err != nil {
						return err
					}
				}
				return nil
			}

			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return fmt.Errorf("create output directory %q: %w", outputDir, err)
			}
			for fileName, data := range map[string][]byte{
				project.BaseFile: files.Base,
				project.DevFile:  files.DevOverlay,
				project.EnvFile:  files.Env,
			} {
				outPath := filepath.Join(outputDir, fileName)
				if err := fsutil.WriteFileAtomic(outPath, data, 0o644); err != nil {
					return fmt.Errorf("write rendered file to %q: %w", outPath, err)
				}
			}

			logger.Info("rendered compose files", "dir", outputDir, "stack", resolved.StackID(), "warnings", len(res.Warnings))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Project name (defaults to the directory name)")
	cmd.Flags().StringVar(&stackID, "stack", "", "Stack template id")
	cmd.Flags().StringSliceVar(&services, "services", nil, "Services as category.service (defaults to the stack defaults)")
	cmd.Flags().BoolVar(&withOptional, "with-optional", false, "Include default optional services when --services is empty")
	cmd.Flags().StringVar(&domain, "domain", "", "Proxy domain")
	cmd.Flags().StringVar(&appName, "app", "", "App name used to namespace port allocations")
	cmd.Flags().StringVar(&environment, "env", "", "Environment name exposed as {{ENVIRONMENT}}")
	cmd.Flags().BoolVar(&printManifest, "manifest", false, "Print the resolved stack manifest instead of compose files")
	cmd.Flags().StringP("output", "o", "", "Output directory for rendered files (if empty, prints to stdout)")
	cmd.Flags().String("vars", "", "Additional variables in k=v,k2=v2 format")
	cmd.Flags().String("var-file", "", "Path to YAML/ENV file with additional variables")
	_ = cmd.MarkFlagRequired("stack")

	return cmd
}
