package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newProjectsListCommand creates "projects list" that prints the registry.
func newProjectsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered projects and their ports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			list, err := a.orch.List(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATE\tSTACK\tPORTS\tPATH")
			for _, rec := range list.Projects {
				st := colorState(rec.State)
				if rec.Stale {
					st += " " + statusBad("(stale)")
				}
				ports := make([]string, 0, len(rec.Allocations))
				for key, port := range rec.Allocations {
					ports = append(ports, fmt.Sprintf("%s=%d", key, port))
				}
				sort.Strings(ports)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.Name, st, rec.Stack, strings.Join(ports, ","), rec.Path)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, c := range list.Conflicts {
				logger.Warn("host port shared by active projects", "port", c.Port, "projects", c.Projects)
			}
			return nil
		},
	}
}

// newProjectsCleanupCommand creates "projects cleanup" that drops stale records.
func newProjectsCleanupCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove projects whose directory no longer exists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			if !yes {
				stale, err := a.orch.Stale(cmd.Context())
				if err != nil {
					return err
				}
				if len(stale) == 0 {
					logger.Info("no stale projects")
					return nil
				}
				for _, rec := range stale {
					fmt.Fprintf(cmd.OutOrStdout(), "would remove %s (%s)\n", rec.Name, rec.Path)
				}
				logger.Info("re-run with --yes to remove", "count", len(stale))
				return nil
			}

			removed, err := a.orch.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("registry cleaned up", "removed", len(removed))
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Remove without asking for confirmation")
	return cmd
}
