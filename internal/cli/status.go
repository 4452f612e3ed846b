package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codex-k8s/devstack/internal/docker"
	"github.com/codex-k8s/devstack/internal/state"
)

var (
	statusGood    = color.New(color.FgGreen).SprintFunc()
	statusBad     = color.New(color.FgRed).SprintFunc()
	statusPending = color.New(color.FgYellow).SprintFunc()
)

// colorState renders a lifecycle state in its status colour.
func colorState(st state.State) string {
	text := string(st)
	switch st {
	case state.Running, state.Deployed:
		return statusGood(text)
	case state.Error:
		return statusBad(text)
	case state.Starting, state.Stopping, state.Deploying:
		return statusPending(text)
	default:
		return text
	}
}

func colorService(s docker.ServiceStatus) string {
	text := s.State
	if s.Health != "" {
		text += " (" + s.Health + ")"
	}
	switch {
	case s.Health == "unhealthy" || (!s.Running() && s.ExitCode != 0):
		return statusBad(text)
	case s.Healthy() || (s.Running() && s.Health == ""):
		return statusGood(text)
	default:
		return statusPending(text)
	}
}

// newStatusCommand creates the "status" subcommand that shows a project's state.
func newStatusCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the recorded state, ports and containers of the project",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			p, err := a.open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			st, err := a.orch.Status(cmd.Context(), p)
			if err != nil {
				return err
			}
			return writeStatus(cmd.OutOrStdout(), st.Record.Name, st.Record.State, p.Config.Domain, st.Record.StartedAt, st.Record.Allocations, st.Services)
		},
	}

	return cmd
}

func writeStatus(w io.Writer, name string, st state.State, domain string, startedAt *time.Time, ports map[string]int, services []docker.ServiceStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Project:\t%s\n", name)
	fmt.Fprintf(tw, "State:\t%s\n", colorState(st))
	if domain != "" {
		fmt.Fprintf(tw, "URL:\thttp://%s\n", domain)
	}
	if startedAt != nil {
		fmt.Fprintf(tw, "Started:\t%s\n", startedAt.Local().Format(time.RFC3339))
	}
	if len(ports) > 0 {
		keys := make([]string, 0, len(ports))
		for k := range ports {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, ports[k]))
		}
		fmt.Fprintf(tw, "Ports:\t%s\n", strings.Join(parts, ", "))
	}
	if len(services) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "SERVICE\tCONTAINER\tSTATUS")
		for _, s := range services {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Service, s.Name, colorService(s))
		}
	}
	return tw.Flush()
}
