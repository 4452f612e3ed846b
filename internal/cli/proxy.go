package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newProxyUpCommand creates "proxy up" that installs and starts the reverse proxy.
func newProxyUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Install and start the shared reverse proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			if err := a.proxy.EnsureReady(cmd.Context()); err != nil {
				return err
			}
			LoggerFromContext(cmd.Context()).Info("reverse proxy running", "dir", a.proxy.Dir(), "network", a.proxy.Network())
			return nil
		},
	}
}

// newProxyDownCommand creates "proxy down" that stops the reverse proxy.
func newProxyDownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop the shared reverse proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			return a.proxy.Down(cmd.Context())
		},
	}
}

// newProxyRoutesCommand creates "proxy routes" that lists published routes.
func newProxyRoutesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List projects with a published proxy route",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}
			routes, err := a.proxy.Routes()
			if err != nil {
				return err
			}
			for _, name := range routes {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
