package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

// newDoctorCommand creates the "doctor" subcommand that runs environment preflight checks.
func newDoctorCommand(_ *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run environment preflight checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			a, err := newApp(cmd.Context(), nil)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			if err := runDoctorChecks(ctx, logger, a); err != nil {
				return err
			}

			logger.Info("doctor checks completed successfully")
			return nil
		},
	}

	return cmd
}
