package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/replicheck/replicheck/internal/replicheck"
)

// Measure end-to-end replication lag by committing sentinel records on the
// primary and timing their visibility on each replica.
func lagCmd(app *replicheck.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lag",
		Short: "Measure replication lag with sampled sentinel writes.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initParams(cmd, app); err != nil {
				return err
			}
			samples, err := cmd.Flags().GetInt("samples")
			if err != nil {
				return err
			}
			app.Params.LagSamples = samples
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			lagReport, err := app.MeasureLag(ctx)
			if err != nil {
				return err
			}
			lagReport.Print(app.Out)
			if lagReport.Failed() {
				cmd.SilenceUsage = true
				return errors.New("one or more replicas never replicated a sentinel")
			}
			return nil
		},
	}

	cmd.Flags().Int("samples", 20, "Number of sentinel records to measure.")

	return cmd
}
