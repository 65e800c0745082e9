package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/replicheck/replicheck/internal/replicheck"
)

// Run the full verification pipeline and print the run report.
// The process exit status is 0 iff every check passed.
func checkCmd(app *replicheck.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the cluster: probe replicas, write, settle, read, and compare.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			runReport, err := app.Check(ctx)
			if err != nil {
				return err
			}
			runReport.Print(app.Out)
			if runReport.ExitCode() != 0 {
				cmd.SilenceUsage = true
				return errors.New("verification failed")
			}
			return nil
		},
	}

	cmd.Flags().Int("writes", 1000, "Number of records to write to the primary.")
	cmd.Flags().Int("reads", 1000, "Number of read operations to distribute across replicas.")
	cmd.Flags().Int("wait", 2, "Fixed settle duration in seconds; selects the fixed-delay settle mode.")
	cmd.Flags().Int("sample", 0, "Verify only a sample of this many records; 0 compares everything.")
	cmd.Flags().Duration("timeout", 0, "Deadline for the whole run; 0 means none.")

	return cmd
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, so an
// interrupted run still releases its connections and reports as cancelled.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopSignal:
			cancel()
		}
	}()
	return ctx, cancel
}
