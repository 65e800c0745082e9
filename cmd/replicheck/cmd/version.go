package cmd

import (
	"github.com/spf13/cobra"

	"github.com/replicheck/replicheck/internal/replicheck"
)

// Print version info and exit.
func versionCmd(app *replicheck.App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Version()
		},
	}
}
