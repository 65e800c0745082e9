package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/replicheck/replicheck/internal/common"
	"github.com/replicheck/replicheck/internal/replicheck"
	"github.com/replicheck/replicheck/internal/replicheck/configuration"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replicheck",
		Short: "replicheck verifies a PostgreSQL streaming-replication cluster end to end.",
		Long: `replicheck verifies a PostgreSQL streaming-replication cluster end to end:
it confirms each replica is in recovery, writes a batch of records to the
primary, waits for replication to catch up, reads concurrently from every
replica, and compares the row sets for divergence.

Node endpoints and the shared credential live in a config file:

database: postgres
credential:
  user: postgres
  password: secret
nodes:
  - host: 10.0.0.1
    role: primary
  - host: 10.0.0.2
    role: replica
  - host: 10.0.0.3
    role: replica

The location of this file can be passed in using the --config argument.
If not provided, .replicheck.yaml in the working directory or $HOME is used.
Values can also be supplied through REPLICHECK_-prefixed environment
variables, e.g., REPLICHECK_CREDENTIAL_PASSWORD.`,
	}

	cmd.PersistentFlags().String("config", "", "Path to the harness config file.")

	cmd.AddCommand(
		versionCmd(replicheck.New()),
		checkCmd(replicheck.New()),
		lagCmd(replicheck.New()),
	)

	return cmd
}

// initParams loads the config file and applies command-line overrides, so
// every component receives one validated configuration value.
func initParams(cmd *cobra.Command, app *replicheck.App) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	if err := common.LoadConfig(&app.Params.Config, configPath); err != nil {
		return err
	}

	cfg := &app.Params.Config
	flags := cmd.Flags()
	if flags.Lookup("writes") != nil {
		if v, err := flags.GetInt("writes"); err == nil && (flags.Changed("writes") || cfg.Writes == 0) {
			cfg.Writes = v
		}
	}
	if flags.Lookup("reads") != nil {
		if v, err := flags.GetInt("reads"); err == nil && (flags.Changed("reads") || cfg.Reads == 0) {
			cfg.Reads = v
		}
	}
	if flags.Lookup("wait") != nil && flags.Changed("wait") {
		// An explicit --wait selects the fixed-delay settle mode for
		// compatibility with the original harness.
		v, err := flags.GetInt("wait")
		if err != nil {
			return err
		}
		cfg.Settle.Strategy = configuration.SettleFixed
		cfg.Settle.Wait = time.Duration(v) * time.Second
	}
	if flags.Lookup("sample") != nil && flags.Changed("sample") {
		v, err := flags.GetInt("sample")
		if err != nil {
			return err
		}
		cfg.Verify.Sample = v
	}
	if flags.Lookup("timeout") != nil && flags.Changed("timeout") {
		v, err := flags.GetDuration("timeout")
		if err != nil {
			return err
		}
		cfg.Timeout = v
	}
	return nil
}
