package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackctl/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// exitError carries a process exit status other than 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackctl",
		Short: "stackctl - provisioning engine for a two-node analysis stack",
		Long: `stackctl converges a cloud search/dashboard node and an on-premises edge
capture node toward the state described in its configuration file.

Features:
  - Idempotent full deployment with a cost checkpoint
  - At most one active cloud node per project and role
  - Continuous reconciliation of the local inventory
  - Edge maintenance (reset, container runtime install and removal)`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCostsCommand())
	rootCmd.AddCommand(newCloudCommand())
	rootCmd.AddCommand(newEdgeCommand())

	return rootCmd
}
