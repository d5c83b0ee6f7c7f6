package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackctl/pkg/engine"
	"github.com/openfroyo/stackctl/pkg/orchestrator"
)

// edgeOperation is one of the orchestrator's edge-only operations.
type edgeOperation func(o *orchestrator.Orchestrator, ctx context.Context, spec engine.DesiredStackSpec) error

func newEdgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edge",
		Short: "Maintain the edge capture node",
		Long: `Run maintenance operations against the edge node without touching the
cloud node or the inventory.`,
	}

	cmd.AddCommand(newEdgeActionCommand("reset", "Stop and remove the stack's units and files from the edge node",
		"removed the stack from", (*orchestrator.Orchestrator).ResetOnly))

	runtime := &cobra.Command{
		Use:   "runtime",
		Short: "Manage the container runtime on the edge node",
	}
	runtime.AddCommand(newEdgeActionCommand("install", "Install the container runtime",
		"installed the container runtime on", (*orchestrator.Orchestrator).InstallRuntimeOnly))
	runtime.AddCommand(newEdgeActionCommand("remove", "Remove the container runtime",
		"removed the container runtime from", (*orchestrator.Orchestrator).RemoveRuntimeOnly))
	cmd.AddCommand(runtime)

	return cmd
}

func newEdgeActionCommand(use, short, done string, op edgeOperation) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, ctx, err := loadServices(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			spec := svc.cfg.Stack
			if err := op(svc.orchestrator(), ctx, spec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Successfully %s %s\n", done, spec.Edge.Host)
			return nil
		},
	}
}
