package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackctl/pkg/engine"
)

func newCloudCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cloud",
		Short: "Inspect and clean up cloud nodes",
		Long: `Inspect and clean up the cloud nodes carrying the stack's ownership tag
across the configured search regions.`,
	}

	cmd.AddCommand(newCloudListCommand())
	cmd.AddCommand(newCloudCleanupCommand())

	return cmd
}

func newCloudListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the stack's cloud nodes in every search region",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, ctx, err := loadServices(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			nodes, err := svc.cloud.ListAllMatching(ctx, svc.cfg.Stack)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, nodes)
			}
			if len(nodes) == 0 {
				fmt.Fprintln(out, "No cloud nodes found")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NODE\tREGION\tTYPE\tSTATE\tADDRESS\tLAUNCHED")
			for _, n := range nodes {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					n.ID, n.Region, n.InstanceType, n.State, n.Address(), n.LaunchTime.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
}

func newCloudCleanupCommand() *cobra.Command {
	var (
		dryRun bool
		yes    bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Terminate duplicate cloud nodes",
		Long: `Terminate every cloud node carrying the stack's ownership tag except one.

The node kept is the most preferred active node: running before pending,
newest launch first. When no node is active, every match is terminated.`,
		Example: `  # Show what would be terminated
  stackctl cloud cleanup --dry-run

  # Terminate without prompting
  stackctl cloud cleanup --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, ctx, err := loadServices(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			nodes, err := svc.cloud.ListAllMatching(ctx, svc.cfg.Stack)
			if err != nil {
				return err
			}

			keep := keepNode(nodes)
			var doomed []engine.ComputeNodeRecord
			for _, n := range nodes {
				if n.ID != keep {
					doomed = append(doomed, n)
				}
			}

			out := cmd.OutOrStdout()
			if keep != "" {
				fmt.Fprintf(out, "Keeping %s\n", keep)
			}
			if len(doomed) == 0 {
				fmt.Fprintln(out, "No duplicates to terminate")
				return nil
			}
			for _, n := range doomed {
				fmt.Fprintf(out, "Terminating %s (%s, %s)\n", n.ID, n.Region, n.State)
			}
			if dryRun {
				return nil
			}
			if !yes {
				return errors.New("refusing to terminate without --yes")
			}

			terminated := svc.cloud.TerminateAllExcept(ctx, nodes, keep)
			fmt.Fprintf(out, "Terminated %d of %d nodes\n", len(terminated), len(doomed))
			if len(terminated) < len(doomed) {
				return fmt.Errorf("%d nodes could not be terminated", len(doomed)-len(terminated))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only list the nodes that would be terminated")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "terminate without confirmation")

	return cmd
}

// keepNode returns the id of the node cleanup preserves. nodes are expected
// in engine.SortNodes order.
func keepNode(nodes []engine.ComputeNodeRecord) string {
	for _, n := range nodes {
		if n.State.IsActive() {
			return n.ID
		}
	}
	return ""
}
