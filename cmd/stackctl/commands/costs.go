package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackctl/pkg/engine"
	"github.com/openfroyo/stackctl/pkg/providers/cloud"
)

func newCostsCommand() *cobra.Command {
	var planned bool

	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Estimate the running cost of the stack",
		Long: `Estimate the hourly and monthly cost of every live cloud node the stack
owns. Estimates come from a static price table and are advisory; an
unknown instance type or region is priced at zero.

With --planned the configured instance type and region are priced
instead, without contacting the provider.`,
		Example: `  # Price the live nodes
  stackctl costs

  # Price the configured sizing before deploying
  stackctl costs --planned`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, ctx, err := loadServices(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			spec := svc.cfg.Stack
			var estimates []engine.CostEstimate
			if planned {
				estimates = append(estimates, cloud.EstimateCosts(spec.Compute.InstanceType, spec.Region))
			} else {
				nodes, err := svc.cloud.ListAllMatching(ctx, spec)
				if err != nil {
					return err
				}
				for _, node := range nodes {
					if node.State.IsActive() {
						estimates = append(estimates, svc.cloud.Estimate(node))
					}
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, estimates)
			}
			if len(estimates) == 0 {
				fmt.Fprintln(out, "No active cloud nodes")
				return nil
			}

			var total float64
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NODE\tREGION\tTYPE\tHOURLY\tMONTHLY")
			for _, e := range estimates {
				node := e.NodeID
				if node == "" {
					node = "(planned)"
				}
				price := func(v float64) string {
					if !e.Known() {
						return "unknown"
					}
					return fmt.Sprintf("$%.4f", v)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", node, e.Region, e.InstanceType, price(e.Hourly), price(e.Monthly))
				total += e.Monthly
			}
			_ = tw.Flush()
			fmt.Fprintf(out, "\nEstimated monthly total: $%.2f\n", total)
			return nil
		},
	}

	cmd.Flags().BoolVar(&planned, "planned", false, "price the configured sizing instead of live nodes")

	return cmd
}
