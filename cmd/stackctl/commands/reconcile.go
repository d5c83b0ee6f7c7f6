package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackctl/pkg/config"
	"github.com/openfroyo/stackctl/pkg/reconciler"
)

func newReconcileCommand() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Keep the inventory coherent with the cloud provider",
		Long: `Compare the local inventory with the nodes the cloud provider reports
and correct every difference.

Each cycle:
  - Deletes inventory records whose node no longer exists
  - Inserts nodes the inventory is missing
  - Updates records whose address or state changed
  - Probes the edge node and every cloud node for reachability

A cycle is skipped when the inventory or the provider cannot be read.
Without --once the command runs until interrupted and reloads the
configuration file when it changes.`,
		Example: `  # Run a single cycle
  stackctl reconcile --once

  # Run continuously
  stackctl reconcile`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, ctx, err := loadServices(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			rec := svc.reconciler()
			out := cmd.OutOrStdout()

			if once {
				report, err := rec.RunCycle(ctx)
				if err != nil {
					return err
				}
				return printReport(out, report)
			}

			watcher, err := config.Watch(ctx, configPath, svc.logger, func(cfg *config.Config) {
				rec.SetSpec(cfg.Stack)
			})
			if err != nil {
				svc.logger.Warn().Err(err).Msg("Configuration reload disabled")
			} else {
				defer watcher.Close()
			}

			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case report := <-rec.Reports():
						if verbose || report.Corrections() > 0 {
							_ = printReport(out, report)
						}
					}
				}
			}()

			svc.logger.Info().Dur("interval", svc.cfg.Reconcile.Interval).Msg("Reconciler running")
			rec.Run(ctx)
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single reconciliation cycle and exit")

	return cmd
}

func printReport(w io.Writer, r reconciler.Report) error {
	if jsonOutput {
		return printJSON(w, r)
	}

	fmt.Fprintf(w, "%s cycle %s: %d inserted, %d updated, %d deleted",
		r.At.Format("15:04:05"), r.Status, len(r.Inserted), len(r.Updated), len(r.Deleted))
	if len(r.Failed) > 0 {
		fmt.Fprintf(w, ", %d failed", len(r.Failed))
	}
	fmt.Fprintln(w)

	if r.Reachability.Edge.Host != "" {
		fmt.Fprintf(w, "  edge %s: %s\n", r.Reachability.Edge.Host, reachable(r.Reachability.Edge.Reachable))
	}
	ids := make([]string, 0, len(r.Reachability.Nodes))
	for id := range r.Reachability.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "  node %s: %s\n", id, reachable(r.Reachability.Nodes[id]))
	}
	return nil
}

func reachable(ok bool) string {
	if ok {
		return "reachable"
	}
	return "unreachable"
}
