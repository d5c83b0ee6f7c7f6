package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackctl/pkg/engine"
	"github.com/openfroyo/stackctl/pkg/health"
	"github.com/openfroyo/stackctl/pkg/stores"
)

type statusView struct {
	LastReconciledAt time.Time                  `json:"last_reconciled_at"`
	Nodes            []engine.ComputeNodeRecord `json:"nodes"`
	Reachability     engine.ReachabilityReport  `json:"reachability"`
	Audit            []*stores.AuditEntry       `json:"audit,omitempty"`
	LastDeployment   *engine.DesiredStackSpec   `json:"last_deployment,omitempty"`
}

func newStatusCommand() *cobra.Command {
	var auditLimit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the recorded inventory and current reachability",
		Long: `Show the cloud nodes recorded in the local inventory, when the inventory
was last reconciled, and whether the edge node and each cloud node
currently accept connections.`,
		Example: `  # Show status
  stackctl status

  # Include the last 20 audit entries
  stackctl status --audit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, ctx, err := loadServices(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			snap, err := svc.store.Snapshot(ctx)
			if err != nil {
				return err
			}
			view := statusView{LastReconciledAt: snap.LastReconciledAt}
			for _, node := range snap.ComputeNodes {
				view.Nodes = append(view.Nodes, node)
			}
			engine.SortNodes(view.Nodes)

			view.Reachability = health.ProbeReachability(ctx, svc.cfg.Stack.Edge, view.Nodes, svc.cfg.Reconcile.ProbeTimeout)

			if last, err := svc.store.GetLatestDeploymentConfig(ctx); err == nil {
				view.LastDeployment = last
			} else {
				svc.logger.Debug().Err(err).Msg("No recorded deployment configuration")
			}

			if auditLimit > 0 {
				view.Audit, err = svc.store.ListAuditEntries(ctx, nil, auditLimit)
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, view)
			}
			printStatus(out, view)
			return nil
		},
	}

	cmd.Flags().IntVar(&auditLimit, "audit", 0, "number of recent audit entries to show")

	return cmd
}

func printStatus(w io.Writer, v statusView) {
	if v.LastReconciledAt.IsZero() {
		fmt.Fprintln(w, "Last reconciled: never")
	} else {
		fmt.Fprintf(w, "Last reconciled: %s\n", v.LastReconciledAt.Format(time.RFC3339))
	}
	if v.LastDeployment != nil {
		fmt.Fprintf(w, "Last deployment: %s/%s in %s\n", v.LastDeployment.Project, v.LastDeployment.Role, v.LastDeployment.Region)
	}
	fmt.Fprintf(w, "Edge %s: %s\n\n", v.Reachability.Edge.Host, reachable(v.Reachability.Edge.Reachable))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tREGION\tTYPE\tSTATE\tADDRESS\tREACHABLE")
	for _, n := range v.Nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n",
			n.ID, n.Region, n.InstanceType, n.State, n.Address(), v.Reachability.Nodes[n.ID])
	}
	_ = tw.Flush()

	if len(v.Audit) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tTARGET")
	for _, e := range v.Audit {
		target := ""
		if e.TargetID != nil {
			target = *e.TargetID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Action, e.Actor, target)
	}
	_ = tw.Flush()
}
