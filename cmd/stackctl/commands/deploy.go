package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stackctl/pkg/engine"
	"github.com/openfroyo/stackctl/pkg/telemetry"
)

// deployResult is the JSON form of a deployment outcome.
type deployResult struct {
	Kind       engine.OutcomeKind `json:"kind"`
	Address    string             `json:"address,omitempty"`
	NodeID     string             `json:"node_id,omitempty"`
	HaltReason string             `json:"halt_reason,omitempty"`
	Error      string             `json:"error,omitempty"`
	SessionID  string             `json:"session_id"`
	StepsDone  int                `json:"steps_done"`
	StepsTotal int                `json:"steps_total"`
}

func newDeployResult(o engine.Outcome) deployResult {
	r := deployResult{
		Kind:       o.Kind,
		Address:    o.Address,
		NodeID:     o.NodeID,
		HaltReason: o.HaltReason,
		SessionID:  o.Session.ID,
		StepsDone:  o.Session.StepsDone,
		StepsTotal: o.Session.StepsTotal,
	}
	if o.Err != nil {
		r.Error = o.Err.Error()
	}
	return r
}

func newDeployCommand() *cobra.Command {
	var (
		resetFirst     bool
		installRuntime bool
		removeRuntime  bool
		confirmCosts   bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run a full deployment",
		Long: `Run a full deployment of the stack.

This command:
  - Connects to the edge node over SSH
  - Ensures exactly one active cloud node and waits for its services
  - Evaluates the cost checkpoint (policy engine when enabled, then the
    operator with --confirm-costs)
  - Pushes the search engine configuration
  - Installs the probe, web application and log forwarder on the edge
  - Records the cloud node in the local inventory

Exit status is 0 on success, 2 when the cost checkpoint halted the
deployment and 1 on failure.`,
		Example: `  # Deploy using stackctl.yaml
  stackctl deploy

  # Reset the edge node and install the container runtime first
  stackctl deploy --reset-first --install-runtime

  # Show the cost estimate and ask before configuring the cloud node
  stackctl deploy --confirm-costs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, ctx, err := loadServices(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.Close()

			spec := svc.cfg.Stack
			flags := cmd.Flags()
			if flags.Changed("reset-first") {
				spec.Flags.ResetFirst = resetFirst
			}
			if flags.Changed("install-runtime") {
				spec.Flags.InstallRuntime = installRuntime
			}
			if flags.Changed("remove-runtime") {
				spec.Flags.RemoveRuntime = removeRuntime
			}

			decide, err := svc.decisionFunc(ctx, spec)
			if err != nil {
				return err
			}
			if confirmCosts {
				decide = confirmDecision(decide, promptDecision(cmd.InOrStdin(), cmd.ErrOrStderr()))
			}

			out := cmd.OutOrStdout()
			if verbose {
				errOut := cmd.ErrOrStderr()
				svc.tel.Events.Subscribe(func(e telemetry.Event) {
					fmt.Fprintln(errOut, e.Message)
				}, telemetry.FilterByType(telemetry.EventTypeRemoteOutput, telemetry.EventTypeCostCheckpoint))
			}

			var progress engine.ProgressFunc
			if !jsonOutput {
				progress = func(done, total int, label string) {
					fmt.Fprintf(out, "[%d/%d] %s\n", done, total, label)
				}
			}

			outcome := svc.orchestrator().FullDeploy(ctx, spec, decide, progress)

			if jsonOutput {
				if err := printJSON(out, newDeployResult(outcome)); err != nil {
					return err
				}
			}

			switch outcome.Kind {
			case engine.OutcomeSuccess:
				if !jsonOutput {
					fmt.Fprintf(out, "Deployment complete: cloud node %s at %s\n", outcome.NodeID, outcome.Address)
				}
				return nil
			case engine.OutcomeHalted:
				return &exitError{code: 2, err: fmt.Errorf("deployment %s", outcome)}
			default:
				return fmt.Errorf("deployment %s", outcome)
			}
		},
	}

	cmd.Flags().BoolVar(&resetFirst, "reset-first", false, "reset the edge node before deploying")
	cmd.Flags().BoolVar(&installRuntime, "install-runtime", false, "install the container runtime on the edge node")
	cmd.Flags().BoolVar(&removeRuntime, "remove-runtime", false, "remove the container runtime from the edge node")
	cmd.Flags().BoolVar(&confirmCosts, "confirm-costs", false, "ask before continuing past the cost checkpoint")

	return cmd
}
