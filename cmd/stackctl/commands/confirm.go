package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/openfroyo/stackctl/pkg/engine"
)

// promptDecision asks the operator at the cost checkpoint. An empty answer
// or closed input releases the cloud service.
func promptDecision(in io.Reader, out io.Writer) engine.DecisionFunc {
	scanner := bufio.NewScanner(in)

	return func(ctx context.Context, est engine.CostEstimate) (engine.Decision, error) {
		fmt.Fprintf(out, "Cloud node %s (%s in %s) costs $%.4f/hour, about $%.2f/month.\n",
			est.NodeID, est.InstanceType, est.Region, est.Hourly, est.Monthly)

		answer := make(chan engine.Decision, 1)
		go func() {
			for {
				fmt.Fprint(out, "Continue? [c]ontinue, stop [s]ervice (default), stop [n]ode: ")
				if !scanner.Scan() {
					fmt.Fprintln(out)
					answer <- engine.DecisionStopService
					return
				}
				if d, ok := parseAnswer(scanner.Text()); ok {
					answer <- d
					return
				}
				fmt.Fprintf(out, "Unrecognised answer %q\n", strings.TrimSpace(scanner.Text()))
			}
		}()

		select {
		case d := <-answer:
			return d, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func parseAnswer(s string) (engine.Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "c", "continue", "y", "yes":
		return engine.DecisionContinue, true
	case "", "s", "stop-service", string(engine.DecisionStopService):
		return engine.DecisionStopService, true
	case "n", "stop-node", string(engine.DecisionStopNode):
		return engine.DecisionStopNode, true
	default:
		return "", false
	}
}

// confirmDecision asks the operator only when first lets the deployment
// continue.
func confirmDecision(first, operator engine.DecisionFunc) engine.DecisionFunc {
	return func(ctx context.Context, est engine.CostEstimate) (engine.Decision, error) {
		d, err := first(ctx, est)
		if err != nil || d != engine.DecisionContinue {
			return d, err
		}
		return operator(ctx, est)
	}
}
