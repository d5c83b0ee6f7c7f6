// Package policy evaluates cost checkpoints with Open Policy Agent.
//
// After the cloud node exists, the deployment pipeline asks whether to
// continue. The policy engine answers by evaluating Rego policies against
// the node's cost estimate and the configured Limits. Every violation
// carries an action; the strongest action across all violations becomes
// the decision:
//
//	continue < stop_and_release_cloud_service < stop_and_terminate_node
//
// # Built-in policies
//
//   - monthly-budget: the monthly estimate exceeds Limits.MaxMonthly. The
//     action is Limits.OverBudgetAction.
//   - known-price: no price is known and Limits.RequireKnownPrice is set.
//   - instance-sizing: the instance type is outside Limits.AllowedInstanceTypes.
//
// # Usage
//
//	pe, err := policy.NewEngine(logger, policy.Limits{
//	    MaxMonthly:       50,
//	    OverBudgetAction: engine.DecisionStopService,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, []string{"./policies"}); err != nil {
//	    return err
//	}
//	decide := pe.DecisionFunc(spec.Identity())
//
// # Custom policies
//
// Custom policies are .rego files (named after the file, error severity)
// or .json files holding a serialized Policy. Each must define a deny set
// in its package. Entries are either strings or objects:
//
//	package stackctl.cost.region
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.estimate.region != "eu-west-1"
//	    violation := {
//	        "message": "region not approved",
//	        "action": "stop_and_terminate_node",
//	    }
//	}
//
// The input document is a CostInput: estimate, limits, project, role and
// time.
package policy
