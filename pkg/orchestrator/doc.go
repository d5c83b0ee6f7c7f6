// Package orchestrator sequences a full deployment of the stack.
//
// FullDeploy runs a linear pipeline of counted steps (see Plan): connect to
// the edge node, optionally reset it and change its container runtime,
// converge the cloud node, gate on its health, verify and configure its
// services, then install the probe, application and log forwarder on the
// edge node and persist the result.
//
// After the cloud node exists, the caller's DecisionFunc sees the cost
// estimate. Stopping there is a Halted outcome, not a failure. A failing
// step returns a Failed outcome after removing the edge units the run
// created; cloud resources are left in place for inspection.
//
//	orch := orchestrator.New(manager, store, orchestrator.SSHDialer(),
//	    orchestrator.WithAuditor(store),
//	    orchestrator.WithMaxRecreate(1))
//	outcome := orch.FullDeploy(ctx, spec, policyEngine.DecisionFunc(spec.Identity()), progress)
package orchestrator
