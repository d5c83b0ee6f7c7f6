// Package engine provides the core types shared by every stackctl component.
//
// # Overview
//
// stackctl provisions one fixed-topology analysis stack: a cloud compute node
// running a search engine and its dashboard, and a persistent edge host that
// runs a capture probe, a web application and a log forwarder. The engine
// drives both nodes toward a DesiredStackSpec and keeps a persisted inventory
// coherent with what the cloud provider reports.
//
// # Core Domain Types
//
//   - DesiredStackSpec: immutable input of one deployment attempt
//   - ComputeNodeRecord: provider-neutral view of a cloud instance
//   - EdgeNodeRecord: observed state of the edge host
//   - DeploymentSession: progress of one full deployment
//   - InventorySnapshot: persisted inventory at a point in time
//   - Outcome: tagged Success, Halted or Failed deployment result
//
// # Errors
//
// Errors are classified with EngineError. Sentinels such as
// ErrStorageUnavailable or ErrHealthTimeout compare by class and code:
//
//	if errors.Is(err, engine.ErrStorageUnavailable) {
//	    // skip this reconcile cycle
//	}
//
// Halted is deliberately not an error; it is an Outcome kind.
//
// # Periodic Work
//
// StartPeriodic runs a function on a ticker until stopped. The reconciler
// and the connectivity poller are both built on it.
package engine
