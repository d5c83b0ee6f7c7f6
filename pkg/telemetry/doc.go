// Package telemetry provides observability for stackctl.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and a structured event stream into one Telemetry
// value that travels in the context.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Logger.SetGlobal()
//	ctx = tel.WithContext(ctx)
//
// Components never require telemetry: every helper is a no-op when the
// context carries none.
//
// # Deployment scopes
//
// The orchestrator wraps a deployment and each of its steps:
//
//	ctx = telemetry.WithDeploymentContext(ctx, session, spec.Identity())
//	defer telemetry.EndDeploymentContext(ctx, outcome)
//
//	stepCtx := telemetry.WithStepContext(ctx, session.ID, "verify services")
//	err := verify(stepCtx)
//	telemetry.EndStepContext(stepCtx, session.ID, "verify services", done, total, err)
//
// Cloud API calls are timed with RecordCloudOperation.
//
// # Events
//
// EventPublisher implements Sink. Subscribers receive events in publish
// order; the CLI uses this to print progress:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeStepCompleted))
//
// # Metrics
//
// Key metrics exposed (namespace stackctl):
//
//   - deployments_started_total, deployments_completed_total{outcome}
//   - deployment_duration_seconds{outcome}
//   - steps_executed_total{step,status}, step_duration_seconds{step}
//   - cloud_calls_total{operation}, cloud_errors_total{operation}
//   - errors_by_class_total{class}, errors_by_code_total{code}
//   - reconcile_cycles_total{status}, drift_corrections_total{kind}
//   - compute_nodes{state}, target_reachable{target}
//
// # Exporters
//
// Tracing supports "stdout" (development), "otlp" (OTLP/gRPC collector)
// and "none". Tracing is disabled by default.
package telemetry
