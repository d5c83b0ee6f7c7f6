package telemetry_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/stackctl/pkg/engine"
	"github.com/openfroyo/stackctl/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx).NewComponentLogger("cli")
	logger.Info("Application started")
}

// Example_deploymentScopes demonstrates instrumenting a deployment and its steps.
func Example_deploymentScopes() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Message)
	}, telemetry.FilterByType(telemetry.EventTypeStepCompleted, telemetry.EventTypeStepFailed))

	ctx := tel.WithContext(context.Background())
	session := engine.NewDeploymentSession(2)

	ctx = telemetry.WithDeploymentContext(ctx, session, engine.OwnershipTag{Project: "ids2", Role: "elk"})

	for _, step := range []string{"connect to edge", "ensure cloud node"} {
		stepCtx := telemetry.WithStepContext(ctx, session.ID, step)
		var err error
		if step == "ensure cloud node" {
			err = errors.New("quota exceeded")
		} else {
			session.Complete(step)
		}
		telemetry.EndStepContext(stepCtx, session.ID, step, session.StepsDone, session.StepsTotal, err)
	}

	telemetry.EndDeploymentContext(ctx, engine.Outcome{Kind: engine.OutcomeFailed, Session: *session})
	// Output:
	// [1/2] connect to edge
	// ensure cloud node failed: quota exceeded
}
