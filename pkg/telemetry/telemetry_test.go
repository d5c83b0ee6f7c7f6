package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stackctl/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"production needs endpoint", func(c *Config) { *c = *ProductionConfig() }, "requires an endpoint"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, "invalid trace exporter"},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling rate"},
		{"metrics without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}, "listen address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.RecordDeploymentStarted()
		m.RecordDeploymentCompleted("success", time.Second)
		m.RecordStep("connect", "succeeded", time.Second)
		m.RecordCloudCall("describe", time.Second, errors.New("x"))
		m.RecordError("transient", "TIMEOUT")
		m.RecordReconcileCycle("ok")
		m.RecordDriftCorrection("orphaned")
		m.SetComputeNodes("running", 1)
		m.SetReachable("edge", true)
	})

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.RecordStep("x", "y", 0) })
	assert.Nil(t, nilMetrics.Registry())
}

func TestMetricsRecord(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	require.NoError(t, err)

	m.RecordDeploymentStarted()
	m.RecordDeploymentCompleted("halted", 2*time.Second)
	m.RecordCloudCall("run_instances", time.Second, nil)
	m.RecordCloudCall("run_instances", time.Second, errors.New("boom"))
	m.RecordDriftCorrection("missing")
	m.RecordDriftCorrection("missing")
	m.SetReachable("edge", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.deploymentsStarted))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeDeployments))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deploymentsCompleted.WithLabelValues("halted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cloudCalls.WithLabelValues("run_instances")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cloudErrors.WithLabelValues("run_instances")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.driftCorrections.WithLabelValues("missing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reachable.WithLabelValues("edge")))
}

func TestEventPublisherPreservesOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    100,
		FlushInterval: 10 * time.Millisecond,
		MaxBatchSize:  5,
		EnableAsync:   true,
	})
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen []string
	)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Step)
	}, nil)

	steps := []string{"a", "b", "c", "d", "e", "f", "g"}
	for _, s := range steps {
		require.NoError(t, ep.Publish(Event{Type: EventTypeStepCompleted, Step: s}))
	}

	// Events below the batch size are delivered by the flush ticker.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(steps)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ep.Shutdown(context.Background()))
	assert.Equal(t, steps, seen)
	assert.Error(t, ep.Publish(Event{Type: EventTypeStepCompleted}))
}

func TestEventFilters(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	require.NoError(t, err)

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByLevel(EventLevelWarning))
	ep.AddFilter(FilterBySession("s1"))

	require.NoError(t, ep.Publish(Event{SessionID: "s1", Level: EventLevelInfo}))
	require.NoError(t, ep.Publish(Event{SessionID: "s1", Level: EventLevelError}))
	require.NoError(t, ep.Publish(Event{SessionID: "s2", Level: EventLevelError}))

	require.Len(t, got, 1)
	assert.Equal(t, EventLevelError, got[0].Level)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestEventConstructors(t *testing.T) {
	report := engine.ReachabilityReport{
		At:    time.Now(),
		Edge:  engine.EdgeNodeRecord{Host: "10.0.0.2", Reachable: true},
		Nodes: map[string]bool{"i-1": false},
	}
	ev := ReachabilityEvent("poller", report)
	assert.Equal(t, EventLevelWarning, ev.Level)
	assert.Equal(t, false, ev.Data["i-1"])

	checkpoint := CostCheckpointEvent("s", engine.CostEstimate{InstanceType: "t3.medium", Region: "eu-west-1", Hourly: 0.0416, Monthly: 30.368}, engine.DecisionContinue)
	assert.Contains(t, checkpoint.Message, "t3.medium")
	assert.Equal(t, "continue", checkpoint.Data["decision"])

	finished := DeploymentFinishedEvent(engine.Outcome{Kind: engine.OutcomeHalted, HaltReason: "operator"}, time.Second)
	assert.Equal(t, EventLevelInfo, finished.Level)
	assert.Contains(t, finished.Message, "halted: operator")
}

func TestScopesWithoutTelemetryAreNoOps(t *testing.T) {
	ctx := context.Background()
	session := engine.NewDeploymentSession(1)

	assert.Equal(t, ctx, WithDeploymentContext(ctx, session, engine.OwnershipTag{}))
	assert.Equal(t, ctx, WithStepContext(ctx, session.ID, "step"))
	assert.IsType(t, NopSink{}, SinkFrom(ctx))

	called := false
	err := RecordCloudOperation(ctx, "op", "eu-west-1", func(context.Context) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)
}

func TestStepScopesRecordMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Events.EnableAsync = false

	tel, err := NewTelemetry(cfg)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	session := engine.NewDeploymentSession(2)
	ctx = WithDeploymentContext(ctx, session, engine.OwnershipTag{Project: "ids2", Role: "elk"})

	stepCtx := WithStepContext(ctx, session.ID, "verify services")
	EndStepContext(stepCtx, session.ID, "verify services", 1, 2, engine.NewAuthError("rejected", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(tel.Metrics.stepsExecuted.WithLabelValues("verify services", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.Metrics.errorsByCode.WithLabelValues(engine.ErrCodeAuthFailed)))

	err = RecordCloudOperation(ctx, "terminate_instances", "eu-west-1", func(context.Context) error {
		return errors.New("denied")
	})
	assert.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.Metrics.cloudErrors.WithLabelValues("terminate_instances")))

	EndDeploymentContext(ctx, engine.Outcome{Kind: engine.OutcomeFailed, Err: err, Session: *session})
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.Metrics.deploymentsCompleted.WithLabelValues("failed")))
}
