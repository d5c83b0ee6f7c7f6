package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/stackctl/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// SinkFrom returns the event sink carried by ctx, or a NopSink.
func SinkFrom(ctx context.Context) Sink {
	if tel := FromTelemetryContext(ctx); tel != nil && tel.Events != nil {
		return tel.Events
	}
	return NopSink{}
}

// MetricsFrom returns the metrics carried by ctx. The result may be nil;
// every Metrics recorder accepts a nil receiver.
func MetricsFrom(ctx context.Context) *Metrics {
	if tel := FromTelemetryContext(ctx); tel != nil {
		return tel.Metrics
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	return t.Metrics.StartMetricsServer(ctx)
}

type deploymentScopeKey struct{}

type deploymentScope struct {
	span  trace.Span
	timer *Timer
}

// WithDeploymentContext opens the telemetry scope of a full deployment.
func WithDeploymentContext(ctx context.Context, session *engine.DeploymentSession, identity engine.OwnershipTag) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartDeploymentSpan(ctx, session.ID)
	spanCtx = tel.Logger.WithSessionID(session.ID).WithContext(spanCtx)

	tel.Metrics.RecordDeploymentStarted()
	_ = tel.Events.Publish(DeploymentStartedEvent(session.ID, identity, session.StepsTotal))

	return context.WithValue(spanCtx, deploymentScopeKey{}, &deploymentScope{span: span, timer: NewTimer()})
}

// EndDeploymentContext closes the scope opened by WithDeploymentContext.
func EndDeploymentContext(ctx context.Context, outcome engine.Outcome) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	var duration time.Duration
	if scope, ok := ctx.Value(deploymentScopeKey{}).(*deploymentScope); ok {
		duration = scope.timer.Duration()
		scope.span.SetAttributes(AttrOutcome.String(string(outcome.Kind)))
		if outcome.Kind == engine.OutcomeFailed {
			RecordError(scope.span, outcome.Err)
		} else {
			RecordSuccess(scope.span)
		}
		scope.span.End()
	}

	tel.Metrics.RecordDeploymentCompleted(string(outcome.Kind), duration)
	_ = tel.Events.Publish(DeploymentFinishedEvent(outcome, duration))
}

type stepScopeKey struct{}

type stepScope struct {
	span  trace.Span
	timer *Timer
}

// WithStepContext opens the telemetry scope of one pipeline step.
func WithStepContext(ctx context.Context, sessionID, step string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartStepSpan(ctx, sessionID, step)
	spanCtx = FromContext(ctx).WithStep(step).WithContext(spanCtx)

	return context.WithValue(spanCtx, stepScopeKey{}, &stepScope{span: span, timer: NewTimer()})
}

// EndStepContext closes the scope opened by WithStepContext and reports the
// step progress.
func EndStepContext(ctx context.Context, sessionID, step string, done, total int, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	var duration time.Duration
	if scope, ok := ctx.Value(stepScopeKey{}).(*stepScope); ok {
		duration = scope.timer.Duration()
		if err != nil {
			RecordError(scope.span, err)
		} else {
			RecordSuccess(scope.span)
		}
		scope.span.End()
	}

	status := "succeeded"
	if err != nil {
		status = "failed"
		RecordEngineError(ctx, err)
		_ = tel.Events.Publish(StepFailedEvent(sessionID, step, err))
	} else {
		_ = tel.Events.Publish(StepCompletedEvent(sessionID, step, done, total, duration))
	}
	tel.Metrics.RecordStep(step, status, duration)
}

// RecordCloudOperation times a cloud API call with a span and metrics.
func RecordCloudOperation(ctx context.Context, operation, region string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	spanCtx, span := tel.Tracer.StartCloudSpan(ctx, operation, region)
	defer span.End()

	timer := NewTimer()
	err := fn(spanCtx)

	tel.Metrics.RecordCloudCall(operation, timer.Duration(), err)
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}

// RecordEngineError counts a classified error.
func RecordEngineError(ctx context.Context, err error) {
	var engineErr *engine.EngineError
	if err == nil || !errors.As(err, &engineErr) {
		return
	}
	MetricsFrom(ctx).RecordError(string(engineErr.Class), engineErr.Code)
}
