package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/stackctl/pkg/engine"
	"github.com/openfroyo/stackctl/pkg/health"
	"github.com/openfroyo/stackctl/pkg/stores"
	"github.com/openfroyo/stackctl/pkg/telemetry"
)

// DefaultRollbackTimeout bounds the removal of edge units after a failure.
const DefaultRollbackTimeout = 2 * time.Minute

// Orchestrator runs full deployments and the standalone edge operations.
type Orchestrator struct {
	cloud       CloudManager
	store       engine.InventoryStore
	dial        Dialer
	newDeployer DeployerFactory
	auditor     stores.Auditor

	maxRecreate          int
	connectivityInterval time.Duration
	probeTimeout         time.Duration
	rollbackTimeout      time.Duration

	logger zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDeployerFactory replaces the edge deployer constructor.
func WithDeployerFactory(fn DeployerFactory) Option {
	return func(o *Orchestrator) { o.newDeployer = fn }
}

// WithAuditor records deployment outcomes and terminations.
func WithAuditor(a stores.Auditor) Option {
	return func(o *Orchestrator) { o.auditor = a }
}

// WithMaxRecreate sets how often an unhealthy node is replaced.
func WithMaxRecreate(n int) Option {
	return func(o *Orchestrator) { o.maxRecreate = n }
}

// WithConnectivity configures the reachability poller that runs once
// services are verified.
func WithConnectivity(interval, timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.connectivityInterval = interval
		o.probeTimeout = timeout
	}
}

// New creates an orchestrator.
func New(cloud CloudManager, store engine.InventoryStore, dial Dialer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cloud:                cloud,
		store:                store,
		dial:                 dial,
		newDeployer:          defaultDeployerFactory,
		maxRecreate:          1,
		connectivityInterval: health.DefaultConnectivityInterval,
		probeTimeout:         health.DefaultTCPTimeout,
		rollbackTimeout:      DefaultRollbackTimeout,
		logger:               log.With().Str("component", "orchestrator").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run is the state of one FullDeploy call.
type run struct {
	spec     engine.DesiredStackSpec
	session  *engine.DeploymentSession
	progress engine.ProgressFunc
	decide   engine.DecisionFunc

	remote   engine.RemoteSession
	deployer EdgeDeployer
	node     engine.ComputeNodeRecord
	poller   *health.ConnectivityPoller
}

// FullDeploy drives the stack to spec. decide is consulted once after the
// cloud node exists; a stop decision ends the run as Halted even when the
// stop itself fails, with the failure carried in HaltReason. A failing
// step ends the run as Failed after removing the edge units this run
// created. Cloud resources are never rolled back.
func (o *Orchestrator) FullDeploy(ctx context.Context, spec engine.DesiredStackSpec, decide engine.DecisionFunc, progress engine.ProgressFunc) (outcome engine.Outcome) {
	if decide == nil {
		decide = engine.AlwaysContinue
	}
	if progress == nil {
		progress = func(int, int, string) {}
	}

	plan := Plan(spec)
	r := &run{
		spec:     spec,
		session:  engine.NewDeploymentSession(len(plan)),
		progress: progress,
		decide:   decide,
	}

	ctx = telemetry.WithDeploymentContext(ctx, r.session, spec.Identity())
	logger := o.logger.With().Str("session_id", r.session.ID).Logger()
	logger.Info().
		Str("stack", spec.Identity().Name()).
		Int("steps", len(plan)).
		Msg("Starting deployment")

	defer func() {
		if r.poller != nil {
			r.poller.Stop()
		}
		if r.remote != nil {
			if err := r.remote.Close(); err != nil {
				logger.Debug().Err(err).Msg("Failed to close edge session")
			}
		}
		outcome.Session = *r.session
		telemetry.EndDeploymentContext(ctx, outcome)
		o.audit(ctx, outcome)
	}()

	for _, label := range plan {
		if err := o.runStep(ctx, r, label); err != nil {
			return o.fail(ctx, r, label, err)
		}

		if label == StepVerifyServices {
			o.startPoller(ctx, r)
		}

		if label == StepEnsureNode {
			halted, err := o.checkpoint(ctx, r)
			if err != nil {
				return o.fail(ctx, r, "cost checkpoint", err)
			}
			if halted {
				logger.Info().Str("reason", r.session.HaltReason).Msg("Deployment halted at cost checkpoint")
				return engine.Outcome{
					Kind:       engine.OutcomeHalted,
					NodeID:     r.node.ID,
					Address:    r.node.Address(),
					HaltReason: r.session.HaltReason,
				}
			}
		}
	}

	logger.Info().
		Str("node_id", r.node.ID).
		Str("address", r.node.Address()).
		Msg("Deployment completed")

	return engine.Outcome{
		Kind:    engine.OutcomeSuccess,
		NodeID:  r.node.ID,
		Address: r.node.Address(),
	}
}

// runStep executes one counted step inside its telemetry scope and
// reports progress when it succeeds.
func (o *Orchestrator) runStep(ctx context.Context, r *run, label string) error {
	stepCtx := telemetry.WithStepContext(ctx, r.session.ID, label)
	r.session.CurrentLabel = label

	err := o.execute(stepCtx, r, label)
	if err == nil {
		r.session.Complete(label)
	}
	telemetry.EndStepContext(stepCtx, r.session.ID, label, r.session.StepsDone, r.session.StepsTotal, err)
	if err != nil {
		return err
	}

	r.progress(r.session.StepsDone, r.session.StepsTotal, label)
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run, label string) error {
	switch label {
	case StepConnectEdge:
		remote, err := o.dial(ctx, r.spec)
		if err != nil {
			return err
		}
		r.remote = remote
		r.deployer = o.newDeployer(remote, r.spec)
		return nil
	case StepResetEdge:
		return r.deployer.Reset(ctx)
	case StepRemoveRuntime:
		return r.deployer.RemoveRuntime(ctx)
	case StepInstallRuntime:
		return r.deployer.InstallRuntime(ctx)
	case StepEnsureNode:
		node, err := o.cloud.EnsureInstance(ctx, r.spec)
		if err != nil {
			return err
		}
		r.node = node
		return nil
	case StepWaitReady:
		node, err := o.cloud.EnsureReady(ctx, r.spec, r.node, o.maxRecreate)
		r.node = node
		return err
	case StepVerifyServices:
		return o.cloud.VerifyServices(ctx, r.spec, r.node)
	case StepPushConfig:
		return o.cloud.PushConfiguration(ctx, r.spec, r.node)
	case StepInstallProbe:
		return r.deployer.InstallProbe(ctx)
	case StepUploadApp:
		return r.deployer.UploadApp(ctx)
	case StepInstallSharedKey:
		return r.deployer.InstallSharedKey(ctx)
	case StepInstallAppDeps:
		return r.deployer.InstallAppDeps(ctx)
	case StepConfigureApp:
		return r.deployer.ConfigureAppService(ctx)
	case StepInstallForwarder:
		return r.deployer.InstallForwarder(ctx, r.node.Address())
	case StepPersist:
		return o.persist(ctx, r)
	default:
		return fmt.Errorf("unknown step %q", label)
	}
}

// checkpoint asks for a decision on the estimated cost and applies it.
func (o *Orchestrator) checkpoint(ctx context.Context, r *run) (bool, error) {
	estimate := o.cloud.Estimate(r.node)
	decision, err := r.decide(ctx, estimate)
	if err != nil {
		return false, fmt.Errorf("cost decision failed: %w", err)
	}
	if err := decision.Validate(); err != nil {
		return false, engine.NewPermanentError("invalid cost decision", err).WithOperation("checkpoint")
	}

	_ = telemetry.SinkFrom(ctx).Publish(telemetry.CostCheckpointEvent(r.session.ID, estimate, decision))

	switch decision {
	case engine.DecisionStopService:
		reason := "cloud service released at cost checkpoint"
		if err := o.cloud.StopService(ctx, r.node); err != nil {
			o.logger.Error().Err(err).Str("node_id", r.node.ID).Msg("Failed to stop cloud service at cost checkpoint")
			reason = fmt.Sprintf("halted at cost checkpoint, stopping the cloud service failed: %v", err)
		}
		r.session.Halt(reason)
		return true, nil
	case engine.DecisionStopNode:
		reason := "cloud node terminated at cost checkpoint"
		if err := o.cloud.TerminateNode(ctx, r.node); err != nil {
			o.logger.Error().Err(err).Str("node_id", r.node.ID).Msg("Failed to terminate cloud node at cost checkpoint")
			reason = fmt.Sprintf("halted at cost checkpoint, terminating the cloud node failed: %v", err)
		} else {
			o.record(ctx, stores.NewAuditEntry(stores.AuditNodeTerminated, "orchestrator", r.node.ID).
				WithDetails("terminated at cost checkpoint"))
		}
		r.session.Halt(reason)
		return true, nil
	default:
		return false, nil
	}
}

func (o *Orchestrator) startPoller(ctx context.Context, r *run) {
	if r.poller != nil || o.connectivityInterval <= 0 {
		return
	}
	spec := r.spec
	node := r.node
	r.poller = health.StartConnectivityPoller(ctx, o.connectivityInterval, o.probeTimeout,
		func() (engine.EdgeSpec, []engine.ComputeNodeRecord) {
			return spec.Edge, []engine.ComputeNodeRecord{node}
		})
}

func (o *Orchestrator) persist(ctx context.Context, r *run) error {
	if err := o.store.Upsert(ctx, r.node); err != nil {
		return err
	}
	return o.store.SaveDeploymentConfig(ctx, r.spec, r.node.Address())
}

// fail ends the run as Failed. Edge units created by this run are removed
// unless the failure happened while persisting, when the deployment itself
// is complete and stays in place.
func (o *Orchestrator) fail(ctx context.Context, r *run, label string, err error) engine.Outcome {
	logger := o.logger.With().Str("session_id", r.session.ID).Str("step", label).Logger()

	if label == StepPersist {
		logger.Error().Err(err).
			Str("node_id", r.node.ID).
			Msg("Deployment is in place but could not be persisted")
	} else {
		logger.Error().Err(err).Msg("Deployment step failed")
		o.rollback(ctx, r)
	}

	return engine.Outcome{
		Kind:    engine.OutcomeFailed,
		NodeID:  r.node.ID,
		Address: r.node.Address(),
		Err:     fmt.Errorf("%s: %w", label, err),
	}
}

func (o *Orchestrator) rollback(ctx context.Context, r *run) {
	if r.deployer == nil || len(r.deployer.CreatedUnits()) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.rollbackTimeout)
	defer cancel()

	if err := r.deployer.Rollback(ctx); err != nil {
		o.logger.Error().Err(err).Str("session_id", r.session.ID).Msg("Edge rollback incomplete")
	}
}

func (o *Orchestrator) audit(ctx context.Context, outcome engine.Outcome) {
	action := stores.AuditDeploySuccess
	switch outcome.Kind {
	case engine.OutcomeHalted:
		action = stores.AuditDeployHalted
	case engine.OutcomeFailed:
		action = stores.AuditDeployFailed
	}
	o.record(ctx, stores.NewAuditEntry(action, "orchestrator", outcome.NodeID).WithDetails(outcome.String()))
}

func (o *Orchestrator) record(ctx context.Context, entry *stores.AuditEntry) {
	if o.auditor == nil {
		return
	}
	if err := o.auditor.CreateAuditEntry(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Warn().Err(err).Str("action", entry.Action).Msg("Failed to record audit entry")
	}
}

// ResetOnly removes every trace of the stack from the edge node.
func (o *Orchestrator) ResetOnly(ctx context.Context, spec engine.DesiredStackSpec) error {
	return o.withDeployer(ctx, spec, "reset", EdgeDeployer.Reset)
}

// InstallRuntimeOnly installs the container runtime on the edge node.
func (o *Orchestrator) InstallRuntimeOnly(ctx context.Context, spec engine.DesiredStackSpec) error {
	return o.withDeployer(ctx, spec, "install runtime", EdgeDeployer.InstallRuntime)
}

// RemoveRuntimeOnly removes the container runtime from the edge node.
func (o *Orchestrator) RemoveRuntimeOnly(ctx context.Context, spec engine.DesiredStackSpec) error {
	return o.withDeployer(ctx, spec, "remove runtime", EdgeDeployer.RemoveRuntime)
}

func (o *Orchestrator) withDeployer(ctx context.Context, spec engine.DesiredStackSpec, what string, fn func(EdgeDeployer, context.Context) error) error {
	remote, err := o.dial(ctx, spec)
	if err != nil {
		return err
	}
	defer remote.Close()

	o.logger.Info().Str("host", spec.Edge.Host).Str("operation", what).Msg("Running edge operation")
	if err := fn(o.newDeployer(remote, spec), ctx); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}
