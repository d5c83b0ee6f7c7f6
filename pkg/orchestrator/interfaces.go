package orchestrator

import (
	"context"

	"github.com/openfroyo/stackctl/pkg/engine"
	"github.com/openfroyo/stackctl/pkg/providers/edge"
	"github.com/openfroyo/stackctl/pkg/telemetry"
	"github.com/openfroyo/stackctl/pkg/transports/ssh"
)

// CloudManager is the part of the cloud node manager the pipeline drives.
type CloudManager interface {
	EnsureInstance(ctx context.Context, spec engine.DesiredStackSpec) (engine.ComputeNodeRecord, error)
	EnsureReady(ctx context.Context, spec engine.DesiredStackSpec, node engine.ComputeNodeRecord, maxRecreate int) (engine.ComputeNodeRecord, error)
	VerifyServices(ctx context.Context, spec engine.DesiredStackSpec, node engine.ComputeNodeRecord) error
	PushConfiguration(ctx context.Context, spec engine.DesiredStackSpec, node engine.ComputeNodeRecord) error
	StopService(ctx context.Context, node engine.ComputeNodeRecord) error
	TerminateNode(ctx context.Context, node engine.ComputeNodeRecord) error
	Estimate(node engine.ComputeNodeRecord) engine.CostEstimate
}

// EdgeDeployer prepares the edge node. *edge.Deployer implements it.
type EdgeDeployer interface {
	Reset(ctx context.Context) error
	InstallRuntime(ctx context.Context) error
	RemoveRuntime(ctx context.Context) error
	InstallProbe(ctx context.Context) error
	UploadApp(ctx context.Context) error
	InstallSharedKey(ctx context.Context) error
	InstallAppDeps(ctx context.Context) error
	ConfigureAppService(ctx context.Context) error
	InstallForwarder(ctx context.Context, address string) error
	CreatedUnits() []string
	Rollback(ctx context.Context) error
}

var _ EdgeDeployer = (*edge.Deployer)(nil)

// Dialer opens a remote session to the edge node of spec.
type Dialer func(ctx context.Context, spec engine.DesiredStackSpec) (engine.RemoteSession, error)

// DeployerFactory builds the edge deployer for a connected session.
type DeployerFactory func(session engine.RemoteSession, spec engine.DesiredStackSpec) EdgeDeployer

// SSHDialer connects over SSH and forwards every remote output line to the
// event sink carried by the dialing context.
func SSHDialer() Dialer {
	return func(ctx context.Context, spec engine.DesiredStackSpec) (engine.RemoteSession, error) {
		sink := telemetry.SinkFrom(ctx)
		observer := func(host, stream, line string) {
			_ = sink.Publish(telemetry.RemoteOutputEvent(host, stream, line))
		}
		return ssh.Dial(ctx, ssh.ConfigFromEdge(spec), ssh.WithObserver(observer))
	}
}

func defaultDeployerFactory(session engine.RemoteSession, spec engine.DesiredStackSpec) EdgeDeployer {
	return edge.NewDeployer(session, spec)
}
