package orchestrator

import "github.com/openfroyo/stackctl/pkg/engine"

// Step labels reported through progress.
const (
	StepConnectEdge      = "connect to edge"
	StepResetEdge        = "reset edge"
	StepRemoveRuntime    = "remove container runtime"
	StepInstallRuntime   = "install container runtime"
	StepEnsureNode       = "ensure cloud node"
	StepWaitReady        = "wait for cloud node ready"
	StepVerifyServices   = "verify services"
	StepPushConfig       = "push cloud configuration"
	StepInstallProbe     = "install edge probe"
	StepUploadApp        = "upload edge application"
	StepInstallSharedKey = "install shared access key"
	StepInstallAppDeps   = "install edge application dependencies"
	StepConfigureApp     = "configure edge service"
	StepInstallForwarder = "install log forwarder"
	StepPersist          = "persist configuration"
)

// Plan lists the counted steps a full deployment of spec runs, in order.
// The cost checkpoint follows StepEnsureNode and is not counted.
func Plan(spec engine.DesiredStackSpec) []string {
	steps := []string{StepConnectEdge}
	if spec.Flags.ResetFirst {
		steps = append(steps, StepResetEdge)
	}
	if spec.Flags.RemoveRuntime {
		steps = append(steps, StepRemoveRuntime)
	}
	if spec.Flags.InstallRuntime {
		steps = append(steps, StepInstallRuntime)
	}
	steps = append(steps,
		StepEnsureNode,
		StepWaitReady,
		StepVerifyServices,
		StepPushConfig,
		StepInstallProbe,
		StepUploadApp,
	)
	if spec.Edge.SharedKeyPath != "" {
		steps = append(steps, StepInstallSharedKey)
	}
	return append(steps,
		StepInstallAppDeps,
		StepConfigureApp,
		StepInstallForwarder,
		StepPersist,
	)
}
