package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LifecycleState is the provider lifecycle of a compute node.
type LifecycleState string

const (
	StatePending    LifecycleState = "pending"
	StateRunning    LifecycleState = "running"
	StateStopping   LifecycleState = "stopping"
	StateStopped    LifecycleState = "stopped"
	StateTerminated LifecycleState = "terminated"
)

// DiscoverableStates are the lifecycle states returned by discovery.
var DiscoverableStates = []LifecycleState{StatePending, StateRunning, StateStopping, StateStopped}

// Rank orders states for discovery: running first, terminated last.
func (s LifecycleState) Rank() int {
	switch s {
	case StateRunning:
		return 0
	case StatePending:
		return 1
	case StateStopping:
		return 2
	case StateStopped:
		return 3
	default:
		return 4
	}
}

// IsActive returns true for pending and running nodes.
func (s LifecycleState) IsActive() bool {
	return s == StateRunning || s == StatePending
}

// Validate checks if the lifecycle state is valid.
func (s LifecycleState) Validate() error {
	switch s {
	case StatePending, StateRunning, StateStopping, StateStopped, StateTerminated:
		return nil
	default:
		return fmt.Errorf("invalid lifecycle state: %s", s)
	}
}

// Decision is the answer of the cost checkpoint.
type Decision string

const (
	// DecisionContinue proceeds with the deployment.
	DecisionContinue Decision = "continue"

	// DecisionStopService stops the cloud services but keeps the node.
	DecisionStopService Decision = "stop_and_release_cloud_service"

	// DecisionStopNode terminates the node.
	DecisionStopNode Decision = "stop_and_terminate_node"
)

// Validate checks if the decision is one of the known values.
func (d Decision) Validate() error {
	switch d {
	case DecisionContinue, DecisionStopService, DecisionStopNode:
		return nil
	default:
		return fmt.Errorf("invalid decision: %q", d)
	}
}

// OutcomeKind tags the result of a deployment.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeHalted  OutcomeKind = "halted"
	OutcomeFailed  OutcomeKind = "failed"
)

// Outcome is the result of a full deployment. Halted is an expected,
// operator-requested result and carries no error.
type Outcome struct {
	Kind OutcomeKind `json:"kind"`

	// Address is the cloud node address when known.
	Address string `json:"address,omitempty"`

	// NodeID is the cloud node the run worked on.
	NodeID string `json:"node_id,omitempty"`

	// HaltReason is set for Halted outcomes.
	HaltReason string `json:"halt_reason,omitempty"`

	// Err is set for Failed outcomes.
	Err error `json:"-"`

	// Session is the final progress state.
	Session DeploymentSession `json:"session"`
}

// Succeeded reports whether the deployment completed.
func (o Outcome) Succeeded() bool { return o.Kind == OutcomeSuccess }

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeHalted:
		return "halted: " + o.HaltReason
	case OutcomeFailed:
		if o.Err != nil {
			return "failed: " + o.Err.Error()
		}
		return "failed"
	default:
		return "success"
	}
}

// DeploymentSession tracks the progress of one full deployment.
type DeploymentSession struct {
	ID           string    `json:"id"`
	StepsTotal   int       `json:"steps_total"`
	StepsDone    int       `json:"steps_done"`
	CurrentLabel string    `json:"current_label"`
	Halted       bool      `json:"halted"`
	HaltReason   string    `json:"halt_reason,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// NewDeploymentSession starts a session with a fixed step count.
func NewDeploymentSession(total int) *DeploymentSession {
	return &DeploymentSession{
		ID:         uuid.NewString(),
		StepsTotal: total,
		StartedAt:  time.Now(),
	}
}

// Complete records a finished step.
func (s *DeploymentSession) Complete(label string) {
	if s.StepsDone < s.StepsTotal {
		s.StepsDone++
	}
	s.CurrentLabel = label
}

// Halt marks the session as stopped by the operator.
func (s *DeploymentSession) Halt(reason string) {
	s.Halted = true
	s.HaltReason = reason
}

// Percent returns completion in the range [0, 100].
func (s *DeploymentSession) Percent() float64 {
	if s.StepsTotal == 0 {
		return 0
	}
	return float64(s.StepsDone) * 100 / float64(s.StepsTotal)
}
