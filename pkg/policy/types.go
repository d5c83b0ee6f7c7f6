package policy

import (
	"time"

	"github.com/openfroyo/stackctl/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never halts a deployment.
	SeverityWarning Severity = "warning"

	// SeverityError halts the deployment and releases the cloud service.
	SeverityError Severity = "error"

	// SeverityCritical halts the deployment and terminates the node.
	SeverityCritical Severity = "critical"
)

// Decision returns the checkpoint decision implied by a severity.
func (s Severity) Decision() engine.Decision {
	switch s {
	case SeverityCritical:
		return engine.DecisionStopNode
	case SeverityError:
		return engine.DecisionStopService
	default:
		return engine.DecisionContinue
	}
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// deny set of its package.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`
}

// Limits are the operator's cost constraints, passed to every policy as
// input.limits.
type Limits struct {
	// MaxMonthly is the monthly budget in USD. Zero disables the check.
	MaxMonthly float64 `json:"max_monthly" yaml:"max_monthly"`

	// OverBudgetAction is the decision taken when the budget is exceeded.
	OverBudgetAction engine.Decision `json:"over_budget_action" yaml:"over_budget_action" validate:"omitempty,oneof=continue stop_and_release_cloud_service stop_and_terminate_node"`

	// RequireKnownPrice halts deployments whose price is unknown.
	RequireKnownPrice bool `json:"require_known_price" yaml:"require_known_price"`

	// AllowedInstanceTypes restricts sizing. Empty allows everything.
	AllowedInstanceTypes []string `json:"allowed_instance_types" yaml:"allowed_instance_types"`
}

// CostInput is the document policies evaluate.
type CostInput struct {
	Estimate engine.CostEstimate `json:"estimate"`
	Limits   Limits              `json:"limits"`
	Project  string              `json:"project,omitempty"`
	Role     string              `json:"role,omitempty"`
	Time     time.Time           `json:"time"`
}

// Violation is one policy finding.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Action is the decision the violation asks for.
	Action engine.Decision `json:"action"`
}

// Verdict is the outcome of evaluating every enabled policy.
type Verdict struct {
	// Decision is the strongest action requested by any violation.
	Decision engine.Decision `json:"decision"`

	// Violations lists all policy violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// decisionRank orders decisions from weakest to strongest.
func decisionRank(d engine.Decision) int {
	switch d {
	case engine.DecisionStopNode:
		return 2
	case engine.DecisionStopService:
		return 1
	default:
		return 0
	}
}
