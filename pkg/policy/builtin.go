package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		monthlyBudgetPolicy(),
		knownPricePolicy(),
		instanceSizingPolicy(),
	}
}

// monthlyBudgetPolicy halts deployments whose node exceeds the budget.
func monthlyBudgetPolicy() Policy {
	return Policy{
		Name:        "monthly-budget",
		Description: "Halts the deployment when the node's monthly estimate exceeds the budget",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"cost", "budget"},
		CreatedAt:   time.Now(),
		Rego: `package stackctl.cost.budget

import rego.v1

deny contains violation if {
	input.limits.max_monthly > 0
	input.estimate.monthly > input.limits.max_monthly
	violation := {
		"message": sprintf("%s in %s costs %v/month, budget is %v", [
			input.estimate.instance_type,
			input.estimate.region,
			input.estimate.monthly,
			input.limits.max_monthly,
		]),
		"action": input.limits.over_budget_action,
	}
}
`,
	}
}

// knownPricePolicy optionally refuses nodes without a price.
func knownPricePolicy() Policy {
	return Policy{
		Name:        "known-price",
		Description: "Releases the cloud service when the price is unknown and prices are required",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"cost"},
		CreatedAt:   time.Now(),
		Rego: `package stackctl.cost.pricing

import rego.v1

deny contains violation if {
	input.limits.require_known_price
	input.estimate.hourly == 0
	violation := {
		"message": sprintf("no price known for %s in %s", [input.estimate.instance_type, input.estimate.region]),
		"severity": "error",
	}
}
`,
	}
}

// instanceSizingPolicy restricts the instance types a stack may use.
func instanceSizingPolicy() Policy {
	return Policy{
		Name:        "instance-sizing",
		Description: "Terminates nodes whose instance type is not allowed",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"cost", "sizing"},
		CreatedAt:   time.Now(),
		Rego: `package stackctl.cost.sizing

import rego.v1

deny contains violation if {
	count(input.limits.allowed_instance_types) > 0
	not input.estimate.instance_type in input.limits.allowed_instance_types
	violation := {
		"message": sprintf("instance type %s is not allowed", [input.estimate.instance_type]),
	}
}
`,
	}
}
