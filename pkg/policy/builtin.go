package policy

import (
	"time"
)

// Bounds enforced by the built-in policies.
const (
	MaxStepAttempts       = 10
	MaxMissionTimeout     = 24 * time.Hour
	MaxStepTimeoutWarning = time.Hour
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		productionRollbackPolicy(),
		retryBoundsPolicy(),
		timeoutBoundsPolicy(),
		productionSimulationPolicy(),
	}
}

func builtin(p Policy) Policy {
	now := time.Now()
	p.Enabled = true
	p.Builtin = true
	p.CreatedAt = now
	p.UpdatedAt = now
	return p
}

// productionRollbackPolicy keeps automatic rollback on for production missions.
func productionRollbackPolicy() Policy {
	return builtin(Policy{
		Name:        "production-auto-rollback",
		Description: "Production missions must keep automatic rollback enabled",
		Severity:    SeverityError,
		Tags:        []string{"production", "safety"},
		Rego: `package missionctl.policies.production_rollback

import rego.v1

deny contains violation if {
	input.context.environment == "production"
	not input.mission.auto_rollback
	violation := {
		"message": sprintf("mission %s targets production with auto-rollback disabled", [input.mission.name]),
		"severity": "error",
	}
}
`,
	})
}

// retryBoundsPolicy caps per-step retries.
func retryBoundsPolicy() Policy {
	return builtin(Policy{
		Name:        "retry-bounds",
		Description: "Steps may not retry more than 10 times",
		Severity:    SeverityError,
		Tags:        []string{"retry", "bounds"},
		Rego: `package missionctl.policies.retry_bounds

import rego.v1

max_attempts := 10

deny contains violation if {
	some step in input.mission.steps
	step.max_attempts > max_attempts
	violation := {
		"message": sprintf("step %s allows %d attempts, the limit is %d", [step.id, step.max_attempts, max_attempts]),
		"severity": "error",
		"step": step.id,
	}
}
`,
	})
}

// timeoutBoundsPolicy rejects unbounded missions and flags very long steps.
func timeoutBoundsPolicy() Policy {
	return builtin(Policy{
		Name:        "timeout-bounds",
		Description: "Mission timeouts are capped at 24h; step timeouts above 1h are flagged",
		Severity:    SeverityError,
		Tags:        []string{"timeout", "bounds"},
		Rego: `package missionctl.policies.timeout_bounds

import rego.v1

max_mission_seconds := 86400

max_step_seconds := 3600

deny contains violation if {
	input.mission.timeout_seconds > max_mission_seconds
	violation := {
		"message": sprintf("mission timeout of %vs exceeds %ds", [input.mission.timeout_seconds, max_mission_seconds]),
		"severity": "error",
	}
}

deny contains violation if {
	input.mission.timeout_seconds < 0
	violation := {
		"message": "mission timeout must not be negative",
		"severity": "error",
	}
}

deny contains violation if {
	some step in input.mission.steps
	step.timeout_seconds > max_step_seconds
	violation := {
		"message": sprintf("step %s timeout of %vs exceeds %ds", [step.id, step.timeout_seconds, max_step_seconds]),
		"severity": "warning",
		"step": step.id,
	}
}
`,
	})
}

// productionSimulationPolicy recommends a simulation pass in production.
func productionSimulationPolicy() Policy {
	return builtin(Policy{
		Name:        "production-simulation",
		Description: "Production missions should run a simulation pass first",
		Severity:    SeverityWarning,
		Tags:        []string{"production", "simulation"},
		Rego: `package missionctl.policies.production_simulation

import rego.v1

deny contains violation if {
	input.context.environment == "production"
	not input.mission.simulate
	violation := {
		"message": sprintf("mission %s targets production without simulation", [input.mission.name]),
		"severity": "warning",
	}
}
`,
	})
}
