// Package policy gates mission execution with Open Policy Agent (OPA) Rego
// policies.
//
// The Engine implements engine.PlanValidator. Before a mission executes, the
// engine hands the planned mission to ValidatePlan, which renders it into a
// PolicyInput and evaluates the deny set of every enabled policy. A violation
// of severity error or critical blocks the mission; warnings are recorded on
// the mission and let it proceed. A policy that fails to evaluate is reported
// as a warning.
//
// # Input document
//
//	{
//	  "mission": {
//	    "id": "...", "name": "...", "strategy": "parallel",
//	    "simulate": false, "auto_rollback": true, "timeout_seconds": 0,
//	    "labels": {"environment": "production"},
//	    "steps": [{"id": "...", "type": "edge", "max_attempts": 3, "timeout_seconds": 300}]
//	  },
//	  "context": {"environment": "production", "operation": "admit"}
//	}
//
// Durations are in seconds.
//
// # Built-in policies
//
//   - production-auto-rollback: production missions keep automatic rollback
//   - retry-bounds: no step retries more than MaxStepAttempts times
//   - timeout-bounds: mission timeouts are capped at MaxMissionTimeout, steps
//     above MaxStepTimeoutWarning are flagged
//   - production-simulation: production missions should simulate first
//
// # Custom policies
//
// LoadPolicies reads .rego files (named after the file, severity error), JSON
// policy definitions and JSON bundles. A violation is either a string or an
// object with "message", and optionally "severity", "step" and "rule":
//
//	package missionctl.custom.freeze
//
//	import rego.v1
//
//	deny contains {"message": "deploy freeze", "severity": "error"} if {
//	    input.context.environment == "production"
//	}
//
// Watch keeps the loaded set in sync with the files on disk. Reloads replace
// every custom policy and keep the built-in ones.
package policy
