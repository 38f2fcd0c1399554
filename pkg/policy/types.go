package policy

import (
	"time"

	"github.com/openfroyo/missionctl/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is recorded on the mission but does not block it.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the mission.
	SeverityError Severity = "error"

	// SeverityCritical blocks the mission and marks the violation for escalation.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies a plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the deny set
	// of its package.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with missionctl. Reloads keep them.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyResult represents the result of evaluating every enabled policy.
type PolicyResult struct {
	// Allowed is false when any violation has a blocking severity.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []engine.PolicyViolation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and evaluation failures.
	Warnings []engine.PolicyViolation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Decision converts the result into the engine's admission decision.
func (r *PolicyResult) Decision() *engine.PolicyDecision {
	d := &engine.PolicyDecision{
		Allowed:    r.Allowed,
		Violations: append([]engine.PolicyViolation(nil), r.Violations...),
	}
	for _, w := range r.Warnings {
		d.Warnings = append(d.Warnings, w.Policy+": "+w.Message)
	}
	return d
}

// PolicyInput is the document policies see as input.
type PolicyInput struct {
	Mission *MissionInput  `json:"mission"`
	Context *PolicyContext `json:"context"`
}

// MissionInput is the policy view of a planned mission. Durations are in
// seconds so Rego rules can compare them directly.
type MissionInput struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Strategy       string            `json:"strategy"`
	Priority       int               `json:"priority"`
	Simulate       bool              `json:"simulate"`
	AutoRollback   bool              `json:"auto_rollback"`
	TimeoutSeconds float64           `json:"timeout_seconds"`
	Labels         map[string]string `json:"labels"`
	Stages         int               `json:"stages"`
	Steps          []StepInput       `json:"steps"`
}

// StepInput is the policy view of one planned step.
type StepInput struct {
	ID              string   `json:"id"`
	ComponentID     string   `json:"component_id"`
	Type            string   `json:"type"`
	Action          string   `json:"action"`
	Stage           int      `json:"stage"`
	Dependencies    []string `json:"dependencies"`
	MaxAttempts     int      `json:"max_attempts"`
	TimeoutSeconds  float64  `json:"timeout_seconds"`
	ContinueOnError bool     `json:"continue_on_error"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Environment is taken from the mission's "environment" label.
	Environment string `json:"environment,omitempty"`

	// Operation is the operation being performed, e.g. "admit".
	Operation string `json:"operation,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewMissionInput builds the policy input for a planned mission.
// defaultAutoRollback applies when the request does not override it.
func NewMissionInput(m *engine.Mission, defaultAutoRollback bool) *PolicyInput {
	req := m.Request
	autoRollback := defaultAutoRollback
	if req.AutoRollback != nil {
		autoRollback = *req.AutoRollback
	}

	labels := make(map[string]string, len(req.Context))
	for k, v := range req.Context {
		labels[k] = v
	}

	in := &MissionInput{
		ID:             m.ID,
		Name:           m.Name,
		Strategy:       string(req.Strategy),
		Priority:       m.Priority,
		Simulate:       req.Simulate,
		AutoRollback:   autoRollback,
		TimeoutSeconds: req.Timeout.Seconds(),
		Labels:         labels,
		Steps:          []StepInput{},
	}

	if m.Plan != nil {
		in.Strategy = string(m.Plan.Strategy)
		in.Stages = len(m.Plan.Stages)
		for _, s := range m.Plan.Steps {
			deps := s.Dependencies
			if deps == nil {
				deps = []string{}
			}
			in.Steps = append(in.Steps, StepInput{
				ID:              s.ID,
				ComponentID:     s.ComponentID,
				Type:            s.ComponentType,
				Action:          s.Action,
				Stage:           s.Stage,
				Dependencies:    deps,
				MaxAttempts:     s.Retry.MaxAttempts,
				TimeoutSeconds:  s.Timeout.Seconds(),
				ContinueOnError: s.ContinueOnError,
			})
		}
	}

	return &PolicyInput{
		Mission: in,
		Context: &PolicyContext{
			Environment: labels["environment"],
			Operation:   "admit",
			Timestamp:   time.Now().UTC(),
		},
	}
}
