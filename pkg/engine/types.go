package engine

import (
	"encoding/json"
	"math"
	"time"
)

// Component is one deployable unit of a mission, handled by the layer adapter matching Type.
type Component struct {
	// ID is the unique identifier of the component within the mission.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Type selects the layer adapter (e.g., "edge", "network", "cloud").
	Type string `json:"type" yaml:"type" validate:"required"`

	// Action is the operation the adapter performs (e.g., "deploy", "configure").
	Action string `json:"action" yaml:"action"`

	// Parameters are passed to the adapter unchanged.
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Dependencies lists component IDs that must complete first.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Timeout bounds a single attempt. Zero uses the engine default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Retry overrides the engine's default retry policy when MaxAttempts is set.
	Retry RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// ContinueOnError lets the mission proceed when this component fails.
	ContinueOnError bool `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
}

// RetryPolicy controls how often and how patiently a step is attempted.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" mapstructure:"max_attempts" validate:"omitempty,min=1"`

	// BaseDelay is the unit of the backoff curve.
	BaseDelay time.Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty" mapstructure:"base_delay"`

	// Backoff selects the delay curve. Empty means linear.
	Backoff BackoffKind `json:"backoff,omitempty" yaml:"backoff,omitempty" mapstructure:"backoff" validate:"omitempty,oneof=linear exponential"`

	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty" mapstructure:"max_delay"`
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = time.Duration(math.MaxInt64)
	}

	var d time.Duration
	switch p.Backoff {
	case BackoffExponential:
		d = p.BaseDelay
		for i := 1; i < attempt && d < ceiling; i++ {
			if d > ceiling/2 {
				d = ceiling
				break
			}
			d *= 2
		}
	default:
		if time.Duration(attempt) > ceiling/p.BaseDelay {
			d = ceiling
		} else {
			d = p.BaseDelay * time.Duration(attempt)
		}
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

// MissionRequest is what a caller submits: the components plus execution options.
type MissionRequest struct {
	// Name is a human-readable mission name.
	Name string `json:"name" yaml:"name"`

	// Components are the units to deploy.
	Components []Component `json:"components" yaml:"components" validate:"required,min=1,dive"`

	// Strategy selects how components are staged. Empty uses the engine default.
	Strategy Strategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`

	// Simulate runs a side-effect-free validation pass before executing.
	Simulate bool `json:"simulate,omitempty" yaml:"simulate,omitempty"`

	// AutoRollback overrides the engine default when set.
	AutoRollback *bool `json:"auto_rollback,omitempty" yaml:"auto_rollback,omitempty"`

	// Timeout is the hard ceiling for the whole mission. Zero uses the engine default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Context carries labels such as environment; it feeds error classification and policy.
	Context map[string]string `json:"context,omitempty" yaml:"context,omitempty"`
}

// DependencyGraph is the validated dependency structure of a mission.
type DependencyGraph struct {
	// Nodes maps component IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Order is the component declaration order.
	Order []string `json:"order"`

	// Depth is the number of dependency levels.
	Depth int `json:"depth"`
}

// GraphNode represents a component in the dependency graph.
type GraphNode struct {
	// ID is the component ID.
	ID string `json:"id"`

	// Type is the component type.
	Type string `json:"type"`

	// Level is the longest dependency path from a root.
	Level int `json:"level"`

	// Dependencies are the components this one waits for.
	Dependencies []string `json:"dependencies"`

	// Dependents are the components waiting for this one.
	Dependents []string `json:"dependents"`
}

// Stage is a set of steps that may run concurrently.
type Stage struct {
	// Index is the position of the stage in the plan.
	Index int `json:"index"`

	// StepIDs lists the steps of the stage in declaration order.
	StepIDs []string `json:"step_ids"`
}

// Step is the executable form of a component inside a plan.
type Step struct {
	// ID is the step identifier; it equals the component ID.
	ID string `json:"id"`

	// ComponentID is the component this step deploys.
	ComponentID string `json:"component_id"`

	// ComponentType selects the layer adapter.
	ComponentType string `json:"component_type"`

	// Action is the adapter operation.
	Action string `json:"action"`

	// Parameters are the component parameters recorded at planning time.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Dependencies are the steps that precede this one.
	Dependencies []string `json:"dependencies,omitempty"`

	// Timeout bounds a single attempt.
	Timeout time.Duration `json:"timeout"`

	// Retry is the effective retry policy.
	Retry RetryPolicy `json:"retry"`

	// ContinueOnError lets the mission proceed past a failure of this step.
	ContinueOnError bool `json:"continue_on_error,omitempty"`

	// Stage is the index of the stage holding this step.
	Stage int `json:"stage"`
}

// ExecutionPlan is the immutable staged form of a mission.
type ExecutionPlan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// Strategy is the staging strategy that produced the plan.
	Strategy Strategy `json:"strategy"`

	// Stages are executed in order.
	Stages []Stage `json:"stages"`

	// Steps holds every step in plan order (stage by stage).
	Steps []Step `json:"steps"`

	// Graph is the dependency graph the plan was derived from.
	Graph *DependencyGraph `json:"graph,omitempty"`

	// CreatedAt is when the plan was produced.
	CreatedAt time.Time `json:"created_at"`
}

// Step returns the step with the given ID.
func (p *ExecutionPlan) Step(id string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// StageSteps returns the steps of the stage at index, in plan order.
func (p *ExecutionPlan) StageSteps(index int) []Step {
	var steps []Step
	for _, s := range p.Steps {
		if s.Stage == index {
			steps = append(steps, s)
		}
	}
	return steps
}

// StepResult is the outcome of running a step, or a compensating rollback step.
type StepResult struct {
	// StepID is the step this result belongs to.
	StepID string `json:"step_id"`

	// ComponentID is the component the step deployed.
	ComponentID string `json:"component_id"`

	// Status is the final status of the step.
	Status StepStatus `json:"status"`

	// Attempts is how many times the adapter was invoked.
	Attempts int `json:"attempts"`

	// Output is the adapter output of the last attempt.
	Output map[string]interface{} `json:"output,omitempty"`

	// Reference is the adapter's handle for compensating this step.
	Reference string `json:"reference,omitempty"`

	// Error is the last error message, if any.
	Error string `json:"error,omitempty"`

	// StartedAt is when the first attempt started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the last attempt finished.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total time across attempts and waits.
	Duration time.Duration `json:"duration"`
}

// Executed reports whether the step reached its adapter and may have left
// side effects. A step cancelled while an attempt was in flight counts.
func (r *StepResult) Executed() bool {
	if r.Status == StepStatusCancelled {
		return r.Attempts > 0
	}
	return r.Status.Executed()
}

// ErrorClassification is the recovery manager's reading of a failure.
type ErrorClassification struct {
	Category    ErrorCategory `json:"category"`
	Severity    Severity      `json:"severity"`
	Recoverable bool          `json:"recoverable"`
	Message     string        `json:"message"`
}

// RecoverySuggestion is one ranked remediation for a classified failure.
type RecoverySuggestion struct {
	Strategy    RecoveryStrategy       `json:"strategy"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	// Priority orders suggestions; lower comes first.
	Priority int `json:"priority"`
}

// RollbackStep compensates one previously executed step.
type RollbackStep struct {
	// StepID is the original step being compensated.
	StepID string `json:"step_id"`

	// ComponentID is the original component.
	ComponentID string `json:"component_id"`

	// ComponentType selects the adapter that performs the rollback.
	ComponentType string `json:"component_type"`

	// Parameters are the parameters the original step ran with.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Reference is the adapter handle recorded by the original step.
	Reference string `json:"reference,omitempty"`

	// Timeout bounds the compensating call.
	Timeout time.Duration `json:"timeout"`

	// ContinueOnError lets the rollback proceed when this step fails.
	ContinueOnError bool `json:"continue_on_error,omitempty"`
}

// RollbackPlan is the ordered list of compensating steps for a mission.
type RollbackPlan struct {
	MissionID string         `json:"mission_id"`
	Reason    string         `json:"reason,omitempty"`
	Steps     []RollbackStep `json:"steps"`
	CreatedAt time.Time      `json:"created_at"`
}

// RollbackReport is the outcome of executing a RollbackPlan.
type RollbackReport struct {
	Status  RollbackStatus `json:"status"`
	Results []StepResult   `json:"results"`
	// FailedStep names the compensating step that halted the run.
	FailedStep string `json:"failed_step,omitempty"`
}

// Transition records one state machine change.
type Transition struct {
	From      MissionStatus `json:"from"`
	To        MissionStatus `json:"to"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Mission is the mutable record of one submitted request.
// Callers outside the engine only ever see snapshots produced by Clone.
type Mission struct {
	// ID is the unique identifier for this mission.
	ID string `json:"id"`

	// Name is the human-readable mission name.
	Name string `json:"name"`

	// Request is the original request.
	Request MissionRequest `json:"request"`

	// Priority orders queued missions; lower runs first.
	Priority int `json:"priority"`

	// Plan is the execution plan, once resolved.
	Plan *ExecutionPlan `json:"plan,omitempty"`

	// Status is the current lifecycle state.
	Status MissionStatus `json:"status"`

	// StepResults maps step IDs to their results.
	StepResults map[string]*StepResult `json:"step_results"`

	// RollbackResults are the compensating step results in execution order.
	RollbackResults []StepResult `json:"rollback_results,omitempty"`

	// Errors collects error messages raised while the mission ran.
	Errors []string `json:"errors,omitempty"`

	// Warnings collects non-fatal messages.
	Warnings []string `json:"warnings,omitempty"`

	// RollbackError is set when a rollback ended partially.
	RollbackError bool `json:"rollback_error,omitempty"`

	// Classification is the reading of the most recent step failure.
	Classification *ErrorClassification `json:"classification,omitempty"`

	// Suggestions are the ranked remediations for the most recent failure.
	Suggestions []RecoverySuggestion `json:"suggestions,omitempty"`

	// Transitions is the state machine history.
	Transitions []Transition `json:"transitions,omitempty"`

	// CreatedAt is when the mission was submitted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the timestamp of the last applied event.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the mission's mutable fields.
// The plan is shared because it is immutable once produced.
func (m *Mission) Clone() *Mission {
	if m == nil {
		return nil
	}
	c := *m
	c.StepResults = make(map[string]*StepResult, len(m.StepResults))
	for id, r := range m.StepResults {
		rc := *r
		c.StepResults[id] = &rc
	}
	c.RollbackResults = append([]StepResult(nil), m.RollbackResults...)
	c.Errors = append([]string(nil), m.Errors...)
	c.Warnings = append([]string(nil), m.Warnings...)
	c.Suggestions = append([]RecoverySuggestion(nil), m.Suggestions...)
	c.Transitions = append([]Transition(nil), m.Transitions...)
	if m.Classification != nil {
		cl := *m.Classification
		c.Classification = &cl
	}
	return &c
}

// JournalEntry is one append-only record of the mission journal.
type JournalEntry struct {
	// ID is the unique identifier for this entry.
	ID string `json:"id"`

	// MissionID is the mission (or rollout) the entry belongs to.
	MissionID string `json:"mission_id"`

	// Sequence increases monotonically per mission.
	Sequence int64 `json:"sequence"`

	// EventType identifies the payload.
	EventType JournalEventType `json:"event_type"`

	// Payload is the JSON encoded event body.
	Payload json.RawMessage `json:"payload"`

	// Timestamp is when the entry was appended.
	Timestamp time.Time `json:"timestamp"`

	// Hash is the SHA-256 content hash, when hashing is enabled.
	Hash string `json:"hash,omitempty"`

	// PrevHash is the hash of the previous entry of the same mission.
	PrevHash string `json:"prev_hash,omitempty"`
}

// JournalFilter selects entries from a JournalStore.
type JournalFilter struct {
	MissionID  string
	EventTypes []JournalEventType
	Since      time.Time
	Until      time.Time
}

// Notification is a message for operators.
type Notification struct {
	MissionID string            `json:"mission_id,omitempty"`
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// PolicyDecision is the outcome of evaluating admission policies against a plan.
type PolicyDecision struct {
	Allowed    bool              `json:"allowed"`
	Violations []PolicyViolation `json:"violations,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
}

// PolicyViolation is one denied rule.
type PolicyViolation struct {
	Policy   string `json:"policy"`
	Rule     string `json:"rule,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	StepID   string `json:"step_id,omitempty"`
}
