package engine

import (
	"context"
	"time"
)

// LayerAdapter deploys components of one layer type. Adapters are external
// collaborators; the engine only relies on this contract.
type LayerAdapter interface {
	// Deploy performs a component action. A nil error with Success=false is a
	// reported failure; a non-nil error is an invocation failure. Both are retried.
	Deploy(ctx context.Context, req DeployRequest) (*AdapterResult, error)

	// Rollback compensates a previously deployed step. It must tolerate being
	// called on already-clean state.
	Rollback(ctx context.Context, req RollbackRequest) (*AdapterResult, error)

	// CheckHealth reports whether the layer is healthy.
	CheckHealth(ctx context.Context) (*HealthStatus, error)
}

// Validator is implemented by adapters that can check a request without side effects.
// The simulation pass uses it when present.
type Validator interface {
	Validate(ctx context.Context, req DeployRequest) error
}

// DeployRequest is passed to LayerAdapter.Deploy.
type DeployRequest struct {
	MissionID   string                 `json:"mission_id"`
	StepID      string                 `json:"step_id"`
	ComponentID string                 `json:"component_id"`
	Action      string                 `json:"action"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Attempt     int                    `json:"attempt"`
}

// RollbackRequest is passed to LayerAdapter.Rollback.
type RollbackRequest struct {
	MissionID   string                 `json:"mission_id"`
	StepID      string                 `json:"step_id"`
	ComponentID string                 `json:"component_id"`
	Reference   string                 `json:"reference,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// AdapterResult is returned by adapter calls.
type AdapterResult struct {
	// Success reports whether the call achieved its goal.
	Success bool `json:"success"`

	// Output is adapter-specific output data.
	Output map[string]interface{} `json:"output,omitempty"`

	// Reference is a handle the adapter needs to roll the step back.
	Reference string `json:"reference,omitempty"`

	// Error describes a reported failure.
	Error string `json:"error,omitempty"`
}

// HealthStatus is returned by health checks.
type HealthStatus struct {
	Healthy   bool                   `json:"healthy"`
	Reason    string                 `json:"reason,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CheckedAt time.Time              `json:"checked_at"`
}

// AdapterResolver maps a component type to its layer adapter.
type AdapterResolver interface {
	// Adapter returns the adapter for a component type.
	Adapter(componentType string) (LayerAdapter, error)

	// Alternate returns a fallback adapter for a component type, if one is registered.
	Alternate(componentType string) (LayerAdapter, bool)

	// Types lists the registered component types.
	Types() []string
}

// JournalWriter receives every mission event before it is applied.
// Append assigns ID, Sequence, Timestamp and hashes on the entry in place.
type JournalWriter interface {
	Append(ctx context.Context, entry *JournalEntry) error
}

// MissionHistory rebuilds a mission from its journal stream.
// journal.Journal implements it.
type MissionHistory interface {
	Reconstruct(ctx context.Context, missionID string) (*Mission, error)
}

// JournalStore persists journal entries.
type JournalStore interface {
	// AppendEntry stores an entry. Entries are never updated.
	AppendEntry(ctx context.Context, entry *JournalEntry) error

	// QueryEntries returns entries matching the filter, in no guaranteed order.
	QueryEntries(ctx context.Context, filter JournalFilter) ([]*JournalEntry, error)

	// LastEntry returns the most recent entry of a mission, or nil if none exists.
	LastEntry(ctx context.Context, missionID string) (*JournalEntry, error)

	// PurgeEntries deletes every stream whose last entry is older than before,
	// except for the excluded missions. Streams are never truncated.
	PurgeEntries(ctx context.Context, before time.Time, exclude []string) (int64, error)
}

// NotificationSink delivers operator notifications.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}

// PlanValidator admits or rejects a planned mission before it executes.
type PlanValidator interface {
	ValidatePlan(ctx context.Context, mission *Mission) (*PolicyDecision, error)
}

// RecoveryAdvisor classifies failures and compensates executed steps.
type RecoveryAdvisor interface {
	// Classify reads an error message in the mission context.
	Classify(message string, context map[string]string) ErrorClassification

	// Suggest returns ranked remediations for a classification.
	Suggest(classification ErrorClassification) []RecoverySuggestion

	// PlanRollback builds compensating steps for the executed steps of a mission.
	PlanRollback(mission *Mission, reason string) *RollbackPlan

	// ExecuteRecovery runs a rollback plan sequentially. The callback, when set,
	// is invoked after every compensating step.
	ExecuteRecovery(ctx context.Context, plan *RollbackPlan, onStep func(StepResult)) *RollbackReport

	// Escalate notifies operators about a failure when it warrants attention.
	Escalate(ctx context.Context, mission *Mission, classification ErrorClassification)
}
