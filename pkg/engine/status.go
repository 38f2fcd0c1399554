package engine

import (
	"encoding/json"
	"fmt"
)

// MissionStatus represents the lifecycle state of a mission.
type MissionStatus string

const (
	// MissionStatusPending indicates the mission is accepted and queued.
	MissionStatusPending MissionStatus = "pending"

	// MissionStatusPlanning indicates the plan is being produced or admitted.
	MissionStatusPlanning MissionStatus = "planning"

	// MissionStatusSimulating indicates the optional dry-run pass is in progress.
	MissionStatusSimulating MissionStatus = "simulating"

	// MissionStatusExecuting indicates stages are being executed.
	MissionStatusExecuting MissionStatus = "executing"

	// MissionStatusPaused indicates execution is halted at a stage boundary.
	MissionStatusPaused MissionStatus = "paused"

	// MissionStatusSucceeded indicates every step completed.
	MissionStatusSucceeded MissionStatus = "succeeded"

	// MissionStatusFailed indicates the mission failed, or its rollback did.
	MissionStatusFailed MissionStatus = "failed"

	// MissionStatusRollingBack indicates compensating steps are running.
	MissionStatusRollingBack MissionStatus = "rolling_back"

	// MissionStatusRolledBack indicates every compensating step completed.
	MissionStatusRolledBack MissionStatus = "rolled_back"

	// MissionStatusCancelled indicates the mission was cancelled by an operator.
	MissionStatusCancelled MissionStatus = "cancelled"
)

// missionTransitions is the mission state machine. Anything not listed is rejected.
var missionTransitions = map[MissionStatus][]MissionStatus{
	MissionStatusPending:     {MissionStatusPlanning, MissionStatusCancelled},
	MissionStatusPlanning:    {MissionStatusSimulating, MissionStatusExecuting, MissionStatusFailed, MissionStatusCancelled},
	MissionStatusSimulating:  {MissionStatusExecuting, MissionStatusFailed, MissionStatusCancelled},
	MissionStatusExecuting:   {MissionStatusSucceeded, MissionStatusFailed, MissionStatusPaused, MissionStatusRollingBack, MissionStatusCancelled},
	MissionStatusPaused:      {MissionStatusExecuting},
	MissionStatusFailed:      {MissionStatusRollingBack},
	MissionStatusRollingBack: {MissionStatusRolledBack, MissionStatusFailed},
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s MissionStatus) CanTransition(next MissionStatus) bool {
	for _, allowed := range missionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no further transition is expected without operator action.
// A failed mission can still be rolled back.
func (s MissionStatus) IsTerminal() bool {
	return s == MissionStatusSucceeded || s == MissionStatusFailed ||
		s == MissionStatusRolledBack || s == MissionStatusCancelled
}

// IsActive returns true if a worker owns the mission.
func (s MissionStatus) IsActive() bool {
	return s == MissionStatusPlanning || s == MissionStatusSimulating ||
		s == MissionStatusExecuting || s == MissionStatusPaused ||
		s == MissionStatusRollingBack
}

// Validate checks if the mission status is valid.
func (s MissionStatus) Validate() error {
	switch s {
	case MissionStatusPending, MissionStatusPlanning, MissionStatusSimulating,
		MissionStatusExecuting, MissionStatusPaused, MissionStatusSucceeded,
		MissionStatusFailed, MissionStatusRollingBack, MissionStatusRolledBack,
		MissionStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid mission status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s MissionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *MissionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = MissionStatus(str)
	return s.Validate()
}

// StepStatus represents the status of a single step.
type StepStatus string

const (
	// StepStatusPending indicates the step has not started.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates the step is executing.
	StepStatusRunning StepStatus = "running"

	// StepStatusSucceeded indicates the step completed successfully.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the step exhausted its attempts.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step failed but the mission continued past it.
	StepStatusSkipped StepStatus = "skipped"

	// StepStatusCancelled indicates the step was interrupted by cancellation.
	StepStatusCancelled StepStatus = "cancelled"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed ||
		s == StepStatusSkipped || s == StepStatusCancelled
}

// Executed returns true if the step reached its adapter and may have side effects.
func (s StepStatus) Executed() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusSucceeded,
		StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// Strategy selects how the resolver partitions components into stages.
type Strategy string

const (
	// StrategySequential runs one component per stage in topological order.
	StrategySequential Strategy = "sequential"

	// StrategyParallel groups components by dependency depth.
	StrategyParallel Strategy = "parallel"

	// StrategyHybrid groups by depth, then splits each stage by component type.
	StrategyHybrid Strategy = "hybrid"
)

// Validate checks if the strategy is valid.
func (s Strategy) Validate() error {
	switch s {
	case StrategySequential, StrategyParallel, StrategyHybrid:
		return nil
	default:
		return fmt.Errorf("invalid execution strategy: %s", s)
	}
}

// BackoffKind selects the delay curve between step attempts.
type BackoffKind string

const (
	// BackoffLinear waits BaseDelay multiplied by the attempt number.
	BackoffLinear BackoffKind = "linear"

	// BackoffExponential doubles the delay after each attempt.
	BackoffExponential BackoffKind = "exponential"
)

// ErrorCategory is the classification bucket for a step or rollout failure.
type ErrorCategory string

const (
	ErrorCategoryNetwork        ErrorCategory = "network"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryAuthorization  ErrorCategory = "authorization"
	ErrorCategoryResource       ErrorCategory = "resource"
	ErrorCategoryTimeout        ErrorCategory = "timeout"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryDependency     ErrorCategory = "dependency"
	ErrorCategoryConfiguration  ErrorCategory = "configuration"
	ErrorCategorySystem         ErrorCategory = "system"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// Severity ranks how urgently a failure needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RecoveryStrategy names a remediation the recovery manager can suggest.
type RecoveryStrategy string

const (
	RecoveryRetry     RecoveryStrategy = "retry"
	RecoveryRollback  RecoveryStrategy = "rollback"
	RecoverySkip      RecoveryStrategy = "skip"
	RecoveryAlternate RecoveryStrategy = "alternate"
	RecoveryManual    RecoveryStrategy = "manual"
	RecoveryAbort     RecoveryStrategy = "abort"
)

// RollbackStatus is the outcome of a rollback run.
type RollbackStatus string

const (
	// RollbackStatusComplete indicates every compensating step succeeded or was tolerated.
	RollbackStatusComplete RollbackStatus = "complete"

	// RollbackStatusPartial indicates a compensating step failed and the run halted.
	RollbackStatusPartial RollbackStatus = "partial"
)

// JournalEventType identifies what a journal entry records.
type JournalEventType string

const (
	// EventMissionSubmitted records the request and priority of a new mission.
	EventMissionSubmitted JournalEventType = "mission_submitted"

	// EventMissionPlanned records the execution plan.
	EventMissionPlanned JournalEventType = "mission_planned"

	// EventStatusChanged records a state machine transition.
	EventStatusChanged JournalEventType = "status_changed"

	// EventStepStarted records that a step was launched.
	EventStepStarted JournalEventType = "step_started"

	// EventStepFinished records the final result of a step.
	EventStepFinished JournalEventType = "step_finished"

	// EventRecoveryAdvised records the classification and suggestions for a failure.
	EventRecoveryAdvised JournalEventType = "recovery_advised"

	// EventRollbackStep records the result of one compensating step.
	EventRollbackStep JournalEventType = "rollback_step"

	// EventRollbackFinished records the outcome of a rollback run.
	EventRollbackFinished JournalEventType = "rollback_finished"

	// EventMissionError records an error message on the mission.
	EventMissionError JournalEventType = "mission_error"

	// EventMissionWarning records a non-fatal warning on the mission.
	EventMissionWarning JournalEventType = "mission_warning"

	// EventRegionStatus records a region status change during a rollout.
	EventRegionStatus JournalEventType = "region_status"
)

// Severity returns the log level matching the event type.
func (e JournalEventType) Severity() string {
	switch e {
	case EventMissionError:
		return "error"
	case EventMissionWarning, EventRecoveryAdvised:
		return "warning"
	default:
		return "info"
	}
}
