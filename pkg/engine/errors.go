package engine

import (
	"errors"
	"fmt"
)

// ErrorClass tells callers whether repeating an operation can succeed.
type ErrorClass string

const (
	// ErrorClassTransient marks failures that may clear on their own, such as
	// an unreachable layer endpoint or a closed notification channel.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled marks back-pressure: a full queue or a rate limit.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict marks a request that raced with the current mission state.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent marks errors that repeat on every attempt: dependency
	// cycles, unknown missions, policy denials.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes carried by EngineError.Code.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeAdapterFailed      = "ADAPTER_FAILED"
	ErrCodeCircularDependency = "CIRCULAR_DEPENDENCY"
	ErrCodeUnknownDependency  = "UNKNOWN_DEPENDENCY"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeMissionNotFound    = "MISSION_NOT_FOUND"
	ErrCodeQueueClosed        = "QUEUE_CLOSED"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeRollbackFailed     = "ROLLBACK_FAILED"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
)

// EngineError is the error type returned across every public mission, rollout
// and registry call.
// nolint:revive // EngineError is distinct from the errors it wraps
type EngineError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	Code    string     `json:"code,omitempty"`

	// Resource is the mission, step, component or rollout the error concerns.
	Resource string `json:"resource,omitempty"`

	// Operation names the call that failed, e.g. "resolve" or "rollback".
	Operation string `json:"operation,omitempty"`

	Err     error                  `json:"-"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError creates an error that may succeed when repeated.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewThrottledError creates an error signalling back-pressure.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

// NewConflictError creates an error for a request that conflicts with current state.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError creates an error that repeats on every attempt.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in err's chain, or ""
// when there is none.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool { return ClassOf(err) == ErrorClassTransient }

// IsThrottled reports whether err is classified as throttled.
func IsThrottled(err error) bool { return ClassOf(err) == ErrorClassThrottled }

// IsConflict reports whether err is classified as a conflict.
func IsConflict(err error) bool { return ClassOf(err) == ErrorClassConflict }

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool { return ClassOf(err) == ErrorClassPermanent }

// HasCode reports whether err is an EngineError carrying the given code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// NewCircularDependencyError reports a dependency cycle entered at node.
// The cycle path starts and ends with node.
func NewCircularDependencyError(node string, cycle []string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("circular dependency detected at component %q", node), nil).
		WithCode(ErrCodeCircularDependency).
		WithResource(node).
		WithOperation("resolve").
		WithDetail("cycle", cycle)
}

// NewUnknownDependencyError reports a dependency on a component that is not part of the mission.
func NewUnknownDependencyError(component, dependency string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("component %q depends on unknown component %q", component, dependency), nil).
		WithCode(ErrCodeUnknownDependency).
		WithResource(component).
		WithOperation("resolve").
		WithDetail("dependency", dependency)
}

// NewInvalidTransitionError reports a mission state change the state machine does not allow.
func NewInvalidTransitionError(missionID string, from, to MissionStatus) *EngineError {
	return NewConflictError(
		fmt.Sprintf("invalid mission transition %s -> %s", from, to), nil).
		WithCode(ErrCodeInvalidTransition).
		WithResource(missionID).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// NewMissionNotFoundError reports an unknown mission ID.
func NewMissionNotFoundError(missionID string) *EngineError {
	return NewPermanentError("mission not found", nil).
		WithCode(ErrCodeMissionNotFound).
		WithResource(missionID)
}
