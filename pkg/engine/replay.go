package engine

import (
	"encoding/json"
	"fmt"
)

// Journal payloads. The engine writes them and ApplyJournalEntry reads them,
// so a replayed mission matches the live one at every phase boundary.

// SubmittedEvent is the payload of EventMissionSubmitted.
type SubmittedEvent struct {
	Name     string         `json:"name"`
	Request  MissionRequest `json:"request"`
	Priority int            `json:"priority"`
}

// PlannedEvent is the payload of EventMissionPlanned.
type PlannedEvent struct {
	Plan *ExecutionPlan `json:"plan"`
}

// StatusChangedEvent is the payload of EventStatusChanged.
type StatusChangedEvent struct {
	From   MissionStatus `json:"from"`
	To     MissionStatus `json:"to"`
	Reason string        `json:"reason,omitempty"`
}

// StepEvent is the payload of EventStepStarted, EventStepFinished and EventRollbackStep.
type StepEvent struct {
	Result StepResult `json:"result"`
}

// RecoveryEvent is the payload of EventRecoveryAdvised.
type RecoveryEvent struct {
	StepID         string               `json:"step_id"`
	Classification ErrorClassification  `json:"classification"`
	Suggestions    []RecoverySuggestion `json:"suggestions,omitempty"`
}

// RollbackFinishedEvent is the payload of EventRollbackFinished.
type RollbackFinishedEvent struct {
	Status     RollbackStatus `json:"status"`
	FailedStep string         `json:"failed_step,omitempty"`
}

// MessageEvent is the payload of EventMissionError and EventMissionWarning.
type MessageEvent struct {
	Message string `json:"message"`
}

// RegionStatusEvent is the payload of EventRegionStatus.
type RegionStatusEvent struct {
	Region    string `json:"region"`
	Status    string `json:"status"`
	MissionID string `json:"mission_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// NewJournalEntry encodes payload into an unsequenced entry for a mission.
func NewJournalEntry(missionID string, eventType JournalEventType, payload interface{}) (*JournalEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return &JournalEntry{
		MissionID: missionID,
		EventType: eventType,
		Payload:   raw,
	}, nil
}

// ApplyJournalEntry folds one entry into m. It is the single reducer for both
// live missions and journal replay. Unknown event types are ignored.
func ApplyJournalEntry(m *Mission, entry *JournalEntry) error {
	switch entry.EventType {
	case EventMissionSubmitted:
		var ev SubmittedEvent
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			return decodeError(entry, err)
		}
		*m = Mission{
			ID:          entry.MissionID,
			Name:        ev.Name,
			Request:     ev.Request,
			Priority:    ev.Priority,
			Status:      MissionStatusPending,
			StepResults: make(map[string]*StepResult),
			CreatedAt:   entry.Timestamp,
		}

	case EventMissionPlanned:
		var ev PlannedEvent
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			return decodeError(entry, err)
		}
		m.Plan = ev.Plan

	case EventStatusChanged:
		var ev StatusChangedEvent
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			return decodeError(entry, err)
		}
		m.Status = ev.To
		m.Transitions = append(m.Transitions, Transition{
			From:      ev.From,
			To:        ev.To,
			Reason:    ev.Reason,
			Timestamp: entry.Timestamp,
		})

	case EventStepStarted, EventStepFinished:
		var ev StepEvent
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			return decodeError(entry, err)
		}
		if m.StepResults == nil {
			m.StepResults = make(map[string]*StepResult)
		}
		result := ev.Result
		m.StepResults[result.StepID] = &result

	case EventRecoveryAdvised:
		var ev RecoveryEvent
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			return decodeError(entry, err)
		}
		classification := ev.Classification
		m.Classification = &classification
		m.Suggestions = ev.Suggestions

	case EventRollbackStep:
		var ev StepEvent
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			return decodeError(entry, err)
		}
		m.RollbackResults = append(m.RollbackResults, ev.Result)

	case EventRollbackFinished:
		var ev RollbackFinishedEvent
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			return decodeError(entry, err)
		}
		m.RollbackError = ev.Status == RollbackStatusPartial

	case EventMissionError:
		var ev MessageEvent
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			return decodeError(entry, err)
		}
		m.Errors = append(m.Errors, ev.Message)

	case EventMissionWarning:
		var ev MessageEvent
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			return decodeError(entry, err)
		}
		m.Warnings = append(m.Warnings, ev.Message)

	default:
		return nil
	}

	if entry.Timestamp.After(m.UpdatedAt) {
		m.UpdatedAt = entry.Timestamp
	}
	return nil
}

func decodeError(entry *JournalEntry, err error) error {
	return NewPermanentError(fmt.Sprintf("failed to decode %s entry", entry.EventType), err).
		WithCode(ErrCodeValidation).
		WithResource(entry.MissionID).
		WithDetail("entry_id", entry.ID)
}
