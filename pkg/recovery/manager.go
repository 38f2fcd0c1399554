package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Manager classifies failures, ranks remediations, and compensates executed
// steps. It implements engine.RecoveryAdvisor.
type Manager struct {
	adapters  engine.AdapterResolver
	knowledge KnowledgeBase
	sink      engine.NotificationSink
	tracer    *telemetry.Tracer
	logger    zerolog.Logger
}

var _ engine.RecoveryAdvisor = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithKnowledgeBase replaces the built-in knowledge base.
func WithKnowledgeBase(kb KnowledgeBase) Option {
	return func(m *Manager) {
		m.knowledge = kb
	}
}

// WithNotificationSink sets where escalations are sent.
func WithNotificationSink(sink engine.NotificationSink) Option {
	return func(m *Manager) {
		m.sink = sink
	}
}

// WithTracer records a span per compensating step.
func WithTracer(tracer *telemetry.Tracer) Option {
	return func(m *Manager) {
		m.tracer = tracer
	}
}

// NewManager creates a recovery manager that compensates steps through adapters.
func NewManager(adapters engine.AdapterResolver, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		adapters:  adapters,
		knowledge: DefaultKnowledgeBase(),
		logger:    logger.With().Str("component", "recovery").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Classify reads an error message in the context of the mission.
func (m *Manager) Classify(message string, context map[string]string) engine.ErrorClassification {
	return Classify(message, context)
}

// Suggest returns ranked remediations for a classification.
func (m *Manager) Suggest(classification engine.ErrorClassification) []engine.RecoverySuggestion {
	return m.knowledge.Suggest(classification)
}

// Recommend returns the highest ranked strategy, or abort if there is none.
func (m *Manager) Recommend(classification engine.ErrorClassification) engine.RecoveryStrategy {
	suggestions := m.Suggest(classification)
	if len(suggestions) == 0 {
		return engine.RecoveryAbort
	}
	return suggestions[0].Strategy
}

// PlanRollback builds compensating steps for every executed step of a mission,
// in reverse stage order and reverse plan order within a stage. Failed, skipped
// and interrupted steps are compensated best effort: their rollback may fail
// without halting the run.
func (m *Manager) PlanRollback(mission *engine.Mission, reason string) *engine.RollbackPlan {
	plan := &engine.RollbackPlan{
		MissionID: mission.ID,
		Reason:    reason,
		Steps:     make([]engine.RollbackStep, 0),
		CreatedAt: time.Now().UTC(),
	}
	if mission.Plan == nil {
		return plan
	}

	for s := len(mission.Plan.Stages) - 1; s >= 0; s-- {
		ids := mission.Plan.Stages[s].StepIDs
		for i := len(ids) - 1; i >= 0; i-- {
			step, ok := mission.Plan.Step(ids[i])
			if !ok {
				continue
			}
			result, ok := mission.StepResults[step.ID]
			if !ok || !result.Executed() {
				continue
			}

			params := make(map[string]interface{}, len(step.Parameters))
			for k, v := range step.Parameters {
				params[k] = v
			}

			plan.Steps = append(plan.Steps, engine.RollbackStep{
				StepID:          step.ID,
				ComponentID:     step.ComponentID,
				ComponentType:   step.ComponentType,
				Parameters:      params,
				Reference:       result.Reference,
				Timeout:         step.Timeout,
				ContinueOnError: step.ContinueOnError || result.Status != engine.StepStatusSucceeded,
			})
		}
	}

	m.logger.Debug().
		Str("mission_id", mission.ID).
		Int("steps", len(plan.Steps)).
		Msg("Planned rollback")
	return plan
}

// ExecuteRecovery runs a rollback plan one step at a time. A failing step that
// does not allow continuing halts the run with a partial status. Each
// compensating step is attempted once.
func (m *Manager) ExecuteRecovery(
	ctx context.Context,
	plan *engine.RollbackPlan,
	onStep func(engine.StepResult),
) *engine.RollbackReport {
	report := &engine.RollbackReport{
		Status:  engine.RollbackStatusComplete,
		Results: make([]engine.StepResult, 0, len(plan.Steps)),
	}

	for _, step := range plan.Steps {
		result := m.compensate(ctx, plan.MissionID, step)
		report.Results = append(report.Results, result)
		if onStep != nil {
			onStep(result)
		}

		if result.Status == engine.StepStatusSucceeded {
			continue
		}

		if step.ContinueOnError {
			m.logger.Warn().
				Str("mission_id", plan.MissionID).
				Str("step_id", step.StepID).
				Str("error", result.Error).
				Msg("Rollback step failed, continuing")
			continue
		}

		m.logger.Error().
			Str("mission_id", plan.MissionID).
			Str("step_id", step.StepID).
			Str("error", result.Error).
			Msg("Rollback step failed, halting rollback")
		report.Status = engine.RollbackStatusPartial
		report.FailedStep = step.StepID
		break
	}

	return report
}

// compensate rolls back one step through the adapter of its layer.
func (m *Manager) compensate(ctx context.Context, missionID string, step engine.RollbackStep) engine.StepResult {
	ctx, span := m.tracer.StartStepSpan(ctx, missionID, step.StepID, step.ComponentType)
	defer span.End()
	telemetry.AddStepEvent(span, step.StepID, "rollback", "")

	adapter, err := m.adapters.Adapter(step.ComponentType)
	if err != nil {
		now := time.Now()
		telemetry.RecordError(span, err)
		return engine.StepResult{
			StepID:      step.StepID,
			ComponentID: step.ComponentID,
			Status:      engine.StepStatusFailed,
			Error:       err.Error(),
			StartedAt:   now,
			CompletedAt: now,
		}
	}

	if err := ctx.Err(); err != nil {
		now := time.Now()
		telemetry.RecordError(span, err)
		return engine.StepResult{
			StepID:      step.StepID,
			ComponentID: step.ComponentID,
			Status:      engine.StepStatusFailed,
			Error:       fmt.Sprintf("rollback cancelled: %v", err),
			StartedAt:   now,
			CompletedAt: now,
		}
	}

	result := engine.RunRollbackStep(ctx, adapter, missionID, step)
	if result.Status == engine.StepStatusSucceeded {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, errors.New(result.Error))
	}

	m.logger.Info().
		Str("mission_id", missionID).
		Str("step_id", step.StepID).
		Str("status", string(result.Status)).
		Dur("duration", result.Duration).
		Msg("Rollback step finished")
	return result
}

// Escalate notifies operators about critical or non-recoverable failures.
func (m *Manager) Escalate(ctx context.Context, mission *engine.Mission, classification engine.ErrorClassification) {
	if classification.Recoverable && classification.Severity != engine.SeverityCritical {
		return
	}

	n := engine.Notification{
		MissionID: mission.ID,
		Severity:  classification.Severity,
		Message: fmt.Sprintf("mission %s: %s failure: %s",
			mission.Name, classification.Category, classification.Message),
		Context: map[string]string{
			"category":    string(classification.Category),
			"recoverable": fmt.Sprintf("%t", classification.Recoverable),
			"status":      string(mission.Status),
		},
		Timestamp: time.Now().UTC(),
	}
	for k, v := range mission.Request.Context {
		if _, exists := n.Context[k]; !exists {
			n.Context[k] = v
		}
	}

	m.logger.Warn().
		Str("mission_id", mission.ID).
		Str("category", string(classification.Category)).
		Str("severity", string(classification.Severity)).
		Msg("Escalating failure")

	if m.sink == nil {
		return
	}
	if err := m.sink.Notify(ctx, n); err != nil {
		m.logger.Error().Err(err).Str("mission_id", mission.ID).Msg("Failed to deliver escalation")
	}
}
