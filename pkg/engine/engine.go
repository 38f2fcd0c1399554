package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/missionctl/pkg/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// EngineConfig controls mission execution.
type EngineConfig struct {
	// MaxConcurrentSteps bounds concurrently running steps within a stage.
	MaxConcurrentSteps int `mapstructure:"max_concurrent_steps" validate:"min=1"`

	// DefaultStrategy is used when a request names none.
	DefaultStrategy Strategy `mapstructure:"default_strategy" validate:"omitempty,oneof=sequential parallel hybrid"`

	// AutoRollback rolls failed missions back unless the request overrides it.
	AutoRollback bool `mapstructure:"auto_rollback"`

	// MissionTimeout is the default hard ceiling per mission. Zero means none.
	MissionTimeout time.Duration `mapstructure:"mission_timeout" validate:"min=0"`

	// StepTimeout is the default per-attempt timeout.
	StepTimeout time.Duration `mapstructure:"step_timeout" validate:"min=0"`

	// Retry is the default retry policy.
	Retry RetryPolicy `mapstructure:"retry"`

	// RecoveryRetry lets the engine apply retry and alternate suggestions
	// automatically for recoverable failures.
	RecoveryRetry bool `mapstructure:"recovery_retry"`

	// CircuitBreaker configures the optional per-layer breaker.
	CircuitBreaker BreakerConfig `mapstructure:"circuit_breaker"`

	// HistoryRetention is how long a finished mission stays in memory. Older
	// missions are served from the journal. Zero keeps them forever.
	HistoryRetention time.Duration `mapstructure:"history_retention" validate:"min=0"`
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentSteps: 4,
		DefaultStrategy:    StrategyParallel,
		AutoRollback:       true,
		StepTimeout:        DefaultStepTimeout,
		Retry: RetryPolicy{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   DefaultBaseDelay,
			Backoff:     BackoffLinear,
		},
		HistoryRetention: DefaultHistoryRetention,
	}
}

// DefaultHistoryRetention keeps finished missions in memory for an hour.
const DefaultHistoryRetention = time.Hour

// Dependencies are the collaborators of the engine. Adapters and Recovery are required.
type Dependencies struct {
	Adapters AdapterResolver
	Recovery RecoveryAdvisor
	Journal  JournalWriter
	Policy   PlanValidator
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
}

// Engine is the mission execution engine. It owns every mission record;
// callers only see snapshots.
type Engine struct {
	cfg      EngineConfig
	resolver *DependencyResolver
	executor *StepExecutor
	adapters AdapterResolver
	recovery RecoveryAdvisor
	journal  JournalWriter
	policy   PlanValidator
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	history  MissionHistory
	logger   zerolog.Logger
	now      func() time.Time

	// mu guards missions
	mu       sync.Mutex
	missions map[string]*missionState
}

// missionState is the engine-private record of one mission.
// mu guards every field, including the mission itself.
type missionState struct {
	mu      sync.Mutex
	mission *Mission

	cancelRequested bool
	pauseRequested  bool
	rollbackReason  string
	rollbackPending bool

	// compensation is the last complete compensation of a succeeded or
	// cancelled mission; compensating guards against a concurrent one
	compensation *RollbackReport
	compensating bool

	// resume is closed to wake a paused worker
	resume chan struct{}

	// cancelRun interrupts in-flight steps; nil unless a worker owns the mission
	cancelRun context.CancelFunc
}

// NewEngine creates a mission engine.
func NewEngine(cfg EngineConfig, deps Dependencies, logger zerolog.Logger) (*Engine, error) {
	if deps.Adapters == nil {
		return nil, NewPermanentError("engine requires an adapter resolver", nil).WithCode(ErrCodeValidation)
	}
	if deps.Recovery == nil {
		return nil, NewPermanentError("engine requires a recovery advisor", nil).WithCode(ErrCodeValidation)
	}
	if cfg.MaxConcurrentSteps <= 0 {
		cfg.MaxConcurrentSteps = 1
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyParallel
	}

	logger = logger.With().Str("component", "engine").Logger()
	history, _ := deps.Journal.(MissionHistory)
	return &Engine{
		cfg:      cfg,
		resolver: NewDependencyResolver(StepDefaults{Timeout: cfg.StepTimeout, Retry: cfg.Retry}),
		executor: NewStepExecutor(deps.Adapters, cfg.CircuitBreaker, logger, deps.Metrics, deps.Tracer),
		adapters: deps.Adapters,
		recovery: deps.Recovery,
		journal:  deps.Journal,
		policy:   deps.Policy,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		history:  history,
		logger:   logger,
		now:      time.Now,
		missions: make(map[string]*missionState),
	}, nil
}

// Resolver returns the engine's dependency resolver.
func (e *Engine) Resolver() *DependencyResolver {
	return e.resolver
}

// Submit registers a mission and resolves its plan synchronously. A planning
// error fails the mission before any step runs; the failed mission is still
// returned so it can be inspected.
func (e *Engine) Submit(ctx context.Context, req MissionRequest, priority int) (*Mission, error) {
	id := uuid.New().String()
	st := &missionState{
		mission: &Mission{},
		resume:  make(chan struct{}),
	}

	e.Prune()
	e.mu.Lock()
	e.missions[id] = st
	e.mu.Unlock()

	strategy := req.Strategy
	if strategy == "" {
		strategy = e.cfg.DefaultStrategy
	}
	name := req.Name
	if name == "" {
		name = id
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := e.recordLocked(ctx, st, id, EventMissionSubmitted, SubmittedEvent{
		Name:     name,
		Request:  req,
		Priority: priority,
	}); err != nil {
		return nil, err
	}
	e.metrics.RecordMissionSubmitted(string(strategy))

	plan, err := e.resolver.Resolve(req.Components, strategy)
	if err != nil {
		e.logger.Warn().Err(err).Str("mission_id", id).Msg("Mission planning failed")
		e.recordError(err)
		_ = e.transitionLocked(ctx, st, MissionStatusPlanning, "resolving plan")
		_ = e.recordLocked(ctx, st, id, EventMissionError, MessageEvent{Message: err.Error()})
		_ = e.transitionLocked(ctx, st, MissionStatusFailed, "planning failed")
		return st.mission.Clone(), err
	}

	if err := e.recordLocked(ctx, st, id, EventMissionPlanned, PlannedEvent{Plan: plan}); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("mission_id", id).
		Str("strategy", string(plan.Strategy)).
		Int("stages", len(plan.Stages)).
		Int("steps", len(plan.Steps)).
		Int("priority", priority).
		Msg("Mission submitted")

	return st.mission.Clone(), nil
}

// Run submits a mission and executes it in the calling goroutine.
func (e *Engine) Run(ctx context.Context, req MissionRequest) (*Mission, error) {
	m, err := e.Submit(ctx, req, 0)
	if err != nil {
		return m, err
	}
	if err := e.Execute(ctx, m.ID); err != nil {
		return nil, err
	}
	return e.Get(m.ID)
}

// Execute runs a pending mission to a final state. It is called by registry
// workers; the mission outcome is reported in its status, not the returned error.
func (e *Engine) Execute(ctx context.Context, missionID string) error {
	st, err := e.state(missionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	status := st.mission.Status
	if status != MissionStatusPending {
		st.mu.Unlock()
		if status == MissionStatusCancelled || status == MissionStatusFailed {
			// Cancelled while queued, or failed during planning
			return nil
		}
		return NewInvalidTransitionError(missionID, status, MissionStatusPlanning)
	}

	timeout := st.mission.Request.Timeout
	if timeout <= 0 {
		timeout = e.cfg.MissionTimeout
	}
	runCtx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}
	defer cancel()
	st.cancelRun = cancel
	planID := ""
	if st.mission.Plan != nil {
		planID = st.mission.Plan.ID
	}
	st.mu.Unlock()

	runCtx, span := e.tracer.StartMissionSpan(runCtx, missionID)
	defer span.End()
	span.SetAttributes(telemetry.AttrPlanID.String(planID))

	e.metrics.RecordMissionStarted()
	start := time.Now()

	e.run(runCtx, st, missionID, timeout)

	st.mu.Lock()
	st.cancelRun = nil
	final := st.mission.Status
	st.mu.Unlock()

	span.SetAttributes(telemetry.AttrMissionStatus.String(string(final)))
	if final == MissionStatusSucceeded {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, fmt.Errorf("mission ended %s", final))
	}
	e.metrics.RecordMissionCompleted(string(final), time.Since(start))

	e.logger.Info().
		Str("mission_id", missionID).
		Str("status", string(final)).
		Dur("duration", time.Since(start)).
		Msg("Mission finished")

	return nil
}

// boundary is the outcome of a checkpoint.
type boundary int

const (
	boundaryContinue boundary = iota
	boundaryCancelled
	boundaryTimeout
	boundaryRollback
)

// run drives the mission through planning, simulation and execution.
func (e *Engine) run(ctx context.Context, st *missionState, missionID string, timeout time.Duration) {
	// Phase 1: admission
	if !e.transition(ctx, st, MissionStatusPlanning, "admitting plan") {
		return
	}
	if err := e.admit(ctx, st, missionID); err != nil {
		e.fail(ctx, st, missionID, err.Error(), false)
		return
	}
	if e.stopAt(ctx, st, missionID, timeout) {
		return
	}

	// Phase 2: optional simulation
	st.mu.Lock()
	simulate := st.mission.Request.Simulate
	plan := st.mission.Plan
	st.mu.Unlock()

	if simulate {
		if !e.transition(ctx, st, MissionStatusSimulating, "simulating plan") {
			return
		}
		if errs := e.simulate(ctx, missionID, plan); len(errs) > 0 {
			st.mu.Lock()
			for _, err := range errs {
				_ = e.recordLocked(ctx, st, missionID, EventMissionError, MessageEvent{Message: err.Error()})
			}
			st.mu.Unlock()
			e.fail(ctx, st, missionID, "simulation rejected the plan", false)
			return
		}
		if e.stopAt(ctx, st, missionID, timeout) {
			return
		}
	}

	// Phase 3: execution, stage by stage
	if !e.transition(ctx, st, MissionStatusExecuting, "executing plan") {
		return
	}

	for _, stage := range plan.Stages {
		if e.stopAt(ctx, st, missionID, timeout) {
			return
		}

		if failure := e.runStage(ctx, st, missionID, plan, stage); failure != "" {
			if e.stopAt(ctx, st, missionID, timeout) {
				return
			}
			e.fail(ctx, st, missionID, failure, true)
			return
		}
	}

	if e.stopAt(ctx, st, missionID, timeout) {
		return
	}
	e.transition(ctx, st, MissionStatusSucceeded, "all stages completed")
}

// stopAt runs a checkpoint and handles any stop condition. It returns true if
// the mission must not continue.
func (e *Engine) stopAt(ctx context.Context, st *missionState, missionID string, timeout time.Duration) bool {
	switch e.checkpoint(ctx, st, missionID) {
	case boundaryCancelled:
		return true
	case boundaryTimeout:
		msg := NewTransientError(fmt.Sprintf("mission timed out after %s", timeout), context.DeadlineExceeded).
			WithCode(ErrCodeTimeout).
			WithResource(missionID).Error()
		e.fail(ctx, st, missionID, msg, true)
		return true
	case boundaryRollback:
		st.mu.Lock()
		reason := st.rollbackReason
		st.rollbackPending = false
		st.mu.Unlock()
		e.rollback(context.WithoutCancel(ctx), st, missionID, reason)
		return true
	default:
		return false
	}
}

// checkpoint observes cancel, pause, rollback and timeout requests at a boundary.
// A pause blocks here until resume, cancel, or the context ends.
func (e *Engine) checkpoint(ctx context.Context, st *missionState, missionID string) boundary {
	for {
		st.mu.Lock()
		status := st.mission.Status

		switch {
		case st.cancelRequested:
			if status == MissionStatusPaused {
				_ = e.transitionLocked(ctx, st, MissionStatusExecuting, "resumed for cancellation")
			}
			_ = e.transitionLocked(ctx, st, MissionStatusCancelled, "cancelled by operator")
			st.mu.Unlock()
			return boundaryCancelled

		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			if status == MissionStatusPaused {
				_ = e.transitionLocked(ctx, st, MissionStatusExecuting, "resumed on timeout")
			}
			st.mu.Unlock()
			return boundaryTimeout

		case ctx.Err() != nil:
			if status == MissionStatusPaused {
				_ = e.transitionLocked(ctx, st, MissionStatusExecuting, "resumed for cancellation")
			}
			_ = e.transitionLocked(ctx, st, MissionStatusCancelled, "execution context cancelled")
			st.mu.Unlock()
			return boundaryCancelled

		case st.rollbackPending && (status == MissionStatusExecuting || status == MissionStatusPaused):
			if status == MissionStatusPaused {
				_ = e.transitionLocked(ctx, st, MissionStatusExecuting, "resumed for rollback")
			}
			st.mu.Unlock()
			return boundaryRollback

		case st.pauseRequested && status == MissionStatusExecuting:
			_ = e.transitionLocked(ctx, st, MissionStatusPaused, "paused by operator")
			resume := st.resume
			st.mu.Unlock()

			e.logger.Info().Str("mission_id", missionID).Msg("Mission paused at stage boundary")
			select {
			case <-resume:
			case <-ctx.Done():
			}
			continue

		case status == MissionStatusPaused && !st.pauseRequested:
			_ = e.transitionLocked(ctx, st, MissionStatusExecuting, "resumed by operator")
			st.mu.Unlock()
			continue

		default:
			st.mu.Unlock()
			return boundaryContinue
		}
	}
}

// admit evaluates admission policies against the planned mission.
func (e *Engine) admit(ctx context.Context, st *missionState, missionID string) error {
	if e.policy == nil {
		return nil
	}

	st.mu.Lock()
	snapshot := st.mission.Clone()
	st.mu.Unlock()

	decision, err := e.policy.ValidatePlan(ctx, snapshot)
	if err != nil {
		return NewPermanentError("policy evaluation failed", err).
			WithCode(ErrCodePolicyDenied).
			WithResource(missionID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	for _, w := range decision.Warnings {
		_ = e.recordLocked(ctx, st, missionID, EventMissionWarning, MessageEvent{Message: w})
	}
	if decision.Allowed {
		return nil
	}
	for _, v := range decision.Violations {
		_ = e.recordLocked(ctx, st, missionID, EventMissionError, MessageEvent{
			Message: fmt.Sprintf("policy %s denied the plan: %s", v.Policy, v.Message),
		})
	}
	return NewPermanentError(
		fmt.Sprintf("plan denied by %d policy violation(s)", len(decision.Violations)), nil).
		WithCode(ErrCodePolicyDenied).
		WithResource(missionID)
}

// simulate checks every step without side effects: the adapter must exist and,
// if it implements Validator, accept the request.
func (e *Engine) simulate(ctx context.Context, missionID string, plan *ExecutionPlan) []error {
	var errs []error
	for i := range plan.Steps {
		step := &plan.Steps[i]
		adapter, err := e.adapters.Adapter(step.ComponentType)
		if err != nil {
			errs = append(errs, fmt.Errorf("step %s: %w", step.ID, err))
			continue
		}
		v, ok := adapter.(Validator)
		if !ok {
			continue
		}
		if err := v.Validate(ctx, DeployRequest{
			MissionID:   missionID,
			StepID:      step.ID,
			ComponentID: step.ComponentID,
			Action:      step.Action,
			Parameters:  step.Parameters,
		}); err != nil {
			errs = append(errs, fmt.Errorf("step %s failed validation: %w", step.ID, err))
		}
	}
	return errs
}

// runStage runs the steps of one stage with bounded concurrency and waits for
// all of them. It returns a failure message, or "" if the mission may continue.
func (e *Engine) runStage(ctx context.Context, st *missionState, missionID string, plan *ExecutionPlan, stage Stage) string {
	stageCtx, cancelStage := context.WithCancel(ctx)
	defer cancelStage()

	var (
		failMu  sync.Mutex
		failure string
	)
	onFatal := func(msg string) {
		failMu.Lock()
		if failure == "" {
			failure = msg
		}
		failMu.Unlock()
		// Stop in-flight siblings; they report cancelled
		cancelStage()
	}

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.MaxConcurrentSteps)

	for _, step := range plan.StageSteps(stage.Index) {
		st.mu.Lock()
		done := false
		if r, ok := st.mission.StepResults[step.ID]; ok && r.Status == StepStatusSucceeded {
			done = true
		}
		stop := st.cancelRequested
		st.mu.Unlock()

		if done {
			continue
		}
		if stop || stageCtx.Err() != nil {
			break
		}

		g.Go(func() error {
			// A slot may free up after the stage was stopped
			if stageCtx.Err() != nil {
				return nil
			}
			e.runStep(stageCtx, st, missionID, &step, onFatal)
			return nil
		})
	}

	_ = g.Wait()

	failMu.Lock()
	defer failMu.Unlock()
	return failure
}

// runStep executes one step and applies the recovery decision on failure.
func (e *Engine) runStep(ctx context.Context, st *missionState, missionID string, step *Step, onFatal func(string)) {
	st.mu.Lock()
	_ = e.recordLocked(ctx, st, missionID, EventStepStarted, StepEvent{Result: StepResult{
		StepID:      step.ID,
		ComponentID: step.ComponentID,
		Status:      StepStatusRunning,
		StartedAt:   time.Now().UTC(),
	}})
	missionContext := st.mission.Request.Context
	st.mu.Unlock()

	result := e.executor.Run(ctx, missionID, step)

	if result.Status == StepStatusFailed {
		classification := e.recovery.Classify(result.Error, missionContext)
		suggestions := e.recovery.Suggest(classification)
		e.metrics.RecordFailure(string(classification.Category), string(classification.Severity))
		telemetry.AddFailureEvent(ctx, step.ID, string(classification.Category), result.Error)

		st.mu.Lock()
		_ = e.recordLocked(ctx, st, missionID, EventRecoveryAdvised, RecoveryEvent{
			StepID:         step.ID,
			Classification: classification,
			Suggestions:    suggestions,
		})
		st.mu.Unlock()

		if recovered := e.recover(ctx, missionID, step, result, classification, suggestions); recovered != nil {
			result = recovered
		}
		if result.Status == StepStatusFailed {
			st.mu.Lock()
			snapshot := st.mission.Clone()
			st.mu.Unlock()
			e.recovery.Escalate(ctx, snapshot, classification)
		}
	}

	st.mu.Lock()
	_ = e.recordLocked(ctx, st, missionID, EventStepFinished, StepEvent{Result: *result})
	switch result.Status {
	case StepStatusSkipped:
		_ = e.recordLocked(ctx, st, missionID, EventMissionWarning, MessageEvent{
			Message: fmt.Sprintf("step %s failed and was skipped: %s", step.ID, result.Error),
		})
	case StepStatusFailed:
		_ = e.recordLocked(ctx, st, missionID, EventMissionError, MessageEvent{
			Message: fmt.Sprintf("step %s failed: %s", step.ID, result.Error),
		})
	}
	st.mu.Unlock()

	e.logger.Info().
		Str("mission_id", missionID).
		Str("step_id", step.ID).
		Str("status", string(result.Status)).
		Int("attempts", result.Attempts).
		Dur("duration", result.Duration).
		Msg("Step finished")

	if result.Status == StepStatusFailed {
		onFatal(fmt.Sprintf("step %s failed: %s", step.ID, result.Error))
	}
}

// recover applies suggestions that are safe to apply without an operator.
// It returns a replacement result, or nil to keep the failure.
func (e *Engine) recover(
	ctx context.Context,
	missionID string,
	step *Step,
	failed *StepResult,
	classification ErrorClassification,
	suggestions []RecoverySuggestion,
) *StepResult {
	if e.cfg.RecoveryRetry && classification.Recoverable {
	suggestionLoop:
		for _, s := range suggestions {
			switch s.Strategy {
			case RecoveryRetry:
				e.logger.Info().Str("mission_id", missionID).Str("step_id", step.ID).Msg("Retrying step on recovery advice")
				if r := e.executor.Run(ctx, missionID, step); r.Status == StepStatusSucceeded {
					r.Attempts += failed.Attempts
					return r
				}
			case RecoveryAlternate:
				alt, ok := e.adapters.Alternate(step.ComponentType)
				if !ok {
					continue
				}
				e.logger.Info().Str("mission_id", missionID).Str("step_id", step.ID).Msg("Running step on alternate adapter")
				if r := e.executor.RunWith(ctx, missionID, step, alt); r.Status == StepStatusSucceeded {
					r.Attempts += failed.Attempts
					return r
				}
			case RecoverySkip:
				continue
			default:
				break suggestionLoop
			}
		}
	}

	if step.ContinueOnError {
		skipped := *failed
		skipped.Status = StepStatusSkipped
		return &skipped
	}
	return nil
}

// fail moves the mission to failed and, when allowed, rolls it back.
func (e *Engine) fail(ctx context.Context, st *missionState, missionID, reason string, mayRollback bool) {
	st.mu.Lock()
	_ = e.recordLocked(ctx, st, missionID, EventMissionError, MessageEvent{Message: reason})
	err := e.transitionLocked(ctx, st, MissionStatusFailed, reason)
	autoRollback := e.cfg.AutoRollback
	if st.mission.Request.AutoRollback != nil {
		autoRollback = *st.mission.Request.AutoRollback
	}
	st.mu.Unlock()

	if err != nil || !mayRollback || !autoRollback {
		return
	}
	e.rollback(context.WithoutCancel(ctx), st, missionID, "automatic rollback: "+reason)
}

// rollback compensates every executed step and records the outcome.
// The mission must be failed or executing.
func (e *Engine) rollback(ctx context.Context, st *missionState, missionID, reason string) {
	ctx, span := e.tracer.StartRollbackSpan(ctx, missionID)
	defer span.End()

	st.mu.Lock()
	if err := e.transitionLocked(ctx, st, MissionStatusRollingBack, reason); err != nil {
		st.mu.Unlock()
		telemetry.RecordError(span, err)
		return
	}
	snapshot := st.mission.Clone()
	st.mu.Unlock()

	plan := e.recovery.PlanRollback(snapshot, reason)
	e.logger.Info().
		Str("mission_id", missionID).
		Int("steps", len(plan.Steps)).
		Str("reason", reason).
		Msg("Rolling back mission")

	report := e.recovery.ExecuteRecovery(ctx, plan, func(r StepResult) {
		st.mu.Lock()
		_ = e.recordLocked(ctx, st, missionID, EventRollbackStep, StepEvent{Result: r})
		st.mu.Unlock()
	})

	st.mu.Lock()
	defer st.mu.Unlock()

	_ = e.recordLocked(ctx, st, missionID, EventRollbackFinished, RollbackFinishedEvent{
		Status:     report.Status,
		FailedStep: report.FailedStep,
	})
	e.metrics.RecordRollback(string(report.Status))

	if report.Status == RollbackStatusComplete {
		_ = e.transitionLocked(ctx, st, MissionStatusRolledBack, "rollback complete")
		telemetry.RecordSuccess(span)
		return
	}

	msg := fmt.Sprintf("rollback halted at step %s", report.FailedStep)
	_ = e.recordLocked(ctx, st, missionID, EventMissionError, MessageEvent{Message: msg})
	_ = e.transitionLocked(ctx, st, MissionStatusFailed, msg)
	e.recordError(NewPermanentError(msg, nil).WithCode(ErrCodeRollbackFailed))
	telemetry.RecordError(span, errors.New(msg))
}

// Cancel requests cooperative cancellation. A queued mission is cancelled at
// once; a running one stops at the next stage or step boundary.
func (e *Engine) Cancel(ctx context.Context, missionID string) error {
	st, err := e.state(missionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	status := st.mission.Status
	switch status {
	case MissionStatusPending:
		return e.transitionLocked(ctx, st, MissionStatusCancelled, "cancelled while queued")
	case MissionStatusPlanning, MissionStatusSimulating, MissionStatusExecuting, MissionStatusPaused:
		st.cancelRequested = true
		if st.cancelRun != nil {
			st.cancelRun()
		}
		e.wake(st)
		e.logger.Info().Str("mission_id", missionID).Msg("Mission cancellation requested")
		return nil
	default:
		return NewInvalidTransitionError(missionID, status, MissionStatusCancelled)
	}
}

// Pause requests a pause at the next stage boundary.
func (e *Engine) Pause(missionID string) error {
	st, err := e.state(missionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.mission.Status != MissionStatusExecuting {
		return NewInvalidTransitionError(missionID, st.mission.Status, MissionStatusPaused)
	}
	st.pauseRequested = true
	return nil
}

// Resume continues a paused mission, or withdraws a pending pause request.
func (e *Engine) Resume(missionID string) error {
	st, err := e.state(missionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	status := st.mission.Status
	if status != MissionStatusPaused && !(status == MissionStatusExecuting && st.pauseRequested) {
		return NewInvalidTransitionError(missionID, status, MissionStatusExecuting)
	}
	st.pauseRequested = false
	e.wake(st)
	return nil
}

// Rollback compensates a mission. A failed mission is rolled back in the
// calling goroutine; an executing or paused one at its next stage boundary.
func (e *Engine) Rollback(ctx context.Context, missionID, reason string) error {
	st, err := e.state(missionID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "rollback requested by operator"
	}

	st.mu.Lock()
	status := st.mission.Status
	switch status {
	case MissionStatusFailed:
		st.mu.Unlock()
		e.rollback(ctx, st, missionID, reason)
		return nil
	case MissionStatusExecuting, MissionStatusPaused:
		st.rollbackPending = true
		st.rollbackReason = reason
		e.wake(st)
		st.mu.Unlock()
		return nil
	default:
		st.mu.Unlock()
		return NewInvalidTransitionError(missionID, status, MissionStatusRollingBack)
	}
}

// Compensate undoes the executed steps of a mission that ended succeeded or
// cancelled. The state machine keeps such a mission's status, so only the
// compensating steps and their outcome are journalled. A completed
// compensation is not repeated; a partial one may be retried.
func (e *Engine) Compensate(ctx context.Context, missionID, reason string) (*RollbackReport, error) {
	st, err := e.restore(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "compensation requested by operator"
	}

	st.mu.Lock()
	status := st.mission.Status
	switch {
	case status != MissionStatusSucceeded && status != MissionStatusCancelled:
		st.mu.Unlock()
		return nil, NewInvalidTransitionError(missionID, status, MissionStatusRollingBack)
	case st.compensation != nil:
		report := *st.compensation
		st.mu.Unlock()
		return &report, nil
	case st.compensating:
		st.mu.Unlock()
		return nil, NewConflictError("mission is already being compensated", nil).
			WithCode(ErrCodeInvalidTransition).
			WithResource(missionID).
			WithOperation("compensate")
	}
	st.compensating = true

	ctx = context.WithoutCancel(ctx)
	ctx, span := e.tracer.StartRollbackSpan(ctx, missionID)
	defer span.End()

	_ = e.recordLocked(ctx, st, missionID, EventMissionWarning, MessageEvent{
		Message: fmt.Sprintf("compensating %s mission: %s", status, reason),
	})
	snapshot := st.mission.Clone()
	st.mu.Unlock()

	plan := e.recovery.PlanRollback(snapshot, reason)
	e.logger.Info().
		Str("mission_id", missionID).
		Str("status", string(status)).
		Int("steps", len(plan.Steps)).
		Str("reason", reason).
		Msg("Compensating mission")

	report := e.recovery.ExecuteRecovery(ctx, plan, func(r StepResult) {
		st.mu.Lock()
		_ = e.recordLocked(ctx, st, missionID, EventRollbackStep, StepEvent{Result: r})
		st.mu.Unlock()
	})

	st.mu.Lock()
	defer st.mu.Unlock()
	st.compensating = false

	_ = e.recordLocked(ctx, st, missionID, EventRollbackFinished, RollbackFinishedEvent{
		Status:     report.Status,
		FailedStep: report.FailedStep,
	})
	e.metrics.RecordRollback(string(report.Status))

	if report.Status == RollbackStatusComplete {
		st.compensation = report
		telemetry.RecordSuccess(span)
		return report, nil
	}

	msg := fmt.Sprintf("compensation halted at step %s", report.FailedStep)
	_ = e.recordLocked(ctx, st, missionID, EventMissionError, MessageEvent{Message: msg})
	rbErr := NewPermanentError(msg, nil).
		WithCode(ErrCodeRollbackFailed).
		WithResource(missionID).
		WithOperation("compensate")
	e.recordError(rbErr)
	telemetry.RecordError(span, rbErr)
	return report, rbErr
}

// wake releases a worker blocked in a pause. Callers hold st.mu.
func (e *Engine) wake(st *missionState) {
	close(st.resume)
	st.resume = make(chan struct{})
}

// Get returns a snapshot of a mission. Missions pruned from memory are
// rebuilt from the journal when it supports reconstruction.
func (e *Engine) Get(missionID string) (*Mission, error) {
	st, err := e.state(missionID)
	if err != nil {
		if e.history == nil {
			return nil, err
		}
		m, herr := e.history.Reconstruct(context.Background(), missionID)
		if herr != nil {
			if HasCode(herr, ErrCodeMissionNotFound) {
				return nil, err
			}
			return nil, herr
		}
		return m, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.mission.Clone(), nil
}

// ListFilter selects missions from List.
type ListFilter struct {
	Statuses []MissionStatus
}

// List returns snapshots of the missions held in memory ordered by creation time.
func (e *Engine) List(filter ListFilter) []*Mission {
	e.Prune()
	e.mu.Lock()
	states := make([]*missionState, 0, len(e.missions))
	for _, st := range e.missions {
		states = append(states, st)
	}
	e.mu.Unlock()

	want := make(map[MissionStatus]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		want[s] = true
	}

	missions := make([]*Mission, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		if len(want) == 0 || want[st.mission.Status] {
			missions = append(missions, st.mission.Clone())
		}
		st.mu.Unlock()
	}

	sort.SliceStable(missions, func(i, j int) bool {
		if missions[i].CreatedAt.Equal(missions[j].CreatedAt) {
			return missions[i].ID < missions[j].ID
		}
		return missions[i].CreatedAt.Before(missions[j].CreatedAt)
	})
	return missions
}

// ActiveIDs returns the IDs of missions that have not reached a final state.
func (e *Engine) ActiveIDs() []string {
	var ids []string
	for _, m := range e.List(ListFilter{}) {
		if !m.Status.IsTerminal() {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Prune drops finished missions whose last update is older than
// HistoryRetention and returns how many were dropped. Missions owned by a
// worker or being compensated are kept.
func (e *Engine) Prune() int {
	if e.cfg.HistoryRetention <= 0 {
		return 0
	}
	cutoff := e.now().Add(-e.cfg.HistoryRetention)

	e.mu.Lock()
	defer e.mu.Unlock()
	pruned := 0
	for id, st := range e.missions {
		st.mu.Lock()
		expired := st.mission.Status.IsTerminal() &&
			!st.compensating &&
			st.cancelRun == nil &&
			st.mission.UpdatedAt.Before(cutoff)
		st.mu.Unlock()
		if expired {
			delete(e.missions, id)
			pruned++
		}
	}
	if pruned > 0 {
		e.logger.Debug().Int("pruned", pruned).Msg("Pruned finished missions")
	}
	return pruned
}

// restore returns the in-memory state of a mission, reloading a pruned
// mission from the journal.
func (e *Engine) restore(ctx context.Context, missionID string) (*missionState, error) {
	st, err := e.state(missionID)
	if err == nil || e.history == nil {
		return st, err
	}
	m, herr := e.history.Reconstruct(ctx, missionID)
	if herr != nil {
		if HasCode(herr, ErrCodeMissionNotFound) {
			return nil, err
		}
		return nil, herr
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.missions[missionID]; ok {
		return st, nil
	}
	st = &missionState{mission: m, resume: make(chan struct{})}
	e.missions[missionID] = st
	return st, nil
}

func (e *Engine) state(missionID string) (*missionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.missions[missionID]
	if !ok {
		return nil, NewMissionNotFoundError(missionID)
	}
	return st, nil
}

// transition moves the mission to a new status, taking the mission lock.
// It returns false if the state machine rejected the transition.
func (e *Engine) transition(ctx context.Context, st *missionState, to MissionStatus, reason string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return e.transitionLocked(ctx, st, to, reason) == nil
}

// transitionLocked validates and records a status change. Callers hold st.mu.
func (e *Engine) transitionLocked(ctx context.Context, st *missionState, to MissionStatus, reason string) error {
	from := st.mission.Status
	if !from.CanTransition(to) {
		err := NewInvalidTransitionError(st.mission.ID, from, to)
		e.logger.Debug().Err(err).Msg("Rejected mission transition")
		return err
	}

	if err := e.recordLocked(ctx, st, st.mission.ID, EventStatusChanged, StatusChangedEvent{
		From:   from,
		To:     to,
		Reason: reason,
	}); err != nil {
		return err
	}

	e.logger.Info().
		Str("mission_id", st.mission.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("Mission status changed")
	return nil
}

// recordLocked journals an event and folds it into the live mission.
// Callers hold st.mu. A journal failure is logged; the in-memory record stays authoritative.
func (e *Engine) recordLocked(ctx context.Context, st *missionState, missionID string, eventType JournalEventType, payload interface{}) error {
	entry, err := NewJournalEntry(missionID, eventType, payload)
	if err != nil {
		return err
	}

	if e.journal != nil {
		if err := e.journal.Append(context.WithoutCancel(ctx), entry); err != nil {
			e.logger.Error().Err(err).
				Str("mission_id", missionID).
				Str("event_type", string(eventType)).
				Msg("Failed to append journal entry")
		}
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC().Round(0)
	}

	return ApplyJournalEntry(st.mission, entry)
}

func (e *Engine) recordError(err error) {
	var ee *EngineError
	if errors.As(err, &ee) {
		e.metrics.RecordError(ee.Code)
	}
}
