package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/missionctl/pkg/telemetry"
	"github.com/rs/zerolog"
)

// StepExecutor runs a single step against its layer adapter with per-attempt
// timeouts and backoff between attempts. Run never returns an error and never
// panics; every outcome, including adapter panics, is reported in the StepResult.
type StepExecutor struct {
	// adapters resolves component types to layer adapters
	adapters AdapterResolver

	// breakers is nil unless the circuit breaker is enabled
	breakers *breakerSet

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	// sleep waits between attempts; tests replace it to avoid real delays
	sleep func(ctx context.Context, d time.Duration) error
}

// NewStepExecutor creates a step executor. metrics and tracer may be nil.
func NewStepExecutor(
	adapters AdapterResolver,
	breaker BreakerConfig,
	logger zerolog.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) *StepExecutor {
	logger = logger.With().Str("component", "step-executor").Logger()
	return &StepExecutor{
		adapters: adapters,
		breakers: newBreakerSet(breaker, logger),
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		sleep:    sleepContext,
	}
}

// Run executes the step with the adapter registered for its component type.
func (e *StepExecutor) Run(ctx context.Context, missionID string, step *Step) *StepResult {
	adapter, err := e.adapters.Adapter(step.ComponentType)
	if err != nil {
		now := time.Now()
		result := &StepResult{
			StepID:      step.ID,
			ComponentID: step.ComponentID,
			Status:      StepStatusFailed,
			Error:       err.Error(),
			StartedAt:   now,
			CompletedAt: now,
		}
		e.metrics.RecordStepExecution(step.ComponentType, string(result.Status), 0, 0)
		return result
	}
	return e.RunWith(ctx, missionID, step, adapter)
}

// RunWith executes the step with an explicit adapter. The alternate recovery
// strategy uses it to target a fallback adapter.
func (e *StepExecutor) RunWith(ctx context.Context, missionID string, step *Step, adapter LayerAdapter) *StepResult {
	ctx, span := e.tracer.StartStepSpan(ctx, missionID, step.ID, step.ComponentType)
	defer span.End()

	result := &StepResult{
		StepID:      step.ID,
		ComponentID: step.ComponentID,
		Status:      StepStatusRunning,
		StartedAt:   time.Now(),
	}

	maxAttempts := step.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Stop before invoking the adapter if the mission was cancelled
		if err := ctx.Err(); err != nil {
			result.Status = StepStatusCancelled
			result.Error = fmt.Sprintf("step cancelled before attempt %d: %v", attempt, err)
			break
		}

		result.Attempts = attempt
		res, err := e.attempt(ctx, missionID, step, adapter, attempt)
		if err == nil {
			result.Status = StepStatusSucceeded
			result.Output = res.Output
			result.Reference = res.Reference
			result.Error = ""
			break
		}

		result.Status = StepStatusFailed
		result.Error = err.Error()
		if res != nil {
			result.Output = res.Output
		}

		// A cancelled mission is not a step failure worth retrying
		if ctx.Err() != nil {
			result.Status = StepStatusCancelled
			break
		}

		// Don't wait after the last attempt
		if attempt >= maxAttempts {
			break
		}

		delay := step.Retry.Delay(attempt)
		e.logger.Warn().
			Str("mission_id", missionID).
			Str("step_id", step.ID).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("backoff", delay).
			Str("error", result.Error).
			Msg("Step attempt failed, retrying")
		telemetry.AddStepEvent(span, step.ID, "retry", result.Error)

		if err := e.sleep(ctx, delay); err != nil {
			result.Status = StepStatusCancelled
			result.Error = fmt.Sprintf("step cancelled during backoff: %v", err)
			break
		}
	}

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	span.SetAttributes(telemetry.AttrAttempts.Int(result.Attempts))
	if result.Status == StepStatusSucceeded {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, errors.New(result.Error))
	}
	e.metrics.RecordStepExecution(step.ComponentType, string(result.Status), result.Attempts, result.Duration)

	return result
}

// attempt performs one adapter call bounded by the step timeout.
// A reported failure (Success=false) is returned as an error together with the result.
func (e *StepExecutor) attempt(
	ctx context.Context,
	missionID string,
	step *Step,
	adapter LayerAdapter,
	attempt int,
) (*AdapterResult, error) {
	attemptCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	req := DeployRequest{
		MissionID:   missionID,
		StepID:      step.ID,
		ComponentID: step.ComponentID,
		Action:      step.Action,
		Parameters:  step.Parameters,
		Attempt:     attempt,
	}

	call := func() (interface{}, error) {
		return invokeDeploy(attemptCtx, adapter, req)
	}

	var (
		out interface{}
		err error
	)
	if cb := e.breakers.get(step.ComponentType); cb != nil {
		out, err = cb.Execute(call)
		if isBreakerRejection(err) {
			return nil, NewTransientError(
				fmt.Sprintf("circuit open for layer %s", step.ComponentType), err).
				WithCode(ErrCodeCircuitOpen).
				WithResource(step.ID)
		}
	} else {
		out, err = call()
	}

	res, _ := out.(*AdapterResult)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return res, NewTransientError(
			fmt.Sprintf("step timed out after %s", step.Timeout), err).
			WithCode(ErrCodeTimeout).
			WithResource(step.ID)
	}
	return res, err
}

// invokeDeploy calls the adapter and converts panics and reported failures into errors.
func invokeDeploy(ctx context.Context, adapter LayerAdapter, req DeployRequest) (res *AdapterResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = NewPermanentError(fmt.Sprintf("adapter panicked: %v", r), nil).
				WithCode(ErrCodeAdapterFailed).
				WithResource(req.StepID)
		}
	}()

	res, err = adapter.Deploy(ctx, req)
	if err != nil {
		return res, err
	}
	if res == nil {
		return nil, NewPermanentError("adapter returned no result", nil).
			WithCode(ErrCodeAdapterFailed).
			WithResource(req.StepID)
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "adapter reported failure"
		}
		return res, errors.New(msg)
	}
	return res, nil
}

// invokeRollback calls Adapter.Rollback with the same conversions as invokeDeploy.
func invokeRollback(ctx context.Context, adapter LayerAdapter, req RollbackRequest) (res *AdapterResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = NewPermanentError(fmt.Sprintf("adapter panicked during rollback: %v", r), nil).
				WithCode(ErrCodeAdapterFailed).
				WithResource(req.StepID)
		}
	}()

	res, err = adapter.Rollback(ctx, req)
	if err != nil {
		return res, err
	}
	if res == nil {
		return nil, NewPermanentError("adapter returned no rollback result", nil).
			WithCode(ErrCodeAdapterFailed).
			WithResource(req.StepID)
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "adapter reported rollback failure"
		}
		return res, errors.New(msg)
	}
	return res, nil
}

// RunRollbackStep performs one compensating call with a timeout. It never panics.
func RunRollbackStep(ctx context.Context, adapter LayerAdapter, missionID string, step RollbackStep) StepResult {
	result := StepResult{
		StepID:      step.StepID,
		ComponentID: step.ComponentID,
		Attempts:    1,
		StartedAt:   time.Now(),
	}

	callCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	res, err := invokeRollback(callCtx, adapter, RollbackRequest{
		MissionID:   missionID,
		StepID:      step.StepID,
		ComponentID: step.ComponentID,
		Reference:   step.Reference,
		Parameters:  step.Parameters,
	})
	if res != nil {
		result.Output = res.Output
		result.Reference = res.Reference
	}
	if err != nil {
		result.Status = StepStatusFailed
		result.Error = err.Error()
	} else {
		result.Status = StepStatusSucceeded
	}

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	return result
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
