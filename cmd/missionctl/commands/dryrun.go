package commands

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/rollout"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"
)

// Component parameters understood by the dry-run adapter.
const (
	paramFail         = "fail"          // fail every attempt with this message
	paramFailAttempts = "fail_attempts" // fail the first n attempts
	paramFailRegions  = "fail_regions"  // fail only in these regions
	paramDelay        = "delay"         // sleep before answering
	paramInvalid      = "invalid"       // reject the step during simulation
)

// dryRunAdapter stands in for every layer adapter. It deploys nothing and
// only logs what it would do, which lets missions, failures and rollbacks be
// exercised locally. Parameters on the component steer its behaviour.
type dryRunAdapter struct {
	region    string
	env       rollout.Environment
	unhealthy bool
	logger    zerolog.Logger
}

func newDryRunAdapter(region string, env rollout.Environment, unhealthy bool, logger zerolog.Logger) *dryRunAdapter {
	l := logger.With().Str("component", "dry-run-adapter").Logger()
	if region != "" {
		l = l.With().Str("region", region).Str("environment", string(env)).Logger()
	}
	return &dryRunAdapter{region: region, env: env, unhealthy: unhealthy, logger: l}
}

func (a *dryRunAdapter) Deploy(ctx context.Context, req engine.DeployRequest) (*engine.AdapterResult, error) {
	if d := cast.ToDuration(req.Parameters[paramDelay]); d > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}

	if msg, failed := a.failure(req); failed {
		a.logger.Info().
			Str("step_id", req.StepID).
			Int("attempt", req.Attempt).
			Str("error", msg).
			Msg("Simulated failure")
		return &engine.AdapterResult{Success: false, Error: msg}, nil
	}

	ref := "dry-run-" + uuid.New().String()[:8]
	a.logger.Info().
		Str("step_id", req.StepID).
		Str("action", req.Action).
		Int("attempt", req.Attempt).
		Str("reference", ref).
		Msg("Would deploy component")
	return &engine.AdapterResult{
		Success:   true,
		Reference: ref,
		Output: map[string]interface{}{
			"dry_run": true,
			"action":  req.Action,
		},
	}, nil
}

// failure reports whether the attempt should fail and with which message.
func (a *dryRunAdapter) failure(req engine.DeployRequest) (string, bool) {
	params := req.Parameters
	if regions := cast.ToStringSlice(params[paramFailRegions]); len(regions) > 0 {
		if !slices.Contains(regions, a.region) {
			return "", false
		}
	}

	msg := cast.ToString(params[paramFail])
	if n := cast.ToInt(params[paramFailAttempts]); n > 0 {
		if req.Attempt > n {
			return "", false
		}
		if msg == "" {
			msg = "connection refused"
		}
		return msg, true
	}
	if msg != "" {
		return msg, true
	}
	if _, ok := params[paramFailRegions]; ok {
		return "simulated regional failure", true
	}
	return "", false
}

func (a *dryRunAdapter) Rollback(ctx context.Context, req engine.RollbackRequest) (*engine.AdapterResult, error) {
	a.logger.Info().
		Str("step_id", req.StepID).
		Str("reference", req.Reference).
		Msg("Would roll back component")
	return &engine.AdapterResult{Success: true}, nil
}

func (a *dryRunAdapter) CheckHealth(ctx context.Context) (*engine.HealthStatus, error) {
	status := &engine.HealthStatus{Healthy: !a.unhealthy, CheckedAt: time.Now()}
	if a.unhealthy {
		status.Reason = fmt.Sprintf("region %s marked unhealthy", a.region)
	}
	return status, nil
}

// Validate lets the simulation pass reject steps without deploying them.
func (a *dryRunAdapter) Validate(ctx context.Context, req engine.DeployRequest) error {
	if reason := cast.ToString(req.Parameters[paramInvalid]); reason != "" {
		return engine.NewPermanentError(reason, nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(req.StepID)
	}
	return nil
}

// dryRunResolver serves the dry-run adapter for every component type.
type dryRunResolver struct {
	adapter *dryRunAdapter
}

func (r *dryRunResolver) Adapter(componentType string) (engine.LayerAdapter, error) {
	return r.adapter, nil
}

func (r *dryRunResolver) Alternate(componentType string) (engine.LayerAdapter, bool) {
	return nil, false
}

func (r *dryRunResolver) Types() []string {
	return nil
}

// CheckHealth makes the resolver a rollout.HealthChecker.
func (r *dryRunResolver) CheckHealth(ctx context.Context) *engine.HealthStatus {
	status, _ := r.adapter.CheckHealth(ctx)
	return status
}

// loggingTrafficManager records blue-green traffic switches without routing anything.
type loggingTrafficManager struct {
	logger zerolog.Logger
}

func (t *loggingTrafficManager) SwitchTraffic(ctx context.Context, region string, to rollout.Environment) error {
	t.logger.Info().Str("region", region).Str("environment", string(to)).Msg("Would switch traffic")
	return nil
}

func (t *loggingTrafficManager) Decommission(ctx context.Context, region string, env rollout.Environment) error {
	t.logger.Info().Str("region", region).Str("environment", string(env)).Msg("Would decommission environment")
	return nil
}
