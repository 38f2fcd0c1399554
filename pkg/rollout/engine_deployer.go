package rollout

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/rs/zerolog"
)

// Context labels added to every regional mission.
const (
	ContextRegion      = "region"
	ContextEnvironment = "deployment_environment"
)

// HealthChecker reports the health of a region environment.
type HealthChecker interface {
	CheckHealth(ctx context.Context) *engine.HealthStatus
}

// RegionRuntime is the mission engine serving one region environment.
type RegionRuntime struct {
	Engine *engine.Engine

	// Health defaults to always healthy when nil.
	Health HealthChecker
}

// RuntimeFactory builds the runtime for a region environment.
type RuntimeFactory func(region string, env Environment) (*RegionRuntime, error)

// EngineDeployer is a RegionDeployer that runs missions through one engine per
// region environment.
type EngineDeployer struct {
	factory RuntimeFactory
	logger  zerolog.Logger

	mu       sync.Mutex
	runtimes map[string]*RegionRuntime
}

// NewEngineDeployer creates a deployer that builds runtimes lazily.
func NewEngineDeployer(factory RuntimeFactory, logger zerolog.Logger) *EngineDeployer {
	return &EngineDeployer{
		factory:  factory,
		logger:   logger.With().Str("component", "region-deployer").Logger(),
		runtimes: make(map[string]*RegionRuntime),
	}
}

func (d *EngineDeployer) runtime(region string, env Environment) (*RegionRuntime, error) {
	key := region + "/" + string(env)

	d.mu.Lock()
	defer d.mu.Unlock()
	if rt, ok := d.runtimes[key]; ok {
		return rt, nil
	}
	rt, err := d.factory(region, env)
	if err != nil {
		return nil, fmt.Errorf("failed to build runtime for %s: %w", key, err)
	}
	if rt == nil || rt.Engine == nil {
		return nil, fmt.Errorf("runtime for %s has no engine", key)
	}
	d.runtimes[key] = rt
	return rt, nil
}

// Deploy runs the mission to completion in the region environment.
func (d *EngineDeployer) Deploy(ctx context.Context, region string, env Environment, req engine.MissionRequest) (*DeployOutcome, error) {
	rt, err := d.runtime(region, env)
	if err != nil {
		return nil, err
	}

	labels := make(map[string]string, len(req.Context)+2)
	for k, v := range req.Context {
		labels[k] = v
	}
	labels[ContextRegion] = region
	labels[ContextEnvironment] = string(env)
	req.Context = labels
	if req.Name != "" {
		req.Name = fmt.Sprintf("%s@%s", req.Name, region)
	}

	m, err := rt.Engine.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &DeployOutcome{
		MissionID: m.ID,
		Status:    m.Status,
		Success:   m.Status == engine.MissionStatusSucceeded,
	}
	if !out.Success && len(m.Errors) > 0 {
		out.Error = strings.Join(m.Errors, "; ")
	}

	d.logger.Debug().
		Str("region", region).
		Str("environment", string(env)).
		Str("mission_id", m.ID).
		Str("status", string(m.Status)).
		Msg("Region mission finished")
	return out, nil
}

// CheckHealth reports the runtime health of a region environment.
func (d *EngineDeployer) CheckHealth(ctx context.Context, region string, env Environment) (*engine.HealthStatus, error) {
	rt, err := d.runtime(region, env)
	if err != nil {
		return nil, err
	}
	if rt.Health == nil {
		return &engine.HealthStatus{Healthy: true}, nil
	}
	return rt.Health.CheckHealth(ctx), nil
}

// Rollback compensates a regional mission. Failed missions are rolled back by
// the engine. Succeeded and cancelled ones, such as a verified green
// deployment that lost its post-switch check or a region interrupted by a
// cancelled rollout, are compensated in place and keep their status.
func (d *EngineDeployer) Rollback(ctx context.Context, region string, env Environment, missionID, reason string) error {
	rt, err := d.runtime(region, env)
	if err != nil {
		return err
	}
	m, err := rt.Engine.Get(missionID)
	if err != nil {
		return err
	}

	switch m.Status {
	case engine.MissionStatusRolledBack:
		return nil
	case engine.MissionStatusFailed:
		if err := rt.Engine.Rollback(ctx, missionID, reason); err != nil {
			return err
		}
		m, err = rt.Engine.Get(missionID)
		if err != nil {
			return err
		}
		if m.Status != engine.MissionStatusRolledBack {
			return engine.NewPermanentError(fmt.Sprintf("mission %s rollback ended %s", missionID, m.Status), nil).
				WithCode(engine.ErrCodeRollbackFailed).
				WithResource(missionID)
		}
		return nil
	case engine.MissionStatusSucceeded, engine.MissionStatusCancelled:
		report, err := rt.Engine.Compensate(ctx, missionID, reason)
		if err != nil {
			return err
		}
		d.logger.Info().
			Str("region", region).
			Str("environment", string(env)).
			Str("mission_id", missionID).
			Int("steps", len(report.Results)).
			Msg("Region mission compensated")
		return nil
	default:
		return engine.NewInvalidTransitionError(missionID, m.Status, engine.MissionStatusRollingBack)
	}
}
