package rollout

import (
	"context"
	"time"

	"github.com/openfroyo/missionctl/pkg/engine"
)

// Strategy selects how a mission is applied across regions.
type Strategy string

const (
	// StrategySequential deploys one region at a time and halts on the first failure.
	StrategySequential Strategy = "sequential"

	// StrategyParallel deploys regions in concurrent batches.
	StrategyParallel Strategy = "parallel"

	// StrategyCanary gates the remaining regions on a healthy canary subset.
	StrategyCanary Strategy = "canary"

	// StrategyBlueGreen deploys a green environment per region and switches traffic to it.
	StrategyBlueGreen Strategy = "blue-green"
)

// RegionStatus is the lifecycle state of one region in a rollout.
type RegionStatus string

const (
	RegionStatusPending     RegionStatus = "pending"
	RegionStatusPreparing   RegionStatus = "preparing"
	RegionStatusInProgress  RegionStatus = "in_progress"
	RegionStatusCompleted   RegionStatus = "completed"
	RegionStatusFailed      RegionStatus = "failed"
	RegionStatusRollingBack RegionStatus = "rolling_back"
	RegionStatusRolledBack  RegionStatus = "rolled_back"
	RegionStatusSkipped     RegionStatus = "skipped"
)

// IsTerminal returns true if the region will not change status again.
func (s RegionStatus) IsTerminal() bool {
	switch s {
	case RegionStatusCompleted, RegionStatusFailed, RegionStatusRolledBack, RegionStatusSkipped:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a rollout.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Environment names the side of a region a deployment targets.
type Environment string

const (
	// EnvironmentPrimary is the in-place environment used by every strategy except blue-green.
	EnvironmentPrimary Environment = "primary"
	EnvironmentBlue    Environment = "blue"
	EnvironmentGreen   Environment = "green"
)

// Request asks for one mission to be rolled out across regions.
type Request struct {
	// Name is a human-readable rollout name.
	Name string `json:"name" yaml:"name"`

	// Mission is deployed to every region.
	Mission engine.MissionRequest `json:"mission" yaml:"mission"`

	// Config selects the strategy and regions.
	Config Config `json:"rollout" yaml:"rollout"`
}

// DeployOutcome is what a RegionDeployer reports for one region deployment.
type DeployOutcome struct {
	MissionID string               `json:"mission_id,omitempty"`
	Status    engine.MissionStatus `json:"status"`
	Success   bool                 `json:"success"`
	Error     string               `json:"error,omitempty"`
}

// RegionDeployer runs a mission in one region. Implementations must be safe for
// concurrent use across regions.
type RegionDeployer interface {
	// Deploy runs the mission in a region environment and waits for it to finish.
	Deploy(ctx context.Context, region string, env Environment, req engine.MissionRequest) (*DeployOutcome, error)

	// CheckHealth reports the health of a region environment.
	CheckHealth(ctx context.Context, region string, env Environment) (*engine.HealthStatus, error)

	// Rollback compensates a deployment previously reported by Deploy.
	Rollback(ctx context.Context, region string, env Environment, missionID, reason string) error
}

// TrafficManager routes regional traffic between blue and green environments.
type TrafficManager interface {
	// SwitchTraffic sends all traffic of a region to env.
	SwitchTraffic(ctx context.Context, region string, to Environment) error

	// Decommission tears down an environment that no longer serves traffic.
	Decommission(ctx context.Context, region string, env Environment) error
}

// RegionResult is the outcome of one region.
type RegionResult struct {
	Region      string       `json:"region"`
	Status      RegionStatus `json:"status"`
	Success     bool         `json:"success"`
	Canary      bool         `json:"canary,omitempty"`
	Environment Environment  `json:"environment,omitempty"`
	MissionID   string       `json:"mission_id,omitempty"`
	Error       string       `json:"error,omitempty"`
	SkipReason  string       `json:"skip_reason,omitempty"`
	Warnings    []string     `json:"warnings,omitempty"`

	// TrafficRestored is set when blue-green switched traffic back to blue.
	TrafficRestored bool `json:"traffic_restored,omitempty"`

	// Decommissioned is set when the blue environment was torn down.
	Decommissioned bool `json:"decommissioned,omitempty"`

	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Rollout is the record of a multi-region rollout.
type Rollout struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Strategy Strategy `json:"strategy"`
	Status   Status   `json:"status"`

	// Regions holds one result per region in declaration order.
	Regions []*RegionResult `json:"regions"`

	// Success is the aggregate outcome. Skipped regions do not count against it,
	// but a failed gate (canary health, cancellation) does.
	Success bool `json:"success"`

	// CanaryFailed is set when the canary subset failed to deploy or stay healthy.
	CanaryFailed bool `json:"canary_failed,omitempty"`

	// Error describes a rollout-level failure.
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Region returns the result of a region.
func (r *Rollout) Region(name string) (*RegionResult, bool) {
	for _, rr := range r.Regions {
		if rr.Region == name {
			return rr, true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the rollout.
func (r *Rollout) Clone() *Rollout {
	if r == nil {
		return nil
	}
	c := *r
	c.Regions = make([]*RegionResult, len(r.Regions))
	for i, rr := range r.Regions {
		cr := *rr
		cr.Warnings = append([]string(nil), rr.Warnings...)
		c.Regions[i] = &cr
	}
	return &c
}
