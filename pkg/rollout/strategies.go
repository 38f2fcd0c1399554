package rollout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

// regionFunc deploys one region and reports whether it succeeded.
type regionFunc func(ctx context.Context, st *rolloutState, idx int) bool

// runSequential deploys regions one at a time. The first failure skips the rest.
func (c *Coordinator) runSequential(ctx context.Context, st *rolloutState, indices []int) {
	for i, idx := range indices {
		if c.stopped(ctx, st) {
			c.skip(ctx, st, indices[i:], "rollout cancelled")
			return
		}
		if !c.deployInPlace(ctx, st, idx) {
			c.skip(ctx, st, indices[i+1:], fmt.Sprintf("region %s failed", st.names[idx]))
			return
		}
	}
}

// runBatches deploys regions in batches of MaxConcurrentRegions. Regions of a
// batch run concurrently and the batch is joined before the next one starts.
// A failure never interrupts its siblings; with halt set, later batches are
// skipped. It reports whether any region failed.
func (c *Coordinator) runBatches(ctx context.Context, st *rolloutState, indices []int, deploy regionFunc, halt bool) bool {
	size := st.cfg.MaxConcurrentRegions
	anyFailed := false

	for start := 0; start < len(indices); start += size {
		if c.stopped(ctx, st) {
			c.skip(ctx, st, indices[start:], "rollout cancelled")
			return true
		}

		end := min(start+size, len(indices))
		var failures atomic.Int32
		var g errgroup.Group
		g.SetLimit(size)
		for _, idx := range indices[start:end] {
			g.Go(func() error {
				if !deploy(ctx, st, idx) {
					failures.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()

		if failures.Load() > 0 {
			anyFailed = true
			if halt && end < len(indices) {
				c.skip(ctx, st, indices[end:], "halted after batch failure")
				return true
			}
		}
	}
	return anyFailed
}

// runCanary deploys the canary subset, lets it bake for the validation period,
// checks its health and only then deploys the remaining regions. A failed
// canary skips every remaining region and leaves the canaries as they are.
func (c *Coordinator) runCanary(ctx context.Context, st *rolloutState) {
	var canaries, rest []int
	for i, name := range st.names {
		if st.cfg.IsCanary(name) {
			canaries = append(canaries, i)
		} else {
			rest = append(rest, i)
		}
	}

	if c.runBatches(ctx, st, canaries, c.deployInPlace, true) {
		if c.stopped(ctx, st) {
			c.skip(ctx, st, rest, "rollout cancelled")
			return
		}
		c.failRollout(st, "canary deployment failed", true)
		c.skip(ctx, st, rest, "canary deployment failed")
		return
	}

	c.logger.Info().
		Str("rollout_id", st.rollout.ID).
		Dur("validation_period", st.cfg.ValidationPeriod).
		Msg("Canary regions deployed, validating")

	if err := c.sleep(ctx, st.cfg.ValidationPeriod); err != nil {
		c.skip(ctx, st, rest, "rollout cancelled")
		return
	}

	var unhealthy []string
	for _, idx := range canaries {
		if err := c.checkHealth(ctx, st, st.names[idx], EnvironmentPrimary); err != nil {
			unhealthy = append(unhealthy, err.Error())
		}
	}
	if len(unhealthy) > 0 {
		reason := "canary health check failed: " + strings.Join(unhealthy, "; ")
		c.failRollout(st, reason, true)
		c.skip(ctx, st, rest, "canary health check failed")
		return
	}

	c.logger.Info().Str("rollout_id", st.rollout.ID).Msg("Canary validation passed")
	c.runBatches(ctx, st, rest, c.deployInPlace, st.cfg.HaltOnBatchFailure)
}

// deployInPlace runs the mission in a region's primary environment.
func (c *Coordinator) deployInPlace(ctx context.Context, st *rolloutState, idx int) bool {
	region := st.names[idx]
	ctx, span := c.tracer.StartRegionSpan(ctx, st.rollout.ID, region)
	defer span.End()

	c.updateRegion(st, idx, func(rr *RegionResult) {
		rr.StartedAt = time.Now().UTC()
		rr.Environment = EnvironmentPrimary
	})
	c.setRegion(ctx, st, idx, RegionStatusPreparing, "")

	if ctx.Err() != nil {
		c.failRegion(ctx, st, idx, EnvironmentPrimary, "rollout cancelled before deployment")
		telemetry.RecordError(span, ctx.Err())
		return false
	}

	c.setRegion(ctx, st, idx, RegionStatusInProgress, "")
	out, err := c.deployer.Deploy(ctx, region, EnvironmentPrimary, st.req.Mission)
	if out != nil {
		c.updateRegion(st, idx, func(rr *RegionResult) { rr.MissionID = out.MissionID })
	}
	if msg := deployFailure(out, err); msg != "" {
		c.failRegion(ctx, st, idx, EnvironmentPrimary, msg)
		telemetry.RecordError(span, fmt.Errorf("%s", msg))
		return false
	}

	c.completeRegion(ctx, st, idx)
	telemetry.RecordSuccess(span)
	return true
}

// deployBlueGreen deploys green next to blue, verifies it, switches traffic and
// decommissions blue. A failed post-switch verification switches traffic back
// to blue; blue is never decommissioned on that path.
func (c *Coordinator) deployBlueGreen(ctx context.Context, st *rolloutState, idx int) bool {
	region := st.names[idx]
	ctx, span := c.tracer.StartRegionSpan(ctx, st.rollout.ID, region)
	defer span.End()

	c.updateRegion(st, idx, func(rr *RegionResult) {
		rr.StartedAt = time.Now().UTC()
		rr.Environment = EnvironmentGreen
	})
	c.setRegion(ctx, st, idx, RegionStatusPreparing, "deploying green environment")

	out, err := c.deployer.Deploy(ctx, region, EnvironmentGreen, st.req.Mission)
	if out != nil {
		c.updateRegion(st, idx, func(rr *RegionResult) { rr.MissionID = out.MissionID })
	}
	if msg := deployFailure(out, err); msg != "" {
		c.failRegion(ctx, st, idx, EnvironmentGreen, "green deployment failed: "+msg)
		telemetry.RecordError(span, fmt.Errorf("%s", msg))
		return false
	}

	c.setRegion(ctx, st, idx, RegionStatusInProgress, "verifying green environment")
	if err := c.checkHealth(ctx, st, region, EnvironmentGreen); err != nil {
		c.failRegion(ctx, st, idx, EnvironmentGreen, "green health check failed: "+err.Error())
		telemetry.RecordError(span, err)
		return false
	}

	if err := c.traffic.SwitchTraffic(ctx, region, EnvironmentGreen); err != nil {
		c.restoreBlue(ctx, st, idx)
		c.failRegion(ctx, st, idx, EnvironmentGreen, "traffic switch failed: "+err.Error())
		telemetry.RecordError(span, err)
		return false
	}
	telemetry.AddEvent(span, "traffic.switched")

	if err := c.checkHealth(ctx, st, region, EnvironmentGreen); err != nil {
		c.restoreBlue(ctx, st, idx)
		c.failRegion(ctx, st, idx, EnvironmentGreen, "post-switch verification failed: "+err.Error())
		telemetry.RecordError(span, err)
		return false
	}

	if err := c.traffic.Decommission(ctx, region, EnvironmentBlue); err != nil {
		c.logger.Warn().Err(err).
			Str("rollout_id", st.rollout.ID).
			Str("region", region).
			Msg("Blue decommission failed")
		c.updateRegion(st, idx, func(rr *RegionResult) {
			rr.Warnings = append(rr.Warnings, "blue decommission failed: "+err.Error())
		})
	} else {
		c.updateRegion(st, idx, func(rr *RegionResult) { rr.Decommissioned = true })
	}

	c.completeRegion(ctx, st, idx)
	telemetry.RecordSuccess(span)
	return true
}

// restoreBlue switches a region's traffic back to blue. It runs even when the
// rollout is being cancelled.
func (c *Coordinator) restoreBlue(ctx context.Context, st *rolloutState, idx int) {
	region := st.names[idx]
	if err := c.traffic.SwitchTraffic(context.WithoutCancel(ctx), region, EnvironmentBlue); err != nil {
		c.logger.Error().Err(err).
			Str("rollout_id", st.rollout.ID).
			Str("region", region).
			Msg("Failed to restore blue environment, manual intervention required")
		c.updateRegion(st, idx, func(rr *RegionResult) {
			rr.Warnings = append(rr.Warnings, "failed to restore blue: "+err.Error())
		})
		return
	}

	c.logger.Warn().
		Str("rollout_id", st.rollout.ID).
		Str("region", region).
		Msg("Traffic restored to blue")
	c.updateRegion(st, idx, func(rr *RegionResult) { rr.TrafficRestored = true })
}

func (c *Coordinator) completeRegion(ctx context.Context, st *rolloutState, idx int) {
	c.updateRegion(st, idx, func(rr *RegionResult) {
		rr.Success = true
		rr.CompletedAt = time.Now().UTC()
	})
	c.setRegion(ctx, st, idx, RegionStatusCompleted, "")
}

// failRegion marks a region failed and, when configured, compensates its deployment.
func (c *Coordinator) failRegion(ctx context.Context, st *rolloutState, idx int, env Environment, reason string) {
	var missionID string
	c.updateRegion(st, idx, func(rr *RegionResult) {
		rr.Success = false
		rr.Error = reason
		rr.CompletedAt = time.Now().UTC()
		missionID = rr.MissionID
	})
	c.setRegion(ctx, st, idx, RegionStatusFailed, reason)

	c.logger.Error().
		Str("rollout_id", st.rollout.ID).
		Str("region", st.names[idx]).
		Str("reason", reason).
		Msg("Region failed")

	if !st.cfg.RollbackOnFailure || missionID == "" {
		return
	}

	c.setRegion(ctx, st, idx, RegionStatusRollingBack, "")
	err := c.deployer.Rollback(context.WithoutCancel(ctx), st.names[idx], env, missionID, reason)
	if err != nil {
		c.updateRegion(st, idx, func(rr *RegionResult) {
			rr.Error = fmt.Sprintf("%s; rollback failed: %v", reason, err)
		})
		c.setRegion(ctx, st, idx, RegionStatusFailed, "rollback failed: "+err.Error())
		return
	}
	c.setRegion(ctx, st, idx, RegionStatusRolledBack, "")
}

// checkHealth bounds a health check by the configured timeout.
func (c *Coordinator) checkHealth(ctx context.Context, st *rolloutState, region string, env Environment) error {
	hctx, cancel := context.WithTimeout(ctx, st.cfg.HealthCheckTimeout)
	defer cancel()

	status, err := c.deployer.CheckHealth(hctx, region, env)
	if err != nil {
		return fmt.Errorf("region %s (%s): %w", region, env, err)
	}
	if status == nil || !status.Healthy {
		reason := "no health status"
		if status != nil && status.Reason != "" {
			reason = status.Reason
		}
		return fmt.Errorf("region %s (%s) unhealthy: %s", region, env, reason)
	}
	return nil
}

// deployFailure returns why a deployment failed, or "" if it succeeded.
func deployFailure(out *DeployOutcome, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case out == nil:
		return "deployer returned no outcome"
	case out.Success:
		return ""
	case out.Error != "":
		return out.Error
	default:
		return fmt.Sprintf("mission ended %s", out.Status)
	}
}

// ReplayRegions folds a rollout's region_status entries into the last reported
// event per region.
func ReplayRegions(entries []*engine.JournalEntry) (map[string]engine.RegionStatusEvent, error) {
	regions := make(map[string]engine.RegionStatusEvent)
	for _, entry := range entries {
		if entry.EventType != engine.EventRegionStatus {
			continue
		}
		var ev engine.RegionStatusEvent
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			return nil, engine.NewPermanentError("failed to decode region status entry", err).
				WithCode(engine.ErrCodeValidation).
				WithResource(entry.MissionID).
				WithDetail("entry_id", entry.ID)
		}
		regions[ev.Region] = ev
	}
	return regions, nil
}
