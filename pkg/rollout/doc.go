// Package rollout applies one mission across several regions.
//
// A Coordinator walks the regions of a Request with one of four strategies:
//
//   - sequential deploys one region at a time; the first failure skips the rest
//   - parallel deploys batches of MaxConcurrentRegions and joins each batch
//   - canary deploys the canary subset, waits ValidationPeriod, checks canary
//     health and only then deploys the remaining regions
//   - blue-green deploys a green environment, verifies it, switches traffic
//     and decommissions blue
//
// The aggregate outcome ignores skipped regions but fails on a rollout-level
// error such as a failed canary gate. Region status changes are journalled
// under the rollout ID when a journal is configured; ReplayRegions folds them
// back into the last status per region.
//
// EngineDeployer is the RegionDeployer backed by one engine.Engine per region
// environment.
package rollout
