// Package engine provides the core types and the mission execution engine of missionctl.
//
// # Overview
//
// A mission is a set of components, each owned by a layer (database, network,
// application, ...) and each declaring the components it depends on. The engine
// turns a mission into an execution plan and runs it:
//
//  1. Submit - Resolve the dependency graph into stages (DependencyResolver)
//  2. Planning - Admit the plan through the optional PlanValidator
//  3. Simulating - Optionally check every step without side effects
//  4. Executing - Run the stages in order, steps within a stage concurrently (StepExecutor)
//  5. Rollback - Compensate executed steps in reverse stage order (RecoveryAdvisor)
//
// # Staging Strategies
//
// The resolver supports three strategies:
//
//   - sequential: topological order, one component per stage
//   - parallel: one stage per dependency depth (longest path from a root)
//   - hybrid: parallel stages, sub-partitioned by component type
//
// For every plan, each dependency of a step in stage N is in a stage below N.
// Cycles are reported as CIRCULAR_DEPENDENCY errors naming the cycle entry node
// and no partial plan is ever returned.
//
// # Mission State Machine
//
//	pending -> planning -> [simulating] -> executing -> succeeded | failed
//	executing | failed -> rolling_back -> rolled_back | failed
//	pending | planning | simulating | executing -> cancelled
//	executing <-> paused
//
// Any other transition is rejected with an INVALID_TRANSITION error.
//
// # Journal Events
//
// Every change to a mission is a JournalEntry. The engine hands the entry to
// the JournalWriter and then folds it into the live mission with
// ApplyJournalEntry, the same reducer used to reconstruct a mission from its
// journal. Replaying a mission's entries in order therefore yields the live
// state.
//
// # Layer Adapters
//
// Layers are reached through the LayerAdapter interface. Adapters are
// registered per component type in an AdapterRegistry; an alternate adapter
// can be registered for the alternate recovery strategy. Adapters must tolerate
// Rollback being called on already-clean state.
//
// # Error Handling
//
// Errors are classified as transient, throttled, conflict or permanent
// (EngineError) and carry a code for programmatic handling:
//
//	if engine.HasCode(err, engine.ErrCodeMissionNotFound) {
//	    // unknown mission
//	}
//
// The step executor never returns errors; every outcome, including adapter
// panics and timeouts, is reported in the StepResult.
package engine
