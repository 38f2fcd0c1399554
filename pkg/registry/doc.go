// Package registry is the mission API of missionctl.
//
// A Registry queues submitted missions and rollouts on a priority heap (lower
// values first, submission order among equals) and executes them on a fixed
// worker pool. Cancel, Pause, Resume and Rollback are forwarded to the engine;
// operator actions are written to an AuditLogger when one is configured.
//
// Shutdown stops accepting work and drains the queue. If its context expires
// first, queued work is cancelled and in-flight missions are interrupted.
package registry
