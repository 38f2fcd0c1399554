package rollout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Coordinator supervises multi-region rollouts. Each region runs the same
// mission through a RegionDeployer; the strategy decides ordering, gating and
// what happens to the other regions when one fails.
type Coordinator struct {
	deployer RegionDeployer
	traffic  TrafficManager
	journal  engine.JournalWriter
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	// retention bounds how long a completed rollout is kept; zero keeps it forever
	retention time.Duration

	// mu guards rollouts
	mu       sync.RWMutex
	rollouts map[string]*rolloutState
}

// rolloutState is the coordinator-private record of one rollout.
// mu guards the rollout and the cancel fields.
type rolloutState struct {
	mu      sync.Mutex
	rollout *Rollout
	req     Request
	cfg     Config
	names   []string

	cancelRequested bool
	cancelRun       context.CancelFunc
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTrafficManager sets the traffic manager required by blue-green rollouts.
func WithTrafficManager(tm TrafficManager) Option {
	return func(c *Coordinator) {
		c.traffic = tm
	}
}

// WithJournal records region status changes under the rollout ID.
func WithJournal(j engine.JournalWriter) Option {
	return func(c *Coordinator) {
		c.journal = j
	}
}

// WithMetrics records region and rollout outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTracer records a span per rollout and per region.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// WithRetention drops completed rollouts from memory once they are older than d.
func WithRetention(d time.Duration) Option {
	return func(c *Coordinator) {
		c.retention = d
	}
}

// NewCoordinator creates a rollout coordinator.
func NewCoordinator(deployer RegionDeployer, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		deployer: deployer,
		logger:   logger.With().Str("component", "rollout").Logger(),
		sleep:    sleepContext,
		now:      time.Now,
		rollouts: make(map[string]*rolloutState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prepare validates a request and registers a pending rollout.
func (c *Coordinator) Prepare(ctx context.Context, req Request) (*Rollout, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Config.Strategy == StrategyBlueGreen && c.traffic == nil {
		return nil, engine.NewPermanentError("blue-green rollout requires a traffic manager", nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("rollout.prepare")
	}

	cfg := req.Config.withDefaults()
	id := uuid.New().String()
	name := req.Name
	if name == "" {
		name = req.Mission.Name
	}

	r := &Rollout{
		ID:        id,
		Name:      name,
		Strategy:  cfg.Strategy,
		Status:    StatusPending,
		Regions:   make([]*RegionResult, len(cfg.Regions)),
		CreatedAt: time.Now().UTC(),
	}
	for i, region := range cfg.Regions {
		r.Regions[i] = &RegionResult{
			Region: region,
			Status: RegionStatusPending,
			Canary: cfg.Strategy == StrategyCanary && cfg.IsCanary(region),
		}
	}

	st := &rolloutState{
		rollout: r,
		req:     req,
		cfg:     cfg,
		names:   append([]string(nil), cfg.Regions...),
	}

	c.Prune()
	c.mu.Lock()
	c.rollouts[id] = st
	c.mu.Unlock()

	st.mu.Lock()
	for i := range st.names {
		c.recordRegionLocked(ctx, st, i, "")
	}
	snapshot := r.Clone()
	st.mu.Unlock()

	c.logger.Info().
		Str("rollout_id", id).
		Str("strategy", string(cfg.Strategy)).
		Strs("regions", cfg.Regions).
		Msg("Rollout prepared")
	return snapshot, nil
}

// Execute prepares and runs a rollout in the calling goroutine.
func (c *Coordinator) Execute(ctx context.Context, req Request) (*Rollout, error) {
	r, err := c.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.Run(ctx, r.ID); err != nil {
		return nil, err
	}
	return c.Get(r.ID)
}

// Run executes a prepared rollout and blocks until every region is terminal.
// A rollout that was cancelled while pending returns immediately.
func (c *Coordinator) Run(ctx context.Context, rolloutID string) error {
	st, err := c.state(rolloutID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.rollout.Status != StatusPending {
		status := st.rollout.Status
		st.mu.Unlock()
		if status == StatusCancelled {
			return nil
		}
		return engine.NewPermanentError(fmt.Sprintf("rollout %s is %s, not pending", rolloutID, status), nil).
			WithCode(engine.ErrCodeInvalidTransition).
			WithResource(rolloutID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	st.cancelRun = cancel
	st.rollout.Status = StatusRunning
	st.rollout.StartedAt = time.Now().UTC()
	st.mu.Unlock()

	runCtx, span := c.tracer.StartRolloutSpan(runCtx, rolloutID, string(st.cfg.Strategy))
	defer span.End()

	c.logger.Info().
		Str("rollout_id", rolloutID).
		Str("strategy", string(st.cfg.Strategy)).
		Int("regions", len(st.names)).
		Msg("Rollout started")

	all := make([]int, len(st.names))
	for i := range all {
		all[i] = i
	}

	switch st.cfg.Strategy {
	case StrategySequential:
		c.runSequential(runCtx, st, all)
	case StrategyParallel:
		c.runBatches(runCtx, st, all, c.deployInPlace, st.cfg.HaltOnBatchFailure)
	case StrategyCanary:
		c.runCanary(runCtx, st)
	case StrategyBlueGreen:
		c.runBatches(runCtx, st, all, c.deployBlueGreen, st.cfg.HaltOnBatchFailure)
	}

	c.finish(context.WithoutCancel(runCtx), st)

	st.mu.Lock()
	success := st.rollout.Success
	rolloutErr := st.rollout.Error
	st.cancelRun = nil
	st.mu.Unlock()

	if success {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, fmt.Errorf("rollout failed: %s", rolloutErr))
	}
	return nil
}

// finish computes the aggregate outcome. Skipped regions do not count against
// success; a rollout-level error or a cancellation does.
func (c *Coordinator) finish(ctx context.Context, st *rolloutState) {
	st.mu.Lock()
	defer st.mu.Unlock()

	r := st.rollout
	success := r.Error == "" && !st.cancelRequested
	for _, rr := range r.Regions {
		if rr.Status != RegionStatusSkipped && !rr.Success {
			success = false
		}
		c.metrics.RecordRegionOutcome(string(r.Strategy), string(rr.Status))
	}

	r.Success = success
	r.CompletedAt = time.Now().UTC()
	switch {
	case st.cancelRequested:
		r.Status = StatusCancelled
	case success:
		r.Status = StatusSucceeded
	default:
		r.Status = StatusFailed
	}

	if r.Error != "" {
		c.record(ctx, r.ID, engine.EventMissionError, engine.MessageEvent{Message: r.Error})
	}
	c.metrics.RecordRollout(string(r.Strategy), success, r.CompletedAt.Sub(r.StartedAt))

	c.logger.Info().
		Str("rollout_id", r.ID).
		Str("status", string(r.Status)).
		Bool("success", success).
		Dur("duration", r.CompletedAt.Sub(r.StartedAt)).
		Msg("Rollout finished")
}

// Cancel stops a rollout. A pending rollout is cancelled immediately; a running
// one stops launching regions and interrupts the in-flight deployments.
func (c *Coordinator) Cancel(ctx context.Context, rolloutID string) error {
	st, err := c.state(rolloutID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	switch st.rollout.Status {
	case StatusPending:
		st.cancelRequested = true
		for i, rr := range st.rollout.Regions {
			rr.Status = RegionStatusSkipped
			rr.SkipReason = "rollout cancelled"
			c.recordRegionLocked(ctx, st, i, rr.SkipReason)
		}
		st.rollout.Status = StatusCancelled
		st.rollout.CompletedAt = time.Now().UTC()
	case StatusRunning:
		st.cancelRequested = true
		if st.cancelRun != nil {
			st.cancelRun()
		}
	default:
		return engine.NewPermanentError(fmt.Sprintf("rollout %s is already %s", rolloutID, st.rollout.Status), nil).
			WithCode(engine.ErrCodeInvalidTransition).
			WithResource(rolloutID)
	}

	c.logger.Info().Str("rollout_id", rolloutID).Msg("Rollout cancellation requested")
	return nil
}

// Get returns a snapshot of a rollout.
func (c *Coordinator) Get(rolloutID string) (*Rollout, error) {
	st, err := c.state(rolloutID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rollout.Clone(), nil
}

// List returns snapshots of every retained rollout, oldest first.
func (c *Coordinator) List() []*Rollout {
	c.Prune()
	c.mu.RLock()
	states := make([]*rolloutState, 0, len(c.rollouts))
	for _, st := range c.rollouts {
		states = append(states, st)
	}
	c.mu.RUnlock()

	out := make([]*Rollout, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.rollout.Clone())
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Prune drops completed rollouts older than the retention and returns how
// many were dropped. Region missions stay available from their engines.
func (c *Coordinator) Prune() int {
	if c.retention <= 0 {
		return 0
	}
	cutoff := c.now().Add(-c.retention)

	c.mu.Lock()
	defer c.mu.Unlock()
	pruned := 0
	for id, st := range c.rollouts {
		st.mu.Lock()
		expired := st.cancelRun == nil &&
			!st.rollout.CompletedAt.IsZero() &&
			st.rollout.CompletedAt.Before(cutoff)
		st.mu.Unlock()
		if expired {
			delete(c.rollouts, id)
			pruned++
		}
	}
	return pruned
}

func (c *Coordinator) state(rolloutID string) (*rolloutState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.rollouts[rolloutID]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("rollout %s not found", rolloutID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(rolloutID)
	}
	return st, nil
}

// stopped reports whether the rollout must not launch more regions.
func (c *Coordinator) stopped(ctx context.Context, st *rolloutState) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cancelRequested || ctx.Err() != nil
}

// setRegion moves a region to status and journals the change.
func (c *Coordinator) setRegion(ctx context.Context, st *rolloutState, idx int, status RegionStatus, message string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.rollout.Regions[idx].Status = status
	c.recordRegionLocked(ctx, st, idx, message)

	c.logger.Debug().
		Str("rollout_id", st.rollout.ID).
		Str("region", st.names[idx]).
		Str("status", string(status)).
		Str("message", message).
		Msg("Region status changed")
}

// updateRegion mutates a region result under the rollout lock.
func (c *Coordinator) updateRegion(st *rolloutState, idx int, fn func(rr *RegionResult)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(st.rollout.Regions[idx])
}

// skip marks regions that never started as skipped.
func (c *Coordinator) skip(ctx context.Context, st *rolloutState, indices []int, reason string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, idx := range indices {
		rr := st.rollout.Regions[idx]
		if rr.Status != RegionStatusPending {
			continue
		}
		rr.Status = RegionStatusSkipped
		rr.SkipReason = reason
		c.recordRegionLocked(ctx, st, idx, reason)
	}
	if len(indices) > 0 {
		c.logger.Warn().
			Str("rollout_id", st.rollout.ID).
			Int("regions", len(indices)).
			Str("reason", reason).
			Msg("Skipping remaining regions")
	}
}

// failRollout records a rollout-level failure that is not tied to one region.
func (c *Coordinator) failRollout(st *rolloutState, reason string, canary bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.rollout.Error == "" {
		st.rollout.Error = reason
	}
	if canary {
		st.rollout.CanaryFailed = true
	}
}

// recordRegionLocked journals the current status of a region. Callers hold st.mu.
func (c *Coordinator) recordRegionLocked(ctx context.Context, st *rolloutState, idx int, message string) {
	rr := st.rollout.Regions[idx]
	c.record(ctx, st.rollout.ID, engine.EventRegionStatus, engine.RegionStatusEvent{
		Region:    rr.Region,
		Status:    string(rr.Status),
		MissionID: rr.MissionID,
		Message:   message,
	})
}

func (c *Coordinator) record(ctx context.Context, rolloutID string, eventType engine.JournalEventType, payload interface{}) {
	if c.journal == nil {
		return
	}
	entry, err := engine.NewJournalEntry(rolloutID, eventType, payload)
	if err == nil {
		err = c.journal.Append(context.WithoutCancel(ctx), entry)
	}
	if err != nil {
		c.logger.Error().Err(err).
			Str("rollout_id", rolloutID).
			Str("event_type", string(eventType)).
			Msg("Failed to append journal entry")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
