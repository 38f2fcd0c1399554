package registry

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/rollout"
	"github.com/openfroyo/missionctl/pkg/stores"
	"github.com/openfroyo/missionctl/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Default registry settings.
const (
	DefaultWorkers         = 4
	DefaultQueueSize       = 1024
	DefaultShutdownTimeout = 30 * time.Second
)

// Audit actions recorded by the registry.
const (
	ActionMissionSubmitted  = "mission.submitted"
	ActionMissionCancelled  = "mission.cancelled"
	ActionMissionPaused     = "mission.paused"
	ActionMissionResumed    = "mission.resumed"
	ActionMissionRolledBack = "mission.rollback_requested"
	ActionRolloutSubmitted  = "rollout.submitted"
	ActionRolloutCancelled  = "rollout.cancelled"
)

// Config controls the queue and worker pool.
type Config struct {
	// Workers is the number of missions or rollouts executed concurrently.
	Workers int `mapstructure:"workers" validate:"min=0"`

	// QueueSize bounds queued work. Zero means unbounded.
	QueueSize int `mapstructure:"queue_size" validate:"min=0"`

	// ShutdownTimeout bounds the drain performed by Close.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		Workers:         DefaultWorkers,
		QueueSize:       DefaultQueueSize,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// AuditLogger records operator actions. stores.SQLiteStore implements it.
type AuditLogger interface {
	CreateAuditEntry(ctx context.Context, entry *stores.AuditEntry) error
}

// ListOptions selects missions from List.
type ListOptions struct {
	Statuses []engine.MissionStatus
	Offset   int
	Limit    int
}

// Registry is the mission API. It queues submitted missions and rollouts by
// priority and runs them on a fixed pool of workers.
type Registry struct {
	cfg      Config
	engine   *engine.Engine
	rollouts *rollout.Coordinator
	audit    AuditLogger
	metrics  *telemetry.Metrics
	logger   zerolog.Logger

	// mu guards the queue and lifecycle fields
	mu      sync.Mutex
	cond    *sync.Cond
	queue   jobQueue
	queued  map[string]*job
	seq     uint64
	started bool
	closed  bool

	workers    sync.WaitGroup
	workCtx    context.Context
	cancelWork context.CancelFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithRolloutCoordinator enables SubmitRollout and the rollout calls.
func WithRolloutCoordinator(c *rollout.Coordinator) Option {
	return func(r *Registry) {
		r.rollouts = c
	}
}

// WithAuditLogger records operator actions.
func WithAuditLogger(a AuditLogger) Option {
	return func(r *Registry) {
		r.audit = a
	}
}

// WithMetrics exports the queue depth.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// New creates a registry over an engine. Call Start to launch the workers.
func New(eng *engine.Engine, cfg Config, logger zerolog.Logger, opts ...Option) (*Registry, error) {
	if eng == nil {
		return nil, engine.NewPermanentError("registry requires an engine", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	workCtx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:        cfg,
		engine:     eng,
		logger:     logger.With().Str("component", "registry").Logger(),
		queued:     make(map[string]*job),
		workCtx:    workCtx,
		cancelWork: cancel,
	}
	r.cond = sync.NewCond(&r.mu)
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start launches the worker pool. It is a no-op when already started.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	for i := 0; i < r.cfg.Workers; i++ {
		r.workers.Add(1)
		go r.worker(i)
	}
	r.logger.Info().Int("workers", r.cfg.Workers).Msg("Registry started")
}

// Shutdown stops accepting work and drains the queue. When ctx expires first,
// in-flight missions and rollouts are cancelled and ctx.Err() is returned once
// the workers have exited.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	pending := r.queue.Len()
	r.cond.Broadcast()
	r.mu.Unlock()

	r.logger.Info().Int("queued", pending).Msg("Registry shutting down")

	if !started {
		r.cancelQueued(ctx, "registry shut down before start")
		r.cancelWork()
		return nil
	}

	done := make(chan struct{})
	go func() {
		r.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancelWork()
		r.logger.Info().Msg("Registry drained")
		return nil
	case <-ctx.Done():
		r.logger.Warn().Msg("Shutdown timed out, cancelling in-flight work")
		r.cancelQueued(context.WithoutCancel(ctx), "registry shutdown timed out")
		r.cancelWork()
		<-done
		return ctx.Err()
	}
}

// Close drains the registry within the configured shutdown timeout.
func (r *Registry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()
	return r.Shutdown(ctx)
}

// cancelQueued cancels every job still waiting in the queue.
func (r *Registry) cancelQueued(ctx context.Context, reason string) {
	r.mu.Lock()
	jobs := make([]*job, 0, r.queue.Len())
	for r.queue.Len() > 0 {
		j := heap.Pop(&r.queue).(*job)
		delete(r.queued, j.id)
		jobs = append(jobs, j)
	}
	r.updateQueueGaugeLocked()
	r.mu.Unlock()

	for _, j := range jobs {
		var err error
		if j.kind == jobRollout {
			err = r.rollouts.Cancel(ctx, j.id)
		} else {
			err = r.engine.Cancel(ctx, j.id)
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("id", j.id).Str("reason", reason).Msg("Failed to cancel queued work")
		}
	}
}

// Submit queues a mission. Lower priority values run first. The returned
// mission is pending, or failed when planning rejected it.
func (r *Registry) Submit(ctx context.Context, req engine.MissionRequest, priority int) (*engine.Mission, error) {
	if err := r.admit(); err != nil {
		return nil, err
	}

	m, err := r.engine.Submit(ctx, req, priority)
	if err != nil {
		return m, err
	}

	if err := r.enqueue(jobMission, m.ID, priority); err != nil {
		if cerr := r.engine.Cancel(ctx, m.ID); cerr != nil {
			r.logger.Warn().Err(cerr).Str("mission_id", m.ID).Msg("Failed to cancel rejected mission")
		}
		return nil, err
	}

	r.auditAction(ctx, ActionMissionSubmitted, m.ID, map[string]interface{}{
		"name":     m.Name,
		"priority": priority,
		"steps":    len(m.Plan.Steps),
	})
	return m, nil
}

// SubmitRollout validates and queues a multi-region rollout.
func (r *Registry) SubmitRollout(ctx context.Context, req rollout.Request, priority int) (*rollout.Rollout, error) {
	if r.rollouts == nil {
		return nil, engine.NewPermanentError("rollouts are not enabled", nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("registry.submit_rollout")
	}
	if err := r.admit(); err != nil {
		return nil, err
	}

	ro, err := r.rollouts.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := r.enqueue(jobRollout, ro.ID, priority); err != nil {
		if cerr := r.rollouts.Cancel(ctx, ro.ID); cerr != nil {
			r.logger.Warn().Err(cerr).Str("rollout_id", ro.ID).Msg("Failed to cancel rejected rollout")
		}
		return nil, err
	}

	r.auditAction(ctx, ActionRolloutSubmitted, ro.ID, map[string]interface{}{
		"name":     ro.Name,
		"strategy": ro.Strategy,
		"regions":  len(ro.Regions),
		"priority": priority,
	})
	return ro, nil
}

// GetStatus returns a snapshot of a mission.
func (r *Registry) GetStatus(missionID string) (*engine.Mission, error) {
	return r.engine.Get(missionID)
}

// GetRollout returns a snapshot of a rollout.
func (r *Registry) GetRollout(rolloutID string) (*rollout.Rollout, error) {
	if r.rollouts == nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("rollout %s not found", rolloutID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(rolloutID)
	}
	return r.rollouts.Get(rolloutID)
}

// Cancel cancels a mission. A queued mission leaves the queue at once.
func (r *Registry) Cancel(ctx context.Context, missionID string) error {
	if err := r.engine.Cancel(ctx, missionID); err != nil {
		return err
	}
	r.dequeue(missionID)
	r.auditAction(ctx, ActionMissionCancelled, missionID, nil)
	return nil
}

// CancelRollout cancels a rollout.
func (r *Registry) CancelRollout(ctx context.Context, rolloutID string) error {
	if r.rollouts == nil {
		return engine.NewPermanentError(fmt.Sprintf("rollout %s not found", rolloutID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(rolloutID)
	}
	if err := r.rollouts.Cancel(ctx, rolloutID); err != nil {
		return err
	}
	r.dequeue(rolloutID)
	r.auditAction(ctx, ActionRolloutCancelled, rolloutID, nil)
	return nil
}

// Pause requests a pause at the mission's next stage boundary.
func (r *Registry) Pause(ctx context.Context, missionID string) error {
	if err := r.engine.Pause(missionID); err != nil {
		return err
	}
	r.auditAction(ctx, ActionMissionPaused, missionID, nil)
	return nil
}

// Resume continues a paused mission.
func (r *Registry) Resume(ctx context.Context, missionID string) error {
	if err := r.engine.Resume(missionID); err != nil {
		return err
	}
	r.auditAction(ctx, ActionMissionResumed, missionID, nil)
	return nil
}

// Rollback compensates a failed mission, or requests compensation of a
// running one at its next stage boundary.
func (r *Registry) Rollback(ctx context.Context, missionID, reason string) error {
	if err := r.engine.Rollback(ctx, missionID, reason); err != nil {
		return err
	}
	r.auditAction(ctx, ActionMissionRolledBack, missionID, map[string]interface{}{"reason": reason})
	return nil
}

// List returns missions ordered by creation time.
func (r *Registry) List(opts ListOptions) ([]*engine.Mission, error) {
	if opts.Offset < 0 || opts.Limit < 0 {
		return nil, engine.NewPermanentError("offset and limit must not be negative", nil).
			WithCode(engine.ErrCodeValidation)
	}
	for _, s := range opts.Statuses {
		if err := s.Validate(); err != nil {
			return nil, engine.NewPermanentError(err.Error(), err).WithCode(engine.ErrCodeValidation)
		}
	}

	missions := r.engine.List(engine.ListFilter{Statuses: opts.Statuses})
	if opts.Offset >= len(missions) {
		return []*engine.Mission{}, nil
	}
	missions = missions[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(missions) {
		missions = missions[:opts.Limit]
	}
	return missions, nil
}

// ListRollouts returns every rollout, oldest first.
func (r *Registry) ListRollouts() []*rollout.Rollout {
	if r.rollouts == nil {
		return nil
	}
	return r.rollouts.List()
}

// QueueLen returns the number of queued missions and rollouts.
func (r *Registry) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}

func (r *Registry) admit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return engine.NewPermanentError("registry is shut down", nil).
			WithCode(engine.ErrCodeQueueClosed)
	}
	return nil
}

func (r *Registry) enqueue(kind jobKind, id string, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return engine.NewPermanentError("registry is shut down", nil).
			WithCode(engine.ErrCodeQueueClosed).
			WithResource(id)
	}
	if r.cfg.QueueSize > 0 && r.queue.Len() >= r.cfg.QueueSize {
		return engine.NewThrottledError(fmt.Sprintf("queue is full (%d)", r.cfg.QueueSize), nil).
			WithCode(engine.ErrCodeQueueClosed).
			WithResource(id)
	}

	r.seq++
	j := &job{kind: kind, id: id, priority: priority, seq: r.seq}
	heap.Push(&r.queue, j)
	r.queued[id] = j
	r.updateQueueGaugeLocked()
	r.cond.Signal()

	r.logger.Debug().
		Str("kind", kind.String()).
		Str("id", id).
		Int("priority", priority).
		Int("queued", r.queue.Len()).
		Msg("Work queued")
	return nil
}

func (r *Registry) dequeue(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.queued[id]; ok {
		r.queue.remove(j)
		delete(r.queued, id)
		r.updateQueueGaugeLocked()
	}
}

// next blocks until a job is available. It returns false once the registry is
// closed and the queue is empty.
func (r *Registry) next() (*job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.queue.Len() == 0 {
		if r.closed {
			return nil, false
		}
		r.cond.Wait()
	}
	j := heap.Pop(&r.queue).(*job)
	delete(r.queued, j.id)
	r.updateQueueGaugeLocked()
	return j, true
}

func (r *Registry) worker(n int) {
	defer r.workers.Done()
	logger := r.logger.With().Int("worker", n).Logger()

	for {
		j, ok := r.next()
		if !ok {
			return
		}
		r.runJob(logger, j)
	}
}

// runJob executes one job. A panic in an adapter is contained to the job.
func (r *Registry) runJob(logger zerolog.Logger, j *job) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error().
				Str("kind", j.kind.String()).
				Str("id", j.id).
				Interface("panic", p).
				Msg("Worker recovered from panic")
		}
	}()

	var err error
	switch j.kind {
	case jobRollout:
		err = r.rollouts.Run(r.workCtx, j.id)
	default:
		err = r.engine.Execute(r.workCtx, j.id)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).
			Str("kind", j.kind.String()).
			Str("id", j.id).
			Msg("Work failed")
	}
}

func (r *Registry) updateQueueGaugeLocked() {
	r.metrics.SetQueuedMissions(float64(r.queue.Len()))
}

type actorKey struct{}

// WithActor attaches the operator identity recorded in the audit log.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the operator identity, or "system".
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "system"
}

func (r *Registry) auditAction(ctx context.Context, action, targetID string, details map[string]interface{}) {
	if r.audit == nil {
		return
	}

	entry := &stores.AuditEntry{
		Action:    action,
		Actor:     ActorFromContext(ctx),
		TargetID:  &targetID,
		Timestamp: time.Now().UTC(),
	}
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err == nil {
			s := string(raw)
			entry.Details = &s
		}
	}

	if err := r.audit.CreateAuditEntry(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Error().Err(err).
			Str("action", action).
			Str("target_id", targetID).
			Msg("Failed to record audit entry")
	}
}
