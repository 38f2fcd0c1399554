package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/recovery"
	"github.com/openfroyo/missionctl/pkg/rollout"
	"github.com/openfroyo/missionctl/pkg/stores"
)

// gateAdapter succeeds, optionally blocking every deploy until release is closed.
type gateAdapter struct {
	release chan struct{}
}

func (a *gateAdapter) Deploy(ctx context.Context, req engine.DeployRequest) (*engine.AdapterResult, error) {
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &engine.AdapterResult{Success: true, Reference: "ref-" + req.ComponentID}, nil
}

func (a *gateAdapter) Rollback(ctx context.Context, req engine.RollbackRequest) (*engine.AdapterResult, error) {
	return &engine.AdapterResult{Success: true}, nil
}

func (a *gateAdapter) CheckHealth(ctx context.Context) (*engine.HealthStatus, error) {
	return &engine.HealthStatus{Healthy: true}, nil
}

// memoryAudit collects audit entries.
type memoryAudit struct {
	mu      sync.Mutex
	entries []*stores.AuditEntry
}

func (a *memoryAudit) CreateAuditEntry(ctx context.Context, entry *stores.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *memoryAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

func newTestEngine(t *testing.T, adapter engine.LayerAdapter) *engine.Engine {
	t.Helper()
	adapters := engine.NewAdapterRegistry()
	require.NoError(t, adapters.Register("service", adapter))

	cfg := engine.DefaultEngineConfig()
	cfg.Retry = engine.RetryPolicy{MaxAttempts: 1}
	eng, err := engine.NewEngine(cfg, engine.Dependencies{
		Adapters: adapters,
		Recovery: recovery.NewManager(adapters, zerolog.Nop()),
	}, zerolog.Nop())
	require.NoError(t, err)
	return eng
}

func newTestRegistry(t *testing.T, adapter engine.LayerAdapter, cfg Config, opts ...Option) *Registry {
	t.Helper()
	r, err := New(newTestEngine(t, adapter), cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func simpleRequest(name string) engine.MissionRequest {
	return engine.MissionRequest{
		Name: name,
		Components: []engine.Component{
			{ID: "db", Type: "service"},
			{ID: "api", Type: "service", Dependencies: []string{"db"}},
		},
	}
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	r := newTestRegistry(t, &gateAdapter{}, DefaultConfig())
	ctx := context.Background()

	submitted := make(map[string]string)
	for _, tc := range []struct {
		name     string
		priority int
	}{
		{"low", 5},
		{"urgent-a", 1},
		{"normal", 3},
		{"urgent-b", 1},
	} {
		m, err := r.Submit(ctx, simpleRequest(tc.name), tc.priority)
		require.NoError(t, err)
		submitted[m.ID] = tc.name
	}
	assert.Equal(t, 4, r.QueueLen())

	var order []string
	for r.QueueLen() > 0 {
		j, ok := r.next()
		require.True(t, ok)
		order = append(order, submitted[j.id])
	}
	assert.Equal(t, []string{"urgent-a", "urgent-b", "normal", "low"}, order)
}

func TestRegistry_ExecutesAndDrains(t *testing.T) {
	r := newTestRegistry(t, &gateAdapter{}, Config{Workers: 2})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := r.Submit(ctx, simpleRequest(fmt.Sprintf("m-%d", i)), 0)
		require.NoError(t, err)
		assert.Equal(t, engine.MissionStatusPending, m.Status)
		ids = append(ids, m.ID)
	}

	r.Start()
	require.NoError(t, r.Shutdown(context.Background()))

	for _, id := range ids {
		m, err := r.GetStatus(id)
		require.NoError(t, err)
		assert.Equal(t, engine.MissionStatusSucceeded, m.Status, id)
	}
	assert.Equal(t, 0, r.QueueLen())
}

func TestRegistry_SubmitAfterShutdown(t *testing.T) {
	r := newTestRegistry(t, &gateAdapter{}, DefaultConfig())
	r.Start()
	require.NoError(t, r.Shutdown(context.Background()))

	_, err := r.Submit(context.Background(), simpleRequest("late"), 0)
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeQueueClosed))
}

func TestRegistry_QueueFull(t *testing.T) {
	r := newTestRegistry(t, &gateAdapter{}, Config{Workers: 1, QueueSize: 1})
	ctx := context.Background()

	_, err := r.Submit(ctx, simpleRequest("first"), 0)
	require.NoError(t, err)

	_, err = r.Submit(ctx, simpleRequest("second"), 0)
	require.Error(t, err)
	assert.True(t, engine.IsThrottled(err))

	rejected := r.engine.List(engine.ListFilter{Statuses: []engine.MissionStatus{engine.MissionStatusCancelled}})
	assert.Len(t, rejected, 1)
}

func TestRegistry_PlanningErrorIsReturned(t *testing.T) {
	r := newTestRegistry(t, &gateAdapter{}, DefaultConfig())

	req := simpleRequest("cyclic")
	req.Components[0].Dependencies = []string{"api"}

	m, err := r.Submit(context.Background(), req, 0)
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeCircularDependency))
	if m != nil {
		assert.Equal(t, engine.MissionStatusFailed, m.Status)
	}
	assert.Equal(t, 0, r.QueueLen())
}

func TestRegistry_CancelQueuedMission(t *testing.T) {
	audit := &memoryAudit{}
	r := newTestRegistry(t, &gateAdapter{}, DefaultConfig(), WithAuditLogger(audit))
	ctx := WithActor(context.Background(), "alice")

	m, err := r.Submit(ctx, simpleRequest("doomed"), 0)
	require.NoError(t, err)
	require.NoError(t, r.Cancel(ctx, m.ID))

	got, err := r.GetStatus(m.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.MissionStatusCancelled, got.Status)
	assert.Equal(t, 0, r.QueueLen())

	assert.Equal(t, []string{ActionMissionSubmitted, ActionMissionCancelled}, audit.actions())
	assert.Equal(t, "alice", audit.entries[1].Actor)
	require.NotNil(t, audit.entries[1].TargetID)
	assert.Equal(t, m.ID, *audit.entries[1].TargetID)

	err = r.Cancel(ctx, m.ID)
	assert.True(t, engine.HasCode(err, engine.ErrCodeInvalidTransition))
}

func TestRegistry_UnknownMission(t *testing.T) {
	r := newTestRegistry(t, &gateAdapter{}, DefaultConfig())
	ctx := context.Background()

	_, err := r.GetStatus("missing")
	assert.True(t, engine.HasCode(err, engine.ErrCodeMissionNotFound))
	assert.True(t, engine.HasCode(r.Cancel(ctx, "missing"), engine.ErrCodeMissionNotFound))
	assert.True(t, engine.HasCode(r.Pause(ctx, "missing"), engine.ErrCodeMissionNotFound))
	assert.True(t, engine.HasCode(r.Resume(ctx, "missing"), engine.ErrCodeMissionNotFound))
	assert.True(t, engine.HasCode(r.Rollback(ctx, "missing", ""), engine.ErrCodeMissionNotFound))
}

func TestRegistry_PauseRequiresExecuting(t *testing.T) {
	r := newTestRegistry(t, &gateAdapter{}, DefaultConfig())
	ctx := context.Background()

	m, err := r.Submit(ctx, simpleRequest("queued"), 0)
	require.NoError(t, err)

	err = r.Pause(ctx, m.ID)
	assert.True(t, engine.HasCode(err, engine.ErrCodeInvalidTransition))
	err = r.Rollback(ctx, m.ID, "")
	assert.True(t, engine.HasCode(err, engine.ErrCodeInvalidTransition))
}

func TestRegistry_List(t *testing.T) {
	r := newTestRegistry(t, &gateAdapter{}, DefaultConfig())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		m, err := r.Submit(ctx, simpleRequest(fmt.Sprintf("m-%d", i)), 0)
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	require.NoError(t, r.Cancel(ctx, ids[1]))

	all, err := r.List(ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	page, err := r.List(ListOptions{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[1].ID, page[0].ID)
	assert.Equal(t, all[2].ID, page[1].ID)

	cancelled, err := r.List(ListOptions{Statuses: []engine.MissionStatus{engine.MissionStatusCancelled}})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, ids[1], cancelled[0].ID)

	empty, err := r.List(ListOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = r.List(ListOptions{Statuses: []engine.MissionStatus{"exploded"}})
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))

	_, err = r.List(ListOptions{Limit: -1})
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
}

func TestRegistry_ShutdownTimeoutCancelsInFlight(t *testing.T) {
	gate := &gateAdapter{release: make(chan struct{})}
	r := newTestRegistry(t, gate, Config{Workers: 1})
	ctx := context.Background()

	running, err := r.Submit(ctx, simpleRequest("running"), 0)
	require.NoError(t, err)
	queued, err := r.Submit(ctx, simpleRequest("queued"), 1)
	require.NoError(t, err)

	r.Start()
	require.Eventually(t, func() bool {
		m, err := r.GetStatus(running.ID)
		return err == nil && m.Status == engine.MissionStatusExecuting
	}, 2*time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = r.Shutdown(shutdownCtx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	m, err := r.GetStatus(running.ID)
	require.NoError(t, err)
	assert.True(t, m.Status.IsTerminal(), string(m.Status))

	q, err := r.GetStatus(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.MissionStatusCancelled, q.Status)
}

// stubDeployer succeeds in every region.
type stubDeployer struct{}

func (stubDeployer) Deploy(ctx context.Context, region string, env rollout.Environment, req engine.MissionRequest) (*rollout.DeployOutcome, error) {
	return &rollout.DeployOutcome{MissionID: "m-" + region, Status: engine.MissionStatusSucceeded, Success: true}, nil
}

func (stubDeployer) CheckHealth(ctx context.Context, region string, env rollout.Environment) (*engine.HealthStatus, error) {
	return &engine.HealthStatus{Healthy: true}, nil
}

func (stubDeployer) Rollback(ctx context.Context, region string, env rollout.Environment, missionID, reason string) error {
	return nil
}

func TestRegistry_SubmitRollout(t *testing.T) {
	audit := &memoryAudit{}
	coord := rollout.NewCoordinator(stubDeployer{}, zerolog.Nop())
	r := newTestRegistry(t, &gateAdapter{}, DefaultConfig(),
		WithRolloutCoordinator(coord), WithAuditLogger(audit))
	ctx := context.Background()

	ro, err := r.SubmitRollout(ctx, rollout.Request{
		Name:    "edge",
		Mission: simpleRequest("edge"),
		Config: rollout.Config{
			Strategy: rollout.StrategyParallel,
			Regions:  []string{"us-east", "eu-west"},
		},
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, rollout.StatusPending, ro.Status)

	r.Start()
	require.NoError(t, r.Shutdown(ctx))

	got, err := r.GetRollout(ro.ID)
	require.NoError(t, err)
	assert.Equal(t, rollout.StatusSucceeded, got.Status)
	assert.True(t, got.Success)
	assert.Len(t, r.ListRollouts(), 1)
	assert.Contains(t, audit.actions(), ActionRolloutSubmitted)
}

func TestRegistry_RolloutsDisabled(t *testing.T) {
	r := newTestRegistry(t, &gateAdapter{}, DefaultConfig())

	_, err := r.SubmitRollout(context.Background(), rollout.Request{}, 0)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))

	_, err = r.GetRollout("missing")
	assert.True(t, engine.HasCode(err, engine.ErrCodeNotFound))
}

func TestActorFromContext(t *testing.T) {
	assert.Equal(t, "system", ActorFromContext(context.Background()))
	assert.Equal(t, "bob", ActorFromContext(WithActor(context.Background(), "bob")))
}
