package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockAdapter is a scripted LayerAdapter for tests.
type mockAdapter struct {
	mu sync.Mutex

	// failures maps component IDs to the number of leading attempts that fail;
	// a negative count fails every attempt
	failures map[string]int
	// rollbackFailures lists component IDs whose rollback fails
	rollbackFailures map[string]bool
	// gates block Deploy for a component until closed
	gates map[string]chan struct{}
	// delay is slept inside every Deploy
	delay time.Duration
	// panicOn panics when deploying this component
	panicOn string
	// entered channels are closed when Deploy for the component first begins
	entered map[string]chan struct{}
	// after makes a component's Deploy wait until the named component has entered Deploy
	after map[string]string

	deployCalls   map[string]int
	rollbackOrder []string

	running    int32
	maxRunning int32
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		failures:         make(map[string]int),
		rollbackFailures: make(map[string]bool),
		gates:            make(map[string]chan struct{}),
		entered:          make(map[string]chan struct{}),
		after:            make(map[string]string),
		deployCalls:      make(map[string]int),
	}
}

func (a *mockAdapter) Deploy(ctx context.Context, req DeployRequest) (*AdapterResult, error) {
	n := atomic.AddInt32(&a.running, 1)
	defer atomic.AddInt32(&a.running, -1)
	for {
		peak := atomic.LoadInt32(&a.maxRunning)
		if n <= peak || atomic.CompareAndSwapInt32(&a.maxRunning, peak, n) {
			break
		}
	}

	a.mu.Lock()
	a.deployCalls[req.ComponentID]++
	calls := a.deployCalls[req.ComponentID]
	fail := a.failures[req.ComponentID]
	gate := a.gates[req.ComponentID]
	if ch := a.entered[req.ComponentID]; ch != nil && calls == 1 {
		close(ch)
	}
	var wait chan struct{}
	if other, ok := a.after[req.ComponentID]; ok {
		wait = a.entered[other]
	}
	a.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if req.ComponentID == a.panicOn && a.panicOn != "" {
		panic("adapter exploded")
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fail < 0 || calls <= fail {
		return &AdapterResult{Success: false, Error: "connection refused by " + req.ComponentID}, nil
	}
	return &AdapterResult{
		Success:   true,
		Output:    map[string]interface{}{"component": req.ComponentID},
		Reference: "ref-" + req.ComponentID,
	}, nil
}

func (a *mockAdapter) Rollback(ctx context.Context, req RollbackRequest) (*AdapterResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollbackOrder = append(a.rollbackOrder, req.ComponentID)
	if a.rollbackFailures[req.ComponentID] {
		return nil, errors.New("rollback of " + req.ComponentID + " failed")
	}
	return &AdapterResult{Success: true}, nil
}

func (a *mockAdapter) CheckHealth(ctx context.Context) (*HealthStatus, error) {
	return &HealthStatus{Healthy: true, CheckedAt: time.Now()}, nil
}

func (a *mockAdapter) calls(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deployCalls[id]
}

func (a *mockAdapter) rollbacks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.rollbackOrder...)
}

// validatingAdapter rejects every request during simulation.
type validatingAdapter struct {
	*mockAdapter
}

func (a *validatingAdapter) Validate(ctx context.Context, req DeployRequest) error {
	return errors.New("missing parameter image")
}

// stubAdvisor is a minimal RecoveryAdvisor that rolls back executed steps in
// reverse plan order.
type stubAdvisor struct {
	adapters    AdapterResolver
	recoverable bool
	suggestions []RecoverySuggestion

	mu         sync.Mutex
	escalated  int
	classified []string
}

func (s *stubAdvisor) Classify(message string, context map[string]string) ErrorClassification {
	s.mu.Lock()
	s.classified = append(s.classified, message)
	s.mu.Unlock()
	return ErrorClassification{
		Category:    ErrorCategoryNetwork,
		Severity:    SeverityMedium,
		Recoverable: s.recoverable,
		Message:     message,
	}
}

func (s *stubAdvisor) Suggest(c ErrorClassification) []RecoverySuggestion {
	return s.suggestions
}

func (s *stubAdvisor) PlanRollback(m *Mission, reason string) *RollbackPlan {
	plan := &RollbackPlan{MissionID: m.ID, Reason: reason, CreatedAt: time.Now()}
	for i := len(m.Plan.Steps) - 1; i >= 0; i-- {
		step := m.Plan.Steps[i]
		r, ok := m.StepResults[step.ID]
		if !ok || !r.Executed() {
			continue
		}
		plan.Steps = append(plan.Steps, RollbackStep{
			StepID:        step.ID,
			ComponentID:   step.ComponentID,
			ComponentType: step.ComponentType,
			Reference:     r.Reference,
			Timeout:       time.Second,
		})
	}
	return plan
}

func (s *stubAdvisor) ExecuteRecovery(ctx context.Context, plan *RollbackPlan, onStep func(StepResult)) *RollbackReport {
	report := &RollbackReport{Status: RollbackStatusComplete}
	for _, step := range plan.Steps {
		adapter, _ := s.adapters.Adapter(step.ComponentType)
		result := RunRollbackStep(ctx, adapter, plan.MissionID, step)
		report.Results = append(report.Results, result)
		if onStep != nil {
			onStep(result)
		}
		if result.Status == StepStatusFailed && !step.ContinueOnError {
			report.Status = RollbackStatusPartial
			report.FailedStep = step.StepID
			break
		}
	}
	return report
}

func (s *stubAdvisor) Escalate(ctx context.Context, m *Mission, c ErrorClassification) {
	s.mu.Lock()
	s.escalated++
	s.mu.Unlock()
}

// memoryJournal collects entries and stamps them like a real journal.
type memoryJournal struct {
	mu      sync.Mutex
	entries []*JournalEntry
	seq     map[string]int64
}

func newMemoryJournal() *memoryJournal {
	return &memoryJournal{seq: make(map[string]int64)}
}

func (j *memoryJournal) Append(ctx context.Context, entry *JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq[entry.MissionID]++
	entry.Sequence = j.seq[entry.MissionID]
	entry.ID = entry.MissionID + "-" + time.Now().Format(time.RFC3339Nano)
	entry.Timestamp = time.Now().UTC().Round(0)
	stored := *entry
	j.entries = append(j.entries, &stored)
	return nil
}

func (j *memoryJournal) forMission(id string) []*JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*JournalEntry
	for _, e := range j.entries {
		if e.MissionID == id {
			out = append(out, e)
		}
	}
	return out
}

func (j *memoryJournal) Reconstruct(ctx context.Context, missionID string) (*Mission, error) {
	entries := j.forMission(missionID)
	if len(entries) == 0 || entries[0].EventType != EventMissionSubmitted {
		return nil, NewMissionNotFoundError(missionID)
	}
	m := &Mission{}
	for _, entry := range entries {
		if err := ApplyJournalEntry(m, entry); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// denyAllPolicy rejects every plan.
type denyAllPolicy struct{}

func (denyAllPolicy) ValidatePlan(ctx context.Context, m *Mission) (*PolicyDecision, error) {
	return &PolicyDecision{
		Allowed: false,
		Violations: []PolicyViolation{{
			Policy:  "production-safety",
			Message: "auto-rollback must stay enabled",
		}},
		Warnings: []string{"mission targets production"},
	}, nil
}

type engineFixture struct {
	engine   *Engine
	adapter  *mockAdapter
	advisor  *stubAdvisor
	journal  *memoryJournal
	adapters *AdapterRegistry
}

func newEngineFixture(t *testing.T, cfg EngineConfig, opts ...func(*Dependencies)) *engineFixture {
	t.Helper()

	adapter := newMockAdapter()
	adapters := NewAdapterRegistry()
	if err := adapters.Register("app", adapter); err != nil {
		t.Fatalf("Failed to register adapter: %v", err)
	}
	if err := adapters.Register("db", adapter); err != nil {
		t.Fatalf("Failed to register adapter: %v", err)
	}

	advisor := &stubAdvisor{adapters: adapters}
	journal := newMemoryJournal()
	deps := Dependencies{
		Adapters: adapters,
		Recovery: advisor,
		Journal:  journal,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	eng, err := NewEngine(cfg, deps, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	eng.executor.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	return &engineFixture{
		engine:   eng,
		adapter:  adapter,
		advisor:  advisor,
		journal:  journal,
		adapters: adapters,
	}
}

func testConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.StepTimeout = 2 * time.Second
	cfg.Retry = RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Backoff: BackoffLinear}
	return cfg
}

func boolPtr(b bool) *bool {
	return &b
}

// waitForStatus polls until the mission reaches status or the deadline passes.
func waitForStatus(t *testing.T, eng *Engine, id string, status MissionStatus) *Mission {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m, err := eng.Get(id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if m.Status == status {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	m, _ := eng.Get(id)
	t.Fatalf("Mission %s did not reach %s, last status %s", id, status, m.Status)
	return nil
}
