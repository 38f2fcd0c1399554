package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger, opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func boolPtr(b bool) *bool { return &b }

// plannedMission returns a two step mission as the engine hands it to policies.
func plannedMission(labels map[string]string, mutate func(m *engine.Mission)) *engine.Mission {
	m := &engine.Mission{
		ID:     "mission-1",
		Name:   "checkout",
		Status: engine.MissionStatusPlanning,
		Request: engine.MissionRequest{
			Name:    "checkout",
			Context: labels,
			Components: []engine.Component{
				{ID: "db", Type: "service"},
				{ID: "api", Type: "service", Dependencies: []string{"db"}},
			},
		},
		Plan: &engine.ExecutionPlan{
			ID:       "plan-1",
			Strategy: engine.StrategySequential,
			Steps: []engine.Step{
				{
					ID:            "step-db",
					ComponentID:   "db",
					ComponentType: "service",
					Action:        "deploy",
					Timeout:       time.Minute,
					Retry:         engine.RetryPolicy{MaxAttempts: 3},
				},
				{
					ID:            "step-api",
					ComponentID:   "api",
					ComponentType: "service",
					Action:        "deploy",
					Dependencies:  []string{"step-db"},
					Timeout:       time.Minute,
					Retry:         engine.RetryPolicy{MaxAttempts: 3},
					Stage:         1,
				},
			},
		},
	}
	if mutate != nil {
		mutate(m)
	}
	return m
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("No built-in policies loaded")
	}

	expected := []string{
		"production-auto-rollback",
		"production-simulation",
		"retry-bounds",
		"timeout-bounds",
	}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %d to be %s, got %s", i, name, policies[i].Name)
		}
		if !policies[i].Builtin || !policies[i].Enabled {
			t.Errorf("Policy %s should be an enabled built-in", name)
		}
	}
}

func TestValidatePlan_ProductionRollback(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		labels        map[string]string
		autoRollback  *bool
		expectAllowed bool
	}{
		{"staging without rollback", map[string]string{"environment": "staging"}, boolPtr(false), true},
		{"production default rollback", map[string]string{"environment": "production"}, nil, true},
		{"production explicit rollback", map[string]string{"environment": "production"}, boolPtr(true), true},
		{"production without rollback", map[string]string{"environment": "production"}, boolPtr(false), false},
		{"no labels", nil, boolPtr(false), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := plannedMission(tt.labels, func(m *engine.Mission) {
				m.Request.AutoRollback = tt.autoRollback
			})

			decision, err := eng.ValidatePlan(context.Background(), m)
			if err != nil {
				t.Fatalf("ValidatePlan failed: %v", err)
			}
			if decision.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, decision.Allowed, decision.Violations)
			}
			if !tt.expectAllowed {
				if len(decision.Violations) != 1 || decision.Violations[0].Policy != "production-auto-rollback" {
					t.Errorf("Expected one production-auto-rollback violation, got %+v", decision.Violations)
				}
			}
		})
	}
}

func TestValidatePlan_DefaultAutoRollbackOption(t *testing.T) {
	eng := newTestEngine(t, WithDefaultAutoRollback(false))

	decision, err := eng.ValidatePlan(context.Background(), plannedMission(map[string]string{"environment": "production"}, nil))
	if err != nil {
		t.Fatalf("ValidatePlan failed: %v", err)
	}
	if decision.Allowed {
		t.Error("Production mission relying on a disabled default should be denied")
	}
}

func TestValidatePlan_ProductionSimulationWarning(t *testing.T) {
	eng := newTestEngine(t)
	labels := map[string]string{"environment": "production"}

	decision, err := eng.ValidatePlan(context.Background(), plannedMission(labels, nil))
	if err != nil {
		t.Fatalf("ValidatePlan failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("Expected mission to be allowed, got violations %+v", decision.Violations)
	}
	if len(decision.Warnings) != 1 || !strings.HasPrefix(decision.Warnings[0], "production-simulation: ") {
		t.Errorf("Expected one simulation warning, got %v", decision.Warnings)
	}

	simulated := plannedMission(labels, func(m *engine.Mission) { m.Request.Simulate = true })
	decision, err = eng.ValidatePlan(context.Background(), simulated)
	if err != nil {
		t.Fatalf("ValidatePlan failed: %v", err)
	}
	if len(decision.Warnings) != 0 {
		t.Errorf("Expected no warnings for a simulated mission, got %v", decision.Warnings)
	}
}

func TestValidatePlan_RetryBounds(t *testing.T) {
	eng := newTestEngine(t)

	m := plannedMission(nil, func(m *engine.Mission) {
		m.Plan.Steps[1].Retry.MaxAttempts = MaxStepAttempts + 1
	})
	decision, err := eng.ValidatePlan(context.Background(), m)
	if err != nil {
		t.Fatalf("ValidatePlan failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected retry bound violation to deny the plan")
	}
	if len(decision.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %d", len(decision.Violations))
	}
	v := decision.Violations[0]
	if v.Policy != "retry-bounds" || v.StepID != "step-api" || v.Severity != string(SeverityError) {
		t.Errorf("Unexpected violation: %+v", v)
	}
}

func TestValidatePlan_TimeoutBounds(t *testing.T) {
	eng := newTestEngine(t)

	long := plannedMission(nil, func(m *engine.Mission) {
		m.Request.Timeout = 2 * MaxMissionTimeout
	})
	decision, err := eng.ValidatePlan(context.Background(), long)
	if err != nil {
		t.Fatalf("ValidatePlan failed: %v", err)
	}
	if decision.Allowed {
		t.Error("Expected mission timeout above the cap to be denied")
	}

	slowStep := plannedMission(nil, func(m *engine.Mission) {
		m.Plan.Steps[0].Timeout = 2 * MaxStepTimeoutWarning
	})
	decision, err = eng.ValidatePlan(context.Background(), slowStep)
	if err != nil {
		t.Fatalf("ValidatePlan failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("Slow step should only warn, got violations %+v", decision.Violations)
	}
	if len(decision.Warnings) != 1 || !strings.Contains(decision.Warnings[0], "step-db") {
		t.Errorf("Expected a warning naming step-db, got %v", decision.Warnings)
	}
}

func TestValidatePlan_NilMission(t *testing.T) {
	eng := newTestEngine(t)
	if _, err := eng.ValidatePlan(context.Background(), nil); !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	m := plannedMission(map[string]string{"environment": "production"}, func(m *engine.Mission) {
		m.Request.AutoRollback = boolPtr(false)
	})

	if err := eng.DisablePolicy("production-auto-rollback"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	decision, err := eng.ValidatePlan(context.Background(), m)
	if err != nil {
		t.Fatalf("ValidatePlan failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("Disabled policy should not deny")
	}

	if err := eng.EnablePolicy("production-auto-rollback"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	decision, err = eng.ValidatePlan(context.Background(), m)
	if err != nil {
		t.Fatalf("ValidatePlan failed: %v", err)
	}
	if decision.Allowed {
		t.Error("Re-enabled policy should deny")
	}

	if err := eng.DisablePolicy("nonexistent"); !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("Expected not found error, got %v", err)
	}
}

const forbiddenTypePolicy = `# Edge firmware may only be pushed by a rollout
package missionctl.custom.forbidden

import rego.v1

deny contains violation if {
	some step in input.mission.steps
	step.type == "firmware"
	violation := {
		"message": sprintf("step %s deploys firmware outside a rollout", [step.id]),
		"step": step.id,
	}
}
`

func TestLoadPolicies_UserPolicy(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "no-firmware.rego"), []byte(forbiddenTypePolicy), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("no-firmware")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Builtin {
		t.Error("Loaded policy should not be built-in")
	}
	if p.Description != "Edge firmware may only be pushed by a rollout" {
		t.Errorf("Unexpected description %q", p.Description)
	}

	firmware := plannedMission(nil, func(m *engine.Mission) {
		m.Plan.Steps[0].ComponentType = "firmware"
	})
	decision, err := eng.ValidatePlan(context.Background(), firmware)
	if err != nil {
		t.Fatalf("ValidatePlan failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected user policy to deny firmware steps")
	}
	if decision.Violations[0].StepID != "step-db" {
		t.Errorf("Expected violation on step-db, got %+v", decision.Violations[0])
	}

	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("no-firmware"); err == nil {
		t.Error("Reload should drop user policies")
	}
	if len(eng.ListPolicies()) != len(GetBuiltinPolicies()) {
		t.Error("Reload should restore the built-in policies")
	}
}

func TestLoadPolicies_InvalidRegoIsRejected(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package broken\n\ndeny contains"), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{filepath.Join(dir, "broken.rego")}); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("Broken policy should not be registered")
	}
}

func TestWatch_ReloadsChangedPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "guard.rego")

	permissive := "package missionctl.custom.guard\n\nimport rego.v1\n\ndeny contains \"never\" if { false }\n"
	if err := os.WriteFile(path, []byte(permissive), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	m := plannedMission(nil, nil)
	decision, err := eng.ValidatePlan(ctx, m)
	if err != nil || !decision.Allowed {
		t.Fatalf("Expected initial policy to allow, got %+v, %v", decision, err)
	}

	strict := "package missionctl.custom.guard\n\nimport rego.v1\n\ndeny contains \"all missions are frozen\" if { true }\n"
	if err := os.WriteFile(path, []byte(strict), 0644); err != nil {
		t.Fatalf("Failed to rewrite policy: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		decision, err = eng.ValidatePlan(ctx, m)
		if err == nil && !decision.Allowed {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Policy change was not picked up")
}

func TestEngineAdmission(t *testing.T) {
	policies := newTestEngine(t)

	adapters := engine.NewAdapterRegistry()
	if err := adapters.Register("service", okAdapter{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	eng, err := engine.NewEngine(engine.DefaultEngineConfig(), engine.Dependencies{
		Adapters: adapters,
		Recovery: noopRecovery{},
		Policy:   policies,
	}, zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	req := plannedMission(map[string]string{"environment": "production"}, nil).Request
	req.AutoRollback = boolPtr(false)

	m, err := eng.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if m.Status != engine.MissionStatusFailed {
		t.Fatalf("Expected denied mission to fail, got %s", m.Status)
	}
	found := false
	for _, e := range m.Errors {
		if strings.Contains(e, "production-auto-rollback") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected policy denial in mission errors, got %v", m.Errors)
	}
	for _, r := range m.StepResults {
		if r.Executed() {
			t.Errorf("Step %s should not have executed", r.StepID)
		}
	}
}

type okAdapter struct{}

func (okAdapter) Deploy(ctx context.Context, req engine.DeployRequest) (*engine.AdapterResult, error) {
	return &engine.AdapterResult{Success: true}, nil
}

func (okAdapter) Rollback(ctx context.Context, req engine.RollbackRequest) (*engine.AdapterResult, error) {
	return &engine.AdapterResult{Success: true}, nil
}

func (okAdapter) CheckHealth(ctx context.Context) (*engine.HealthStatus, error) {
	return &engine.HealthStatus{Healthy: true}, nil
}

type noopRecovery struct{}

func (noopRecovery) Classify(message string, context map[string]string) engine.ErrorClassification {
	return engine.ErrorClassification{Message: message, Category: engine.ErrorCategoryUnknown, Recoverable: true}
}

func (noopRecovery) Suggest(engine.ErrorClassification) []engine.RecoverySuggestion { return nil }

func (noopRecovery) PlanRollback(m *engine.Mission, reason string) *engine.RollbackPlan {
	return &engine.RollbackPlan{MissionID: m.ID, Reason: reason}
}

func (noopRecovery) ExecuteRecovery(ctx context.Context, plan *engine.RollbackPlan, onStep func(engine.StepResult)) *engine.RollbackReport {
	return &engine.RollbackReport{Status: engine.RollbackStatusComplete}
}

func (noopRecovery) Escalate(ctx context.Context, m *engine.Mission, c engine.ErrorClassification) {}
