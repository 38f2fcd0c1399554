package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/missionctl/pkg/config"
	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/rollout"
	"github.com/openfroyo/missionctl/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gatewayMission = `
name: gateway-update
mission:
  strategy: parallel
  components:
    - id: gateway
      type: edge
      action: deploy
      retry:
        max_attempts: 1
    - id: sensors
      type: edge
      action: configure
      dependencies: [gateway]
      retry:
        max_attempts: 1
`

const failingMission = `
name: broken-update
mission:
  components:
    - id: gateway
      type: edge
      retry:
        max_attempts: 1
    - id: sensors
      type: edge
      dependencies: [gateway]
      parameters:
        fail: "permission denied"
      retry:
        max_attempts: 1
`

const unsafeMission = `
name: unsafe
mission:
  auto_rollback: false
  context:
    environment: production
  components:
    - id: gateway
      type: edge
`

const cyclicMission = `
mission:
  components:
    - {id: a, type: edge, dependencies: [b]}
    - {id: b, type: edge, dependencies: [a]}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// testConfig writes a config with a SQLite journal and quiet logging.
func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return writeFile(t, dir, "missionctl.yaml", `
journal:
  backend: sqlite
  path: `+filepath.Join(dir, "journal.db")+`
telemetry:
  logging:
    level: error
  metrics:
    enabled: false
`)
}

// execute runs the CLI with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDryRunAdapter_Deploy(t *testing.T) {
	adapter := newDryRunAdapter("eu-west", rollout.EnvironmentPrimary, false, zerolog.Nop())
	ctx := context.Background()

	res, err := adapter.Deploy(ctx, engine.DeployRequest{StepID: "gateway", Attempt: 1})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.Reference)

	flaky := map[string]interface{}{paramFailAttempts: 2}
	res, err = adapter.Deploy(ctx, engine.DeployRequest{StepID: "gateway", Attempt: 2, Parameters: flaky})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "connection refused", res.Error)

	res, err = adapter.Deploy(ctx, engine.DeployRequest{StepID: "gateway", Attempt: 3, Parameters: flaky})
	require.NoError(t, err)
	assert.True(t, res.Success)

	broken := map[string]interface{}{paramFail: "disk full"}
	res, err = adapter.Deploy(ctx, engine.DeployRequest{StepID: "gateway", Attempt: 1, Parameters: broken})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "disk full", res.Error)
}

func TestDryRunAdapter_FailRegions(t *testing.T) {
	params := map[string]interface{}{paramFailRegions: []interface{}{"us-east"}}
	req := engine.DeployRequest{StepID: "gateway", Attempt: 1, Parameters: params}

	eu := newDryRunAdapter("eu-west", rollout.EnvironmentPrimary, false, zerolog.Nop())
	res, err := eu.Deploy(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)

	us := newDryRunAdapter("us-east", rollout.EnvironmentPrimary, false, zerolog.Nop())
	res, err = us.Deploy(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestDryRunAdapter_ValidateAndHealth(t *testing.T) {
	adapter := newDryRunAdapter("ap-south", rollout.EnvironmentGreen, true, zerolog.Nop())

	err := adapter.Validate(context.Background(), engine.DeployRequest{
		StepID:     "gateway",
		Parameters: map[string]interface{}{paramInvalid: "firmware image missing"},
	})
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
	assert.NoError(t, adapter.Validate(context.Background(), engine.DeployRequest{StepID: "gateway"}))

	resolver := &dryRunResolver{adapter: adapter}
	status := resolver.CheckHealth(context.Background())
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Reason, "ap-south")
}

func TestRolloutRequest_FromMission(t *testing.T) {
	path := writeFile(t, t.TempDir(), "mission.yaml", gatewayMission)
	doc, err := config.NewParser().ParseFile(path)
	require.NoError(t, err)

	set := map[string]bool{"strategy": true, "regions": true, "canary": true}
	req, err := rolloutRequest(doc, rolloutFlags{
		strategy: "canary",
		regions:  []string{"eu-west", "us-east"},
		canary:   []string{"eu-west"},
	}, func(name string) bool { return set[name] })
	require.NoError(t, err)

	assert.Equal(t, "gateway-update", req.Name)
	assert.Equal(t, rollout.StrategyCanary, req.Config.Strategy)
	assert.Equal(t, []string{"eu-west"}, req.Config.CanaryRegions)
	assert.Len(t, req.Mission.Components, 2)

	_, err = rolloutRequest(doc, rolloutFlags{strategy: "canary", regions: []string{"eu-west"}, canary: []string{"ap"}},
		func(name string) bool { return set[name] })
	assert.Error(t, err, "canary regions must be declared regions")

	_, err = rolloutRequest(doc, rolloutFlags{}, func(string) bool { return false })
	assert.Error(t, err, "a mission spec needs regions from flags")
}

func TestValidateCommand(t *testing.T) {
	cfgPath := testConfig(t)
	dir := t.TempDir()
	good := writeFile(t, dir, "good.yaml", gatewayMission)

	out, err := execute(t, "-c", cfgPath, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "OK")
	assert.Contains(t, out, "2 steps in 2 stages")

	unsafe := writeFile(t, dir, "unsafe.yaml", unsafeMission)
	out, err = execute(t, "-c", cfgPath, "validate", unsafe)
	require.Error(t, err)
	assert.Contains(t, out, "production-auto-rollback")

	_, err = execute(t, "-c", cfgPath, "validate", "--no-policy", unsafe)
	assert.NoError(t, err)

	cyclic := writeFile(t, dir, "cyclic.yaml", cyclicMission)
	out, err = execute(t, "-c", cfgPath, "--json", "validate", cyclic)
	require.Error(t, err)

	var results []validation
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.False(t, results[0].Valid)
	assert.Contains(t, results[0].Error, "circular")
}

func TestPlanCommand(t *testing.T) {
	cfgPath := testConfig(t)
	spec := writeFile(t, t.TempDir(), "mission.yaml", gatewayMission)

	out, err := execute(t, "-c", cfgPath, "plan", spec)
	require.NoError(t, err)

	var plan engine.ExecutionPlan
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, engine.StrategyParallel, plan.Strategy)
	assert.Len(t, plan.Stages, 2)

	out, err = execute(t, "-c", cfgPath, "plan", spec, "--format", "dot")
	require.NoError(t, err)
	assert.Contains(t, out, "digraph ExecutionPlan")
	assert.Contains(t, out, `"gateway" -> "sensors"`)

	dotFile := filepath.Join(t.TempDir(), "plan.dot")
	_, err = execute(t, "-c", cfgPath, "plan", spec, "--format", "dot", "--out", dotFile)
	require.NoError(t, err)
	data, err := os.ReadFile(dotFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "digraph")

	_, err = execute(t, "-c", cfgPath, "plan", spec, "--format", "svg")
	assert.Error(t, err)
}

func TestRunCommand_JournalRoundTrip(t *testing.T) {
	cfgPath := testConfig(t)
	spec := writeFile(t, t.TempDir(), "mission.yaml", gatewayMission)

	out, err := execute(t, "-c", cfgPath, "--json", "run", spec)
	require.NoError(t, err)

	var m engine.Mission
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, engine.MissionStatusSucceeded, m.Status)
	require.NotEmpty(t, m.ID)

	out, err = execute(t, "-c", cfgPath, "journal", "verify", m.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "entries verified")

	out, err = execute(t, "-c", cfgPath, "--json", "journal", "reconstruct", m.ID)
	require.NoError(t, err)
	var rebuilt engine.Mission
	require.NoError(t, json.Unmarshal([]byte(out), &rebuilt))
	assert.Equal(t, m.Status, rebuilt.Status)
	assert.Len(t, rebuilt.StepResults, 2)

	out, err = execute(t, "-c", cfgPath, "journal", "streams")
	require.NoError(t, err)
	assert.Contains(t, out, m.ID)
}

func TestRunCommand_FailureRollsBack(t *testing.T) {
	cfgPath := testConfig(t)
	spec := writeFile(t, t.TempDir(), "broken.yaml", failingMission)

	out, err := execute(t, "-c", cfgPath, "--json", "run", spec)
	require.Error(t, err)

	var m engine.Mission
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, engine.MissionStatusRolledBack, m.Status)
	// The failed step may have left side effects, so it is compensated too,
	// in reverse plan order.
	require.Len(t, m.RollbackResults, 2)
	assert.Equal(t, "sensors", m.RollbackResults[0].StepID)
	assert.Equal(t, "gateway", m.RollbackResults[1].StepID)
}

func TestRolloutCommand_CanaryHalts(t *testing.T) {
	cfgPath := testConfig(t)
	spec := writeFile(t, t.TempDir(), "mission.yaml", gatewayMission)

	out, err := execute(t, "-c", cfgPath, "--json", "rollout", spec,
		"--strategy", "canary",
		"--regions", "eu-west,us-east,ap-south",
		"--canary", "eu-west",
		"--unhealthy", "eu-west")
	require.Error(t, err)

	var ro rollout.Rollout
	require.NoError(t, json.Unmarshal([]byte(out), &ro))
	assert.True(t, ro.CanaryFailed)
	assert.False(t, ro.Success)

	us, ok := ro.Region("us-east")
	require.True(t, ok)
	assert.Equal(t, rollout.RegionStatusSkipped, us.Status)
}

func TestJournalCommands_NeedSQLite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "memory.yaml", "telemetry:\n  logging:\n    level: error\n")

	_, err := execute(t, "-c", cfgPath, "journal", "streams")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal.backend sqlite")
}

func TestRuntime_StoreBacksHealthEndpoint(t *testing.T) {
	cfg, err := config.Load(testConfig(t))
	require.NoError(t, err)

	ctx := context.Background()
	rt, err := newRuntime(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, rt.store)

	handler := telemetry.HealthHandler(rt.store, zerolog.Nop())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, telemetry.HealthPath, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, rt.Close(ctx))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, telemetry.HealthPath, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
