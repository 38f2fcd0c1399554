package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/rollout"
)

const missionYAML = `
kind: mission
name: edge-firmware
priority: 5
mission:
  strategy: sequential
  timeout: 30m
  context:
    environment: staging
  components:
    - id: gateway
      type: edge
      action: deploy
      timeout: 90s
      parameters:
        firmware: "2.4.1"
        replicas: 3
      retry:
        max_attempts: 4
        base_delay: 2s
        backoff: exponential
    - id: sensors
      type: edge
      action: configure
      dependencies: [gateway]
      continue_on_error: true
`

func writeSpec(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func specErrors(t *testing.T, err error) []ValidationError {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got none")
	}
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("expected validation code, got %v", err)
	}
	var se *SpecError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SpecError in chain, got %T", err)
	}
	return se.Errors
}

func TestParser_ParseYAMLMission(t *testing.T) {
	parser := NewParser()
	path := writeSpec(t, t.TempDir(), "mission.yaml", missionYAML)

	doc, err := parser.ParseFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if doc.Kind != KindMission {
		t.Errorf("expected kind mission, got %s", doc.Kind)
	}
	if doc.Priority != 5 {
		t.Errorf("expected priority 5, got %d", doc.Priority)
	}
	if doc.Rollout != nil {
		t.Error("mission document must not carry a rollout")
	}
	if doc.Source != path {
		t.Errorf("expected source %s, got %s", path, doc.Source)
	}

	m := doc.Mission
	if m.Name != "edge-firmware" {
		t.Errorf("expected mission name from the document, got %q", m.Name)
	}
	if m.Strategy != engine.StrategySequential {
		t.Errorf("expected sequential strategy, got %s", m.Strategy)
	}
	if m.Timeout != 30*time.Minute {
		t.Errorf("expected 30m timeout, got %s", m.Timeout)
	}
	if m.Context["environment"] != "staging" {
		t.Errorf("expected environment label, got %v", m.Context)
	}
	if len(m.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(m.Components))
	}

	gw := m.Components[0]
	if gw.Timeout != 90*time.Second {
		t.Errorf("expected 90s component timeout, got %s", gw.Timeout)
	}
	if gw.Retry.MaxAttempts != 4 || gw.Retry.BaseDelay != 2*time.Second || gw.Retry.Backoff != engine.BackoffExponential {
		t.Errorf("unexpected retry policy %+v", gw.Retry)
	}
	if gw.Parameters["firmware"] != "2.4.1" {
		t.Errorf("unexpected parameters %v", gw.Parameters)
	}

	sensors := m.Components[1]
	if len(sensors.Dependencies) != 1 || sensors.Dependencies[0] != "gateway" {
		t.Errorf("unexpected dependencies %v", sensors.Dependencies)
	}
	if !sensors.ContinueOnError {
		t.Error("expected continue_on_error")
	}
}

func TestParser_ParseJSONRollout(t *testing.T) {
	parser := NewParser()
	content := `{
	"name": "firmware-rollout",
	"mission": {
		"name": "firmware",
		"components": [
			{"id": "gateway", "type": "edge", "retry": {"max_attempts": 2}}
		]
	},
	"rollout": {
		"strategy": "canary",
		"regions": ["eu-west", "us-east", "ap-south"],
		"canary_regions": ["eu-west"],
		"validation_period": "10m",
		"max_concurrent_regions": 2,
		"rollback_on_failure": true
	}
}`
	path := writeSpec(t, t.TempDir(), "rollout.json", content)

	doc, err := parser.ParseFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if doc.Kind != KindRollout {
		t.Errorf("expected inferred kind rollout, got %s", doc.Kind)
	}
	if doc.Rollout == nil {
		t.Fatal("expected rollout request")
	}
	if doc.Name() != "firmware-rollout" {
		t.Errorf("expected rollout name, got %q", doc.Name())
	}

	cfg := doc.Rollout.Config
	if cfg.Strategy != rollout.StrategyCanary {
		t.Errorf("expected canary, got %s", cfg.Strategy)
	}
	if cfg.ValidationPeriod != 10*time.Minute {
		t.Errorf("expected 10m validation period, got %s", cfg.ValidationPeriod)
	}
	if cfg.MaxConcurrentRegions != 2 || !cfg.RollbackOnFailure {
		t.Errorf("unexpected rollout config %+v", cfg)
	}
	if doc.Rollout.Mission.Name != "firmware" {
		t.Errorf("expected mission name kept, got %q", doc.Rollout.Mission.Name)
	}
	if doc.Mission.Components[0].Retry.MaxAttempts != 2 {
		t.Errorf("expected max attempts 2, got %d", doc.Mission.Components[0].Retry.MaxAttempts)
	}
}

func TestParser_ParseCUE(t *testing.T) {
	parser := NewParser()
	content := `
kind: "rollout"
name: "bg"

let base = {
	type:   "edge"
	action: "deploy"
}

mission: components: [
	base & {id: "gateway"},
	base & {id: "sensors", dependencies: ["gateway"]},
]

rollout: {
	strategy: "blue-green"
	regions: ["eu-west", "us-east"]
	health_check_timeout: "45s"
}
`
	path := writeSpec(t, t.TempDir(), "bg.cue", content)

	doc, err := parser.ParseFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if doc.Kind != KindRollout || doc.Rollout == nil {
		t.Fatalf("expected rollout document, got %+v", doc)
	}
	if doc.Rollout.Config.Strategy != rollout.StrategyBlueGreen {
		t.Errorf("expected blue-green, got %s", doc.Rollout.Config.Strategy)
	}
	if doc.Rollout.Config.HealthCheckTimeout != 45*time.Second {
		t.Errorf("expected 45s health check timeout, got %s", doc.Rollout.Config.HealthCheckTimeout)
	}
	if len(doc.Mission.Components) != 2 || doc.Mission.Components[1].Type != "edge" {
		t.Errorf("unexpected components %+v", doc.Mission.Components)
	}
	if doc.Mission.Name != "bg" {
		t.Errorf("expected mission name from the document, got %q", doc.Mission.Name)
	}
}

func TestParser_CUESyntaxErrorHasPosition(t *testing.T) {
	parser := NewParser()
	content := "mission: {\n\tcomponents: [\n}\n"
	path := writeSpec(t, t.TempDir(), "broken.cue", content)

	_, err := parser.ParseFile(path)
	errs := specErrors(t, err)
	if len(errs) == 0 {
		t.Fatal("expected at least one validation error")
	}
	if errs[0].Line == 0 {
		t.Errorf("expected a line number, got %+v", errs[0])
	}
}

func TestParser_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{
			name:    "no components",
			file:    "empty.yaml",
			content: "mission:\n  components: []\n",
		},
		{
			name:    "unknown field",
			file:    "unknown.yaml",
			content: "mission:\n  components: [{id: a, type: edge}]\n  replicas: 3\n",
		},
		{
			name:    "bad strategy",
			file:    "strategy.yaml",
			content: "mission:\n  strategy: random\n  components: [{id: a, type: edge}]\n",
		},
		{
			name:    "kind rollout without section",
			file:    "kind.yaml",
			content: "kind: rollout\nmission:\n  components: [{id: a, type: edge}]\n",
			want:    "requires a rollout section",
		},
		{
			name:    "rollout section on a mission",
			file:    "mixed.yaml",
			content: "kind: mission\nmission:\n  components: [{id: a, type: edge}]\nrollout:\n  strategy: sequential\n  regions: [eu]\n",
			want:    "requires kind rollout",
		},
		{
			name:    "canary region outside regions",
			file:    "canary.yaml",
			content: "mission:\n  components: [{id: a, type: edge}]\nrollout:\n  strategy: canary\n  regions: [eu, us]\n  canary_regions: [ap]\n",
			want:    "not a declared region",
		},
		{
			name:    "empty document",
			file:    "blank.yaml",
			content: "",
			want:    "empty spec",
		},
		{
			name:    "invalid json",
			file:    "bad.json",
			content: "{\"mission\": ",
		},
		{
			name:    "unsupported extension",
			file:    "spec.toml",
			content: "mission = {}",
			want:    "unsupported spec file",
		},
	}

	dir := t.TempDir()
	parser := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSpec(t, dir, tt.file, tt.content)
			_, err := parser.ParseFile(path)
			errs := specErrors(t, err)
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, errs)
			}
		})
	}
}

func TestParser_ParseDir(t *testing.T) {
	parser := NewParser()
	dir := t.TempDir()
	writeSpec(t, dir, "b.yaml", missionYAML)
	writeSpec(t, dir, "a.json", `{"mission": {"name": "first", "components": [{"id": "x", "type": "edge"}]}}`)
	writeSpec(t, dir, "notes.txt", "ignored")

	docs, err := parser.ParseDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	if docs[0].Mission.Name != "first" || docs[1].Mission.Name != "edge-firmware" {
		t.Errorf("expected name order, got %s, %s", docs[0].Mission.Name, docs[1].Mission.Name)
	}

	writeSpec(t, dir, "c.yaml", "mission: {}\n")
	if _, err := parser.ParseDir(dir); err == nil {
		t.Error("expected error for invalid file in directory")
	}
}

func TestFormatOf(t *testing.T) {
	tests := map[string]Format{
		"a.yaml": FormatYAML,
		"a.YML":  FormatYAML,
		"a.json": FormatJSON,
		"a.cue":  FormatCUE,
		"a.star": FormatStarlark,
	}
	for name, want := range tests {
		got, err := FormatOf(name)
		if err != nil || got != want {
			t.Errorf("FormatOf(%s) = %s, %v; want %s", name, got, err, want)
		}
	}
	if IsSpecFile("a.rego") {
		t.Error("rego files are not spec files")
	}
}
