package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/openfroyo/missionctl/pkg/rollout"
)

const missionStar = `
_firmware = "2.4.1"
_defaults = struct(type = "edge", retries = 2)

def _component(id, deps = []):
    return {
        "id": id,
        "type": _defaults.type,
        "dependencies": deps,
        "parameters": {"firmware": _firmware},
        "retry": {"max_attempts": _defaults.retries},
    }

def describe():
    return name

kind = "mission"
name = "generated-" + _firmware
priority = 3
mission = {
    "strategy": "parallel",
    "components": [_component("gateway")] + [_component("sensor-%d" % i, ["gateway"]) for i in range(3)],
}
`

func TestParser_ParseStarlarkMission(t *testing.T) {
	parser := NewParser()
	path := writeSpec(t, t.TempDir(), "mission.star", missionStar)

	doc, err := parser.ParseFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if doc.Kind != KindMission {
		t.Errorf("expected kind mission, got %s", doc.Kind)
	}
	if doc.Priority != 3 {
		t.Errorf("expected priority 3, got %d", doc.Priority)
	}
	if doc.Mission.Name != "generated-2.4.1" {
		t.Errorf("expected generated name, got %q", doc.Mission.Name)
	}
	if doc.Mission.Strategy != engine.StrategyParallel {
		t.Errorf("expected parallel strategy, got %s", doc.Mission.Strategy)
	}

	comps := doc.Mission.Components
	if len(comps) != 4 {
		t.Fatalf("expected 4 generated components, got %d", len(comps))
	}
	last := comps[3]
	if last.ID != "sensor-2" || last.Type != "edge" {
		t.Errorf("unexpected component %+v", last)
	}
	if len(last.Dependencies) != 1 || last.Dependencies[0] != "gateway" {
		t.Errorf("unexpected dependencies %v", last.Dependencies)
	}
	if last.Retry.MaxAttempts != 2 {
		t.Errorf("expected max attempts 2, got %d", last.Retry.MaxAttempts)
	}
	if last.Parameters["firmware"] != "2.4.1" {
		t.Errorf("unexpected parameters %v", last.Parameters)
	}
}

func TestParser_ParseStarlarkRolloutWithInput(t *testing.T) {
	evaluator := NewStarlarkEvaluator(0, map[string]interface{}{
		"regions": []string{"eu-west", "us-east"},
	})
	parser := NewParser(WithStarlarkEvaluator(evaluator))

	script := `
name = "fleet"
mission = {"components": [{"id": "gateway", "type": "edge"}]}
rollout = {
    "strategy": "canary",
    "regions": regions,
    "canary_regions": regions[:1],
    "validation_period": "5m",
}
`
	doc, err := parser.Parse([]byte(script), FormatStarlark, "fleet.star")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if doc.Kind != KindRollout || doc.Rollout == nil {
		t.Fatalf("expected inferred rollout, got %s", doc.Kind)
	}
	cfg := doc.Rollout.Config
	if cfg.Strategy != rollout.StrategyCanary {
		t.Errorf("expected canary, got %s", cfg.Strategy)
	}
	if len(cfg.Regions) != 2 || len(cfg.CanaryRegions) != 1 || cfg.CanaryRegions[0] != "eu-west" {
		t.Errorf("unexpected regions %v / %v", cfg.Regions, cfg.CanaryRegions)
	}
	if cfg.ValidationPeriod != 5*time.Minute {
		t.Errorf("expected 5m validation period, got %s", cfg.ValidationPeriod)
	}
}

func TestParser_StarlarkErrors(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		script  string
		want    string
	}{
		{"syntax", 0, "mission = {\n", "starlark evaluation failed"},
		{"runtime", 0, "mission = {\"components\": [1 // 0]}\n", "division by zero"},
		{"unsupported value", 0, "mission = range(3)\n", "unsupported starlark type"},
		{"empty", 0, "_hidden = 1\n", "empty spec"},
		{"schema", 0, "mission = {\"components\": [{\"id\": \"x\"}]}\n", ""},
		{"timeout", 20 * time.Millisecond, "_n = 0\nwhile True:\n    _n += 1\n", "exceeded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser := NewParser(WithStarlarkEvaluator(NewStarlarkEvaluator(tt.timeout, nil)))
			_, err := parser.Parse([]byte(tt.script), FormatStarlark, "bad.star")

			errs := specErrors(t, err)
			if len(errs) == 0 {
				t.Fatal("expected validation errors")
			}
			if tt.want != "" && !strings.Contains(errs[0].Message, tt.want) {
				t.Errorf("expected %q in %q", tt.want, errs[0].Message)
			}
		})
	}
}

func TestStarlarkEvaluator_SkipsPrivateAndCallableGlobals(t *testing.T) {
	script := `
_private = 1
def helper():
    return 2
public = {"n": helper(), "ok": True, "ratio": 0.5, "none": None, "pair": (1, "a")}
`
	out, err := NewStarlarkEvaluator(0, nil).Evaluate(context.Background(), "x.star", []byte(script))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected only the public global, got %v", out)
	}

	public, ok := out["public"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a map, got %T", out["public"])
	}
	if public["n"] != int64(2) || public["ok"] != true || public["ratio"] != 0.5 || public["none"] != nil {
		t.Errorf("unexpected conversion %v", public)
	}
	pair, ok := public["pair"].([]interface{})
	if !ok || len(pair) != 2 || pair[1] != "a" {
		t.Errorf("expected tuple as list, got %v", public["pair"])
	}
}
