package stats

import (
	"encoding/json"
	"testing"
)

func TestScopedNames(t *testing.T) {
	stat := DefaultStatsReceiver()
	stat.Scope("slurm").Counter(SlurmSubmitCounter).Inc(2)
	stat.Scope("slurm", "a/b").Gauge("g").Update(5)

	var rendered map[string]interface{}
	if err := json.Unmarshal(stat.Render(false), &rendered); err != nil {
		t.Fatalf("render produced bad json: %v", err)
	}
	if rendered["slurm/submits"] != float64(2) {
		t.Fatalf("expected slurm/submits=2, got %v", rendered)
	}
	if rendered["slurm/a_SLASH_b/g"] != float64(5) {
		t.Fatalf("expected scrubbed gauge name, got %v", rendered)
	}
}

func TestScopeDoesNotAliasParent(t *testing.T) {
	root := DefaultStatsReceiver().Scope("fleet")
	a := root.Scope("a")
	b := root.Scope("b")
	a.Counter("x").Inc(1)
	b.Counter("x").Inc(3)
	if a.Counter("x").Count() != 1 || b.Counter("x").Count() != 3 {
		t.Fatalf("sibling scopes shared a counter")
	}
}

func TestLatencyRenders(t *testing.T) {
	stat := DefaultStatsReceiver()
	stat.Latency(FleetTickLatency_ms).Time().Stop()

	var rendered map[string]interface{}
	if err := json.Unmarshal(stat.Render(true), &rendered); err != nil {
		t.Fatalf("render produced bad json: %v", err)
	}
	if rendered[FleetTickLatency_ms+".count"] != float64(1) {
		t.Fatalf("expected one latency sample, got %v", rendered)
	}
}

func TestNilReceiver(t *testing.T) {
	stat := NilStatsReceiver()
	stat.Counter("c").Inc(1)
	stat.Latency("l").Time().Stop()
	if len(stat.Render(false)) != 0 {
		t.Fatalf("nil receiver rendered something")
	}
}
