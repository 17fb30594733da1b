package metrics

import (
	"errors"
	"testing"
	"time"
)

// value はレジストリから指定ラベルのメトリクス値を取り出す。
func value(t *testing.T, c *Collector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return 0
}

func TestCollector_RecordMigration(t *testing.T) {
	c := NewCollector("dbkit")
	c.RecordMigration("apply", nil, time.Millisecond)
	c.RecordMigration("apply", nil, time.Millisecond)
	c.RecordMigration("apply", errors.New("boom"), time.Millisecond)

	if got := value(t, c, "dbkit_migrations_total", map[string]string{"operation": "apply", "status": "success"}); got != 2 {
		t.Errorf("expected 2 successful applies, got %v", got)
	}
	if got := value(t, c, "dbkit_migrations_total", map[string]string{"operation": "apply", "status": "failed"}); got != 1 {
		t.Errorf("expected 1 failed apply, got %v", got)
	}
}

func TestCollector_Gauges(t *testing.T) {
	c := NewCollector("dbkit")
	c.SetIntegrityScore(87)
	c.SetInstances(map[string]int{"active": 2, "idle": 1})
	c.RecordSeed("users", 3, 1)

	if got := value(t, c, "dbkit_integrity_score", nil); got != 87 {
		t.Errorf("expected score 87, got %v", got)
	}
	if got := value(t, c, "dbkit_test_instances", map[string]string{"status": "active"}); got != 2 {
		t.Errorf("expected 2 active instances, got %v", got)
	}
	if got := value(t, c, "dbkit_seed_records_total", map[string]string{"table": "users", "status": "failed"}); got != 1 {
		t.Errorf("expected 1 failed seed record, got %v", got)
	}
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.RecordMigration("apply", nil, time.Second)
	c.RecordSeed("users", 1, 0)
	c.SetIntegrityScore(100)
	c.SetInstances(nil)
	c.RecordIntegrityRule("schema", true)
	c.RecordHTTPRequest("GET", "/healthz", "200")
}
