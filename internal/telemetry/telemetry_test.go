package telemetry

import (
	"testing"
	"time"
)

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector(true, 0)
	defer c.Shutdown()

	c.Counter("tasks.submitted", 1, map[string]string{"backend": "local"})
	c.Counter("tasks.submitted", 2, map[string]string{"backend": "local"})
	c.Counter("tasks.submitted", 5, map[string]string{"backend": "slurm"})
	c.Gauge("tasks.active", 4, nil)
	c.Gauge("tasks.active", 2, nil)
	c.Timer("backend.poll", 10*time.Millisecond, nil)
	c.Timer("backend.poll", 30*time.Millisecond, nil)

	if got := c.Value("tasks.submitted", map[string]string{"backend": "local"}); got != 3 {
		t.Fatalf("expected counter 3, got %v", got)
	}
	if got := c.Value("tasks.active", nil); got != 2 {
		t.Fatalf("gauge should keep the last value, got %v", got)
	}
	var timer Metric
	for _, m := range c.GetMetrics() {
		if m.Name == "backend.poll" {
			timer = m
		}
	}
	if timer.Count != 2 || timer.Value != 40 || timer.Max != 30 || timer.Unit != "ms" {
		t.Fatalf("unexpected timer %+v", timer)
	}
	if n := len(c.GetMetrics()); n != 4 {
		t.Fatalf("expected 4 series, got %d", n)
	}
}

func TestCollectorDisabled(t *testing.T) {
	c := NewCollector(false, time.Millisecond)
	c.Counter("x", 1, nil)
	if len(c.GetMetrics()) != 0 {
		t.Fatalf("disabled collector must not record")
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestGlobalCollector(t *testing.T) {
	c := InitGlobal(true, 0)
	defer Shutdown()
	CounterGlobal("runs.started", 1, nil)
	if c.Value("runs.started", nil) != 1 {
		t.Fatalf("global helper did not record")
	}
}
