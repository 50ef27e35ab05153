package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) (*MonitoringServer, *httptest.Server) {
	t.Helper()
	c := NewCollector(true, 0)
	t.Cleanup(func() { c.Shutdown() })
	ms := NewMonitoringServer("127.0.0.1:0", c)
	srv := httptest.NewServer(ms.Handler())
	t.Cleanup(srv.Close)
	c.Counter("tasks.complete", 2, map[string]string{"backend": "local"})
	return ms, srv
}

func TestHealthEndpoint(t *testing.T) {
	ms, srv := newTestServer(t)
	ms.RegisterHealthCheck("backend", func() HealthCheck {
		return HealthCheck{Name: "backend", Status: HealthStatusDegraded, Message: "slow accounting"}
	})
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("degraded should still be 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status HealthStatus  `json:"status"`
		Checks []HealthCheck `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != HealthStatusDegraded || len(body.Checks) != 1 {
		t.Fatalf("unexpected health %+v", body)
	}

	ms.RegisterHealthCheck("store", func() HealthCheck {
		return HealthCheck{Name: "store", Status: HealthStatusUnhealthy}
	})
	resp2, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp2.StatusCode)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(data), `tasks_complete{backend="local"} 2`) {
		t.Fatalf("unexpected metrics output:\n%s", data)
	}

	resp, err = http.Get(srv.URL + "/api/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var metrics []Metric
	if err := json.NewDecoder(resp.Body).Decode(&metrics); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(metrics) != 1 || metrics[0].Value != 2 {
		t.Fatalf("unexpected metrics %+v", metrics)
	}
}

func TestTasksEndpoint(t *testing.T) {
	ms, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/tasks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without a run, got %d", resp.StatusCode)
	}

	ms.SetTaskSource(func() any { return map[string]string{"a": "running"} })
	resp, err = http.Get(srv.URL + "/api/tasks")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["a"] != "running" {
		t.Fatalf("unexpected tasks %v", got)
	}
}
