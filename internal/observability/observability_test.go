package observability

import (
	"context"
	"errors"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func findMetric(t *testing.T, m *MetricsCollector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestMetricsCollector_CountersGather(t *testing.T) {
	m := NewMetricsCollector()

	m.RequestsCreatedTotal.WithLabelValues("high").Inc()
	m.RequestsCreatedTotal.WithLabelValues("high").Inc()
	m.RequestsCreatedTotal.WithLabelValues("critical").Inc()
	m.DecisionsTotal.WithLabelValues("approve").Inc()
	m.PendingRequests.Inc()

	mf := findMetric(t, m, "tradegate_oversight_requests_created_total")
	if mf == nil {
		t.Fatalf("requests_created_total not registered")
	}
	counts := make(map[string]float64)
	for _, metric := range mf.GetMetric() {
		counts[labelValue(metric, "priority")] = metric.GetCounter().GetValue()
	}
	if counts["high"] != 2 || counts["critical"] != 1 {
		t.Errorf("counts = %v, want high=2 critical=1", counts)
	}

	if mf := findMetric(t, m, "tradegate_oversight_pending_requests"); mf == nil {
		t.Errorf("pending_requests gauge not registered")
	} else if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Errorf("pending gauge = %f, want 1", got)
	}
}

func TestMetricsCollector_IndependentRegistries(t *testing.T) {
	// Two collectors must not share state: registration is on a custom
	// registry, not the global one.
	a := NewMetricsCollector()
	b := NewMetricsCollector()

	a.DecisionsTotal.WithLabelValues("reject").Inc()
	b.DecisionsTotal.WithLabelValues("approve").Inc()

	mf := findMetric(t, b, "tradegate_oversight_decisions_total")
	if mf == nil {
		t.Fatalf("decisions_total not registered")
	}
	if len(mf.GetMetric()) != 1 || labelValue(mf.GetMetric()[0], "decision") != "approve" {
		t.Errorf("collector b observed collector a's increments: %v", mf.GetMetric())
	}
}

func TestSetBreakerState(t *testing.T) {
	m := NewMetricsCollector()

	tests := []struct {
		state string
		want  float64
	}{
		{"closed", 0},
		{"half_open", 1},
		{"open", 2},
	}
	for _, tt := range tests {
		m.SetBreakerState("request_store", tt.state)

		mf := findMetric(t, m, "tradegate_resilience_breaker_state")
		if mf == nil {
			t.Fatalf("breaker_state gauge not registered")
		}
		var got float64
		for _, metric := range mf.GetMetric() {
			if labelValue(metric, "dependency") == "request_store" {
				got = metric.GetGauge().GetValue()
			}
		}
		if got != tt.want {
			t.Errorf("gauge after %q = %f, want %f", tt.state, got, tt.want)
		}
	}
}

func TestHealthChecker_CheckReady(t *testing.T) {
	h := NewHealthChecker(nil)

	// No checks registered: trivially ready.
	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("status with no checks = %q, want ok", got.Status)
	}

	h.AddCheck("storage", func(context.Context) error { return nil })
	h.AddCheck("broker", func(context.Context) error { return errors.New("connection refused") })

	got := h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Errorf("status = %q, want degraded", got.Status)
	}
	if got.Checks["storage"].Status != "ok" {
		t.Errorf("storage check = %+v, want ok", got.Checks["storage"])
	}
	if got.Checks["broker"].Status != "fail" || got.Checks["broker"].Message == "" {
		t.Errorf("broker check = %+v, want fail with message", got.Checks["broker"])
	}
}

func TestHealthChecker_CheckHealth(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("storage", func(context.Context) error { return errors.New("down") })

	// Liveness ignores dependency state; the process itself is up.
	if got := h.CheckHealth(); got.Status != "ok" {
		t.Errorf("liveness = %q, want ok", got.Status)
	}
}
