package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

var _ entitlement.Metrics = (*Metrics)(nil)

func TestPrometheusMetrics_NewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestPrometheusMetrics_RecordApply(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordApply("checkout_completed", "applied", 5*time.Millisecond)
	metrics.RecordApply("checkout_completed", "applied", 5*time.Millisecond)
	metrics.RecordApply("subscription_updated", "stale", time.Millisecond)

	if got := counterValue(t, reg, "test_reconcile_events_total", map[string]string{
		"kind": "checkout_completed", "outcome": "applied",
	}); got != 2 {
		t.Errorf("applied counter = %v, want 2", got)
	}
	if got := counterValue(t, reg, "test_reconcile_events_total", map[string]string{
		"kind": "subscription_updated", "outcome": "stale",
	}); got != 1 {
		t.Errorf("stale counter = %v, want 1", got)
	}
}

func TestPrometheusMetrics_RecordSeed(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordSeed(true, nil)
	metrics.RecordSeed(false, nil)
	metrics.RecordSeed(false, errors.New("store down"))

	for _, result := range []string{"seeded", "skipped", "error"} {
		if got := counterValue(t, reg, "test_defaults_seed_total", map[string]string{"result": result}); got != 1 {
			t.Errorf("seed %s = %v, want 1", result, got)
		}
	}
}

func TestPrometheusMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("with_tx", 10*time.Millisecond, nil)
	metrics.RecordStorageOperation("with_tx", 10*time.Millisecond, errors.New("fail"))

	if got := counterValue(t, reg, "test_storage_operation_errors_total", map[string]string{"operation": "with_tx"}); got != 1 {
		t.Errorf("storage errors = %v, want 1", got)
	}
}

func TestPrometheusMetrics_Misc(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordKeyIssued("activation")
	metrics.RecordStatusTransition(entitlement.StatusActive, entitlement.StatusCanceled)
	metrics.RecordConflict("checkout_completed")
	metrics.RecordAccessCheck(false, "inactive")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) < 4 {
		t.Errorf("expected at least 4 metric families, got %d", len(families))
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}
