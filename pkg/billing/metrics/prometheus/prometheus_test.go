package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

var _ billing.Metrics = (*Metrics)(nil)

func TestPrometheusMetrics_Webhook(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookEvent("stripe", "checkout.session.completed", "applied")
	m.RecordWebhookEvent("stripe", "checkout.session.completed", "applied")
	m.RecordWebhookProcessingDuration("stripe", "checkout.session.completed", 20*time.Millisecond)
	m.RecordWebhookError("stripe", "auth_failed")

	if got := testutil.ToFloat64(m.webhookEventsTotal.WithLabelValues("stripe", "checkout.session.completed", "applied")); got != 2 {
		t.Errorf("webhook events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.webhookErrorsTotal.WithLabelValues("stripe", "auth_failed")); got != 1 {
		t.Errorf("webhook errors = %v, want 1", got)
	}
}

func TestPrometheusMetrics_ProviderCalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordSessionResolve("stripe", "complete")
	m.RecordTierChange("stripe", "unrecognized", "pro")
	m.RecordAPICall("stripe", "/checkout/sessions", "success")
	m.RecordAPICallDuration("stripe", "/checkout/sessions", 100*time.Millisecond)
	m.RecordCircuitBreakerStateChange("stripe", "open")

	if got := testutil.ToFloat64(m.sessionResolveTotal.WithLabelValues("stripe", "complete")); got != 1 {
		t.Errorf("session resolves = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.circuitBreakerChanges.WithLabelValues("stripe", "open")); got != 1 {
		t.Errorf("circuit breaker changes = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) != 5 {
		t.Errorf("expected 5 metric families, got %d", len(families))
	}
}
