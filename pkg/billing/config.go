package billing

import (
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Reconciler receives every normalized event. Required.
	Reconciler Applier

	// WebhookSecret is used to verify incoming webhook requests.
	// An empty secret makes the webhook reject every request.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// WebhookCallback is invoked after an event was applied (optional).
	// Errors are logged and do not change the webhook response.
	WebhookCallback WebhookCallback

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: entitlement.NoopLogger)
	Logger entitlement.Logger
}
