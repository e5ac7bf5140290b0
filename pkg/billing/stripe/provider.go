package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/internal"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Reconciler, Metrics, Logger, etc.)

	// Stripe-specific. Fall back to Config.APIKey and Config.WebhookSecret.
	StripeAPIKey        string
	StripeWebhookSecret string

	// Fetcher overrides the Stripe API for checkout session lookups.
	// If nil, sessions are read with the API key.
	Fetcher CheckoutSessionFetcher

	// ResolveTimeout bounds a checkout session lookup (default: 10 seconds)
	ResolveTimeout time.Duration

	// CircuitBreaker configures the breaker around outbound Stripe calls
	CircuitBreaker billing.CircuitBreakerConfig

	// Webhook rate limit per client IP (default: 100 per minute)
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// TrustForwardedFor keys the rate limit on X-Forwarded-For
	TrustForwardedFor bool
}

var _ billing.Provider = (*Provider)(nil)

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	applier       billing.Applier
	verifier      Verifier
	resolver      *Resolver
	stripeClient  *stripe.Client
	breaker       billing.CircuitBreaker
	rateLimiter   *internal.RateLimiter
	callback      billing.WebhookCallback
	webhookSecret string
	metrics       billing.Metrics
	logger        entitlement.Logger
}

// NewProvider creates a new Stripe billing provider. Either an API key or a
// Fetcher is required.
func NewProvider(config Config) (*Provider, error) {
	if config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}

	apiKey := firstNonEmpty(config.StripeAPIKey, config.APIKey)
	secret := firstNonEmpty(config.StripeWebhookSecret, config.WebhookSecret)

	var stripeClient *stripe.Client
	if apiKey != "" {
		httpClient := config.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: defaultHTTPTimeout}
		}
		backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})
		stripeClient = stripe.NewClient(apiKey, stripe.WithBackends(backends))
	}

	fetcher := config.Fetcher
	if fetcher == nil {
		if stripeClient == nil {
			return nil, billing.ErrProviderNotConfigured
		}
		fetcher = NewClientFetcher(stripeClient)
	}

	breaker := newCircuitBreaker(config.CircuitBreaker, metrics)
	resolver, err := NewResolver(ResolverConfig{
		Fetcher:        fetcher,
		Timeout:        config.ResolveTimeout,
		CircuitBreaker: breaker,
		Metrics:        metrics,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	requests := config.RateLimitRequests
	if requests <= 0 {
		requests = defaultRateLimitRequests
	}
	window := config.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	// Cleanup is handled lazily inside the limiter.
	limiter := internal.NewRateLimiter(requests, window)
	limiter.TrustForwardedFor = config.TrustForwardedFor

	return &Provider{
		applier:       config.Reconciler,
		verifier:      Verifier{Secret: secret},
		resolver:      resolver,
		stripeClient:  stripeClient,
		breaker:       breaker,
		rateLimiter:   limiter,
		callback:      config.WebhookCallback,
		webhookSecret: secret,
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return p.rateLimiter.Middleware(handler)
}

// ResolveSession implements billing.Provider
func (p *Provider) ResolveSession(ctx context.Context, sessionID string) (entitlement.CheckoutCompleted, error) {
	return p.resolver.Resolve(ctx, sessionID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
