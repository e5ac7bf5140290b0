package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	defaultResolveTimeout = 10 * time.Second
	endpointSessions      = "/checkout/sessions"
	confirmEventPrefix    = "confirm:"
)

// CheckoutSessionFetcher reads a checkout session with its subscription expanded.
type CheckoutSessionFetcher interface {
	GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error)
}

// clientFetcher reads sessions through the Stripe API.
type clientFetcher struct {
	client *stripe.Client
}

// NewClientFetcher returns a CheckoutSessionFetcher backed by client.
func NewClientFetcher(client *stripe.Client) CheckoutSessionFetcher {
	return &clientFetcher{client: client}
}

func (f *clientFetcher) GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionRetrieveParams{}
	params.AddExpand("subscription")
	return f.client.V1CheckoutSessions.Retrieve(ctx, sessionID, params)
}

// ResolverConfig configures a Resolver
type ResolverConfig struct {
	// Fetcher reads sessions from Stripe. Required.
	Fetcher CheckoutSessionFetcher

	// Timeout bounds a single lookup (default: 10 seconds)
	Timeout time.Duration

	// CircuitBreaker guards the lookup (default: DefaultCircuitBreaker)
	CircuitBreaker billing.CircuitBreaker

	Metrics billing.Metrics
	Logger  entitlement.Logger

	// Now stamps OccurredAt on resolved events (default: time.Now)
	Now func() time.Time
}

// Resolver answers "is this checkout session paid, and for what" by asking
// Stripe directly. It produces the same CheckoutCompleted the webhook path
// produces for the session.
type Resolver struct {
	fetcher CheckoutSessionFetcher
	timeout time.Duration
	breaker billing.CircuitBreaker
	metrics billing.Metrics
	logger  entitlement.Logger
	now     func() time.Time
	group   singleflight.Group
}

// NewResolver creates a session resolver.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	if config.Fetcher == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultResolveTimeout
	}
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	if config.CircuitBreaker == nil {
		config.CircuitBreaker = newCircuitBreaker(billing.CircuitBreakerConfig{}, config.Metrics)
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Resolver{
		fetcher: config.Fetcher,
		timeout: config.Timeout,
		breaker: config.CircuitBreaker,
		metrics: config.Metrics,
		logger:  config.Logger,
		now:     config.Now,
	}, nil
}

// Resolve implements billing.SessionResolver.
//
// Errors wrap billing.ErrSessionIncomplete when the session is not complete and
// paid, billing.ErrSessionNotFound when Stripe does not know it and
// billing.ErrProviderAPIError on timeouts, transport failures or an open
// circuit.
func (r *Resolver) Resolve(ctx context.Context, sessionID string) (entitlement.CheckoutCompleted, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return entitlement.CheckoutCompleted{}, fmt.Errorf("%w: session id is required", entitlement.ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return entitlement.CheckoutCompleted{}, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}

	v, err, _ := r.group.Do(sessionID, func() (interface{}, error) {
		return r.fetch(ctx, sessionID)
	})
	if err != nil {
		r.metrics.RecordSessionResolve(providerName, resolveStatus(err))
		return entitlement.CheckoutCompleted{}, err
	}

	meta := entitlement.Meta{
		EventID:    confirmEventPrefix + sessionID,
		Source:     sourceConfirm,
		OccurredAt: r.now().UTC(),
	}
	ev, err := checkoutCompleted(meta, sessionFromAPI(v.(*stripe.CheckoutSession)))
	r.metrics.RecordSessionResolve(providerName, resolveStatus(err))
	if err != nil {
		return entitlement.CheckoutCompleted{}, err
	}
	return ev, nil
}

// fetch runs detached from the caller so one cancelled caller does not fail
// the others sharing the flight.
func (r *Resolver) fetch(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	start := time.Now()
	var session *stripe.CheckoutSession
	err := r.breaker.Execute(ctx, func() error {
		var err error
		session, err = r.fetcher.GetCheckoutSession(ctx, sessionID)
		return err
	})
	r.metrics.RecordAPICallDuration(providerName, endpointSessions, time.Since(start))

	switch {
	case err == nil && session == nil:
		r.metrics.RecordAPICall(providerName, endpointSessions, "not_found")
		return nil, fmt.Errorf("%w: %s", billing.ErrSessionNotFound, sessionID)
	case err == nil:
		r.metrics.RecordAPICall(providerName, endpointSessions, "success")
		return session, nil
	case isNotFound(err):
		r.metrics.RecordAPICall(providerName, endpointSessions, "not_found")
		return nil, fmt.Errorf("%w: %s", billing.ErrSessionNotFound, sessionID)
	case errors.Is(err, billing.ErrCircuitOpen):
		r.metrics.RecordAPICall(providerName, endpointSessions, "circuit_open")
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	default:
		r.metrics.RecordAPICall(providerName, endpointSessions, "error")
		r.logger.Warn("Stripe session lookup failed",
			entitlement.Field{Key: "session_id", Value: sessionID},
			entitlement.Field{Key: "error", Value: err},
		)
		return nil, fmt.Errorf("%w: retrieve session %s: %v", billing.ErrProviderAPIError, sessionID, err)
	}
}

func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == http.StatusNotFound
	}
	return errors.Is(err, entitlement.ErrNotFound)
}

func resolveStatus(err error) string {
	switch {
	case err == nil:
		return "complete"
	case errors.Is(err, billing.ErrSessionIncomplete):
		return "incomplete"
	case errors.Is(err, entitlement.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// newCircuitBreaker ignores not-found answers; Stripe is healthy when it says
// a session does not exist.
func newCircuitBreaker(config billing.CircuitBreakerConfig, metrics billing.Metrics) billing.CircuitBreaker {
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return !isNotFound(err) }
	}
	if config.OnStateChange == nil {
		config.OnStateChange = func(state billing.CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(providerName, string(state))
		}
	}
	return billing.NewDefaultCircuitBreaker(config)
}

// sessionFromAPI converts an SDK session into the shape the normalizer reads.
func sessionFromAPI(s *stripe.CheckoutSession) *checkoutSession {
	out := &checkoutSession{
		ID:                s.ID,
		Mode:              string(s.Mode),
		Status:            string(s.Status),
		PaymentStatus:     string(s.PaymentStatus),
		ClientReferenceID: s.ClientReferenceID,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.Customer = expandableID(s.Customer.ID)
	}
	if sub := s.Subscription; sub != nil {
		out.Subscription.ID = sub.ID
		// An unexpanded reference only carries the id.
		if sub.Status != "" {
			out.Subscription.Object = subscriptionFromAPI(sub)
		}
	}
	return out
}

func subscriptionFromAPI(sub *stripe.Subscription) *subscriptionObject {
	out := &subscriptionObject{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Metadata: sub.Metadata,
	}
	if sub.Customer != nil {
		out.Customer = expandableID(sub.Customer.ID)
	}
	if sub.Items != nil {
		for _, it := range sub.Items.Data {
			if it == nil {
				continue
			}
			item := subscriptionItem{
				CurrentPeriodStart: it.CurrentPeriodStart,
				CurrentPeriodEnd:   it.CurrentPeriodEnd,
			}
			if it.Price != nil {
				item.Price.ID = it.Price.ID
			}
			out.Items.Data = append(out.Items.Data, item)
		}
	}
	return out
}
