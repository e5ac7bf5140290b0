package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAccessDenied is returned by Gate.Authorize when the key is valid but
	// the user has no current entitlement.
	ErrAccessDenied = errors.New("no active entitlement")

	// ErrInvalidAPIKey is returned for malformed or unknown keys.
	ErrInvalidAPIKey = fmt.Errorf("%w: invalid api key", ErrAuthentication)
)

// Access reasons reported by AccessPolicy.Decide.
const (
	ReasonActive        = "active"
	ReasonPastDueGrace  = "past_due_grace"
	ReasonPastDue       = "past_due"
	ReasonCanceledGrace = "canceled_until_period_end"
	ReasonCanceled      = "canceled"
	ReasonInactive      = "inactive"
	ReasonNoKey         = "no_key"
)

// AccessPolicy decides whether a user's API key currently grants access.
type AccessPolicy struct {
	// CanceledUntilPeriodEnd keeps canceled users active until their paid
	// period ends.
	CanceledUntilPeriodEnd bool

	// PastDueGrace lets past_due users through for this long after the
	// period end. Zero denies past_due users.
	PastDueGrace time.Duration
}

// DefaultAccessPolicy grants canceled users access until period end.
func DefaultAccessPolicy() AccessPolicy {
	return AccessPolicy{
		CanceledUntilPeriodEnd: true,
		PastDueGrace:           72 * time.Hour,
	}
}

// Decide returns whether user has access at now and a short reason.
func (p AccessPolicy) Decide(user *User, now time.Time) (bool, string) {
	if user == nil || !user.HasAPIKey() {
		return false, ReasonNoKey
	}

	switch user.SubscriptionStatus {
	case StatusActive, StatusTrialing:
		return true, ReasonActive
	case StatusPastDue:
		if p.PastDueGrace > 0 && user.SubscriptionPeriodEnd != nil &&
			now.Before(user.SubscriptionPeriodEnd.Add(p.PastDueGrace)) {
			return true, ReasonPastDueGrace
		}
		return false, ReasonPastDue
	case StatusCanceled:
		if p.CanceledUntilPeriodEnd && user.SubscriptionPeriodEnd != nil &&
			now.Before(*user.SubscriptionPeriodEnd) {
			return true, ReasonCanceledGrace
		}
		return false, ReasonCanceled
	default:
		return false, ReasonInactive
	}
}

// Gate authorizes requests carrying an API key.
type Gate struct {
	store   Store
	policy  AccessPolicy
	metrics Metrics
	logger  Logger
	now     func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithAccessPolicy overrides DefaultAccessPolicy.
func WithAccessPolicy(p AccessPolicy) GateOption {
	return func(g *Gate) { g.policy = p }
}

// WithGateMetrics sets the metrics collector.
func WithGateMetrics(m Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithGateLogger sets the logger.
func WithGateLogger(l Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithGateClock sets the time source.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a Gate reading users from store.
func NewGate(store Store, opts ...GateOption) *Gate {
	g := &Gate{
		store:   store,
		policy:  DefaultAccessPolicy(),
		metrics: &NoopMetrics{},
		logger:  &NoopLogger{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize returns the user holding apiKey if they currently have access.
// Errors wrap ErrInvalidAPIKey, ErrAccessDenied or a store failure.
func (g *Gate) Authorize(ctx context.Context, apiKey string) (*User, error) {
	if !ValidKeyFormat(apiKey) {
		g.metrics.RecordAccessCheck(false, "malformed")
		return nil, ErrInvalidAPIKey
	}

	user, err := g.store.GetUserByAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			g.metrics.RecordAccessCheck(false, "unknown")
			return nil, ErrInvalidAPIKey
		}
		g.logger.Error("API key lookup failed", Field{"error", err})
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	allowed, reason := g.policy.Decide(user, g.now())
	g.metrics.RecordAccessCheck(allowed, reason)
	if !allowed {
		return user, fmt.Errorf("%w: %s", ErrAccessDenied, reason)
	}
	return user, nil
}
