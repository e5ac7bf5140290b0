package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Provider is the generic interface a payment backend implements.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that verifies, normalizes and
	// applies provider events.
	WebhookHandler() http.Handler

	// ResolveSession reads a checkout session from the provider and
	// returns it as a CheckoutCompleted event. Used by the confirmation path.
	ResolveSession(ctx context.Context, sessionID string) (entitlement.CheckoutCompleted, error)

	// CheckoutURL creates a hosted checkout session for userID and returns its URL.
	CheckoutURL(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}

// VerifiedEvent is a provider event whose signature has been checked.
// Data holds the raw "data.object" payload.
type VerifiedEvent struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool
	Data     json.RawMessage
}

// Verifier authenticates raw webhook bodies.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (*VerifiedEvent, error)
}

// Normalizer maps a verified provider event onto the closed entitlement event
// set. A nil event with a nil error means the event is irrelevant.
type Normalizer interface {
	Normalize(ev *VerifiedEvent) (entitlement.Event, error)
}

// SessionResolver answers "what is the current state of this checkout session".
type SessionResolver interface {
	Resolve(ctx context.Context, sessionID string) (entitlement.CheckoutCompleted, error)
}

// Applier is the write side the webhook handler feeds. Satisfied by
// *entitlement.Reconciler.
type Applier interface {
	Apply(ctx context.Context, e entitlement.Event) (*entitlement.Result, error)
}

// CheckoutRequest describes a subscription checkout to create.
type CheckoutRequest struct {
	UserID     string
	Email      string
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is a created hosted checkout session.
type CheckoutSession struct {
	ID  string
	URL string
}
