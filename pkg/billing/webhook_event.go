package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// WebhookEvent contains information about a successfully applied webhook.
// It is passed to the WebhookCallback after the entitlement write committed.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	SubscriptionID string

	PreviousTier   string
	NewTier        string
	PreviousStatus entitlement.Status
	NewStatus      entitlement.Status

	// KeyIssued is true when this event issued the user's first API key
	KeyIssued bool

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventID and EventType are the provider's identifiers
	EventID   string
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// PeriodEnd is the end of the paid period (nil if unknown)
	PeriodEnd *time.Time
}

// WebhookCallback is called after a webhook event was applied.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error

// NewWebhookEvent builds the callback payload from an Apply result.
func NewWebhookEvent(provider string, ev *VerifiedEvent, res *entitlement.Result) WebhookEvent {
	return WebhookEvent{
		UserID:         res.UserID,
		SubscriptionID: res.SubscriptionID,
		PreviousTier:   res.PreviousTier,
		NewTier:        res.Tier,
		PreviousStatus: res.PreviousStatus,
		NewStatus:      res.Status,
		KeyIssued:      res.KeyIssued,
		Provider:       provider,
		EventID:        ev.ID,
		EventType:      ev.Type,
		EventTimestamp: ev.Created,
		PeriodEnd:      res.PeriodEnd,
	}
}
