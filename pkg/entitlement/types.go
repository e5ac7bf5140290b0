package entitlement

import "time"

// Status is the entitlement-relevant subscription status
type Status string

const (
	StatusInactive Status = "inactive"
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusInactive, StatusTrialing, StatusActive, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}

// IsActiveEquivalent reports whether s grants full access (active or trialing).
func (s Status) IsActiveEquivalent() bool {
	return s == StatusActive || s == StatusTrialing
}

// User is the per-user entitlement record
type User struct {
	ID                     string
	Email                  string
	SubscriptionStatus     Status
	SubscriptionTier       string
	APIKey                 string
	ProviderCustomerID     string
	ProviderSubscriptionID string
	SubscriptionPeriodEnd  *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// HasAPIKey reports whether a key was ever issued to the user.
func (u *User) HasAPIKey() bool {
	return u.APIKey != ""
}

// Subscription mirrors one provider subscription
type Subscription struct {
	ID                 string
	CustomerID         string
	PriceID            string
	Status             Status
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	UserID             string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Meta carries delivery information common to every normalized event
type Meta struct {
	// EventID is the provider event id, or a synthetic id for the
	// confirmation path. Used only by the optional event ledger.
	EventID string

	// Source identifies the path that produced the event ("webhook", "confirm").
	Source string

	OccurredAt time.Time
}

// Event is one of CheckoutCompleted, SubscriptionUpdated or
// SubscriptionCanceled. The set is closed.
type Event interface {
	EventMeta() Meta
	SubscriptionKey() string
	kind() string
}

// CheckoutCompleted reports a checkout session that produced a subscription
type CheckoutCompleted struct {
	Meta

	SessionID      string
	UserID         string
	SubscriptionID string
	CustomerID     string
	PriceID        string
	Status         Status
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// SubscriptionUpdated reports the current state of a subscription. UserID and
// CustomerID are optional; when UserID is empty the owner is taken from the
// stored subscription.
type SubscriptionUpdated struct {
	Meta

	SubscriptionID string
	UserID         string
	CustomerID     string
	PriceID        string
	Status         Status
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// SubscriptionCanceled reports that a subscription was deleted at the provider
type SubscriptionCanceled struct {
	Meta

	SubscriptionID string
}

func (e CheckoutCompleted) EventMeta() Meta         { return e.Meta }
func (e CheckoutCompleted) SubscriptionKey() string { return e.SubscriptionID }
func (e CheckoutCompleted) kind() string            { return "checkout_completed" }

func (e SubscriptionUpdated) EventMeta() Meta         { return e.Meta }
func (e SubscriptionUpdated) SubscriptionKey() string { return e.SubscriptionID }
func (e SubscriptionUpdated) kind() string            { return "subscription_updated" }

func (e SubscriptionCanceled) EventMeta() Meta         { return e.Meta }
func (e SubscriptionCanceled) SubscriptionKey() string { return e.SubscriptionID }
func (e SubscriptionCanceled) kind() string            { return "subscription_canceled" }

// Kind returns a stable label for the event variant, used in logs and metrics.
func Kind(e Event) string {
	if e == nil {
		return "none"
	}
	return e.kind()
}

// Outcome describes what Apply did with an event
type Outcome string

const (
	// OutcomeApplied means the event was written.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event id was already in the ledger.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeStale means a newer state was already stored.
	OutcomeStale Outcome = "stale"
)

// Result is returned by Reconciler.Apply
type Result struct {
	Outcome        Outcome
	UserID         string
	SubscriptionID string
	Status         Status
	Tier           string
	PreviousStatus Status
	PreviousTier   string
	PeriodEnd      *time.Time

	// KeyIssued is true when this call issued the user's first API key.
	KeyIssued bool

	// UserMirrored is false when the user's fields follow another subscription.
	UserMirrored bool

	DefaultsSeeded bool
}
